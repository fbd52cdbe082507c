package errors

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOperationalError_NilCause(t *testing.T) {
	assert.Nil(t, NewOperationalError("step 1", "grid", nil))
	assert.Nil(t, NewOperationalErrorWithAttrs("step 1", "grid", nil, map[string]interface{}{"a": 1}))

	var e *OperationalError
	assert.Equal(t, "<nil OperationalError>", e.Error())
	assert.NoError(t, e.Unwrap())
}

func TestOperationalError_Format(t *testing.T) {
	cause := errors.New("boom")

	withSub := NewOperationalError("step 3", "grid", cause)
	assert.True(t, strings.HasSuffix(withSub.Error(), "step 3: subscriber=grid: boom"))
	assert.ErrorIs(t, withSub, cause)

	noSub := NewOperationalError("step 3", "", cause)
	assert.True(t, strings.HasSuffix(noSub.Error(), "step 3: boom"))
	assert.NotContains(t, noSub.Error(), "subscriber=")
}

func TestRegistrationError_Unwrap(t *testing.T) {
	err := NewRegistrationError("grid", "duplicate subscriber", ErrAlreadyRegistered)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
	assert.Contains(t, err.Error(), "registration rejected for grid")

	anon := NewRegistrationError("", "nil subscriber", ErrNilSubscriber)
	assert.Equal(t, "registration rejected: nil subscriber: subscriber cannot be nil", anon.Error())
}

func TestUpdateCallbackError_Messages(t *testing.T) {
	cause := errors.New("render failed")

	failed := NewUpdateCallbackError("grid", "update", false, cause)
	assert.Equal(t, "update callback of grid failed: render failed", failed.Error())
	assert.ErrorIs(t, failed, cause)

	panicked := NewUpdateCallbackError("grid", "update", true, cause)
	assert.Contains(t, panicked.Error(), "panicked")
}

func TestFingerprintError_Message(t *testing.T) {
	err := &FingerprintError{Column: "blob", Row: 4, Value: struct{}{}}
	assert.Equal(t, `column "blob": unsupported value of type struct {} at row 4`, err.Error())
}
