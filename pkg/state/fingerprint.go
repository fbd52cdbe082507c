package state

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"

	twerrors "github.com/dshills/tablewatch/pkg/errors"
)

// Kind classifies how a column was summarised.
type Kind string

const (
	// KindNumeric columns hold only numbers (and nulls).
	KindNumeric Kind = "numeric"
	// KindCategorical columns hold strings, bools, times, stringers or mixed scalars.
	KindCategorical Kind = "categorical"
	// KindEmpty is used for every column of a zero-row dataset.
	KindEmpty Kind = "empty"
	// KindOpaque marks a column that could not be summarised. Opaque
	// fingerprints from different captures never compare equal.
	KindOpaque Kind = "opaque"
)

// Fingerprint is a per-column statistical summary used for cheap change
// detection. Only the fields relevant to Kind are populated.
type Fingerprint struct {
	Kind      Kind `json:"kind"`
	NullCount int  `json:"null_count"`

	// numeric
	Count int     `json:"count,omitempty"`
	Min   float64 `json:"min,omitempty"`
	Max   float64 `json:"max,omitempty"`
	Mean  float64 `json:"mean,omitempty"`
	Sum   float64 `json:"sum,omitempty"`

	// categorical
	UniqueCount     int    `json:"unique_count,omitempty"`
	MostCommonValue string `json:"most_common_value,omitempty"`
	MostCommonCount int    `json:"most_common_count,omitempty"`

	// opaque: the capture that produced it
	Nonce string `json:"nonce,omitempty"`
}

// Equal compares two fingerprints field by field. NaN statistics (from
// mixed infinities) compare equal to each other.
func (f Fingerprint) Equal(other Fingerprint) bool {
	if f.Kind != other.Kind || f.NullCount != other.NullCount || f.Nonce != other.Nonce {
		return false
	}
	if f.Count != other.Count || !sameFloat(f.Min, other.Min) || !sameFloat(f.Max, other.Max) ||
		!sameFloat(f.Mean, other.Mean) || !sameFloat(f.Sum, other.Sum) {
		return false
	}
	return f.UniqueCount == other.UniqueCount &&
		f.MostCommonValue == other.MostCommonValue &&
		f.MostCommonCount == other.MostCommonCount
}

func sameFloat(a, b float64) bool {
	return a == b || (math.IsNaN(a) && math.IsNaN(b))
}

// IsEmpty reports whether the fingerprint describes a zero-row column.
func (f Fingerprint) IsEmpty() bool {
	return f.Kind == KindEmpty
}

// fingerprintColumn summarises one column in a single pass over its values.
// nonce identifies the capture and is only used for opaque fallbacks.
func fingerprintColumn(name string, values []interface{}, rows int, nonce string) (Fingerprint, *twerrors.FingerprintError) {
	if rows == 0 {
		return Fingerprint{Kind: KindEmpty}, nil
	}

	var (
		nulls     int
		numeric   = true
		count     int
		lo, hi    float64
		sum       float64
		frequency = make(map[string]int)
	)

	for i, v := range values {
		if isNull(v) {
			nulls++
			continue
		}
		key, f, isNum, ok := classify(v)
		if !ok {
			return Fingerprint{Kind: KindOpaque, Nonce: nonce}, &twerrors.FingerprintError{Column: name, Row: i, Value: v}
		}
		frequency[key]++
		if !isNum {
			numeric = false
			continue
		}
		if count == 0 || f < lo {
			lo = f
		}
		if count == 0 || f > hi {
			hi = f
		}
		sum += f
		count++
	}

	if numeric && count > 0 {
		return Fingerprint{
			Kind:      KindNumeric,
			NullCount: nulls,
			Count:     count,
			Min:       lo,
			Max:       hi,
			Mean:      sum / float64(count),
			Sum:       sum,
		}, nil
	}

	fp := Fingerprint{
		Kind:        KindCategorical,
		NullCount:   nulls,
		UniqueCount: len(frequency),
	}
	// Ties go to the lexicographically smallest canonical key.
	var bestKey string
	for key, n := range frequency {
		if n > fp.MostCommonCount || (n == fp.MostCommonCount && key < bestKey) {
			bestKey = key
			fp.MostCommonCount = n
		}
	}
	if bestKey != "" {
		fp.MostCommonValue = bestKey[2:]
	}
	return fp, nil
}

func isNull(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return true
	case float64:
		return math.IsNaN(x)
	case float32:
		return math.IsNaN(float64(x))
	}
	// Typed nils, such as a nil *url.URL, count as missing values.
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

// classify returns the canonical key of a scalar value. Keys carry a
// two-character type prefix so that "1" and 1 count as distinct values.
func classify(v interface{}) (key string, num float64, isNum, ok bool) {
	switch x := v.(type) {
	case string:
		return "s:" + x, 0, false, true
	case bool:
		return "b:" + strconv.FormatBool(x), 0, false, true
	case int:
		return numKey(float64(x)), float64(x), true, true
	case int64:
		return numKey(float64(x)), float64(x), true, true
	case int32:
		return numKey(float64(x)), float64(x), true, true
	case float64:
		return numKey(x), x, true, true
	case float32:
		return numKey(float64(x)), float64(x), true, true
	case time.Time:
		return "t:" + x.UTC().Format(time.RFC3339Nano), 0, false, true
	case fmt.Stringer:
		str, ok := stringify(x)
		if !ok {
			return "", 0, false, false
		}
		return "v:" + str, 0, false, true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		f := float64(rv.Int())
		return numKey(f), f, true, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		f := float64(rv.Uint())
		return numKey(f), f, true, true
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) {
			return "", 0, false, false
		}
		return numKey(f), f, true, true
	case reflect.String:
		return "s:" + rv.String(), 0, false, true
	case reflect.Bool:
		return "b:" + strconv.FormatBool(rv.Bool()), 0, false, true
	}
	return "", 0, false, false
}

// stringify calls String, reporting false if it panics.
func stringify(x fmt.Stringer) (str string, ok bool) {
	defer func() {
		if recover() != nil {
			str, ok = "", false
		}
	}()
	return x.String(), true
}

func numKey(f float64) string {
	return "n:" + strconv.FormatFloat(f, 'g', -1, 64)
}
