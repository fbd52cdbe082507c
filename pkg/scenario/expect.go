package scenario

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/tidwall/gjson"
)

// ExpectationResult is the outcome of one Expect.
type ExpectationResult struct {
	Path    string      `json:"path"`
	Passed  bool        `json:"passed"`
	Got     interface{} `json:"got"`
	Message string      `json:"message,omitempty"`
}

// Check evaluates expects against the JSON document doc.
func Check(doc []byte, expects []Expect) []ExpectationResult {
	if len(expects) == 0 {
		return nil
	}
	parsed := gjson.ParseBytes(doc)
	results := make([]ExpectationResult, 0, len(expects))
	for _, e := range expects {
		results = append(results, check(parsed, e))
	}
	return results
}

func check(doc gjson.Result, e Expect) ExpectationResult {
	got := doc.Get(e.Path)
	res := ExpectationResult{Path: e.Path, Got: got.Value(), Passed: true}

	if e.Exists != nil && got.Exists() != *e.Exists {
		res.Passed = false
		res.Message = fmt.Sprintf("exists = %t, want %t", got.Exists(), *e.Exists)
		return res
	}
	if e.Equals == nil {
		if e.Exists == nil && !got.Exists() {
			res.Passed = false
			res.Message = "path does not resolve"
		}
		return res
	}

	want, err := normalize(e.Equals)
	if err != nil {
		res.Passed = false
		res.Message = err.Error()
		return res
	}
	if !reflect.DeepEqual(got.Value(), want) {
		res.Passed = false
		res.Message = fmt.Sprintf("got %s, want %v", got.Raw, e.Equals)
	}
	return res
}

// normalize gives v the shape gjson produces for the same JSON value, so
// YAML ints compare equal to JSON numbers.
func normalize(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("expected value is not JSON encodable: %w", err)
	}
	return gjson.ParseBytes(raw).Value(), nil
}
