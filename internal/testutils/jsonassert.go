package testutils

import (
	"encoding/json"
	"fmt"
	"sort"
	"testing"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// Anything is the placeholder an expectation uses for a value that varies
// between runs, such as a timestamp or a PID. The matching actual value
// only has to be present.
const Anything = "<<ANYTHING>>"

// JSONAssertOptions controls structural JSON comparison.
type JSONAssertOptions struct {
	// IgnoreExtraKeys accepts actual objects that carry keys the
	// expectation does not mention.
	IgnoreExtraKeys bool `default:"true"`
	// IgnoreArrayOrder sorts arrays on both sides before comparing.
	IgnoreArrayOrder bool `default:"false"`
	// DropFields removes the named object keys everywhere before
	// comparison, on both sides.
	DropFields []string `default:""`
}

// JSONOption mutates JSONAssertOptions.
type JSONOption func(*JSONAssertOptions)

// StrictKeys makes extra keys in the actual document a failure.
func StrictKeys() JSONOption { return func(o *JSONAssertOptions) { o.IgnoreExtraKeys = false } }

// IgnoreArrayOrder compares arrays as multisets.
func IgnoreArrayOrder() JSONOption { return func(o *JSONAssertOptions) { o.IgnoreArrayOrder = true } }

// DropFields removes the named keys from both documents before comparing.
func DropFields(names ...string) JSONOption {
	return func(o *JSONAssertOptions) { o.DropFields = names }
}

// JSONAsserter compares JSON documents structurally and reports differences
// in gojsondiff's ascii format.
type JSONAsserter struct {
	t    *testing.T
	opts JSONAssertOptions
}

// AssertJSON compares actual against expected with the given options.
func AssertJSON(t *testing.T, actual, expected string, opts ...JSONOption) {
	t.Helper()
	NewJSONAsserter(t, opts...).Assert(actual, expected)
}

// NewJSONAsserter builds an asserter; options apply on top of defaults.
func NewJSONAsserter(t *testing.T, opts ...JSONOption) *JSONAsserter {
	o := JSONAssertOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}
	return &JSONAsserter{t: t, opts: o}
}

// MustJSON marshals v or panics; for building expectations inline.
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// Assert reports an error with a structural diff when the documents differ.
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) {
	if diff := ja.diff(actualJSON, expectedJSON); diff != "" {
		ja.t.Errorf("JSON mismatch:\n%s", diff)
	}
}

func (ja *JSONAsserter) diff(actualJSON, expectedJSON string) string {
	var expected, actual interface{}
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("expected document is not JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("actual document is not JSON: %v", err)
	}

	// gojsondiff compares objects; wrap top-level arrays.
	if _, ok := expected.([]interface{}); ok {
		expected = map[string]interface{}{"items": expected}
		actual = map[string]interface{}{"items": actual}
	}

	for _, name := range ja.opts.DropFields {
		dropField(expected, name)
		dropField(actual, name)
	}
	adoptPlaceholders(expected, actual)
	if ja.opts.IgnoreArrayOrder {
		sortArraysDeep(expected)
		sortArraysDeep(actual)
	}
	if ja.opts.IgnoreExtraKeys {
		dropUnexpectedKeys(actual, expected)
	}

	expectedBytes, _ := json.Marshal(expected)
	actualBytes, _ := json.Marshal(actual)
	d, err := gojsondiff.New().Compare(expectedBytes, actualBytes)
	if err != nil {
		return fmt.Sprintf("compare: %v", err)
	}
	if !d.Modified() {
		return ""
	}
	text, _ := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{
		ShowArrayIndex: true,
	}).Format(d)
	return text
}

// adoptPlaceholders copies the actual value over every Anything marker in
// the expectation so presence is all that gets checked.
func adoptPlaceholders(expected, actual interface{}) {
	switch exp := expected.(type) {
	case map[string]interface{}:
		act, ok := actual.(map[string]interface{})
		if !ok {
			return
		}
		for k, v := range exp {
			if s, ok := v.(string); ok && s == Anything {
				if actVal, present := act[k]; present {
					exp[k] = actVal
				}
				continue
			}
			adoptPlaceholders(v, act[k])
		}
	case []interface{}:
		act, ok := actual.([]interface{})
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				if s, ok := exp[i].(string); ok && s == Anything {
					exp[i] = act[i]
					continue
				}
				adoptPlaceholders(exp[i], act[i])
			}
		}
	}
}

func dropField(doc interface{}, name string) {
	switch v := doc.(type) {
	case map[string]interface{}:
		delete(v, name)
		for _, child := range v {
			dropField(child, name)
		}
	case []interface{}:
		for _, child := range v {
			dropField(child, name)
		}
	}
}

// dropUnexpectedKeys removes keys from actual objects that the expectation
// never mentions, recursing along the shared structure.
func dropUnexpectedKeys(actual, expected interface{}) {
	switch exp := expected.(type) {
	case map[string]interface{}:
		act, ok := actual.(map[string]interface{})
		if !ok {
			return
		}
		for k := range act {
			if _, wanted := exp[k]; !wanted {
				delete(act, k)
			}
		}
		for k := range exp {
			dropUnexpectedKeys(act[k], exp[k])
		}
	case []interface{}:
		act, ok := actual.([]interface{})
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				dropUnexpectedKeys(act[i], exp[i])
			}
		}
	}
}

// sortArraysDeep orders every array by the JSON encoding of its elements.
func sortArraysDeep(doc interface{}) {
	switch v := doc.(type) {
	case map[string]interface{}:
		for _, child := range v {
			sortArraysDeep(child)
		}
	case []interface{}:
		sort.Slice(v, func(i, j int) bool {
			a, _ := json.Marshal(v[i])
			b, _ := json.Marshal(v[j])
			return string(a) < string(b)
		})
		for _, child := range v {
			sortArraysDeep(child)
		}
	}
}
