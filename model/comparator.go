package model

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/yalp/jsonpath"
)

// objectJSON encodes objects selected by raw paths with sorted keys and
// without HTML escaping so expectations can be written as JSON text.
var objectJSON = sonic.Config{SortMapKeys: true}.Froze()

// Properties used for diagnostics that are not response fields.
const (
	PropertyError      = "error"
	PropertyComparison = "comparison"
)

// Verdict is the outcome of comparing one test against a device response.
type Verdict struct {
	Result Result           `json:"result"`
	Errors []MismatchRecord `json:"errors"`
}

func (v Verdict) Passed() bool {
	return v.Result == ResultSuccess
}

// Comparator checks a device response against the partial expectation of a
// test. Every field set in the expectation is checked with a containment test
// and all mismatches are collected in one pass.
type Comparator struct {
	CaseSensitive bool
}

func NewComparator(caseSensitive bool) *Comparator {
	return &Comparator{CaseSensitive: caseSensitive}
}

// Compare validates actual against test.Expected. A non-nil priorErr means the
// device call failed; the step fails without looking at any field.
func (c *Comparator) Compare(test Test, actual *ActualResult, priorErr error) Verdict {
	if priorErr != nil {
		return failed(MismatchRecord{
			Property: PropertyError,
			Expected: nil,
			Actual:   priorErr.Error(),
		})
	}

	if test.Comparison != ComparisonContains {
		return failed(MismatchRecord{
			Property: PropertyComparison,
			Expected: string(ComparisonContains),
			Actual:   string(test.Comparison),
		})
	}

	if actual == nil {
		actual = &ActualResult{}
	}

	errs := make([]MismatchRecord, 0)
	errs = c.checkField(errs, "transcript", test.Expected.Transcript, actual.Transcript)
	errs = c.checkField(errs, "streamURL", test.Expected.StreamURL, actual.StreamURL)
	if card, ok := test.Expected.Card.Get(); ok {
		errs = c.checkCard(errs, "card", card, actual.Card)
	}
	for _, path := range SortedKeys(test.Expected.Raw) {
		errs = c.checkRaw(errs, path, test.Expected.Raw[path], actual.Debug.RawJSON)
	}

	if len(errs) > 0 {
		return Verdict{Result: ResultFailure, Errors: errs}
	}
	return Verdict{Result: ResultSuccess, Errors: errs}
}

func (c *Comparator) checkCard(errs []MismatchRecord, prefix string, want ExpectedCard, got *Card) []MismatchRecord {
	if got == nil {
		got = &Card{}
	}
	errs = c.checkField(errs, joinPath(prefix, "mainTitle"), want.MainTitle, got.MainTitle)
	errs = c.checkField(errs, joinPath(prefix, "subTitle"), want.SubTitle, got.SubTitle)
	errs = c.checkField(errs, joinPath(prefix, "textField"), want.TextField, got.TextField)
	errs = c.checkField(errs, joinPath(prefix, "imageURL"), want.ImageURL, got.ImageURL)
	errs = c.checkField(errs, joinPath(prefix, "type"), want.Type, got.Type)
	return errs
}

func (c *Comparator) checkField(errs []MismatchRecord, property string, want Optional[string], got *string) []MismatchRecord {
	expected, ok := want.Get()
	if !ok {
		return errs
	}
	if got == nil {
		return append(errs, MismatchRecord{Property: property, Expected: expected, Actual: nil})
	}
	if !c.Contains(*got, expected) {
		return append(errs, MismatchRecord{Property: property, Expected: expected, Actual: *got})
	}
	return errs
}

func (c *Comparator) checkRaw(errs []MismatchRecord, path, expected string, raw any) []MismatchRecord {
	property := "debug.rawJSON" + strings.TrimPrefix(path, "$")
	if raw == nil {
		return append(errs, MismatchRecord{Property: property, Expected: expected, Actual: nil})
	}
	value, err := jsonpath.Read(raw, path)
	if err != nil || value == nil {
		return append(errs, MismatchRecord{Property: property, Expected: expected, Actual: nil})
	}
	got := stringify(value)
	if !c.Contains(got, expected) {
		return append(errs, MismatchRecord{Property: property, Expected: expected, Actual: got})
	}
	return errs
}

// Contains is the containment check applied to every leaf.
func (c *Comparator) Contains(actual, expected string) bool {
	if c.CaseSensitive {
		return strings.Contains(actual, expected)
	}
	return strings.Contains(strings.ToLower(actual), strings.ToLower(expected))
}

func failed(record MismatchRecord) Verdict {
	return Verdict{Result: ResultFailure, Errors: []MismatchRecord{record}}
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// stringify renders a decoded JSON value for containment checks; whole floats
// print without a fraction.
func stringify(v interface{}) string {
	if v == nil {
		return "null"
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		var parts []string
		for i := 0; i < rv.Len(); i++ {
			parts = append(parts, stringify(rv.Index(i).Interface()))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f == float64(int64(f)) {
			return fmt.Sprintf("%d", int64(f))
		}
		return fmt.Sprintf("%g", f)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return fmt.Sprintf("%d", rv.Int())
	case reflect.String:
		return rv.String()
	case reflect.Map:
		if out, err := objectJSON.MarshalToString(v); err == nil {
			return out
		}
		return fmt.Sprint(v)
	default:
		return fmt.Sprint(v)
	}
}
