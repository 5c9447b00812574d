// internal/rules/coercion.go
package rules

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
)

/*
 * Typed values for variables and condition terms.
 *
 * Values come from three places: decoded JSON bodies (numbers arrive as
 * json.Number), header and query strings, and configured constants.
 * Coerce maps a decoded JSON value onto one of the kinds below.
 *
 * Equality is same-kind only. A string "true" never equals the boolean
 * true, and an undefined value equals nothing, not even another undefined
 * value. Numbers compare with an absolute tolerance of 0.1.
 */

// Kind classifies a Value.
type Kind int

const (
	KindUndefined Kind = iota
	KindNull
	KindString
	KindNumber
	KindBool
	KindJSON // object or array
)

// NumberTolerance is the absolute difference below which numbers are equal.
const NumberTolerance = 0.1

// Value is a typed variable or term value. The zero Value is undefined.
type Value struct {
	Kind Kind
	Str  string  // KindString; literal text for KindNumber
	Num  float64 // KindNumber
	Bool bool    // KindBool
	JSON any     // KindJSON: map[string]any or []any
}

// Undefined returns the undefined value.
func Undefined() Value { return Value{} }

// StringValue wraps s.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// NumberValue wraps f.
func NumberValue(f float64) Value {
	return Value{Kind: KindNumber, Num: f, Str: strconv.FormatFloat(f, 'f', -1, 64)}
}

// BoolValue wraps b.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Coerce converts a decoded JSON value into a Value. Numbers keep their
// literal text for rendering.
func Coerce(v any) Value {
	switch t := v.(type) {
	case nil:
		return Value{Kind: KindNull}
	case string:
		return StringValue(t)
	case bool:
		return BoolValue(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return StringValue(t.String())
		}
		return Value{Kind: KindNumber, Num: f, Str: t.String()}
	case float64:
		return NumberValue(t)
	case int:
		return NumberValue(float64(t))
	case int64:
		return NumberValue(float64(t))
	case map[string]any, []any:
		return Value{Kind: KindJSON, JSON: t}
	}
	return Undefined()
}

// Defined reports whether the value is bound.
func (v Value) Defined() bool {
	return v.Kind != KindUndefined
}

// IsEmpty reports whether the value is undefined, null, the empty string,
// or an empty object or array.
func (v Value) IsEmpty() bool {
	switch v.Kind {
	case KindUndefined, KindNull:
		return true
	case KindString:
		return v.Str == ""
	case KindJSON:
		switch j := v.JSON.(type) {
		case map[string]any:
			return len(j) == 0
		case []any:
			return len(j) == 0
		}
	}
	return false
}

// Text renders the value as it appears in headers, logs and modifiers.
// Undefined renders as the empty string.
func (v Value) Text() string {
	switch v.Kind {
	case KindString, KindNumber:
		return v.Str
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindNull:
		return "null"
	case KindJSON:
		raw, err := json.Marshal(v.JSON)
		if err != nil {
			return ""
		}
		return string(raw)
	}
	return ""
}

// MarshalValue renders the value as a JSON document. Undefined yields null.
func (v Value) MarshalValue() ([]byte, error) {
	switch v.Kind {
	case KindString:
		return json.Marshal(v.Str)
	case KindNumber:
		return []byte(v.Str), nil
	case KindBool:
		return json.Marshal(v.Bool)
	case KindJSON:
		return json.Marshal(v.JSON)
	}
	return []byte("null"), nil
}

// Equal compares two values of the same kind. Undefined operands never match.
func Equal(a, b Value) bool {
	if !a.Defined() || !b.Defined() || a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindString:
		return a.Str == b.Str
	case KindNumber:
		return math.Abs(a.Num-b.Num) < NumberTolerance
	case KindBool:
		return a.Bool == b.Bool
	case KindNull:
		return true
	case KindJSON:
		return reflect.DeepEqual(a.JSON, b.JSON)
	}
	return false
}
