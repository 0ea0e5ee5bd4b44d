package query

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Operator names follow the MongoDB $-notation. $eq, $neq, $lt, $lte, $gt,
// $gte compare a field value against a single operand; $in and $nin test
// membership in an array operand.
const (
	OpEq  = "$eq"
	OpNeq = "$neq"
	OpLt  = "$lt"
	OpLte = "$lte"
	OpGt  = "$gt"
	OpGte = "$gte"
	OpIn  = "$in"
	OpNin = "$nin"
)

// opFunc tests a field value against an operand. Returns false when the
// comparison is not defined for the value types involved.
type opFunc func(value, operand any) bool

var operators = map[string]opFunc{
	OpEq:  func(v, o any) bool { return equal(v, o) },
	OpNeq: func(v, o any) bool { return !equal(v, o) },
	OpLt: func(v, o any) bool {
		c, ok := compare(v, o)
		return ok && c < 0
	},
	OpLte: func(v, o any) bool {
		c, ok := compare(v, o)
		return ok && c <= 0
	},
	OpGt: func(v, o any) bool {
		c, ok := compare(v, o)
		return ok && c > 0
	},
	OpGte: func(v, o any) bool {
		c, ok := compare(v, o)
		return ok && c >= 0
	},
	OpIn:  contains,
	OpNin: func(v, o any) bool { return !contains(v, o) },
}

// IsOperator reports whether name is a recognized query operator.
func IsOperator(name string) bool {
	_, ok := operators[name]
	return ok
}

// asFloat normalizes the numeric types encoding/json and Go callers produce
// to float64. Returns false for non-numeric values.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// equal tests deep equality with numeric normalization, so a document value
// of float64(42) matches an int operand of 42. Arrays compare element-wise
// with the same normalization.
func equal(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		fb, ok := asFloat(b)
		return ok && fa == fb
	}
	if sa, ok := toSlice(a); ok {
		sb, ok := toSlice(b)
		if !ok || len(sa) != len(sb) {
			return false
		}
		for i := range sa {
			if !equal(sa[i], sb[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

// compare orders two values. Numbers order numerically, strings
// lexicographically. Mixed or unordered types return ok=false, which makes
// ordering operators not match rather than panic.
func compare(a, b any) (int, bool) {
	if fa, ok := asFloat(a); ok {
		fb, ok := asFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}
	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		switch {
		case sa < sb:
			return -1, true
		case sa > sb:
			return 1, true
		default:
			return 0, true
		}
	}
	return 0, false
}

// contains reports whether value equals any element of the array operand.
// The operand's array shape is validated at compile time.
func contains(value, operand any) bool {
	items, ok := toSlice(operand)
	if !ok {
		return false
	}
	for _, item := range items {
		if equal(value, item) {
			return true
		}
	}
	return false
}

// toSlice accepts the slice shapes a JSON body or a Go caller can supply.
func toSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	case []int:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	case []float64:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	default:
		return nil, false
	}
}

// validateOperand checks operator/operand pairs at compile time so execution
// never has to report errors per record.
func validateOperand(op string, operand any) error {
	switch op {
	case OpIn, OpNin:
		if _, ok := toSlice(operand); !ok {
			return fmt.Errorf("%w: %s requires an array operand", ErrBadOperand, op)
		}
	}
	return nil
}
