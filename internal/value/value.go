// Package value implements the tagged-union Value type shared by the
// Variable Store, Rule Engine conditions and Action set-variable/SSH
// actions (spec.md §3).
package value

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/tianshan-edge/sentryd/internal/coreerr"
)

// Type discriminates the Value union.
type Type int

const (
	Bool Type = iota
	Int
	Float
	String
)

func (t Type) String() string {
	switch t {
	case Bool:
		return "bool"
	case Int:
		return "int"
	case Float:
		return "float"
	case String:
		return "string"
	default:
		return "unknown"
	}
}

// MaxStringLen is the bounded length for a string Value, matching the
// "bounded UTF-8 string" requirement of spec.md §3.
const MaxStringLen = 4096

// EqualTolerance is the widened-to-float equality tolerance from spec.md §3.
const EqualTolerance = 1e-4

// Value is the tagged union over {bool, int32, float64, bounded string}.
type Value struct {
	typ Type
	b   bool
	i   int32
	f   float64
	s   string
}

func FromBool(b bool) Value    { return Value{typ: Bool, b: b} }
func FromInt(i int32) Value    { return Value{typ: Int, i: i} }
func FromFloat(f float64) Value { return Value{typ: Float, f: f} }

// FromString builds a String Value, truncating to MaxStringLen.
func FromString(s string) Value {
	if len(s) > MaxStringLen {
		s = s[:MaxStringLen]
	}
	return Value{typ: String, s: s}
}

func (v Value) Type() Type { return v.typ }

func (v Value) Bool() bool     { return v.b }
func (v Value) Int() int32     { return v.i }
func (v Value) Float() float64 { return v.f }
func (v Value) String() string {
	switch v.typ {
	case Bool:
		return fmt.Sprintf("%v", v.b)
	case Int:
		return fmt.Sprintf("%d", v.i)
	case Float:
		return fmt.Sprintf("%v", v.f)
	default:
		return v.s
	}
}

// AsFloat widens any numeric/boolean operand to float64, per spec.md §3's
// cross-type comparison rule.
func (v Value) AsFloat() (float64, bool) {
	switch v.typ {
	case Bool:
		if v.b {
			return 1, true
		}
		return 0, true
	case Int:
		return float64(v.i), true
	case Float:
		return v.f, true
	default:
		return 0, false
	}
}

// Equal implements cross-type equality: strings compare lexicographically,
// everything else widens to float and compares within EqualTolerance.
func Equal(a, b Value) bool {
	if a.typ == String || b.typ == String {
		return a.typ == String && b.typ == String && a.s == b.s
	}
	af, _ := a.AsFloat()
	bf, _ := b.AsFloat()
	return math.Abs(af-bf) <= EqualTolerance
}

// Compare returns -1, 0, 1 for a<b, a==b, a>b. Strings compare
// lexicographically; everything else widens to float.
func Compare(a, b Value) (int, error) {
	if a.typ == String || b.typ == String {
		if a.typ != String || b.typ != String {
			return 0, coreerr.New(coreerr.InvalidArgument, "cannot order string against non-string value")
		}
		return strings.Compare(a.s, b.s), nil
	}
	af, _ := a.AsFloat()
	bf, _ := b.AsFloat()
	switch {
	case math.Abs(af-bf) <= EqualTolerance:
		return 0, nil
	case af < bf:
		return -1, nil
	default:
		return 1, nil
	}
}

// Contains is the substring test; both operands must be strings.
func Contains(haystack, needle Value) bool {
	if haystack.typ != String || needle.typ != String {
		return false
	}
	return strings.Contains(haystack.s, needle.s)
}

// MarshalJSON encodes v as a bare JSON bool, number or string.
// UnmarshalJSON decodes through FromRaw, matching spec.md §6's "numeric
// values decode to integer when representable exactly in int32 range,
// else float" rule.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.typ {
	case Bool:
		return json.Marshal(v.b)
	case Int:
		return json.Marshal(v.i)
	case Float:
		return json.Marshal(v.f)
	default:
		return json.Marshal(v.s)
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return coreerr.Wrap(coreerr.ParseError, err)
	}
	*v = FromRaw(raw)
	return nil
}

// FromRaw classifies a decoded JSON value per spec.md §6's numeric rule:
// integer if exactly representable in int32 range, else float.
func FromRaw(raw interface{}) Value {
	switch t := raw.(type) {
	case bool:
		return FromBool(t)
	case string:
		return FromString(t)
	case float64:
		if t == math.Trunc(t) && t >= math.MinInt32 && t <= math.MaxInt32 {
			return FromInt(int32(t))
		}
		return FromFloat(t)
	case int32:
		return FromInt(t)
	case int:
		if t >= math.MinInt32 && t <= math.MaxInt32 {
			return FromInt(int32(t))
		}
		return FromFloat(float64(t))
	case float32:
		return FromFloat(float64(t))
	default:
		return FromString(fmt.Sprintf("%v", t))
	}
}
