package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// ValueKind tags the concrete type held by a Value.
type ValueKind string

const (
	KindInt     ValueKind = "int"
	KindFloat   ValueKind = "float"
	KindBool    ValueKind = "bool"
	KindString  ValueKind = "string"
	KindTime    ValueKind = "time"
	KindDecimal ValueKind = "decimal"
)

// Value is the tagged union used for context variables: open-ended keys,
// closed set of scalar types. Values serialize losslessly — an int stored
// before a checkpoint is an int after restore, never a float.
type Value struct {
	kind ValueKind
	i    int64
	f    float64
	b    bool
	s    string
	t    time.Time
	d    decimal.Decimal
}

func IntValue(v int64) Value       { return Value{kind: KindInt, i: v} }
func FloatValue(v float64) Value   { return Value{kind: KindFloat, f: v} }
func BoolValue(v bool) Value       { return Value{kind: KindBool, b: v} }
func StringValue(v string) Value   { return Value{kind: KindString, s: v} }
func TimeValue(v time.Time) Value  { return Value{kind: KindTime, t: v} }
func DecimalValue(v decimal.Decimal) Value {
	return Value{kind: KindDecimal, d: v}
}

// Kind reports the tag; the zero Value has an empty kind.
func (v Value) Kind() ValueKind { return v.kind }

// IsZero reports whether the Value was never set.
func (v Value) IsZero() bool { return v.kind == "" }

func (v Value) Int() (int64, bool)     { return v.i, v.kind == KindInt }
func (v Value) Float() (float64, bool) { return v.f, v.kind == KindFloat }
func (v Value) Bool() (bool, bool)     { return v.b, v.kind == KindBool }
func (v Value) Str() (string, bool)    { return v.s, v.kind == KindString }
func (v Value) Time() (time.Time, bool) {
	return v.t, v.kind == KindTime
}
func (v Value) Decimal() (decimal.Decimal, bool) {
	return v.d, v.kind == KindDecimal
}

// Interface returns the held value as an any, nil for the zero Value.
func (v Value) Interface() any {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindBool:
		return v.b
	case KindString:
		return v.s
	case KindTime:
		return v.t
	case KindDecimal:
		return v.d
	}
	return nil
}

// String renders the value for logs and CLI output.
func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindString:
		return v.s
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	case KindDecimal:
		return v.d.String()
	}
	return "<unset>"
}

// Equal compares kind and value.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindTime:
		return v.t.Equal(o.t)
	case KindDecimal:
		return v.d.Equal(o.d)
	default:
		return v.i == o.i && v.f == o.f && v.b == o.b && v.s == o.s
	}
}

// ValueFromInterface converts a plain Go scalar into a Value. Integer types
// widen to int64; unsupported types are rejected.
func ValueFromInterface(raw any) (Value, error) {
	switch v := raw.(type) {
	case int:
		return IntValue(int64(v)), nil
	case int32:
		return IntValue(int64(v)), nil
	case int64:
		return IntValue(v), nil
	case float64:
		return FloatValue(v), nil
	case float32:
		return FloatValue(float64(v)), nil
	case bool:
		return BoolValue(v), nil
	case string:
		return StringValue(v), nil
	case time.Time:
		return TimeValue(v), nil
	case decimal.Decimal:
		return DecimalValue(v), nil
	default:
		return Value{}, fmt.Errorf("unsupported variable type %T", raw)
	}
}

type valueEnvelope struct {
	Kind  ValueKind `json:"kind"`
	Value string    `json:"value"`
}

// MarshalJSON encodes the value as {"kind": ..., "value": "..."} with the
// payload always a string, so numeric precision never leaks through a JSON
// number.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == "" {
		return nil, fmt.Errorf("cannot marshal unset value")
	}
	return json.Marshal(valueEnvelope{Kind: v.kind, Value: v.String()})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var env valueEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	switch env.Kind {
	case KindInt:
		n, err := strconv.ParseInt(env.Value, 10, 64)
		if err != nil {
			return fmt.Errorf("int value %q: %w", env.Value, err)
		}
		*v = IntValue(n)
	case KindFloat:
		f, err := strconv.ParseFloat(env.Value, 64)
		if err != nil {
			return fmt.Errorf("float value %q: %w", env.Value, err)
		}
		*v = FloatValue(f)
	case KindBool:
		b, err := strconv.ParseBool(env.Value)
		if err != nil {
			return fmt.Errorf("bool value %q: %w", env.Value, err)
		}
		*v = BoolValue(b)
	case KindString:
		*v = StringValue(env.Value)
	case KindTime:
		t, err := time.Parse(time.RFC3339Nano, env.Value)
		if err != nil {
			return fmt.Errorf("time value %q: %w", env.Value, err)
		}
		*v = TimeValue(t)
	case KindDecimal:
		d, err := decimal.NewFromString(env.Value)
		if err != nil {
			return fmt.Errorf("decimal value %q: %w", env.Value, err)
		}
		*v = DecimalValue(d)
	default:
		return fmt.Errorf("unknown value kind %q", env.Kind)
	}
	return nil
}
