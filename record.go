package cpra

import (
	"math"
	"strconv"
	"strings"
)

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindString
	KindInt
	KindFloat
)

// Value is a tagged variant holding one non-key column. The zero Value is
// null.
type Value struct {
	Kind  ValueKind
	Str   string
	Int   int64
	Float float64
}

func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

func IntValue(i int64) Value { return Value{Kind: KindInt, Int: i} }

func FloatValue(f float64) Value { return Value{Kind: KindFloat, Float: f} }

func (v Value) IsNull() bool { return v.Kind == KindNull }

func (v Value) Equal(o Value) bool { return v == o }

// AsFloat returns the numeric content of v.
func (v Value) AsFloat() (float64, bool) {
	switch v.Kind {
	case KindFloat:
		return v.Float, true
	case KindInt:
		return float64(v.Int), true
	}
	return 0, false
}

// Format renders v the way it is written to a stream. Floats use the
// shortest representation that round-trips.
func (v Value) Format() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	}
	return ""
}

// Record is one variant: its Key plus the non-key columns named by Fields.
// Fields is usually shared between all records of a stream and must be
// treated as read-only.
type Record struct {
	Key    Key
	Fields []string
	Values []Value
}

// Get returns the value of the named column. Columns absent from the record
// are reported as null with ok false.
func (r *Record) Get(name string) (Value, bool) {
	for i, f := range r.Fields {
		if f == name {
			return r.Values[i], true
		}
	}
	return Value{}, false
}

// Float returns the named column as a float if it is present, numeric and
// finite.
func (r *Record) Float(name string) (float64, bool) {
	v, _ := r.Get(name)
	f, ok := v.AsFloat()
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Str returns the named column as a string if it is present and not null.
func (r *Record) Str(name string) (string, bool) {
	v, _ := r.Get(name)
	if v.IsNull() {
		return "", false
	}
	return v.Format(), true
}

// MAF returns the minor allele frequency, taken from maf or derived from af.
func (r *Record) MAF() (float64, bool) {
	if maf, ok := r.Float("maf"); ok {
		return maf, true
	}
	if af, ok := r.Float("af"); ok {
		return math.Min(af, 1-af), true
	}
	return 0, false
}

// SamePayload reports whether a and b agree on every non-key column. A
// column missing from one record is treated as null.
func SamePayload(a, b *Record) bool {
	for i, f := range a.Fields {
		bv, _ := b.Get(f)
		if !a.Values[i].Equal(bv) {
			return false
		}
	}
	for i, f := range b.Fields {
		if _, ok := a.Get(f); !ok && !b.Values[i].IsNull() {
			return false
		}
	}
	return true
}

// payloadString renders the non-key columns as name=value pairs for error
// messages.
func payloadString(r *Record) string {
	var sb strings.Builder
	for i, f := range r.Fields {
		if i > 0 {
			sb.WriteByte(';')
		}
		sb.WriteString(f)
		sb.WriteByte('=')
		sb.WriteString(r.Values[i].Format())
	}
	return sb.String()
}
