package cpra

import (
	"fmt"
	"math"
	"strconv"
)

// The four leading columns of every stream. Together they form the Key.
const (
	FieldChrom = "chrom"
	FieldPos   = "pos"
	FieldRef   = "ref"
	FieldAlt   = "alt"
)

// KeyFields lists the key columns in the order in which they are written.
var KeyFields = [4]string{FieldChrom, FieldPos, FieldRef, FieldAlt}

// FieldType is the declared type of a non-key column.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeFloat  FieldType = "float"
)

// FieldSpec is the configuration-level description of one non-key column.
// Min and Max are inclusive bounds for numeric fields; nil means unbounded.
type FieldSpec struct {
	Name       string    `json:"name"`
	Type       FieldType `json:"type"`
	Nullable   bool      `json:"nullable"`
	Min        *float64  `json:"min,omitempty"`
	Max        *float64  `json:"max,omitempty"`
	SigFigs    int       `json:"sigfigs,omitempty"`
	PerVariant bool      `json:"per_variant"`
}

func bound(f float64) *float64 { return &f }

// DefaultFieldSpecs returns the standard per-variant and per-association
// columns, in the order in which writers emit them.
func DefaultFieldSpecs() []FieldSpec {
	return []FieldSpec{
		{Name: "rsids", Type: TypeString, Nullable: true, PerVariant: true},
		{Name: "nearest_genes", Type: TypeString, Nullable: true, PerVariant: true},
		{Name: "pval", Type: TypeFloat, Nullable: true, Min: bound(0), Max: bound(1), SigFigs: 2},
		{Name: "beta", Type: TypeFloat, Nullable: true, SigFigs: 2},
		{Name: "sebeta", Type: TypeFloat, Nullable: true, SigFigs: 2},
		{Name: "or", Type: TypeFloat, Nullable: true, Min: bound(0), SigFigs: 2},
		{Name: "maf", Type: TypeFloat, Min: bound(0), Max: bound(0.5), SigFigs: 2},
		{Name: "af", Type: TypeFloat, Min: bound(0), Max: bound(1), SigFigs: 2},
		{Name: "ac", Type: TypeFloat, Min: bound(0)},
		{Name: "r2", Type: TypeFloat, Nullable: true},
	}
}

// DefaultNullValues are the tokens read as missing for nullable fields, in
// addition to the empty string.
var DefaultNullValues = []string{".", "NA", "nan", "NaN"}

// Field is a FieldSpec compiled into a parse function.
type Field struct {
	FieldSpec
	parse func(raw string, round bool) (Value, error)
}

// Parse converts the raw (unescaped) text of a column into a Value. When
// round is set, float values are rounded to the field's significant figures.
func (f *Field) Parse(raw string, round bool) (Value, error) {
	return f.parse(raw, round)
}

// Schema is the compiled field registry of a run.
type Schema struct {
	fields []*Field
	byName map[string]int
}

// NewSchema compiles specs once. Null tokens apply to nullable fields only.
func NewSchema(specs []FieldSpec, nullValues []string) (*Schema, error) {
	nulls := map[string]struct{}{"": {}}
	for _, v := range nullValues {
		nulls[v] = struct{}{}
	}

	s := &Schema{byName: make(map[string]int, len(specs))}
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("field with empty name")
		}
		for _, k := range KeyFields {
			if spec.Name == k {
				return nil, fmt.Errorf("field %q is a key column and cannot be redeclared", spec.Name)
			}
		}
		if _, dup := s.byName[spec.Name]; dup {
			return nil, fmt.Errorf("field %q declared twice", spec.Name)
		}
		f, err := compileField(spec, nulls)
		if err != nil {
			return nil, err
		}
		s.byName[spec.Name] = len(s.fields)
		s.fields = append(s.fields, f)
	}
	return s, nil
}

// DefaultSchema compiles DefaultFieldSpecs with DefaultNullValues.
func DefaultSchema() *Schema {
	s, err := NewSchema(DefaultFieldSpecs(), DefaultNullValues)
	if err != nil {
		panic(err)
	}
	return s
}

// Field returns the compiled field called name.
func (s *Schema) Field(name string) (*Field, bool) {
	i, ok := s.byName[name]
	if !ok {
		return nil, false
	}
	return s.fields[i], true
}

// Index returns the schema position of name, or -1 if name is not declared.
func (s *Schema) Index(name string) int {
	if i, ok := s.byName[name]; ok {
		return i
	}
	return -1
}

// Fields returns the declared field names in schema order.
func (s *Schema) Fields() []string {
	out := make([]string, len(s.fields))
	for i, f := range s.fields {
		out[i] = f.Name
	}
	return out
}

// IsPerVariant reports whether name is a declared per-variant field.
func (s *Schema) IsPerVariant(name string) bool {
	f, ok := s.Field(name)
	return ok && f.PerVariant
}

// extraField is the field used for columns that are not part of the schema
// when extra fields are allowed: a nullable string.
func (s *Schema) extraField(name string) *Field {
	f, _ := compileField(FieldSpec{Name: name, Type: TypeString, Nullable: true}, map[string]struct{}{"": {}})
	return f
}

// orderFields sorts names into schema order and appends undeclared names in
// their original order. The second return value holds the undeclared names.
func (s *Schema) orderFields(names []string) (ordered, extra []string) {
	present := make(map[string]bool, len(names))
	for _, n := range names {
		present[n] = true
	}
	for _, f := range s.fields {
		if present[f.Name] {
			ordered = append(ordered, f.Name)
		}
	}
	for _, n := range names {
		if s.Index(n) < 0 {
			ordered = append(ordered, n)
			extra = append(extra, n)
		}
	}
	return ordered, extra
}

func compileField(spec FieldSpec, nulls map[string]struct{}) (*Field, error) {
	isNull := func(raw string) bool {
		if !spec.Nullable {
			return false
		}
		_, ok := nulls[raw]
		return ok
	}

	checkRange := func(x float64) error {
		if math.IsNaN(x) {
			return fmt.Errorf("field %s: NaN is not allowed", spec.Name)
		}
		if spec.Min != nil && x < *spec.Min {
			return fmt.Errorf("field %s: %v is below the minimum %v", spec.Name, x, *spec.Min)
		}
		if spec.Max != nil && x > *spec.Max {
			return fmt.Errorf("field %s: %v is above the maximum %v", spec.Name, x, *spec.Max)
		}
		return nil
	}

	f := &Field{FieldSpec: spec}
	switch spec.Type {
	case TypeString, "":
		f.Type = TypeString
		f.parse = func(raw string, _ bool) (Value, error) {
			if isNull(raw) {
				return Value{}, nil
			}
			return StringValue(raw), nil
		}
	case TypeInt:
		f.parse = func(raw string, _ bool) (Value, error) {
			if isNull(raw) {
				return Value{}, nil
			}
			x, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return Value{}, fmt.Errorf("field %s: %w", spec.Name, err)
			}
			if err := checkRange(float64(x)); err != nil {
				return Value{}, err
			}
			return IntValue(x), nil
		}
	case TypeFloat:
		f.parse = func(raw string, round bool) (Value, error) {
			if isNull(raw) {
				return Value{}, nil
			}
			x, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return Value{}, fmt.Errorf("field %s: %w", spec.Name, err)
			}
			if err := checkRange(x); err != nil {
				return Value{}, err
			}
			if round && spec.SigFigs > 0 {
				x = roundSig(x, spec.SigFigs)
			}
			return FloatValue(x), nil
		}
	default:
		return nil, fmt.Errorf("field %s: unknown type %q", spec.Name, spec.Type)
	}
	return f, nil
}

// roundSig rounds x to the given number of significant digits.
func roundSig(x float64, digits int) float64 {
	if x == 0 || math.IsInf(x, 0) || math.IsNaN(x) {
		return x
	}
	exp := int(math.Floor(math.Log10(math.Abs(x))))
	return roundTo(x, digits-1-exp)
}

// roundTo rounds x to the given number of decimal places (which may be
// negative) by formatting, which avoids the drift of multiply-and-divide.
func roundTo(x float64, places int) float64 {
	if places >= 0 {
		y, err := strconv.ParseFloat(strconv.FormatFloat(x, 'f', places, 64), 64)
		if err == nil {
			return y
		}
	}
	p := math.Pow(10, float64(-places))
	return math.Round(x/p) * p
}
