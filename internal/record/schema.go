package record

import "fmt"

// Schema is an immutable, ordered list of fixed-width fields.
type Schema struct {
	fields  []Field
	offsets []int
	size    int
	index   map[string]int
}

// NewSchema validates fields and builds a Schema. Names must be unique.
func NewSchema(fields ...Field) (*Schema, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no fields", ErrInvalidSchema)
	}

	s := &Schema{
		fields:  make([]Field, len(fields)),
		offsets: make([]int, len(fields)),
		index:   make(map[string]int, len(fields)),
	}
	copy(s.fields, fields)

	for i, f := range s.fields {
		if err := f.validate(); err != nil {
			return nil, err
		}
		if _, dup := s.index[f.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate field %q", ErrInvalidSchema, f.Name)
		}
		s.index[f.Name] = i
		s.offsets[i] = s.size
		s.size += f.Width
	}

	return s, nil
}

// RecordSize is the sum of all field widths.
func (s *Schema) RecordSize() int { return s.size }

// NumFields returns the number of fields.
func (s *Schema) NumFields() int { return len(s.fields) }

// Field returns the i-th field.
func (s *Schema) Field(i int) Field { return s.fields[i] }

// Fields returns a copy of the field list.
func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// Index returns the position of the named field.
func (s *Schema) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Get returns the value of the named field in rec.
func (s *Schema) Get(rec Record, name string) (any, bool) {
	i, ok := s.index[name]
	if !ok || i >= len(rec) {
		return nil, false
	}
	return rec[i], true
}

// Equal reports whether both schemas describe the same layout and names.
func (s *Schema) Equal(o *Schema) bool {
	if s == nil || o == nil {
		return s == o
	}
	if len(s.fields) != len(o.fields) {
		return false
	}
	for i := range s.fields {
		if s.fields[i] != o.fields[i] {
			return false
		}
	}
	return true
}

func (s *Schema) String() string {
	out := "("
	for i, f := range s.fields {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s %s[%d]", f.Name, f.Type, f.Width)
	}
	return out + ")"
}
