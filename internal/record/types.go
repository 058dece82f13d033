package record

import (
	"errors"
	"fmt"
)

var (
	// ErrSizeMismatch is returned when a byte block is not exactly one record long.
	ErrSizeMismatch = errors.New("record: size mismatch")
	// ErrFieldTypeMismatch is returned when a value does not fit its field.
	ErrFieldTypeMismatch = errors.New("record: field type mismatch")
	// ErrInvalidSchema is returned when fields cannot form a schema.
	ErrInvalidSchema = errors.New("record: invalid schema")
)

// FieldType is the on-disk type tag of a field
type FieldType uint8

const (
	// TextField is fixed-length text, padded or truncated to the field width
	TextField FieldType = iota + 1
	// IntField is a big-endian two's complement signed integer
	IntField
)

func (t FieldType) String() string {
	switch t {
	case TextField:
		return "text"
	case IntField:
		return "int"
	default:
		return fmt.Sprintf("FieldType(%d)", uint8(t))
	}
}

// Field is a named, fixed-width column.
type Field struct {
	Name  string
	Type  FieldType
	Width int
}

// Text returns a text field of the given byte width.
func Text(name string, width int) Field {
	return Field{Name: name, Type: TextField, Width: width}
}

// Int returns a signed integer field of 1, 2, 4 or 8 bytes.
func Int(name string, width int) Field {
	return Field{Name: name, Type: IntField, Width: width}
}

func (f Field) validate() error {
	if f.Name == "" || len(f.Name) > MaxNameLen {
		return fmt.Errorf("%w: field name length %d", ErrInvalidSchema, len(f.Name))
	}
	switch f.Type {
	case TextField:
		if f.Width < 1 || f.Width > MaxTextWidth {
			return fmt.Errorf("%w: text field %q has width %d", ErrInvalidSchema, f.Name, f.Width)
		}
	case IntField:
		switch f.Width {
		case 1, 2, 4, 8:
		default:
			return fmt.Errorf("%w: int field %q has width %d", ErrInvalidSchema, f.Name, f.Width)
		}
	default:
		return fmt.Errorf("%w: field %q has unknown type %s", ErrInvalidSchema, f.Name, f.Type)
	}
	return nil
}

// Record holds one value per schema field, in schema order.
// Text values decode as string and integers as int64.
type Record []any
