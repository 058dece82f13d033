package record

import (
	"bytes"
	"fmt"
	"math"
)

// Encode serializes rec into exactly s.RecordSize() bytes.
//
// Text longer than its field is truncated to the field width without error,
// so the round trip is lossy for such values. Shorter text is right-padded
// with PadByte, which Decode strips; text that itself ends in PadByte bytes
// loses them on decode for the same reason.
func Encode(rec Record, s *Schema) ([]byte, error) {
	buf := make([]byte, s.size)
	if err := EncodeInto(buf, rec, s); err != nil {
		return nil, err
	}
	return buf, nil
}

// EncodeInto is Encode writing into buf, which must be s.RecordSize() bytes.
func EncodeInto(buf []byte, rec Record, s *Schema) error {
	if len(buf) != s.size {
		return fmt.Errorf("%w: buffer is %d bytes, record is %d", ErrSizeMismatch, len(buf), s.size)
	}
	if len(rec) != len(s.fields) {
		return fmt.Errorf("%w: record has %d values, schema has %d fields",
			ErrFieldTypeMismatch, len(rec), len(s.fields))
	}

	for i, f := range s.fields {
		dst := buf[s.offsets[i] : s.offsets[i]+f.Width]
		var err error
		switch f.Type {
		case TextField:
			err = encodeText(dst, rec[i])
		case IntField:
			err = encodeInt(dst, rec[i])
		}
		if err != nil {
			return fmt.Errorf("field %q: %w", f.Name, err)
		}
	}
	return nil
}

// Decode parses exactly one record from b.
func Decode(b []byte, s *Schema) (Record, error) {
	if len(b) != s.size {
		return nil, fmt.Errorf("%w: got %d bytes, record is %d", ErrSizeMismatch, len(b), s.size)
	}

	rec := make(Record, len(s.fields))
	for i, f := range s.fields {
		src := b[s.offsets[i] : s.offsets[i]+f.Width]
		switch f.Type {
		case TextField:
			rec[i] = string(bytes.TrimRight(src, string([]byte{PadByte})))
		case IntField:
			rec[i] = decodeInt(src)
		}
	}
	return rec, nil
}

func encodeText(dst []byte, v any) error {
	var src []byte
	switch t := v.(type) {
	case string:
		src = []byte(t)
	case []byte:
		src = t
	default:
		return fmt.Errorf("%w: want text, got %T", ErrFieldTypeMismatch, v)
	}

	n := copy(dst, src)
	for i := n; i < len(dst); i++ {
		dst[i] = PadByte
	}
	return nil
}

func encodeInt(dst []byte, v any) error {
	var n int64
	switch t := v.(type) {
	case int:
		n = int64(t)
	case int8:
		n = int64(t)
	case int16:
		n = int64(t)
	case int32:
		n = int64(t)
	case int64:
		n = t
	case uint8:
		n = int64(t)
	case uint16:
		n = int64(t)
	case uint32:
		n = int64(t)
	case uint:
		if uint64(t) > math.MaxInt64 {
			return fmt.Errorf("%w: %d overflows int64", ErrFieldTypeMismatch, t)
		}
		n = int64(t)
	case uint64:
		if t > math.MaxInt64 {
			return fmt.Errorf("%w: %d overflows int64", ErrFieldTypeMismatch, t)
		}
		n = int64(t)
	default:
		return fmt.Errorf("%w: want integer, got %T", ErrFieldTypeMismatch, v)
	}

	width := len(dst)
	if width < 8 {
		bits := uint(width * 8)
		lo, hi := -int64(1)<<(bits-1), int64(1)<<(bits-1)-1
		if n < lo || n > hi {
			return fmt.Errorf("%w: %d does not fit in %d bytes", ErrFieldTypeMismatch, n, width)
		}
	}

	for i := width - 1; i >= 0; i-- {
		dst[i] = byte(n)
		n >>= 8
	}
	return nil
}

func decodeInt(src []byte) int64 {
	var u uint64
	for _, b := range src {
		u = u<<8 | uint64(b)
	}
	shift := uint(64 - 8*len(src))
	return int64(u<<shift) >> shift
}
