package recordfile

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/MikhailWahib/slotdb/internal/record"
)

const (
	// Magic opens every record file.
	Magic = "SLOT"
	// SchemaVersion is the header layout version written by Create.
	SchemaVersion = 1

	magicSize      = 4
	versionSize    = 4
	countSize      = 4
	fieldEntrySize = 1 + 4 // type tag + width
	recordSizeSize = 4
	nameLenSize    = 2

	prefixSize = magicSize + versionSize + countSize

	// maxFields bounds allocation while parsing an untrusted header.
	maxFields = 1 << 16
)

// marshalHeader serializes a schema into the header layout:
// [magic][version u32][field_count u32][per field: type u8, width u32]
// [record_size u32][per field: name_len u16, name]
func marshalHeader(s *record.Schema) []byte {
	n := s.NumFields()
	size := prefixSize + n*fieldEntrySize + recordSizeSize
	for i := range n {
		size += nameLenSize + len(s.Field(i).Name)
	}

	buf := make([]byte, size)
	copy(buf, Magic)
	binary.BigEndian.PutUint32(buf[magicSize:], SchemaVersion)
	binary.BigEndian.PutUint32(buf[magicSize+versionSize:], uint32(n))

	off := prefixSize
	for i := range n {
		f := s.Field(i)
		buf[off] = byte(f.Type)
		binary.BigEndian.PutUint32(buf[off+1:], uint32(f.Width))
		off += fieldEntrySize
	}

	binary.BigEndian.PutUint32(buf[off:], uint32(s.RecordSize()))
	off += recordSizeSize

	for i := range n {
		name := s.Field(i).Name
		binary.BigEndian.PutUint16(buf[off:], uint16(len(name)))
		off += nameLenSize
		off += copy(buf[off:], name)
	}

	return buf
}

// readHeader parses the header at the start of r and returns the schema and
// the header length. Every failure is reported as ErrCorruptHeader.
func readHeader(r io.ReaderAt) (*record.Schema, int64, error) {
	var off int64
	read := func(n int) ([]byte, error) {
		b := make([]byte, n)
		if _, err := r.ReadAt(b, off); err != nil {
			return nil, fmt.Errorf("%w: short header at offset %d: %w", ErrCorruptHeader, off, err)
		}
		off += int64(n)
		return b, nil
	}

	prefix, err := read(prefixSize)
	if err != nil {
		return nil, 0, err
	}
	if string(prefix[:magicSize]) != Magic {
		return nil, 0, fmt.Errorf("%w: bad magic %q", ErrCorruptHeader, prefix[:magicSize])
	}
	if v := binary.BigEndian.Uint32(prefix[magicSize:]); v != SchemaVersion {
		return nil, 0, fmt.Errorf("%w: unsupported schema version %d", ErrCorruptHeader, v)
	}
	count := binary.BigEndian.Uint32(prefix[magicSize+versionSize:])
	if count == 0 || count > maxFields {
		return nil, 0, fmt.Errorf("%w: field count %d", ErrCorruptHeader, count)
	}

	entries, err := read(int(count) * fieldEntrySize)
	if err != nil {
		return nil, 0, err
	}
	sizeBuf, err := read(recordSizeSize)
	if err != nil {
		return nil, 0, err
	}
	storedSize := binary.BigEndian.Uint32(sizeBuf)

	fields := make([]record.Field, count)
	for i := range fields {
		e := entries[i*fieldEntrySize:]
		fields[i].Type = record.FieldType(e[0])
		fields[i].Width = int(binary.BigEndian.Uint32(e[1:fieldEntrySize]))

		lenBuf, err := read(nameLenSize)
		if err != nil {
			return nil, 0, err
		}
		name, err := read(int(binary.BigEndian.Uint16(lenBuf)))
		if err != nil {
			return nil, 0, err
		}
		fields[i].Name = string(name)
	}

	s, err := record.NewSchema(fields...)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrCorruptHeader, err)
	}
	if uint32(s.RecordSize()) != storedSize {
		return nil, 0, fmt.Errorf("%w: stored record size %d, fields sum to %d",
			ErrCorruptHeader, storedSize, s.RecordSize())
	}

	return s, off, nil
}
