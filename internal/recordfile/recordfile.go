// Package recordfile stores fixed-size records in numbered slots behind a
// self-describing schema header.
//
// A RecordFile does no locking against other handles and no logging of its
// own writes; WriteSlot is meant to be driven by the write coordinator, which
// makes in-place overwrites crash-consistent.
package recordfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/MikhailWahib/slotdb/internal/diskmanager"
	"github.com/MikhailWahib/slotdb/internal/record"
)

var (
	// ErrOutOfRange is returned for a slot index at or beyond the slot count.
	ErrOutOfRange = errors.New("recordfile: slot index out of range")
	// ErrCorruptHeader is returned when the header cannot be trusted.
	ErrCorruptHeader = errors.New("recordfile: corrupt header")
	// ErrTruncatedBody is returned when the body ends inside a slot.
	ErrTruncatedBody = errors.New("recordfile: truncated body")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("recordfile: closed")
)

// RecordFile is an open record file.
type RecordFile struct {
	mu sync.RWMutex

	dm         diskmanager.DiskManager
	path       string
	file       diskmanager.FileHandle
	schema     *record.Schema
	recordSize int64
	headerSize int64
	slotCount  int64
	closed     bool
}

// Create writes a new, empty record file for schema. It fails if path exists.
func Create(dm diskmanager.DiskManager, path string, schema *record.Schema) (*RecordFile, error) {
	file, err := dm.Open(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}

	header := marshalHeader(schema)
	if _, err := file.WriteAt(header, 0); err != nil {
		_ = dm.Close(path)
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = dm.Close(path)
		return nil, fmt.Errorf("failed to sync header: %w", err)
	}

	return &RecordFile{
		dm:         dm,
		path:       path,
		file:       file,
		schema:     schema,
		recordSize: int64(schema.RecordSize()),
		headerSize: int64(len(header)),
	}, nil
}

// Open opens an existing record file and validates its header and body length.
func Open(dm diskmanager.DiskManager, path string) (*RecordFile, error) {
	rf, err := OpenUnchecked(dm, path)
	if err != nil {
		return nil, err
	}
	if err := rf.Validate(); err != nil {
		_ = rf.Close()
		return nil, err
	}
	return rf, nil
}

// OpenUnchecked opens a record file validating only its header. A partial
// trailing slot is tolerated and not counted, so that log recovery can repair
// it before Validate is called.
func OpenUnchecked(dm diskmanager.DiskManager, path string) (*RecordFile, error) {
	file, err := dm.Open(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	schema, headerSize, err := readHeader(file)
	if err != nil {
		_ = dm.Close(path)
		return nil, err
	}

	rf := &RecordFile{
		dm:         dm,
		path:       path,
		file:       file,
		schema:     schema,
		recordSize: int64(schema.RecordSize()),
		headerSize: headerSize,
	}

	body, err := rf.bodySize()
	if err != nil {
		_ = dm.Close(path)
		return nil, err
	}
	rf.slotCount = body / rf.recordSize

	return rf, nil
}

// Refresh recounts the slots from the file size, picking up appends and
// truncations made through other handles.
func (rf *RecordFile) Refresh() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.closed {
		return ErrClosed
	}

	body, err := rf.bodySize()
	if err != nil {
		return err
	}
	rf.slotCount = body / rf.recordSize
	return nil
}

// Validate fails with ErrTruncatedBody if the body is not a whole number of slots.
func (rf *RecordFile) Validate() error {
	rf.mu.RLock()
	defer rf.mu.RUnlock()
	if rf.closed {
		return ErrClosed
	}

	body, err := rf.bodySize()
	if err != nil {
		return err
	}
	if body%rf.recordSize != 0 {
		return fmt.Errorf("%w: body is %d bytes, record size is %d", ErrTruncatedBody, body, rf.recordSize)
	}
	return nil
}

func (rf *RecordFile) bodySize() (int64, error) {
	info, err := rf.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat record file: %w", err)
	}
	return info.Size() - rf.headerSize, nil
}

func (rf *RecordFile) offset(index int64) int64 {
	return rf.headerSize + index*rf.recordSize
}

func (rf *RecordFile) checkSize(b []byte) error {
	if int64(len(b)) != rf.recordSize {
		return fmt.Errorf("%w: got %d bytes, record is %d", record.ErrSizeMismatch, len(b), rf.recordSize)
	}
	return nil
}

// Append writes b into a new slot at the end of the body and returns its index.
// The write is durable after Sync.
func (rf *RecordFile) Append(b []byte) (int64, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.closed {
		return 0, ErrClosed
	}
	if err := rf.checkSize(b); err != nil {
		return 0, err
	}

	index := rf.slotCount
	if _, err := rf.file.WriteAt(b, rf.offset(index)); err != nil {
		return 0, fmt.Errorf("failed to append slot %d: %w", index, err)
	}
	rf.slotCount++
	return index, nil
}

// ReadSlot returns a copy of the bytes stored in slot index.
func (rf *RecordFile) ReadSlot(index int64) ([]byte, error) {
	rf.mu.RLock()
	defer rf.mu.RUnlock()
	if rf.closed {
		return nil, ErrClosed
	}
	if index < 0 || index >= rf.slotCount {
		return nil, fmt.Errorf("%w: slot %d, count %d", ErrOutOfRange, index, rf.slotCount)
	}

	buf := make([]byte, rf.recordSize)
	if _, err := rf.file.ReadAt(buf, rf.offset(index)); err != nil {
		return nil, fmt.Errorf("failed to read slot %d: %w", index, err)
	}
	return buf, nil
}

// WriteSlot overwrites an existing slot in place. A crash during the write
// can leave the slot half-written; callers go through the write coordinator.
func (rf *RecordFile) WriteSlot(index int64, b []byte) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.closed {
		return ErrClosed
	}
	if index < 0 || index >= rf.slotCount {
		return fmt.Errorf("%w: slot %d, count %d", ErrOutOfRange, index, rf.slotCount)
	}
	if err := rf.checkSize(b); err != nil {
		return err
	}

	if _, err := rf.file.WriteAt(b, rf.offset(index)); err != nil {
		return fmt.Errorf("failed to write slot %d: %w", index, err)
	}
	return nil
}

// Truncate drops every slot at or after n, including any partial trailing slot.
func (rf *RecordFile) Truncate(n int64) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.closed {
		return ErrClosed
	}
	if n < 0 || n > rf.slotCount {
		return fmt.Errorf("%w: truncate to %d, count %d", ErrOutOfRange, n, rf.slotCount)
	}

	if err := rf.file.Truncate(rf.offset(n)); err != nil {
		return fmt.Errorf("failed to truncate record file: %w", err)
	}
	rf.slotCount = n
	return nil
}

// SlotCount returns the number of complete slots.
func (rf *RecordFile) SlotCount() int64 {
	rf.mu.RLock()
	defer rf.mu.RUnlock()
	return rf.slotCount
}

// Schema returns the schema stored in the header.
func (rf *RecordFile) Schema() *record.Schema { return rf.schema }

// HeaderSize returns the length of the header in bytes.
func (rf *RecordFile) HeaderSize() int64 { return rf.headerSize }

// Digest returns the xxhash64 of the slot data, header excluded.
func (rf *RecordFile) Digest() (uint64, error) {
	rf.mu.RLock()
	defer rf.mu.RUnlock()
	if rf.closed {
		return 0, ErrClosed
	}

	h := xxhash.New()
	body := io.NewSectionReader(rf.file, rf.headerSize, rf.slotCount*rf.recordSize)
	if _, err := io.Copy(h, body); err != nil {
		return 0, fmt.Errorf("failed to hash record file: %w", err)
	}
	return h.Sum64(), nil
}

// Sync flushes written slots to stable storage.
func (rf *RecordFile) Sync() error {
	rf.mu.RLock()
	defer rf.mu.RUnlock()
	if rf.closed {
		return ErrClosed
	}
	return rf.file.Sync()
}

// Close syncs and releases the file. Calling Close more than once is a no-op.
func (rf *RecordFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.closed {
		return nil
	}
	rf.closed = true

	syncErr := rf.file.Sync()
	closeErr := rf.dm.Close(rf.path)
	if syncErr != nil {
		return fmt.Errorf("failed to sync record file: %w", syncErr)
	}
	return closeErr
}
