// Package cursor provides positional, bidirectional traversal of a record file.
package cursor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MikhailWahib/slotdb/internal/record"
	"github.com/MikhailWahib/slotdb/internal/recordfile"
)

// ErrCursorClosed is returned by every call on a closed cursor.
var ErrCursorClosed = errors.New("cursor: closed")

// Source is the slot store a cursor reads. Each call is expected to take and
// release whatever lock guards the store, so a cursor never holds one across
// calls.
type Source interface {
	ReadSlot(index int64) ([]byte, error)
	SlotCount() (int64, error)
	Schema() *record.Schema
}

// Cursor reads records one slot at a time in either direction. Position is
// the index of the slot the next call to Next returns; Prev returns the slot
// just before it.
type Cursor struct {
	mu     sync.Mutex
	src    Source
	pos    int64
	closed bool
}

// New returns a cursor over src positioned before the first slot.
func New(src Source) *Cursor {
	return &Cursor{src: src}
}

// Next returns the record at the current position and advances past it.
// At the end it returns a nil record and no error, and stays put.
func (c *Cursor) Next() (record.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCursorClosed
	}

	b, err := c.src.ReadSlot(c.pos)
	if errors.Is(err, recordfile.ErrOutOfRange) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec, err := record.Decode(b, c.src.Schema())
	if err != nil {
		return nil, fmt.Errorf("slot %d: %w", c.pos, err)
	}
	c.pos++
	return rec, nil
}

// Prev steps back one slot and returns it. At the start it returns a nil
// record and no error, and stays put.
func (c *Cursor) Prev() (record.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCursorClosed
	}
	if c.pos == 0 {
		return nil, nil
	}

	b, err := c.src.ReadSlot(c.pos - 1)
	if err != nil {
		return nil, err
	}
	rec, err := record.Decode(b, c.src.Schema())
	if err != nil {
		return nil, fmt.Errorf("slot %d: %w", c.pos-1, err)
	}
	c.pos--
	return rec, nil
}

// Seek moves the cursor to index. index may equal the slot count, which
// places the cursor after the last slot.
func (c *Cursor) Seek(index int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCursorClosed
	}

	count, err := c.src.SlotCount()
	if err != nil {
		return err
	}
	if index < 0 || index > count {
		return fmt.Errorf("%w: seek to %d, count %d", recordfile.ErrOutOfRange, index, count)
	}
	c.pos = index
	return nil
}

// Position returns the index of the slot Next would read.
func (c *Cursor) Position() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos
}

// Close releases the cursor. The source stays open.
func (c *Cursor) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.src = nil
	return nil
}
