// Package wal implements the write-ahead log that makes in-place slot
// overwrites crash-consistent.
//
// Each entry records a slot's bytes before and after a mutation:
//
//	[slot_index u64][length u32][before][after][flag u8]
//
// An entry is appended and synced before the slot is touched, and its flag is
// rewritten to committed once the slot write is durable.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/MikhailWahib/slotdb/internal/diskmanager"
)

const (
	slotIndexSize = 8
	lengthSize    = 4
	flagSize      = 1

	// HeaderSize is the fixed prefix of an entry
	HeaderSize = slotIndexSize + lengthSize
)

// Flag is the status byte that closes each entry
type Flag uint8

const (
	// FlagCommitted marks an entry whose slot write is durable
	FlagCommitted Flag = 1 << iota
	// FlagAppend marks an entry that extends the file by one slot
	FlagAppend

	knownFlags = FlagCommitted | FlagAppend
)

// ErrLengthMismatch is returned when before and after images differ in size.
var ErrLengthMismatch = errors.New("wal: before and after images differ in length")

// Entry represents a single write-ahead log entry
type Entry struct {
	SlotIndex uint64
	Before    []byte
	After     []byte
	Flags     Flag

	// Offset is the entry's position in the log, set by Append and Replay.
	Offset int64
}

// Committed reports whether the slot write was durable before the log was last synced.
func (e Entry) Committed() bool { return e.Flags&FlagCommitted != 0 }

// IsAppend reports whether the entry extends the file.
func (e Entry) IsAppend() bool { return e.Flags&FlagAppend != 0 }

// Valid reports whether the flag byte holds only known bits.
func (e Entry) Valid() bool { return e.Flags&^knownFlags == 0 }

// Size returns the encoded length of the entry.
func (e Entry) Size() int64 {
	return entrySize(len(e.After))
}

func entrySize(length int) int64 {
	return int64(HeaderSize + 2*length + flagSize)
}

// WAL manages the write-ahead log file
type WAL struct {
	mu sync.Mutex

	dm          diskmanager.DiskManager
	path        string
	file        diskmanager.FileHandle
	writeOffset int64
}

// NewWAL opens or creates the log at path through dm
func NewWAL(dm diskmanager.DiskManager, path string) (*WAL, error) {
	file, err := dm.Open(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	// Get current file size to set initial write offset
	fileInfo, err := file.Stat()
	if err != nil {
		_ = dm.Close(path)
		return nil, err
	}

	return &WAL{
		dm:          dm,
		path:        path,
		file:        file,
		writeOffset: fileInfo.Size(),
	}, nil
}

// Append writes e at the end of the log and syncs it.
// The returned entry carries its log offset for a later Commit.
func (w *WAL) Append(e Entry) (Entry, error) {
	if len(e.Before) != len(e.After) {
		return Entry{}, ErrLengthMismatch
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	length := len(e.After)
	buf := make([]byte, entrySize(length))
	binary.BigEndian.PutUint64(buf[0:slotIndexSize], e.SlotIndex)
	binary.BigEndian.PutUint32(buf[slotIndexSize:HeaderSize], uint32(length))
	copy(buf[HeaderSize:], e.Before)
	copy(buf[HeaderSize+length:], e.After)
	buf[len(buf)-1] = byte(e.Flags)

	if _, err := w.file.WriteAt(buf, w.writeOffset); err != nil {
		return Entry{}, w.discardTail(fmt.Errorf("failed to write wal entry: %w", err))
	}
	if err := w.file.Sync(); err != nil {
		return Entry{}, w.discardTail(fmt.Errorf("failed to sync wal: %w", err))
	}

	e.Offset = w.writeOffset
	w.writeOffset += int64(len(buf))
	return e, nil
}

// discardTail cuts the log back to writeOffset after a failed Append, so a
// failed entry cannot linger in front of later ones. Caller holds w.mu.
func (w *WAL) discardTail(cause error) error {
	if err := w.file.Truncate(w.writeOffset); err != nil {
		return errors.Join(cause, fmt.Errorf("failed to discard wal tail: %w", err))
	}
	if err := w.file.Sync(); err != nil {
		return errors.Join(cause, fmt.Errorf("failed to sync wal: %w", err))
	}
	return cause
}

// Commit sets the committed flag of an appended entry and syncs the log.
func (w *WAL) Commit(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	flag := []byte{byte(e.Flags | FlagCommitted)}
	if _, err := w.file.WriteAt(flag, e.Offset+e.Size()-flagSize); err != nil {
		return fmt.Errorf("failed to write commit flag: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync wal: %w", err)
	}
	return nil
}

// Replay reads every complete entry from the beginning of the log.
// A trailing entry with fewer bytes than it declares was never flushed and is
// skipped; the next Append overwrites it.
func (w *WAL) Replay() ([]Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := w.file.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()

	var offset int64
	var entries []Entry
	header := make([]byte, HeaderSize)

	for offset+HeaderSize <= size {
		if _, err := w.file.ReadAt(header, offset); err != nil {
			return nil, fmt.Errorf("failed to read wal entry header at %d: %w", offset, err)
		}
		slot := binary.BigEndian.Uint64(header[:slotIndexSize])
		length := int64(binary.BigEndian.Uint32(header[slotIndexSize:HeaderSize]))

		total := entrySize(int(length))
		if offset+total > size {
			break
		}

		body := make([]byte, total-HeaderSize)
		if _, err := w.file.ReadAt(body, offset+HeaderSize); err != nil {
			return nil, fmt.Errorf("failed to read wal entry at %d: %w", offset, err)
		}

		entries = append(entries, Entry{
			SlotIndex: slot,
			Before:    body[:length],
			After:     body[length : 2*length],
			Flags:     Flag(body[2*length]),
			Offset:    offset,
		})
		offset += total
	}

	w.writeOffset = offset
	return entries, nil
}

// Truncate empties the log once every entry is reflected in the record file.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate wal: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync wal: %w", err)
	}
	w.writeOffset = 0
	return nil
}

// Size returns the number of bytes written to the log.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeOffset
}

// Close closes the WAL file
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.dm.Close(w.path)
}
