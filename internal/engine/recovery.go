package engine

import (
	"bytes"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/MikhailWahib/slotdb/internal/logging"
	"github.com/MikhailWahib/slotdb/internal/wal"
)

// recover reconciles the record file with its log under the exclusive lock.
//
// Committed entries are redone in log order. A pending newest entry is
// settled: a slot that already holds the complete after image is kept,
// anything else gets its before image back (an unfinished append is cut off).
// Older pending entries are skipped.
// The log is truncated once the file is synced.
func (e *Engine) recover() error {
	if err := e.file.Refresh(); err != nil {
		return fmt.Errorf("%w: %w", ErrWALReplayFailure, err)
	}
	entries, err := e.wal.Replay()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWALReplayFailure, err)
	}
	if len(entries) == 0 {
		return nil
	}

	e.log.Info("wal recovery",
		"entries", len(entries),
		"wal_size", humanize.Bytes(uint64(e.wal.Size())))

	size := e.Schema().RecordSize()
	for _, entry := range entries {
		if !entry.Valid() {
			return fmt.Errorf("%w: entry at %d has unknown flags %#x", ErrWALReplayFailure, entry.Offset, entry.Flags)
		}
		if len(entry.After) != size {
			return fmt.Errorf("%w: entry at %d is %d bytes, record is %d",
				ErrWALReplayFailure, entry.Offset, len(entry.After), size)
		}
	}

	for _, entry := range entries {
		if entry.Committed() {
			if err := e.redo(entry); err != nil {
				return err
			}
		}
	}
	// Only the newest entry can belong to a writer that died mid-update. A
	// pending entry with later entries behind it was never applied: its
	// writer gave up and a later writer went ahead.
	last := len(entries) - 1
	for i, entry := range entries[:last] {
		if !entry.Committed() {
			e.log.Warn("skip abandoned wal entry", "index", i, "offset", entry.Offset, "slot", entry.SlotIndex)
		}
	}
	if !entries[last].Committed() {
		if err := e.settle(entries[last]); err != nil {
			return err
		}
	}

	if err := e.file.Sync(); err != nil {
		return fmt.Errorf("%w: %w", ErrWALReplayFailure, err)
	}
	if err := e.wal.Truncate(); err != nil {
		return fmt.Errorf("%w: %w", ErrWALReplayFailure, err)
	}
	e.committed = 0
	return nil
}

func (e *Engine) redo(entry wal.Entry) error {
	index := int64(entry.SlotIndex)
	count := e.file.SlotCount()

	var err error
	switch {
	case index < count:
		err = e.file.WriteSlot(index, entry.After)
	case index == count && entry.IsAppend():
		_, err = e.file.Append(entry.After)
	default:
		return fmt.Errorf("%w: committed entry for slot %d beyond %d slots", ErrWALReplayFailure, index, count)
	}
	if err != nil {
		return fmt.Errorf("%w: redo slot %d: %w", ErrWALReplayFailure, index, err)
	}

	logging.WithSlot(e.path, index).Info("redo", "append", entry.IsAppend())
	return nil
}

func (e *Engine) settle(entry wal.Entry) error {
	index := int64(entry.SlotIndex)
	count := e.file.SlotCount()

	if index < count {
		cur, err := e.file.ReadSlot(index)
		if err != nil {
			return fmt.Errorf("%w: read slot %d: %w", ErrWALReplayFailure, index, err)
		}
		if bytes.Equal(cur, entry.After) {
			logging.WithSlot(e.path, index).Info("keep applied write", "append", entry.IsAppend())
			return nil
		}
	}

	if entry.IsAppend() {
		// Only the newest slot, or a partial tail just past it, can belong
		// to an unfinished append.
		if index != count && index != count-1 {
			return fmt.Errorf("%w: pending append for slot %d with %d slots", ErrWALReplayFailure, index, count)
		}
		if err := e.file.Truncate(index); err != nil {
			return fmt.Errorf("%w: cut slot %d: %w", ErrWALReplayFailure, index, err)
		}
		logging.WithSlot(e.path, index).Info("rollback append")
		return nil
	}

	if index >= count {
		return fmt.Errorf("%w: pending entry for slot %d beyond %d slots", ErrWALReplayFailure, index, count)
	}
	if err := e.file.WriteSlot(index, entry.Before); err != nil {
		return fmt.Errorf("%w: rollback slot %d: %w", ErrWALReplayFailure, index, err)
	}
	logging.WithSlot(e.path, index).Info("rollback")
	return nil
}
