// Package engine is the write coordinator of a record file. It serializes
// writers with an exclusive file lock, drives every mutation through the
// write-ahead log before touching the slot, and replays the log on open.
//
// Several engines, in one process or many, may share a file. The lock file's
// state record tells each of them when to refresh its view of the file and
// when a writer died mid-update and left the log to be replayed.
package engine

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MikhailWahib/slotdb/internal/config"
	"github.com/MikhailWahib/slotdb/internal/diskmanager"
	"github.com/MikhailWahib/slotdb/internal/lock"
	"github.com/MikhailWahib/slotdb/internal/logging"
	"github.com/MikhailWahib/slotdb/internal/record"
	"github.com/MikhailWahib/slotdb/internal/recordfile"
	"github.com/MikhailWahib/slotdb/internal/slotcache"
	"github.com/MikhailWahib/slotdb/internal/wal"
)

// ErrWALReplayFailure is returned when a log entry cannot be reconciled with
// the record file. The file is not usable until the cause is repaired.
var ErrWALReplayFailure = errors.New("engine: wal replay failure")

// Step is a point in the update protocol after which a crash can be simulated.
type Step int

const (
	// StepLocked follows acquisition of the exclusive lock
	StepLocked Step = iota + 1
	// StepRead follows reading the before image
	StepRead
	// StepLogged follows the durable WAL append
	StepLogged
	// StepApplied follows the durable slot write
	StepApplied
	// StepCommitted follows the durable commit flag
	StepCommitted
)

// Engine coordinates reads and writes of one record file.
type Engine struct {
	cfg  *config.Config
	path string
	log  *slog.Logger

	dm    diskmanager.DiskManager
	file  *recordfile.RecordFile
	wal   *wal.WAL
	lock  *lock.FileLock
	cache *slotcache.Cache

	// committed counts log entries since the last checkpoint; guarded by the exclusive lock.
	committed int

	// viewMu guards the generations this handle's file view and log offset reflect.
	viewMu  sync.Mutex
	fileGen uint64
	walGen  uint64

	closeMu sync.Mutex
	closed  atomic.Bool
	failMu  sync.Mutex
	failed  error

	// hook is called after each protocol step; a non-nil error simulates a crash.
	hook func(Step) error
}

// WALPath returns the log path used for the record file at path.
func WALPath(path string) string { return path + ".wal" }

// LockPath returns the lock file path used for the record file at path.
func LockPath(path string) string { return path + ".lock" }

// Create creates a new record file for schema and opens it.
func Create(path string, schema *record.Schema, cfg *config.Config) (*Engine, error) {
	return create(diskmanager.NewDiskManager(), path, schema, cfg)
}

// Open opens an existing record file, recovering it from its WAL first.
func Open(path string, cfg *config.Config) (*Engine, error) {
	return open(diskmanager.NewDiskManager(), path, cfg)
}

func newEngine(dm diskmanager.DiskManager, path string, cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	cfg.FillDefaults()

	fl, err := lock.Open(LockPath(path), cfg.LockRetryInterval)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:  cfg,
		path: path,
		log:  logging.WithFile(path),
		dm:   dm,
		lock: fl,
		hook: func(Step) error { return nil },
	}, nil
}

func create(dm diskmanager.DiskManager, path string, schema *record.Schema, cfg *config.Config) (*Engine, error) {
	e, err := newEngine(dm, path, cfg)
	if err != nil {
		return nil, err
	}
	if err := e.lock.Lock(e.cfg.LockTimeout); err != nil {
		_ = e.lock.Close()
		return nil, err
	}

	err = e.init(func() (*recordfile.RecordFile, error) {
		return recordfile.Create(dm, path, schema)
	}, false)
	return e.finishOpen(err)
}

func open(dm diskmanager.DiskManager, path string, cfg *config.Config) (*Engine, error) {
	e, err := newEngine(dm, path, cfg)
	if err != nil {
		return nil, err
	}
	if err := e.lock.Lock(e.cfg.LockTimeout); err != nil {
		_ = e.lock.Close()
		return nil, err
	}

	err = e.init(func() (*recordfile.RecordFile, error) {
		return recordfile.OpenUnchecked(dm, path)
	}, true)
	return e.finishOpen(err)
}

// init runs under the exclusive lock.
func (e *Engine) init(openFile func() (*recordfile.RecordFile, error), replay bool) error {
	file, err := openFile()
	if err != nil {
		return err
	}
	e.file = file

	w, err := wal.NewWAL(e.dm, WALPath(e.path))
	if err != nil {
		return err
	}
	e.wal = w

	if replay {
		if err := e.recover(); err != nil {
			return err
		}
	} else if err := e.wal.Truncate(); err != nil {
		// A log left behind by an earlier file of the same name.
		return err
	}

	if err := e.file.Validate(); err != nil {
		return err
	}
	if err := e.publish(); err != nil {
		return err
	}

	e.cache, err = slotcache.New(e.cfg.SlotCacheSize, e.cfg.SlotCacheCounters)
	return err
}

func (e *Engine) finishOpen(err error) (*Engine, error) {
	if err != nil {
		if e.wal != nil {
			_ = e.wal.Close()
		}
		if e.file != nil {
			_ = e.file.Close()
		}
		_ = e.lock.Unlock()
		_ = e.lock.Close()
		return nil, err
	}
	if err := e.lock.Unlock(); err != nil {
		_ = e.Close()
		return nil, err
	}

	e.log.Debug("opened record file", "slots", e.file.SlotCount(), "record_size", e.file.Schema().RecordSize())
	return e, nil
}

// Schema returns the schema of the record file.
func (e *Engine) Schema() *record.Schema { return e.file.Schema() }

// Path returns the record file path.
func (e *Engine) Path() string { return e.path }

func (e *Engine) usable() error {
	if e.closed.Load() {
		return recordfile.ErrClosed
	}
	e.failMu.Lock()
	defer e.failMu.Unlock()
	if e.failed != nil {
		return fmt.Errorf("%w: %w", ErrWALReplayFailure, e.failed)
	}
	return nil
}

func (e *Engine) fail(err error) {
	e.failMu.Lock()
	e.failed = err
	e.failMu.Unlock()
}

// publish bumps the generation and clears the dirty mark after a completed
// write or recovery. Caller holds the exclusive lock.
func (e *Engine) publish() error {
	st, err := e.lock.State()
	if err != nil {
		return err
	}
	next := lock.State{Generation: st.Generation + 1}
	if err := e.lock.SetState(next); err != nil {
		return err
	}

	e.viewMu.Lock()
	e.fileGen, e.walGen = next.Generation, next.Generation
	e.viewMu.Unlock()
	return nil
}

// acquireExclusive takes the write lock and brings this handle up to date
// with writes made through other handles. A dirty state means the last writer
// died mid-update, so the log is replayed before anything else happens.
func (e *Engine) acquireExclusive() error {
	if err := e.lock.Lock(e.cfg.LockTimeout); err != nil {
		if errors.Is(err, lock.ErrBusy) {
			e.log.Warn("write lock timeout", "timeout", e.cfg.LockTimeout)
		}
		return err
	}

	if err := e.catchUp(); err != nil {
		e.releaseExclusive()
		return err
	}
	return nil
}

func (e *Engine) catchUp() error {
	st, err := e.lock.State()
	if err != nil {
		return err
	}

	if st.Dirty {
		e.log.Warn("previous writer did not finish, recovering")
		if err := e.recover(); err != nil {
			e.fail(err)
			return err
		}
		return e.publish()
	}

	e.viewMu.Lock()
	defer e.viewMu.Unlock()
	if st.Generation == e.walGen {
		return nil
	}

	if err := e.file.Refresh(); err != nil {
		return err
	}
	entries, err := e.wal.Replay()
	if err != nil {
		return err
	}
	e.committed = len(entries)
	e.fileGen, e.walGen = st.Generation, st.Generation
	return nil
}

func (e *Engine) releaseExclusive() {
	if err := e.lock.Unlock(); err != nil {
		e.log.Error("failed to release write lock", "err", err)
	}
}

// acquireShared takes the read lock and returns the generation it observed.
func (e *Engine) acquireShared() (uint64, error) {
	for attempt := 0; ; attempt++ {
		if err := e.lock.RLock(e.cfg.LockTimeout); err != nil {
			if errors.Is(err, lock.ErrBusy) {
				e.log.Warn("read lock timeout", "timeout", e.cfg.LockTimeout)
			}
			return 0, err
		}

		st, err := e.lock.State()
		if err != nil {
			e.releaseShared()
			return 0, err
		}
		if !st.Dirty {
			if err := e.refreshFile(st.Generation); err != nil {
				e.releaseShared()
				return 0, err
			}
			return st.Generation, nil
		}

		// A writer died holding the lock. Readers cannot replay the log, so
		// upgrade once and let the write path recover it.
		e.releaseShared()
		if attempt > 0 {
			return 0, fmt.Errorf("%w: file still marked dirty after recovery", ErrWALReplayFailure)
		}
		if err := e.acquireExclusive(); err != nil {
			return 0, err
		}
		e.releaseExclusive()
	}
}

func (e *Engine) refreshFile(gen uint64) error {
	e.viewMu.Lock()
	defer e.viewMu.Unlock()
	if gen == e.fileGen {
		return nil
	}
	if err := e.file.Refresh(); err != nil {
		return err
	}
	e.fileGen = gen
	return nil
}

func (e *Engine) releaseShared() {
	if err := e.lock.RUnlock(); err != nil {
		e.log.Error("failed to release read lock", "err", err)
	}
}

// ReadSlot returns the bytes of slot index under the shared lock.
func (e *Engine) ReadSlot(index int64) ([]byte, error) {
	if err := e.usable(); err != nil {
		return nil, err
	}
	gen, err := e.acquireShared()
	if err != nil {
		return nil, err
	}
	defer e.releaseShared()

	if b, ok := e.cache.Get(index, gen); ok {
		return b, nil
	}
	b, err := e.file.ReadSlot(index)
	if err != nil {
		return nil, err
	}
	e.cache.Set(index, gen, b)
	return b, nil
}

// Read decodes slot index.
func (e *Engine) Read(index int64) (record.Record, error) {
	b, err := e.ReadSlot(index)
	if err != nil {
		return nil, err
	}
	return record.Decode(b, e.Schema())
}

// SlotCount returns the number of committed slots.
func (e *Engine) SlotCount() (int64, error) {
	if err := e.usable(); err != nil {
		return 0, err
	}
	if _, err := e.acquireShared(); err != nil {
		return 0, err
	}
	defer e.releaseShared()
	return e.file.SlotCount(), nil
}

// Digest returns the xxhash64 of the slot data.
func (e *Engine) Digest() (uint64, error) {
	if err := e.usable(); err != nil {
		return 0, err
	}
	if _, err := e.acquireShared(); err != nil {
		return 0, err
	}
	defer e.releaseShared()
	return e.file.Digest()
}

// Append encodes rec and appends it. It returns the new slot index.
func (e *Engine) Append(rec record.Record) (int64, error) {
	b, err := record.Encode(rec, e.Schema())
	if err != nil {
		return 0, err
	}
	return e.AppendRaw(b)
}

// AppendRaw appends one encoded record through the log.
func (e *Engine) AppendRaw(after []byte) (int64, error) {
	if err := e.checkWrite(after); err != nil {
		return 0, err
	}
	if err := e.acquireExclusive(); err != nil {
		return 0, err
	}
	defer e.releaseExclusive()

	if err := e.hook(StepLocked); err != nil {
		return 0, e.crash(err)
	}
	index := e.file.SlotCount()
	before := make([]byte, len(after))
	if err := e.hook(StepRead); err != nil {
		return 0, e.crash(err)
	}

	if err := e.mutate(index, before, after, wal.FlagAppend); err != nil {
		return 0, err
	}
	return index, nil
}

// Update encodes rec and overwrites slot index.
func (e *Engine) Update(index int64, rec record.Record) error {
	b, err := record.Encode(rec, e.Schema())
	if err != nil {
		return err
	}
	return e.UpdateRaw(index, b)
}

// UpdateRaw overwrites slot index with one encoded record.
//
// The exclusive lock is held for the whole protocol: read the before image,
// log and sync both images, write and sync the slot, then mark the log entry
// committed. A failure before the log entry is durable abandons the update;
// after that point it is resolved by recovery.
func (e *Engine) UpdateRaw(index int64, after []byte) error {
	if err := e.checkWrite(after); err != nil {
		return err
	}
	if err := e.acquireExclusive(); err != nil {
		return err
	}
	defer e.releaseExclusive()

	if err := e.hook(StepLocked); err != nil {
		return e.crash(err)
	}
	before, err := e.file.ReadSlot(index)
	if err != nil {
		return err
	}
	if err := e.hook(StepRead); err != nil {
		return e.crash(err)
	}

	return e.mutate(index, before, after, 0)
}

func (e *Engine) checkWrite(after []byte) error {
	if err := e.usable(); err != nil {
		return err
	}
	if size := e.Schema().RecordSize(); len(after) != size {
		return fmt.Errorf("%w: got %d bytes, record is %d", record.ErrSizeMismatch, len(after), size)
	}
	return nil
}

// mutate runs steps 3 to 5 of the protocol under the exclusive lock.
func (e *Engine) mutate(index int64, before, after []byte, flags wal.Flag) error {
	st, err := e.lock.State()
	if err != nil {
		return err
	}
	if err := e.lock.SetState(lock.State{Generation: st.Generation, Dirty: true}); err != nil {
		return err
	}

	entry, err := e.wal.Append(wal.Entry{
		SlotIndex: uint64(index),
		Before:    before,
		After:     after,
		Flags:     flags,
	})
	if err != nil {
		// The slot is untouched and the log has been cut back to its previous
		// end, so no later recovery sees this entry.
		return errors.Join(err, e.publish())
	}
	if err := e.hook(StepLogged); err != nil {
		return e.crash(err)
	}

	if flags&wal.FlagAppend != 0 {
		_, err = e.file.Append(after)
	} else {
		err = e.file.WriteSlot(index, after)
	}
	if err == nil {
		err = e.file.Sync()
	}
	if err != nil {
		return e.resolve(index, after, err)
	}
	if err := e.hook(StepApplied); err != nil {
		return e.crash(err)
	}

	if err := e.wal.Commit(entry); err != nil {
		return e.resolve(index, after, err)
	}
	if err := e.hook(StepCommitted); err != nil {
		return e.crash(err)
	}

	e.committed++
	if e.committed >= e.cfg.CheckpointInterval {
		if err := e.checkpoint(); err != nil {
			// Entries stay in the log and are redone on the next open.
			e.log.Warn("checkpoint failed", "err", err)
		}
	}

	if err := e.publish(); err != nil {
		// The write is durable; the dirty mark only costs the next lock
		// holder an idempotent replay.
		e.log.Warn("failed to publish write", "slot", index, "err", err)
	}
	return nil
}

// resolve settles a mutation that failed after its log entry was durable by
// replaying the log in place. The mutation succeeded if the slot ends up
// holding after. If recovery fails the engine refuses further work until it
// is reopened.
func (e *Engine) resolve(index int64, after []byte, cause error) error {
	e.log.Warn("write failed after logging, recovering", "slot", index, "err", cause)

	if err := e.recover(); err != nil {
		e.fail(err)
		return err
	}
	if err := e.publish(); err != nil {
		return errors.Join(cause, err)
	}

	if cur, err := e.file.ReadSlot(index); err == nil && bytes.Equal(cur, after) {
		return nil
	}
	return cause
}

// crash abandons the engine as a killed process would: files and the dirty
// mark are left as they are, and the caller's deferred unlock stands in for
// the kernel dropping the flock.
func (e *Engine) crash(cause error) error {
	if e.closed.Swap(true) {
		return cause
	}
	e.cache.Close()
	_ = e.dm.Close(e.path)
	_ = e.dm.Close(WALPath(e.path))
	return cause
}

// Checkpoint truncates the log. Every entry in it is already committed.
func (e *Engine) Checkpoint() error {
	if err := e.usable(); err != nil {
		return err
	}
	if err := e.acquireExclusive(); err != nil {
		return err
	}
	defer e.releaseExclusive()
	return e.checkpoint()
}

func (e *Engine) checkpoint() error {
	if err := e.wal.Truncate(); err != nil {
		return err
	}
	e.log.Debug("checkpoint", "entries", e.committed)
	e.committed = 0
	return nil
}

// Close checkpoints and releases the record file, log, cache and lock.
// Cursors over the engine fail with recordfile.ErrClosed afterwards.
func (e *Engine) Close() error {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closed.Load() {
		return nil
	}

	if err := e.lock.Lock(e.cfg.LockTimeout); err != nil {
		return err
	}
	e.closed.Store(true)

	e.failMu.Lock()
	healthy := e.failed == nil
	e.failMu.Unlock()

	var errs []error
	if healthy {
		errs = append(errs, e.catchUp(), e.checkpoint())
	}
	errs = append(errs, e.wal.Close(), e.file.Close())
	e.cache.Close()
	errs = append(errs, e.lock.Unlock(), e.lock.Close())
	return errors.Join(errs...)
}
