// Package lock provides a reader/writer lock scoped to one file, shared by
// goroutines through a sync.RWMutex and by processes through flock(2) on a
// sidecar lock file.
//
// Acquisition never blocks indefinitely: both layers are polled with
// non-blocking attempts until the timeout expires, then ErrBusy is returned.
//
// The lock file also carries a small State record that lock holders use to
// notice writes made through other handles and writers that died mid-update.
package lock

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ErrBusy is returned when the lock could not be acquired before the timeout.
var ErrBusy = errors.New("lock: busy")

// FileLock is an advisory reader/writer lock.
type FileLock struct {
	mu sync.RWMutex

	// fmu guards readers and the shared flock held on their behalf.
	fmu     sync.Mutex
	readers int

	file  *os.File
	retry time.Duration
}

// Open opens or creates the lock file at path. retry is the pause between
// acquisition attempts.
func Open(path string, retry time.Duration) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if retry <= 0 {
		retry = time.Millisecond
	}
	return &FileLock{file: f, retry: retry}, nil
}

// poll calls try until it succeeds, fails, or timeout elapses. A negative
// timeout makes a single attempt.
func (l *FileLock) poll(timeout time.Duration, try func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if timeout < 0 || !time.Now().Before(deadline) {
			return ErrBusy
		}
		time.Sleep(l.retry)
	}
}

func (l *FileLock) flock(how int) (bool, error) {
	err := unix.Flock(int(l.file.Fd()), how|unix.LOCK_NB)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
		return false, nil
	}
	return false, fmt.Errorf("flock: %w", err)
}

// Lock acquires the exclusive lock.
func (l *FileLock) Lock(timeout time.Duration) error {
	start := time.Now()
	err := l.poll(timeout, func() (bool, error) { return l.mu.TryLock(), nil })
	if err != nil {
		return err
	}

	remaining := timeout - time.Since(start)
	if timeout < 0 {
		remaining = timeout
	}
	err = l.poll(remaining, func() (bool, error) { return l.flock(unix.LOCK_EX) })
	if err != nil {
		l.mu.Unlock()
		return err
	}
	return nil
}

// Unlock releases the exclusive lock.
func (l *FileLock) Unlock() error {
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("flock unlock: %w", err)
	}
	return nil
}

// RLock acquires the shared lock. The first in-process reader takes the
// shared flock; later readers ride on it.
func (l *FileLock) RLock(timeout time.Duration) error {
	start := time.Now()
	err := l.poll(timeout, func() (bool, error) { return l.mu.TryRLock(), nil })
	if err != nil {
		return err
	}

	remaining := timeout - time.Since(start)
	if timeout < 0 {
		remaining = timeout
	}
	// fmu is held per attempt only, so readers waiting on the flock each
	// keep to their own deadline and ride on whichever attempt succeeds.
	err = l.poll(remaining, func() (bool, error) {
		l.fmu.Lock()
		defer l.fmu.Unlock()

		if l.readers == 0 {
			ok, err := l.flock(unix.LOCK_SH)
			if !ok || err != nil {
				return ok, err
			}
		}
		l.readers++
		return true, nil
	})
	if err != nil {
		l.mu.RUnlock()
		return err
	}
	return nil
}

// RUnlock releases the shared lock.
func (l *FileLock) RUnlock() error {
	l.fmu.Lock()
	defer l.fmu.Unlock()

	l.readers--
	var err error
	if l.readers == 0 {
		err = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	}
	l.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("flock unlock: %w", err)
	}
	return nil
}

// State is the coordination record stored at the start of the lock file:
// [generation u64][dirty u8].
type State struct {
	// Generation changes after every completed write.
	Generation uint64
	// Dirty is set while a write is in progress. Seen by a new lock holder it
	// means the previous writer died before finishing.
	Dirty bool
}

const stateSize = 9

// State reads the coordination record. The caller holds the lock, shared or
// exclusive. A fresh lock file reads as the zero State.
func (l *FileLock) State() (State, error) {
	buf := make([]byte, stateSize)
	n, err := l.file.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return State{}, fmt.Errorf("failed to read lock state: %w", err)
	}
	if n < stateSize {
		return State{}, nil
	}
	return State{
		Generation: binary.BigEndian.Uint64(buf[:8]),
		Dirty:      buf[8] != 0,
	}, nil
}

// SetState writes the coordination record. The caller holds the exclusive lock.
func (l *FileLock) SetState(s State) error {
	buf := make([]byte, stateSize)
	binary.BigEndian.PutUint64(buf[:8], s.Generation)
	if s.Dirty {
		buf[8] = 1
	}
	if _, err := l.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("failed to write lock state: %w", err)
	}
	return nil
}

// Close closes the lock file, which also drops any flock still held.
func (l *FileLock) Close() error {
	return l.file.Close()
}
