// Package mockdm provides an in-memory implementation of the disk manager for testing.
// Files survive Close, so a closed and reopened path sees the bytes left by the
// previous handle, which is how tests simulate a process restart.
package mockdm

import (
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/MikhailWahib/slotdb/internal/diskmanager"
)

// ErrInjected is returned by a write or sync that was told to fail.
var ErrInjected = errors.New("mockdm: injected fault")

// MockFile implements diskmanager.FileHandle for testing purposes
type MockFile struct {
	mu   sync.Mutex
	data []byte
	name string

	tearAt   int // bytes kept by the next WriteAt, -1 when disarmed
	failSync bool
}

// WriteAt writes len(b) bytes to the file starting at byte offset off
func (m *MockFile) WriteAt(b []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var injected error
	if m.tearAt >= 0 {
		if m.tearAt < len(b) {
			b = b[:m.tearAt]
		}
		m.tearAt = -1
		injected = ErrInjected
	}

	// Extend the slice if needed
	requiredLen := int(off) + len(b)
	if requiredLen > len(m.data) {
		newData := make([]byte, requiredLen)
		copy(newData, m.data)
		m.data = newData
	}
	n := copy(m.data[off:], b)
	return n, injected
}

// ReadAt reads len(b) bytes from the file starting at byte offset off
func (m *MockFile) ReadAt(b []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(b, m.data[off:])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

// Truncate resizes the mock file, zero-filling on growth
func (m *MockFile) Truncate(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if size <= int64(len(m.data)) {
		m.data = m.data[:size]
		return nil
	}
	newData := make([]byte, size)
	copy(newData, m.data)
	m.data = newData
	return nil
}

// Close closes the mock file
func (m *MockFile) Close() error {
	return nil
}

// Sync simulates syncing file contents to disk
func (m *MockFile) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failSync {
		m.failSync = false
		return ErrInjected
	}
	return nil
}

// Stat returns file information
func (m *MockFile) Stat() (os.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &testFileInfo{size: int64(len(m.data)), name: m.name}, nil
}

// TearNextWrite makes the next WriteAt persist only its first keep bytes
// and fail with ErrInjected.
func (m *MockFile) TearNextWrite(keep int) {
	m.mu.Lock()
	m.tearAt = keep
	m.mu.Unlock()
}

// FailNextSync makes the next Sync fail with ErrInjected.
func (m *MockFile) FailNextSync() {
	m.mu.Lock()
	m.failSync = true
	m.mu.Unlock()
}

// Bytes returns a copy of the file contents.
func (m *MockFile) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}

// SetBytes replaces the file contents.
func (m *MockFile) SetBytes(b []byte) {
	m.mu.Lock()
	m.data = append([]byte(nil), b...)
	m.mu.Unlock()
}

type testFileInfo struct {
	size int64
	name string
}

func (m *testFileInfo) Name() string       { return m.name }
func (m *testFileInfo) Size() int64        { return m.size }
func (m *testFileInfo) Mode() os.FileMode  { return 0644 }
func (m *testFileInfo) ModTime() time.Time { return time.Now() }
func (m *testFileInfo) IsDir() bool        { return false }
func (m *testFileInfo) Sys() any           { return nil }

// MockDiskManager implements diskmanager.DiskManager interface for testing
type MockDiskManager struct {
	mu    sync.Mutex
	files map[string]*MockFile
}

// NewMockDiskManager creates a new MockDiskManager instance
func NewMockDiskManager() *MockDiskManager {
	return &MockDiskManager{
		files: make(map[string]*MockFile),
	}
}

// Open creates or opens a mock file, honoring O_CREATE, O_EXCL and O_TRUNC
func (dm *MockDiskManager) Open(path string, flags int, _ os.FileMode) (diskmanager.FileHandle, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if file, exists := dm.files[path]; exists {
		if flags&os.O_CREATE != 0 && flags&os.O_EXCL != 0 {
			return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrExist}
		}
		if flags&os.O_TRUNC != 0 {
			_ = file.Truncate(0)
		}
		return file, nil
	}

	if flags&os.O_CREATE == 0 {
		return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrNotExist}
	}

	file := &MockFile{
		data:   []byte{},
		name:   path,
		tearAt: -1,
	}
	dm.files[path] = file
	return file, nil
}

// File returns the mock file at path, or nil if it was never created.
func (dm *MockDiskManager) File(path string) *MockFile {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.files[path]
}

// Delete removes a mock file
func (dm *MockDiskManager) Delete(path string) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	delete(dm.files, path)
	return nil
}

// Close closes a mock file
func (dm *MockDiskManager) Close(_ string) error {
	return nil
}
