package diskmanager_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/MikhailWahib/slotdb/internal/diskmanager"
	"github.com/MikhailWahib/slotdb/internal/diskmanager/mockdm"
	"github.com/stretchr/testify/require"
)

func TestDiskManager_Open(t *testing.T) {
	dm := diskmanager.NewDiskManager()
	filePath := filepath.Join(t.TempDir(), "open.db")
	defer func() { _ = dm.Close(filePath) }()

	// Test creating a new file
	handle, err := dm.Open(filePath, os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err, "Expected no error on file creation")
	require.NotNil(t, handle, "Expected valid file handle, got nil")

	// Cached handle is returned while open
	again, err := dm.Open(filePath, os.O_RDWR, 0644)
	require.NoError(t, err)
	require.Same(t, handle, again)

	err = dm.Close(filePath)
	require.NoError(t, err, "Expected no error on close")

	handle, err = dm.Open(filePath, os.O_RDONLY, 0644)
	require.NoError(t, err, "Expected no error opening file in read-only mode")
	require.NotNil(t, handle, "Expected valid file handle on read-only opening")

	// Test opening non-existent file without create flag
	_, err = dm.Open(filepath.Join(t.TempDir(), "missing.db"), os.O_RDWR, 0644)
	require.Error(t, err, "Expected error opening non-existent file without create flag")
	require.True(t, os.IsNotExist(err), "Expected 'file not exist' error")
}

func TestFileHandle_ReadWriteTruncate(t *testing.T) {
	dm := diskmanager.NewDiskManager()
	filePath := filepath.Join(t.TempDir(), "rw.db")
	defer func() { _ = dm.Close(filePath) }()

	handle, err := dm.Open(filePath, os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)

	data := []byte("Hello, world!")
	n, err := handle.WriteAt(data, 0)
	require.NoError(t, err, "Expected no error on WriteAt")
	require.Equal(t, len(data), n)
	require.NoError(t, handle.Sync())

	readData := make([]byte, len(data))
	_, err = handle.ReadAt(readData, 0)
	require.NoError(t, err, "Expected no error on ReadAt")
	require.Equal(t, string(data), string(readData))

	require.NoError(t, handle.Truncate(5))
	info, err := handle.Stat()
	require.NoError(t, err)
	require.Equal(t, int64(5), info.Size())
}

func TestDiskManager_Delete(t *testing.T) {
	dm := diskmanager.NewDiskManager()
	filePath := filepath.Join(t.TempDir(), "delete.db")

	handle, err := dm.Open(filePath, os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err, "Expected no error on Open")
	_, err = handle.WriteAt([]byte("Test data"), 0)
	require.NoError(t, err)

	// Delete closes the open handle
	err = dm.Delete(filePath)
	require.NoError(t, err, "Expected no error on Delete")

	_, err = os.Stat(filePath)
	require.True(t, os.IsNotExist(err), "Expected file %s to be deleted, but it exists", filePath)

	err = dm.Delete(filePath)
	require.Error(t, err, "Expected error when deleting non-existent file")
	require.True(t, os.IsNotExist(err), "Expected 'file not exist' error")
}

func TestMockDiskManager_Flags(t *testing.T) {
	dm := mockdm.NewMockDiskManager()

	_, err := dm.Open("a.db", os.O_RDWR, 0644)
	require.True(t, os.IsNotExist(err))

	fh, err := dm.Open("a.db", os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = fh.WriteAt([]byte("abc"), 0)
	require.NoError(t, err)

	_, err = dm.Open("a.db", os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	require.True(t, os.IsExist(err))

	// Contents survive Close
	require.NoError(t, dm.Close("a.db"))
	fh, err = dm.Open("a.db", os.O_RDWR, 0644)
	require.NoError(t, err)
	buf := make([]byte, 3)
	_, err = fh.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "abc", string(buf))
}

func TestMockFile_TearNextWrite(t *testing.T) {
	dm := mockdm.NewMockDiskManager()
	fh, err := dm.Open("torn.db", os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)

	dm.File("torn.db").TearNextWrite(2)
	n, err := fh.WriteAt([]byte("abcdef"), 0)
	require.ErrorIs(t, err, mockdm.ErrInjected)
	require.Equal(t, 2, n)
	require.Equal(t, []byte("ab"), dm.File("torn.db").Bytes())

	// Fault is one-shot
	_, err = fh.WriteAt([]byte("abcdef"), 0)
	require.NoError(t, err)

	dm.File("torn.db").FailNextSync()
	require.ErrorIs(t, fh.Sync(), mockdm.ErrInjected)
	require.NoError(t, fh.Sync())
}
