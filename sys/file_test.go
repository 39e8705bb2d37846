package sys

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")

	require.NoError(t, AtomicWrite(path, func(w io.Writer) error {
		_, err := w.Write([]byte("first"))
		return err
	}))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	t.Run("failed writer keeps old content", func(t *testing.T) {
		boom := errors.New("boom")
		err := AtomicWrite(path, func(w io.Writer) error {
			_, _ = w.Write([]byte("partial"))
			return boom
		})
		require.ErrorIs(t, err, boom)

		got, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "first", string(got))
		_, err = os.Stat(path + TempSuffix)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("failed rename keeps old content", func(t *testing.T) {
		orig := Rename
		Rename = func(oldpath, newpath string) error { return errors.New("rename refused") }
		t.Cleanup(func() { Rename = orig })

		err := AtomicWrite(path, func(w io.Writer) error {
			_, err := w.Write([]byte("second"))
			return err
		})
		require.Error(t, err)
		got, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "first", string(got))
	})
}

func TestSafeRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gone")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	require.NoError(t, SafeRemove(path))
	ok, err := Exists(path)
	require.NoError(t, err)
	assert.False(t, ok)

	// Removing a missing file is not an error.
	require.NoError(t, SafeRemove(path))
}

func TestAcquireOSFileLock(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("flock is not available")
	}
	lockPath := filepath.Join(t.TempDir(), LockFileName)

	release, err := AcquireOSFileLock(lockPath, 50*time.Millisecond)
	require.NoError(t, err)

	_, err = AcquireOSFileLock(lockPath, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, release())

	release2, err := AcquireOSFileLock(lockPath, 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, release2())
}
