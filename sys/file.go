// Package sys wraps the file-system operations the storage layers depend on.
// Handlers are package variables so tests can swap them to inject failures.
package sys

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

type OpenFileHandler func(name string, flag int, perm os.FileMode) (*os.File, error)
type RenameHandler func(oldpath, newpath string) error
type RemoveHandler func(name string) error

var OpenFile OpenFileHandler = os.OpenFile

var Rename RenameHandler = os.Rename

var Remove RemoveHandler = os.Remove

// TempSuffix is appended to a file name while it is being rewritten.
const TempSuffix = ".tmp"

// AtomicWrite replaces path with the bytes produced by write. The content is
// written to a temporary sibling, synced, closed and renamed over path, so a
// crash leaves either the old file or the complete new one.
func AtomicWrite(path string, write func(w io.Writer) error) (err error) {
	tempPath := path + TempSuffix
	file, err := OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp file %s: %w", tempPath, err)
	}
	defer func() {
		if err != nil {
			file.Close()
			os.Remove(tempPath)
		}
	}()

	bw := bufio.NewWriterSize(file, 64*1024)
	if err = write(bw); err != nil {
		return err
	}
	if err = bw.Flush(); err != nil {
		return fmt.Errorf("failed to write temp file %s: %w", tempPath, err)
	}
	if err = file.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file %s: %w", tempPath, err)
	}
	if err = file.Close(); err != nil {
		return fmt.Errorf("failed to close temp file %s: %w", tempPath, err)
	}
	if err = Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename %s to %s: %w", tempPath, path, err)
	}
	SyncDir(filepath.Dir(path))
	return nil
}

// SyncDir flushes directory metadata after a rename or create. Platforms that
// cannot fsync a directory handle are ignored.
func SyncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// SafeRemove removes name, treating a missing file as success and retrying
// transient failures with exponential backoff.
func SafeRemove(name string) error {
	return SafeRemoveWithRetry(name, 5, 10*time.Millisecond)
}

func SafeRemoveWithRetry(name string, retry int, interval time.Duration) error {
	if retry < 1 {
		retry = 1
	}
	var err error
	for i := 0; i < retry; i++ {
		err = Remove(name)
		if err == nil || os.IsNotExist(err) {
			return nil
		}
		time.Sleep(interval * time.Duration(1<<i))
	}
	return err
}

// Exists reports whether path names an existing file.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
