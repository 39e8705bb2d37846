package wal

import (
	"os"
	"sync"

	"github.com/INLOpen/pesadb/core"
	"github.com/INLOpen/pesadb/sys"
)

// fallbackBackend writes through a regular *os.File opened in append mode.
// Every call is one write; nothing is buffered.
type fallbackBackend struct {
	mu   sync.Mutex
	path string
	file *os.File
	size int64
	buf  []byte
}

func openFallback(path string) (Backend, error) {
	f, err := sys.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, core.NewIOError("open", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, core.NewIOError("stat", path, err)
	}
	return &fallbackBackend{path: path, file: f, size: st.Size()}, nil
}

func (b *fallbackBackend) Kind() BackendKind { return BackendFallback }

func (b *fallbackBackend) writeLocked(p []byte) error {
	if b.file == nil {
		return core.NewIOError("write", b.path, os.ErrClosed)
	}
	n, err := b.file.Write(p)
	if err != nil {
		// Cut a partial frame so later frames stay readable.
		if n > 0 {
			_ = b.file.Truncate(b.size)
		}
		return core.NewIOError("write", b.path, err)
	}
	b.size += int64(n)
	return nil
}

func (b *fallbackBackend) Append(entry *core.WALEntry, sync bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	if b.buf, err = AppendFrame(b.buf[:0], entry); err != nil {
		return err
	}
	if err := b.writeLocked(b.buf); err != nil {
		return err
	}
	if sync {
		return core.NewIOError("sync", b.path, b.file.Sync())
	}
	return nil
}

func (b *fallbackBackend) AppendBatch(frames []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeLocked(frames)
}

func (b *fallbackBackend) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file == nil {
		return nil
	}
	return core.NewIOError("sync", b.path, b.file.Sync())
}

func (b *fallbackBackend) Truncate() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file == nil {
		return core.NewIOError("truncate", b.path, os.ErrClosed)
	}
	if err := b.file.Truncate(0); err != nil {
		return core.NewIOError("truncate", b.path, err)
	}
	b.size = 0
	return core.NewIOError("sync", b.path, b.file.Sync())
}

func (b *fallbackBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file == nil {
		return nil
	}
	syncErr := b.file.Sync()
	closeErr := b.file.Close()
	b.file = nil
	if syncErr != nil {
		return core.NewIOError("sync", b.path, syncErr)
	}
	return core.NewIOError("close", b.path, closeErr)
}
