//go:build unix

package wal

import (
	"errors"
	"io"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/INLOpen/pesadb/core"
)

// acceleratedBackend owns a raw O_APPEND descriptor and buffers single-frame
// appends in its own fixed buffer.
type acceleratedBackend struct {
	mu   sync.Mutex
	path string
	fd   int
	size int64
	buf  []byte
}

func openAccelerated(path string, bufferSize int) (Backend, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	fd, err := openRetry(path)
	if err != nil {
		return nil, core.NewIOError("open", path, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, core.NewIOError("fstat", path, err)
	}
	return &acceleratedBackend{
		path: path,
		fd:   fd,
		size: st.Size,
		buf:  make([]byte, 0, bufferSize),
	}, nil
}

func openRetry(path string) (int, error) {
	for {
		fd, err := unix.Open(path, unix.O_WRONLY|unix.O_CREAT|unix.O_APPEND|unix.O_CLOEXEC, 0644)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return fd, err
	}
}

func (b *acceleratedBackend) Kind() BackendKind { return BackendAccelerated }

// writeAll writes p completely, retrying on EINTR and short writes. On failure
// the file is cut back to its previous size so a partial frame never sits in
// front of later ones.
func (b *acceleratedBackend) writeAll(p []byte) error {
	if b.fd < 0 {
		return core.NewIOError("write", b.path, core.ErrNotInitialized)
	}
	start := b.size
	for len(p) > 0 {
		n, err := unix.Write(b.fd, p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err == nil && n == 0 {
			err = io.ErrShortWrite
		}
		if err != nil {
			_ = unix.Ftruncate(b.fd, start)
			b.size = start
			return core.NewIOError("write", b.path, err)
		}
		b.size += int64(n)
		p = p[n:]
	}
	return nil
}

func (b *acceleratedBackend) drainLocked() error {
	if len(b.buf) == 0 {
		return nil
	}
	err := b.writeAll(b.buf)
	b.buf = b.buf[:0]
	return err
}

func (b *acceleratedBackend) syncLocked() error {
	if err := fdatasync(b.fd); err != nil {
		return core.NewIOError("fdatasync", b.path, err)
	}
	return nil
}

func (b *acceleratedBackend) Append(entry *core.WALEntry, sync bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := FrameSize(entry)
	if len(b.buf)+size > cap(b.buf) {
		if err := b.drainLocked(); err != nil {
			return err
		}
	}
	if size > cap(b.buf) {
		frame, err := AppendFrame(make([]byte, 0, size), entry)
		if err != nil {
			return err
		}
		if err := b.writeAll(frame); err != nil {
			return err
		}
	} else {
		var err error
		if b.buf, err = AppendFrame(b.buf, entry); err != nil {
			return err
		}
	}
	if !sync {
		return nil
	}
	if err := b.drainLocked(); err != nil {
		return err
	}
	return b.syncLocked()
}

func (b *acceleratedBackend) AppendBatch(frames []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.drainLocked(); err != nil {
		return err
	}
	return b.writeAll(frames)
}

func (b *acceleratedBackend) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fd < 0 {
		return nil
	}
	if err := b.drainLocked(); err != nil {
		return err
	}
	return b.syncLocked()
}

func (b *acceleratedBackend) Truncate() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = b.buf[:0]
	if err := unix.Ftruncate(b.fd, 0); err != nil {
		return core.NewIOError("truncate", b.path, err)
	}
	b.size = 0
	return b.syncLocked()
}

func (b *acceleratedBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fd < 0 {
		return nil
	}
	err := b.drainLocked()
	if err == nil {
		err = b.syncLocked()
	}
	if cerr := unix.Close(b.fd); cerr != nil && err == nil {
		err = core.NewIOError("close", b.path, cerr)
	}
	b.fd = -1
	return err
}
