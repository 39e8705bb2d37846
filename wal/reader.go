package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/INLOpen/pesadb/core"
)

// Reader streams frames from a WAL file front to back.
type Reader struct {
	br      *bufio.Reader
	closer  io.Closer
	offset  int64
	lastLSN uint32
}

// NewReader reads frames from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, DefaultBufferSize)}
}

// OpenReader opens the WAL file at path for reading.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, core.NewIOError("open", path, err)
	}
	r := NewReader(f)
	r.closer = f
	return r, nil
}

// Next returns the next entry. It returns io.EOF at a clean end of file,
// io.ErrUnexpectedEOF for a torn trailing frame and an error wrapping
// core.ErrCorruptRecord for bytes that are not a frame. LSNs must strictly
// increase within a file.
func (r *Reader) Next() (core.WALEntry, error) {
	e, n, err := readFrame(r.br)
	if err != nil {
		return core.WALEntry{}, err
	}
	if e.LSN == 0 || e.LSN <= r.lastLSN {
		return core.WALEntry{}, fmt.Errorf("%w: lsn %d after %d at offset %d", core.ErrCorruptRecord, e.LSN, r.lastLSN, r.offset)
	}
	r.lastLSN = e.LSN
	r.offset += int64(n)
	return e, nil
}

// Offset returns the end of the last frame returned by Next.
func (r *Reader) Offset() int64 { return r.offset }

func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

// FileInfo summarizes a WAL file read by ReadFile.
type FileInfo struct {
	// Size is the file size on disk.
	Size int64
	// ValidSize is the end of the last complete frame.
	ValidSize int64
	Entries   int
	MaxLSN    uint32
	MaxTxnID  uint32
	// TailErr is the reason reading stopped before Size, if it did.
	TailErr error
}

// Torn reports whether the file holds bytes after the last complete frame.
func (fi FileInfo) Torn() bool { return fi.ValidSize < fi.Size }

// ReadFile reads every complete frame of the WAL at path. Reading stops at the
// first torn or undecodable frame; FileInfo tells the caller where.
func ReadFile(path string) ([]core.WALEntry, FileInfo, error) {
	var info FileInfo
	st, err := os.Stat(path)
	if err != nil {
		return nil, info, core.NewIOError("stat", path, err)
	}
	info.Size = st.Size()

	r, err := OpenReader(path)
	if err != nil {
		return nil, info, err
	}
	defer r.Close()

	var entries []core.WALEntry
	for {
		e, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, core.ErrCorruptRecord) {
				return nil, info, core.NewIOError("read", path, err)
			}
			info.TailErr = err
			break
		}
		entries = append(entries, e)
		info.MaxLSN = e.LSN
		if e.TxnID > info.MaxTxnID {
			info.MaxTxnID = e.TxnID
		}
	}
	info.Entries = len(entries)
	info.ValidSize = r.Offset()
	return entries, info, nil
}
