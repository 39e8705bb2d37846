// Package rowstore implements the append-only binary row file of a table.
//
// File layout: MAGIC "PESA" | VERSION u8 | row* where every row is the codec
// encoding of its values in column order. Rows are addressed by the byte
// offset at which they start (the locator).
package rowstore

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/INLOpen/pesadb/codec"
	"github.com/INLOpen/pesadb/core"
	"github.com/INLOpen/pesadb/sys"
)

// TruncatedError reports a trailing record cut short by a crash. Offset is the
// end of the last complete row, the size the file should be truncated to.
type TruncatedError struct {
	Path   string
	Offset int64
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("row store %s: truncated record after offset %d", e.Path, e.Offset)
}

// Store is the row file of a single table. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	path    string
	columns []core.Column
	file    *os.File
	size    int64
	buf     []byte
	logger  *slog.Logger

	testingOnlyInjectAppendError error
}

// Open opens or creates the row store at path. created reports whether the file
// did not exist before the call.
func Open(path string, columns []core.Column, logger *slog.Logger) (*Store, bool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	created := false
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, false, core.NewIOError("stat", path, err)
		}
		created = true
	}

	file, err := sys.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, false, core.NewIOError("open", path, err)
	}
	s := &Store{
		path:    path,
		columns: columns,
		file:    file,
		logger:  logger.With("component", "RowStore", "path", path),
	}
	if err := s.initHeader(); err != nil {
		file.Close()
		return nil, false, err
	}
	if created {
		s.logger.Debug("Row store created.")
	}
	return s, created, nil
}

func (s *Store) initHeader() error {
	stat, err := s.file.Stat()
	if err != nil {
		return core.NewIOError("stat", s.path, err)
	}
	size := stat.Size()
	if size == 0 {
		if _, err := s.file.WriteAt(header(), 0); err != nil {
			return core.NewIOError("write header", s.path, err)
		}
		s.size = core.RowStoreHeaderSize
		return nil
	}
	if size < core.RowStoreHeaderSize {
		return fmt.Errorf("%w: row store %s is %d bytes, shorter than its header", core.ErrCorruptRecord, s.path, size)
	}
	var hdr [core.RowStoreHeaderSize]byte
	if _, err := s.file.ReadAt(hdr[:], 0); err != nil {
		return core.NewIOError("read header", s.path, err)
	}
	if !bytes.Equal(hdr[:], header()) {
		return fmt.Errorf("%w: row store %s has bad header %x", core.ErrCorruptRecord, s.path, hdr[:])
	}
	s.size = size
	return nil
}

func header() []byte {
	return append([]byte(core.RowStoreMagic), core.FormatVersion)
}

// Path returns the file path of the store.
func (s *Store) Path() string { return s.path }

// Size returns the current file size in bytes.
func (s *Store) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// SetTestingOnlyInjectAppendError makes every Append fail with err until reset with nil.
func (s *Store) SetTestingOnlyInjectAppendError(err error) {
	s.mu.Lock()
	s.testingOnlyInjectAppendError = err
	s.mu.Unlock()
}

// Append writes row at the end of the file and returns its locator.
func (s *Store) Append(row core.Row) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return 0, fmt.Errorf("row store %s: %w", s.path, core.ErrNotInitialized)
	}
	if s.testingOnlyInjectAppendError != nil {
		return 0, s.testingOnlyInjectAppendError
	}
	if s.size > core.MaxLocator {
		return 0, fmt.Errorf("%w: row offset %d exceeds u32 locator", core.ErrUnsupportedEncoding, s.size)
	}

	var err error
	s.buf, err = codec.AppendRow(s.buf[:0], s.columns, row)
	if err != nil {
		return 0, err
	}
	loc := uint32(s.size)
	if _, err := s.file.WriteAt(s.buf, s.size); err != nil {
		return 0, core.NewIOError("append", s.path, err)
	}
	s.size += int64(len(s.buf))
	return loc, nil
}

// ReadAt decodes the single row starting at loc.
func (s *Store) ReadAt(loc uint32) (core.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file == nil {
		return nil, fmt.Errorf("row store %s: %w", s.path, core.ErrNotInitialized)
	}
	if int64(loc) < core.RowStoreHeaderSize || int64(loc) >= s.size {
		return nil, fmt.Errorf("%w: locator %d outside row store %s", core.ErrCorruptRecord, loc, s.path)
	}
	sr := io.NewSectionReader(s.file, int64(loc), s.size-int64(loc))
	row, err := codec.ReadRow(bufio.NewReaderSize(sr, 512), s.columns)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: row at locator %d is incomplete", core.ErrCorruptRecord, loc)
		}
		return nil, err
	}
	return row, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Scan decodes every row from the header to the end of the file. A torn
// trailing record stops the scan with a *TruncatedError; rows before it have
// already been passed to fn.
func (s *Store) Scan(fn func(loc uint32, row core.Row) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file == nil {
		return fmt.Errorf("row store %s: %w", s.path, core.ErrNotInitialized)
	}
	sr := io.NewSectionReader(s.file, core.RowStoreHeaderSize, s.size-core.RowStoreHeaderSize)
	cr := &countingReader{r: sr}
	br := bufio.NewReaderSize(cr, 64*1024)

	offset := int64(core.RowStoreHeaderSize)
	for {
		row, err := codec.ReadRow(br, s.columns)
		if err == io.EOF {
			return nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return &TruncatedError{Path: s.path, Offset: offset}
		}
		if err != nil {
			return fmt.Errorf("row store %s at offset %d: %w", s.path, offset, err)
		}
		if offset > core.MaxLocator {
			return fmt.Errorf("%w: row offset %d exceeds u32 locator", core.ErrUnsupportedEncoding, offset)
		}
		if err := fn(uint32(offset), row); err != nil {
			return err
		}
		offset = core.RowStoreHeaderSize + cr.n - int64(br.Buffered())
	}
}

// Truncate cuts the file to size, discarding a torn tail found by Scan.
func (s *Store) Truncate(size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if size < core.RowStoreHeaderSize {
		size = core.RowStoreHeaderSize
	}
	if err := s.file.Truncate(size); err != nil {
		return core.NewIOError("truncate", s.path, err)
	}
	if err := s.file.Sync(); err != nil {
		return core.NewIOError("sync", s.path, err)
	}
	s.size = size
	return nil
}

// Rebuild atomically replaces the whole file with header + rows and returns
// the new locator of every row, in order.
func (s *Store) Rebuild(rows []core.Row) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	locs := make([]uint32, len(rows))
	var buf []byte
	offset := int64(core.RowStoreHeaderSize)
	err := sys.AtomicWrite(s.path, func(w io.Writer) error {
		if _, err := w.Write(header()); err != nil {
			return err
		}
		for i, row := range rows {
			if offset > core.MaxLocator {
				return fmt.Errorf("%w: row offset %d exceeds u32 locator", core.ErrUnsupportedEncoding, offset)
			}
			var err error
			if buf, err = codec.AppendRow(buf[:0], s.columns, row); err != nil {
				return err
			}
			if _, err := w.Write(buf); err != nil {
				return err
			}
			locs[i] = uint32(offset)
			offset += int64(len(buf))
		}
		return nil
	})
	if err != nil {
		if core.IsConstraintViolation(err) || errors.Is(err, core.ErrUnsupportedEncoding) {
			return nil, err
		}
		return nil, core.NewIOError("rebuild", s.path, err)
	}

	if s.file != nil {
		s.file.Close()
	}
	file, err := sys.OpenFile(s.path, os.O_RDWR, 0644)
	if err != nil {
		s.file = nil
		return nil, core.NewIOError("reopen", s.path, err)
	}
	s.file = file
	s.size = offset
	s.logger.Debug("Row store rebuilt.", "rows", len(rows), "size", offset)
	return locs, nil
}

// Sync flushes written rows to stable storage.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return core.NewIOError("sync", s.path, s.file.Sync())
}

// Close syncs and closes the file. Closing twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	syncErr := s.file.Sync()
	closeErr := s.file.Close()
	s.file = nil
	if syncErr != nil {
		return core.NewIOError("sync", s.path, syncErr)
	}
	return core.NewIOError("close", s.path, closeErr)
}

// Remove closes the store and deletes its file.
func (s *Store) Remove() error {
	s.mu.Lock()
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	s.mu.Unlock()
	return core.NewIOError("remove", s.path, sys.SafeRemove(s.path))
}
