// Package index implements the persistent primary-key index of a table: an
// append-only side file of (key, locator) pairs mirrored by an in-memory map.
//
// Key encoding follows the row codec (INT32 or STRING); the locator is a
// big-endian u32 row-store offset. The index is the single point where key
// uniqueness is enforced.
package index

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"unicode/utf8"

	"github.com/INLOpen/pesadb/codec"
	"github.com/INLOpen/pesadb/core"
	"github.com/INLOpen/pesadb/sys"
)

// Index maps primary keys to row-store locators. It is safe for concurrent use.
type Index struct {
	mu      sync.RWMutex
	path    string
	keyType core.ColumnType
	file    *os.File
	size    int64
	entries map[core.Value]uint32
	buf     []byte
	logger  *slog.Logger
}

// Open loads the index at path, creating an empty file if none exists.
// Duplicate keys or undecodable records before the end of the file are fatal;
// a torn trailing pair is truncated away.
func Open(path string, keyType core.ColumnType, logger *slog.Logger) (*Index, error) {
	if !keyType.KeyCapable() {
		return nil, fmt.Errorf("%w: index key type %s", core.ErrUnsupportedEncoding, keyType)
	}
	if logger == nil {
		logger = slog.Default()
	}
	file, err := sys.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, core.NewIOError("open", path, err)
	}
	idx := &Index{
		path:    path,
		keyType: keyType,
		file:    file,
		entries: make(map[core.Value]uint32),
		logger:  logger.With("component", "Index", "path", path),
	}
	if err := idx.load(); err != nil {
		file.Close()
		return nil, err
	}
	return idx, nil
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

func (idx *Index) load() error {
	stat, err := idx.file.Stat()
	if err != nil {
		return core.NewIOError("stat", idx.path, err)
	}
	total := stat.Size()
	cr := &countingReader{r: io.NewSectionReader(idx.file, 0, total)}
	br := bufio.NewReaderSize(cr, 64*1024)

	var good int64
	for {
		key, loc, err := readPair(br, idx.keyType)
		if err == io.EOF {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			idx.logger.Warn("Truncating torn trailing index record.", "offset", good, "size", total)
			if err := idx.file.Truncate(good); err != nil {
				return core.NewIOError("truncate", idx.path, err)
			}
			if err := idx.file.Sync(); err != nil {
				return core.NewIOError("sync", idx.path, err)
			}
			break
		}
		if err != nil {
			return fmt.Errorf("index %s at offset %d: %w", idx.path, good, err)
		}
		if _, dup := idx.entries[key]; dup {
			return fmt.Errorf("%w: index %s holds duplicate key %v at offset %d", core.ErrCorruptRecord, idx.path, key, good)
		}
		idx.entries[key] = loc
		good = cr.n - int64(br.Buffered())
	}
	idx.size = good
	return nil
}

func readPair(r io.Reader, keyType core.ColumnType) (core.Value, uint32, error) {
	key, err := codec.ReadValue(r, keyType)
	if err != nil {
		return core.Value{}, 0, err
	}
	if key.Type == core.TypeString && !utf8.ValidString(key.S) {
		return core.Value{}, 0, fmt.Errorf("%w: key is not valid UTF-8", core.ErrCorruptRecord)
	}
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return core.Value{}, 0, err
	}
	loc := binary.BigEndian.Uint32(b[:])
	if loc < core.RowStoreHeaderSize {
		return core.Value{}, 0, fmt.Errorf("%w: locator %d points into the row store header", core.ErrCorruptRecord, loc)
	}
	return key, loc, nil
}

func (idx *Index) appendPair(dst []byte, key core.Value, loc uint32) ([]byte, error) {
	dst, err := codec.AppendValue(dst, key)
	if err != nil {
		return dst, err
	}
	return binary.BigEndian.AppendUint32(dst, loc), nil
}

func (idx *Index) checkKey(key core.Value) error {
	if key.Type != idx.keyType {
		return fmt.Errorf("%w: key %v has type %s, index expects %s", core.ErrUnsupportedEncoding, key, key.Type, idx.keyType)
	}
	return nil
}

// KeyType returns the type of the indexed column.
func (idx *Index) KeyType() core.ColumnType { return idx.keyType }

// Has reports whether key is present.
func (idx *Index) Has(key core.Value) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.entries[key]
	return ok
}

// Get returns the locator recorded for key.
func (idx *Index) Get(key core.Value) (uint32, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	loc, ok := idx.entries[key]
	return loc, ok
}

// Add records key at loc. A key already present is a constraint violation and
// leaves the index unchanged.
func (idx *Index) Add(key core.Value, loc uint32) error {
	if err := idx.checkKey(key); err != nil {
		return err
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.file == nil {
		return fmt.Errorf("index %s: %w", idx.path, core.ErrNotInitialized)
	}
	if _, dup := idx.entries[key]; dup {
		return &core.ConstraintError{Reason: fmt.Sprintf("duplicate primary key %v", key)}
	}
	var err error
	if idx.buf, err = idx.appendPair(idx.buf[:0], key, loc); err != nil {
		return err
	}
	if _, err := idx.file.WriteAt(idx.buf, idx.size); err != nil {
		return core.NewIOError("append", idx.path, err)
	}
	idx.size += int64(len(idx.buf))
	idx.entries[key] = loc
	return nil
}

// Clear removes every entry and truncates the file.
func (idx *Index) Clear() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.file == nil {
		return fmt.Errorf("index %s: %w", idx.path, core.ErrNotInitialized)
	}
	if err := idx.file.Truncate(0); err != nil {
		return core.NewIOError("truncate", idx.path, err)
	}
	idx.size = 0
	idx.entries = make(map[core.Value]uint32)
	return nil
}

// Reset atomically replaces the index with keys[i] -> locs[i].
func (idx *Index) Reset(keys []core.Value, locs []uint32) error {
	if len(keys) != len(locs) {
		return fmt.Errorf("index reset: %d keys for %d locators", len(keys), len(locs))
	}
	entries := make(map[core.Value]uint32, len(keys))
	for i, k := range keys {
		if err := idx.checkKey(k); err != nil {
			return err
		}
		if _, dup := entries[k]; dup {
			return &core.ConstraintError{Reason: fmt.Sprintf("duplicate primary key %v", k)}
		}
		entries[k] = locs[i]
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	var size int64
	err := sys.AtomicWrite(idx.path, func(w io.Writer) error {
		var buf []byte
		for i, k := range keys {
			var err error
			if buf, err = idx.appendPair(buf[:0], k, locs[i]); err != nil {
				return err
			}
			if _, err := w.Write(buf); err != nil {
				return err
			}
			size += int64(len(buf))
		}
		return nil
	})
	if err != nil {
		return core.NewIOError("reset", idx.path, err)
	}
	if idx.file != nil {
		idx.file.Close()
	}
	file, err := sys.OpenFile(idx.path, os.O_RDWR, 0644)
	if err != nil {
		idx.file = nil
		return core.NewIOError("reopen", idx.path, err)
	}
	idx.file = file
	idx.size = size
	idx.entries = entries
	return nil
}

// Len returns the number of keys.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Keys returns all keys in ascending order.
func (idx *Index) Keys() []core.Value {
	idx.mu.RLock()
	keys := make([]core.Value, 0, len(idx.entries))
	for k := range idx.entries {
		keys = append(keys, k)
	}
	idx.mu.RUnlock()
	slices.SortFunc(keys, func(a, b core.Value) int { return a.Compare(b) })
	return keys
}

func (idx *Index) Sync() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.file == nil {
		return nil
	}
	return core.NewIOError("sync", idx.path, idx.file.Sync())
}

func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.file == nil {
		return nil
	}
	syncErr := idx.file.Sync()
	closeErr := idx.file.Close()
	idx.file = nil
	if syncErr != nil {
		return core.NewIOError("sync", idx.path, syncErr)
	}
	return core.NewIOError("close", idx.path, closeErr)
}

// Remove closes the index and deletes its file.
func (idx *Index) Remove() error {
	idx.mu.Lock()
	if idx.file != nil {
		idx.file.Close()
		idx.file = nil
	}
	idx.entries = make(map[core.Value]uint32)
	idx.mu.Unlock()
	return core.NewIOError("remove", idx.path, sys.SafeRemove(idx.path))
}
