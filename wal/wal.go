package wal

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/INLOpen/pesadb/core"
	"github.com/INLOpen/pesadb/hooks"
)

type logState int

const (
	stateUninitialized logState = iota
	stateReady
	stateClosed
)

func (s logState) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateReady:
		return "ready"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// Options holds configuration for the WAL.
type Options struct {
	// Path is the WAL file.
	Path string
	// Mode restricts backend selection. Empty means ModeAuto.
	Mode BackendMode
	// BufferSize is the initial size of the log's frame buffer, used only with
	// the accelerated backend. 0 means DefaultBufferSize.
	BufferSize int
	// Registry shares backends between logs. A private registry is created
	// when nil and closed with the log.
	Registry *Registry

	BytesWritten   *expvar.Int
	EntriesWritten *expvar.Int
	Syncs          *expvar.Int
	Logger         *slog.Logger
	HookManager    hooks.HookManager
}

// Log is the single append-only write-ahead log of an engine. Every mutation
// is appended here before it becomes visible; the append is the durability
// point when called with sync.
type Log struct {
	mu   sync.Mutex
	opts Options

	state       logState
	backend     Backend
	ownRegistry bool

	lsn      uint32
	maxTxnID uint32

	// buf accumulates frames between hand-overs to an accelerated backend.
	buf []byte

	metricsBytesWritten   *expvar.Int
	metricsEntriesWritten *expvar.Int
	metricsSyncs          *expvar.Int

	logger      *slog.Logger
	hookManager hooks.HookManager

	testingOnlyInjectCloseError  error
	testingOnlyInjectAppendError error
}

var _ Interface = (*Log)(nil)

// New creates an uninitialized log. Call Open before appending.
func New(opts Options) *Log {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Mode == "" {
		opts.Mode = ModeAuto
	}
	return &Log{
		opts:                  opts,
		logger:                opts.Logger.With("component", "WAL"),
		metricsBytesWritten:   opts.BytesWritten,
		metricsEntriesWritten: opts.EntriesWritten,
		metricsSyncs:          opts.Syncs,
		hookManager:           opts.HookManager,
	}
}

// Open creates and opens a log in one step, returning the entries recovered
// from the existing file.
func Open(opts Options) (*Log, []core.WALEntry, error) {
	l := New(opts)
	entries, err := l.Open()
	if err != nil {
		return nil, nil, err
	}
	return l, entries, nil
}

// Open reads all complete frames from the file (creating it if absent),
// truncates a torn tail, resumes the LSN and transaction counters from the
// largest values seen and attaches a backend. It returns the recovered entries
// in file order.
func (l *Log) Open() ([]core.WALEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != stateUninitialized {
		return nil, fmt.Errorf("wal %s: open in state %s", l.opts.Path, l.state)
	}
	path := l.opts.Path
	if path == "" {
		return nil, fmt.Errorf("wal: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, core.NewIOError("mkdir", filepath.Dir(path), err)
	}

	registry := l.opts.Registry
	if registry == nil {
		registry = NewRegistry(l.opts.BufferSize, l.opts.Logger)
		l.opts.Registry = registry
		l.ownRegistry = true
	}
	// A second Log would resume from the same file and reuse LSNs.
	if err := registry.claimLog(path); err != nil {
		return nil, err
	}
	claimed := true
	defer func() {
		if claimed {
			registry.releaseLog(path)
		}
	}()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, core.NewIOError("open", path, err)
	}
	f.Close()

	entries, info, err := ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAL %s: %w", path, err)
	}
	if info.Torn() {
		l.logger.Warn("Truncating torn WAL tail.", "path", path, "valid_size", info.ValidSize, "size", info.Size, "reason", info.TailErr)
		if err := os.Truncate(path, info.ValidSize); err != nil {
			return nil, core.NewIOError("truncate", path, err)
		}
	}

	backend, err := registry.Acquire(path, l.opts.Mode)
	if err != nil {
		return nil, err
	}
	claimed = false

	l.backend = backend
	l.lsn = info.MaxLSN
	l.maxTxnID = info.MaxTxnID
	if backend.Kind() == BackendAccelerated {
		l.buf = make([]byte, 0, l.opts.BufferSize)
	}
	l.state = stateReady
	l.logger.Info("WAL opened.", "path", path, "backend", backend.Kind(), "entries", len(entries), "lsn", l.lsn)
	return entries, nil
}

// SetTestingOnlyInjectCloseError sets an error that will be returned by the Close() method.
func (l *Log) SetTestingOnlyInjectCloseError(err error) {
	l.mu.Lock()
	l.testingOnlyInjectCloseError = err
	l.mu.Unlock()
}

// SetTestingOnlyInjectAppendError makes Append fail with err after consuming an LSN.
func (l *Log) SetTestingOnlyInjectAppendError(err error) {
	l.mu.Lock()
	l.testingOnlyInjectAppendError = err
	l.mu.Unlock()
}

func (l *Log) readyLocked() error {
	if l.state != stateReady {
		return fmt.Errorf("wal %s is %s: %w", l.opts.Path, l.state, core.ErrNotInitialized)
	}
	return nil
}

// Append logs one entry and returns its LSN. The LSN is consumed even when the
// write fails. With sync the entry and all earlier ones are on stable storage
// when Append returns nil; without it they may sit in a buffer until the next
// synchronous append or Flush. Failures are returned, never retried.
func (l *Log) Append(txnID uint32, op core.OpType, table string, payload []byte, sync bool) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.readyLocked(); err != nil {
		return 0, err
	}
	entry := core.WALEntry{TxnID: txnID, Op: op, Table: table, Payload: payload}
	if err := checkEncodable(&entry); err != nil {
		return 0, err
	}

	l.lsn++
	entry.LSN = l.lsn
	if txnID > l.maxTxnID {
		l.maxTxnID = txnID
	}

	if l.testingOnlyInjectAppendError != nil {
		return entry.LSN, l.testingOnlyInjectAppendError
	}

	var err error
	if l.buf != nil {
		err = l.appendBufferedLocked(&entry, sync)
	} else {
		err = l.backend.Append(&entry, sync)
		if err == nil && sync {
			l.countSync()
		}
	}
	if err != nil {
		l.logger.Error("WAL append failed.", "lsn", entry.LSN, "op", op.String(), "table", table, "error", err)
		return entry.LSN, err
	}

	size := FrameSize(&entry)
	if l.metricsBytesWritten != nil {
		l.metricsBytesWritten.Add(int64(size))
	}
	if l.metricsEntriesWritten != nil {
		l.metricsEntriesWritten.Add(1)
	}
	if l.hookManager != nil {
		l.hookManager.Trigger(context.Background(), hooks.NewPostWALAppendEvent(hooks.PostWALAppendPayload{
			LSN:     entry.LSN,
			TxnID:   txnID,
			Op:      op,
			Table:   table,
			Bytes:   size,
			Synced:  sync,
			Backend: string(l.backend.Kind()),
		}))
	}
	return entry.LSN, nil
}

func (l *Log) appendBufferedLocked(entry *core.WALEntry, sync bool) error {
	// A lone synchronous append goes straight through the single-frame call.
	if sync && len(l.buf) == 0 {
		if err := l.backend.Append(entry, true); err != nil {
			return err
		}
		l.countSync()
		return nil
	}

	size := FrameSize(entry)
	if len(l.buf) > 0 && len(l.buf)+size > cap(l.buf) {
		if err := l.handOverLocked(); err != nil {
			return err
		}
	}
	var err error
	if l.buf, err = AppendFrame(l.buf, entry); err != nil {
		return err
	}
	if !sync {
		return nil
	}
	if err := l.handOverLocked(); err != nil {
		return err
	}
	return l.syncLocked()
}

// handOverLocked passes the buffered frames to the backend. The buffer is
// emptied whether or not the write succeeds.
func (l *Log) handOverLocked() error {
	if len(l.buf) == 0 {
		return nil
	}
	err := l.backend.AppendBatch(l.buf)
	if cap(l.buf) > l.opts.BufferSize {
		// Shrink after an oversized frame grew the buffer.
		l.buf = make([]byte, 0, l.opts.BufferSize)
	} else {
		l.buf = l.buf[:0]
	}
	return err
}

func (l *Log) syncLocked() error {
	if err := l.backend.Flush(); err != nil {
		return err
	}
	l.countSync()
	return nil
}

func (l *Log) countSync() {
	if l.metricsSyncs != nil {
		l.metricsSyncs.Add(1)
	}
}

// Flush hands over any buffered frames and syncs the file.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.readyLocked(); err != nil {
		return err
	}
	if err := l.handOverLocked(); err != nil {
		return err
	}
	return l.syncLocked()
}

// Clear discards every entry: buffered frames are dropped, the file is
// truncated to zero and the LSN restarts at 0. The transaction counter is kept
// so transaction ids never repeat within a process.
func (l *Log) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.readyLocked(); err != nil {
		return err
	}
	if l.buf != nil {
		l.buf = l.buf[:0]
	}
	if err := l.backend.Truncate(); err != nil {
		return err
	}
	last := l.lsn
	l.lsn = 0
	l.logger.Info("WAL cleared.", "path", l.opts.Path, "last_lsn", last)
	if l.hookManager != nil {
		l.hookManager.Trigger(context.Background(), hooks.NewPostWALClearEvent(hooks.PostWALClearPayload{
			Path:    l.opts.Path,
			LastLSN: last,
		}))
	}
	return nil
}

// Close flushes pending frames and releases the backend. Closing a log that is
// not open is a no-op.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.testingOnlyInjectCloseError != nil {
		return l.testingOnlyInjectCloseError
	}
	if l.state != stateReady {
		l.state = stateClosed
		return nil
	}

	flushErr := l.handOverLocked()
	if flushErr == nil {
		flushErr = l.backend.Flush()
	}
	l.opts.Registry.releaseLog(l.opts.Path)
	releaseErr := l.opts.Registry.Release(l.opts.Path)
	if l.ownRegistry {
		if err := l.opts.Registry.Close(); err != nil && releaseErr == nil {
			releaseErr = err
		}
	}
	l.backend = nil
	l.buf = nil
	l.state = stateClosed

	if flushErr != nil {
		l.logger.Error("Error during WAL close.", "error", flushErr)
		return flushErr
	}
	if releaseErr != nil {
		l.logger.Error("Error releasing WAL backend.", "error", releaseErr)
		return releaseErr
	}
	l.logger.Info("WAL closed.")
	return nil
}

// LSN returns the last assigned log sequence number.
func (l *Log) LSN() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lsn
}

// MaxTxnID returns the largest transaction id seen in the file or appended since.
func (l *Log) MaxTxnID() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxTxnID
}

// BackendKind returns the kind of the attached backend, or "" when not open.
func (l *Log) BackendKind() BackendKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.backend == nil {
		return ""
	}
	return l.backend.Kind()
}

// Path returns the WAL file path.
func (l *Log) Path() string {
	return l.opts.Path
}

// Ready reports whether the log accepts appends.
func (l *Log) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == stateReady
}
