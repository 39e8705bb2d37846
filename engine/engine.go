package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/INLOpen/pesadb/catalog"
	"github.com/INLOpen/pesadb/codec"
	"github.com/INLOpen/pesadb/core"
	"github.com/INLOpen/pesadb/hooks"
	"github.com/INLOpen/pesadb/recovery"
	"github.com/INLOpen/pesadb/sys"
	"github.com/INLOpen/pesadb/wal"
)

const (
	DefaultWALName          = "global"
	DefaultRowCacheCapacity = 1024
	DefaultMetricsPrefix    = "pesadb_"
	DefaultLockTimeout      = 2 * time.Second
)

type Options struct {
	DataDir string
	// WALName is the base name of the log file inside DataDir.
	WALName string
	// WALBackend restricts WAL backend selection. Empty means auto.
	WALBackend    wal.BackendMode
	WALBufferSize int
	// WALRegistry shares WAL backends between engines in one process. The
	// engine creates and closes its own when nil.
	WALRegistry *wal.Registry
	// RowCacheCapacity is the number of rows cached per keyed table. A negative
	// value disables the cache, zero means DefaultRowCacheCapacity.
	RowCacheCapacity int
	// CheckpointOnClose writes a checkpoint for every changed table on Close.
	CheckpointOnClose bool
	// LockTimeout bounds the wait for the data directory lock.
	LockTimeout time.Duration

	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	Metrics        *EngineMetrics
	HookManager    hooks.HookManager
}

// DefaultOptions returns options for an engine rooted at dataDir.
func DefaultOptions(dataDir string) Options {
	return Options{
		DataDir:           dataDir,
		WALName:           DefaultWALName,
		WALBackend:        wal.ModeAuto,
		WALBufferSize:     wal.DefaultBufferSize,
		RowCacheCapacity:  DefaultRowCacheCapacity,
		CheckpointOnClose: true,
		LockTimeout:       DefaultLockTimeout,
	}
}

// Engine owns the catalog, the single WAL and every table of a data
// directory. Mutations are serialized by mu; readers share it.
type Engine struct {
	opts   Options
	mu     sync.RWMutex
	closed bool

	catalog  *catalog.Catalog
	tables   map[string]*Table
	wal      *wal.Log
	registry *wal.Registry
	unlock   func() error

	ownRegistry bool
	ownHooks    bool
	hookManager hooks.HookManager

	inTxn     bool
	txnID     uint32
	nextTxnID uint32

	metrics   *EngineMetrics
	logger    *slog.Logger
	tracer    trace.Tracer
	startTime time.Time
}

var _ Interface = (*Engine)(nil)

// Open opens or creates the database in opts.DataDir and replays its WAL.
func Open(ctx context.Context, opts Options) (_ *Engine, err error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("%w: data directory is required", core.ErrNotInitialized)
	}
	if opts.WALName == "" {
		opts.WALName = DefaultWALName
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.RowCacheCapacity == 0 {
		opts.RowCacheCapacity = DefaultRowCacheCapacity
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = noop.NewTracerProvider()
	}

	e := &Engine{
		opts:      opts,
		tables:    make(map[string]*Table),
		logger:    opts.Logger.With("component", "Engine"),
		tracer:    opts.TracerProvider.Tracer("github.com/INLOpen/pesadb/engine"),
		metrics:   opts.Metrics,
		startTime: time.Now(),
	}
	if e.metrics == nil {
		e.metrics = NewEngineMetrics(false, DefaultMetricsPrefix)
	}
	e.hookManager = opts.HookManager
	if e.hookManager == nil {
		e.hookManager = hooks.NewHookManager(opts.Logger)
		e.ownHooks = true
	}

	ctx, span := e.tracer.Start(ctx, "Engine.Open", trace.WithAttributes(attribute.String("data_dir", opts.DataDir)))
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			e.abortOpen()
		}
	}()

	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, core.NewIOError("mkdir", opts.DataDir, err)
	}
	unlock, err := sys.AcquireOSFileLock(filepath.Join(opts.DataDir, sys.LockFileName), opts.LockTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to lock data directory %s: %w", opts.DataDir, err)
	}
	e.unlock = unlock

	if e.catalog, err = catalog.Open(opts.DataDir, opts.Logger); err != nil {
		return nil, err
	}

	e.registry = opts.WALRegistry
	if e.registry == nil {
		e.registry = wal.NewRegistry(opts.WALBufferSize, opts.Logger)
		e.ownRegistry = true
	}
	walLog, entries, err := wal.Open(wal.Options{
		Path:           filepath.Join(opts.DataDir, opts.WALName+core.WALFileSuffix),
		Mode:           opts.WALBackend,
		BufferSize:     opts.WALBufferSize,
		Registry:       e.registry,
		BytesWritten:   e.metrics.WALBytesWrittenTotal,
		EntriesWritten: e.metrics.WALEntriesWrittenTotal,
		Syncs:          e.metrics.WALSyncsTotal,
		Logger:         opts.Logger,
		HookManager:    e.hookManager,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}
	e.wal = walLog
	span.SetAttributes(attribute.String("wal_backend", string(walLog.BackendKind())), attribute.Int("wal_entries", len(entries)))

	if err := e.loadTables(ctx); err != nil {
		return nil, err
	}
	if err := e.replay(ctx, entries); err != nil {
		return nil, err
	}
	e.nextTxnID = walLog.MaxTxnID()

	e.metrics.attachFuncs(e.tableCount, e.cacheHitRate, e.uptimeSeconds)
	e.hookManager.Trigger(ctx, hooks.NewPostStartEngineEvent())
	e.logger.Info("Engine opened.", "data_dir", opts.DataDir, "tables", len(e.tables), "wal_backend", walLog.BackendKind(), "lsn", walLog.LSN())
	return e, nil
}

// loadTables opens every catalog table concurrently.
func (e *Engine) loadTables(ctx context.Context) error {
	names := e.catalog.Tables()
	loaded := make([]*Table, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		cols, _ := e.catalog.Columns(name)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			t, err := loadTable(gctx, e, name, cols)
			if err != nil {
				return err
			}
			loaded[i] = t
			return nil
		})
	}
	err := g.Wait()
	for _, t := range loaded {
		if t != nil {
			e.tables[t.name] = t
		}
	}
	return err
}

func (e *Engine) replay(ctx context.Context, entries []core.WALEntry) error {
	targets := make([]recovery.Target, 0, len(e.tables))
	for _, name := range e.tableNamesLocked() {
		targets = append(targets, replayTarget{e.tables[name]})
	}
	stats, err := recovery.NewCoordinator(e.opts.Logger).Replay(ctx, entries, targets)
	if err != nil {
		return fmt.Errorf("WAL recovery failed: %w", err)
	}
	e.metrics.WALRecoveryDurationSeconds.Set(stats.Duration.Seconds())
	e.metrics.WALRecoveredEntriesTotal.Add(int64(stats.Entries))
	e.metrics.WALReplayAppliedTotal.Add(int64(stats.Applied))
	e.hookManager.Trigger(ctx, hooks.NewPostRecoveryEvent(hooks.PostRecoveryPayload{
		Entries:    stats.Entries,
		Applied:    stats.Applied,
		Skipped:    stats.Skipped,
		Overwrites: stats.Overwrites,
		MaxLSN:     stats.MaxLSN,
		Duration:   stats.Duration,
	}))
	return nil
}

// abortOpen releases whatever a failed Open acquired.
func (e *Engine) abortOpen() {
	for _, t := range e.tables {
		t.closeFiles()
	}
	if e.wal != nil {
		e.wal.Close()
	}
	if e.ownRegistry && e.registry != nil {
		e.registry.Close()
	}
	if e.unlock != nil {
		e.unlock()
	}
	if e.ownHooks {
		e.hookManager.Stop()
	}
}

// Close checkpoints (when configured) and releases every file. Closing a
// closed engine is a no-op.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.hookManager.Trigger(ctx, hooks.NewPreCloseEngineEvent())

	var errs []error
	if e.inTxn {
		e.logger.Warn("Closing with an active transaction, its entries are flushed.", "txn_id", e.txnID)
		if err := e.writeDeferredLocked(); err != nil {
			errs = append(errs, err)
		}
		e.inTxn = false
	}
	if e.opts.CheckpointOnClose {
		if _, err := e.checkpointLocked(ctx, false); err != nil {
			errs = append(errs, err)
		}
	}
	for _, name := range e.tableNamesLocked() {
		if err := e.tables[name].closeFiles(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close table %s: %w", name, err))
		}
	}
	if err := e.wal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close WAL: %w", err))
	}
	if e.ownRegistry {
		if err := e.registry.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.unlock(); err != nil {
		errs = append(errs, fmt.Errorf("failed to release data directory lock: %w", err))
	}
	e.closed = true

	e.hookManager.Trigger(ctx, hooks.NewPostCloseEngineEvent())
	if e.ownHooks {
		e.hookManager.Stop()
	}
	e.logger.Info("Engine closed.")
	return errors.Join(errs...)
}

// writableLocked reports whether t can take a mutation.
func (e *Engine) writableLocked(t *Table) error {
	if e.closed {
		return core.ErrEngineClosed
	}
	if e.tables[t.name] != t {
		return fmt.Errorf("%w: %s", core.ErrTableNotFound, t.name)
	}
	return nil
}

// statementTxnLocked returns the txn id for the next statement and whether
// its WAL append must be synced.
func (e *Engine) statementTxnLocked() (uint32, bool) {
	if e.inTxn {
		return e.txnID, false
	}
	e.nextTxnID++
	return e.nextTxnID, true
}

// Begin starts a transaction. Statements in it share one txn id and their
// WAL appends are not synced until Commit.
func (e *Engine) Begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return core.ErrEngineClosed
	}
	if e.inTxn {
		return core.ErrTransactionActive
	}
	e.nextTxnID++
	e.txnID = e.nextTxnID
	e.inTxn = true
	e.logger.Debug("Transaction started.", "txn_id", e.txnID)
	return nil
}

// Commit ends the transaction and flushes the WAL. There is no rollback:
// statements are visible as soon as they are executed.
func (e *Engine) Commit(ctx context.Context) error {
	_, span := e.tracer.Start(ctx, "Engine.Commit")
	defer span.End()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return core.ErrEngineClosed
	}
	if !e.inTxn {
		return core.ErrNoTransaction
	}
	if err := e.wal.Flush(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to flush WAL at commit of txn %d: %w", e.txnID, err)
	}
	for _, name := range e.tableNamesLocked() {
		e.tables[name].writeDeferredLocked()
	}
	span.SetAttributes(attribute.Int64("txn_id", int64(e.txnID)))
	e.inTxn = false
	e.metrics.TransactionsCommittedTotal.Add(1)
	return nil
}

// writeDeferredLocked flushes the WAL and then writes the table files the
// open transaction deferred. It does nothing when no writes are pending.
func (e *Engine) writeDeferredLocked() error {
	pending := false
	for _, t := range e.tables {
		if t.hasDeferred() {
			pending = true
			break
		}
	}
	if !pending {
		return nil
	}
	if err := e.wal.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL of txn %d: %w", e.txnID, err)
	}
	for _, name := range e.tableNamesLocked() {
		e.tables[name].writeDeferredLocked()
	}
	return nil
}

// InTransaction reports whether a transaction is active.
func (e *Engine) InTransaction() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.inTxn
}

// Checkpoint syncs the files of every changed table and logs a CHECKPOINT
// marker for each.
func (e *Engine) Checkpoint(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return core.ErrEngineClosed
	}
	_, err := e.checkpointLocked(ctx, false)
	return err
}

func (e *Engine) checkpointLocked(ctx context.Context, force bool) (_ []string, err error) {
	ctx, span := e.tracer.Start(ctx, "Engine.Checkpoint")
	defer span.End()
	start := time.Now()
	if err := e.writeDeferredLocked(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	var done []string
	for _, name := range e.tableNamesLocked() {
		ok, err := e.tables[name].checkpointLocked(force)
		if err != nil {
			span.RecordError(err)
			return done, err
		}
		if ok {
			done = append(done, name)
		}
	}
	if len(done) == 0 {
		return nil, nil
	}
	e.metrics.CheckpointTotal.Add(1)
	observeLatency(e.metrics.CheckpointLatencyHist, time.Since(start).Seconds())
	span.SetAttributes(attribute.StringSlice("tables", done))
	e.hookManager.Trigger(ctx, hooks.NewPostCheckpointEvent(hooks.PostCheckpointPayload{Tables: done, LSN: e.wal.LSN()}))
	e.logger.Debug("Checkpoint written.", "tables", done)
	return done, nil
}

// ClearLog checkpoints every table and truncates the WAL. A fresh CHECKPOINT
// marker is written for each table so replay trusts the row stores.
func (e *Engine) ClearLog(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return core.ErrEngineClosed
	}
	if e.inTxn {
		return core.ErrTransactionActive
	}
	if _, err := e.checkpointLocked(ctx, false); err != nil {
		return err
	}
	if err := e.wal.Clear(); err != nil {
		return fmt.Errorf("failed to clear WAL: %w", err)
	}
	if _, err := e.checkpointLocked(ctx, true); err != nil {
		return err
	}
	e.logger.Info("WAL cleared.", "tables", len(e.tables))
	return nil
}

// CreateTable adds a table to the catalog and creates its files.
func (e *Engine) CreateTable(ctx context.Context, name string, columns []core.Column) error {
	ctx, span := e.tracer.Start(ctx, "Engine.CreateTable", trace.WithAttributes(attribute.String("table", name)))
	defer span.End()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return core.ErrEngineClosed
	}
	if err := e.catalog.Add(name, columns); err != nil {
		span.RecordError(err)
		return err
	}
	columns, _ = e.catalog.Columns(name)

	// Files left by a table of the same name dropped before a crash.
	dbPath, idxPath := tableFiles(e.opts.DataDir, name)
	for _, p := range []string{dbPath, idxPath} {
		if err := sys.SafeRemove(p); err != nil {
			e.catalog.Remove(name)
			return core.NewIOError("remove", p, err)
		}
	}
	t, err := loadTable(ctx, e, name, columns)
	if err != nil {
		e.catalog.Remove(name)
		span.RecordError(err)
		return err
	}
	e.tables[name] = t
	e.metrics.TablesCreatedTotal.Add(1)
	e.hookManager.Trigger(ctx, hooks.NewPostCreateTableEvent(hooks.TablePayload{Table: name, Columns: t.Columns()}))
	e.logger.Info("Table created.", "table", name, "columns", len(columns))
	return nil
}

// DropTable logs an empty row set for the table, deletes its files and
// removes it from the catalog.
func (e *Engine) DropTable(ctx context.Context, name string) error {
	ctx, span := e.tracer.Start(ctx, "Engine.DropTable", trace.WithAttributes(attribute.String("table", name)))
	defer span.End()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return core.ErrEngineClosed
	}
	t, ok := e.tables[name]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrTableNotFound, name)
	}
	payload, _ := core.EncodeRowSetJSON(nil)
	txnID, _ := e.statementTxnLocked()
	if _, err := e.wal.Append(txnID, core.OpDelete, name, payload, true); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to log drop of %s: %w", name, err)
	}

	delete(e.tables, name)
	var errs []error
	if err := t.removeFiles(); err != nil {
		errs = append(errs, err)
	}
	if err := e.catalog.Remove(name); err != nil {
		errs = append(errs, err)
	}
	e.metrics.TablesDroppedTotal.Add(1)
	e.hookManager.Trigger(ctx, hooks.NewPostDropTableEvent(hooks.TablePayload{Table: name, Columns: t.Columns()}))
	e.logger.Info("Table dropped.", "table", name)
	return errors.Join(errs...)
}

// Table returns the named table.
func (e *Engine) Table(name string) (*Table, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, core.ErrEngineClosed
	}
	t, ok := e.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrTableNotFound, name)
	}
	return t, nil
}

// TableNames returns the table names in sorted order.
func (e *Engine) TableNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tableNamesLocked()
}

func (e *Engine) tableNamesLocked() []string {
	names := make([]string, 0, len(e.tables))
	for name := range e.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Engine) Insert(ctx context.Context, table string, row core.Row) error {
	t, err := e.Table(table)
	if err != nil {
		return err
	}
	return t.Insert(ctx, row)
}

func (e *Engine) SelectAll(table string) ([]core.Row, error) {
	t, err := e.Table(table)
	if err != nil {
		return nil, err
	}
	return t.SelectAll(), nil
}

func (e *Engine) GetByPrimaryKey(table string, key core.Value) (core.Row, bool, error) {
	t, err := e.Table(table)
	if err != nil {
		return nil, false, err
	}
	return t.GetByPrimaryKey(key)
}

func (e *Engine) Overwrite(ctx context.Context, table string, rows []core.Row) error {
	t, err := e.Table(table)
	if err != nil {
		return err
	}
	return t.Overwrite(ctx, rows)
}

func (e *Engine) DeleteWhere(ctx context.Context, table string, pred Predicate) (int, error) {
	t, err := e.Table(table)
	if err != nil {
		return 0, err
	}
	return t.DeleteWhere(ctx, pred)
}

func (e *Engine) UpdateWhere(ctx context.Context, table string, pred Predicate, assignments core.Row) (int, error) {
	t, err := e.Table(table)
	if err != nil {
		return 0, err
	}
	return t.UpdateWhere(ctx, pred, assignments)
}

// Metrics returns the engine's metrics.
func (e *Engine) Metrics() *EngineMetrics { return e.metrics }

// WALBackend reports the backend the WAL runs on.
func (e *Engine) WALBackend() wal.BackendKind { return e.wal.BackendKind() }

// LSN returns the last assigned WAL sequence number.
func (e *Engine) LSN() uint32 { return e.wal.LSN() }

func (e *Engine) tableCount() interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.tables)
}

func (e *Engine) cacheHitRate() interface{} {
	hits, misses := e.metrics.CacheHits.Value(), e.metrics.CacheMisses.Value()
	if hits+misses == 0 {
		return 0.0
	}
	return float64(hits) / float64(hits+misses)
}

func (e *Engine) uptimeSeconds() interface{} {
	return time.Since(e.startTime).Seconds()
}

// replayTarget exposes a table to WAL replay. Replay runs inside Open before
// the engine is shared, so it takes no locks and writes nothing to the WAL.
type replayTarget struct{ t *Table }

func (r replayTarget) Name() string           { return r.t.name }
func (r replayTarget) Columns() []core.Column { return r.t.columns }
func (r replayTarget) Keyed() bool            { return r.t.keyed }
func (r replayTarget) Preexisting() bool      { return r.t.preexisting }
func (r replayTarget) RowCount() int          { return r.t.rows.Len() }

func (r replayTarget) HasKey(key core.Value) bool {
	_, ok := r.t.rows.Get(key)
	return ok
}

func (r replayTarget) Fingerprints(from int) (map[string]int, error) {
	out := make(map[string]int)
	pos := 0
	var err error
	r.t.rows.Range(func(row core.Row) bool {
		if pos >= from {
			var fp string
			if fp, err = codec.Fingerprint(r.t.columns, row); err != nil {
				return false
			}
			out[fp]++
		}
		pos++
		return true
	})
	return out, err
}

func (r replayTarget) ApplyInsert(_ context.Context, row core.Row) error {
	if err := r.t.checkRow(row); err != nil {
		return err
	}
	if r.t.keyed {
		if _, dup := r.t.rows.Get(row[r.t.pk.Name]); dup {
			return &core.ConstraintError{Table: r.t.name, Column: r.t.pk.Name, Reason: "duplicate primary key in log"}
		}
	}
	r.t.applyInsertLocked(row.Clone(), false)
	return nil
}

func (r replayTarget) ApplyOverwrite(_ context.Context, rows []core.Row) error {
	next := make([]core.Row, len(rows))
	for i, row := range rows {
		if err := r.t.checkRow(row); err != nil {
			return err
		}
		next[i] = row.Clone()
	}
	r.t.applyOverwriteLocked(next, false)
	return nil
}
