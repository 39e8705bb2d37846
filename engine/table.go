package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/pesadb/cache"
	"github.com/INLOpen/pesadb/codec"
	"github.com/INLOpen/pesadb/core"
	"github.com/INLOpen/pesadb/hooks"
	"github.com/INLOpen/pesadb/index"
	"github.com/INLOpen/pesadb/recovery"
	"github.com/INLOpen/pesadb/rowstore"
	"github.com/INLOpen/pesadb/sys"
)

// Predicate selects rows for DeleteWhere and UpdateWhere.
type Predicate func(row core.Row) bool

// Table is one relational table: the in-memory row collection backed by a
// row store file and, for keyed tables, a primary-key index file. All
// mutations go through the engine's WAL first.
type Table struct {
	name    string
	columns []core.Column
	pk      core.Column
	keyed   bool

	eng    *Engine
	store  *rowstore.Store
	index  *index.Index
	rows   rowSet
	cache  *cache.RowCache
	logger *slog.Logger

	// preexisting is true when the row store was found on disk at load.
	preexisting bool
	// dirty marks changes not yet covered by a checkpoint marker.
	dirty bool
	// stale marks a row store or index that missed a write after the WAL
	// append succeeded. Lookups bypass the index and the next checkpoint
	// rebuilds both files from memory.
	stale bool

	// deferred holds rows inserted inside the open transaction. Their WAL
	// frames may still be buffered, so they reach the files only after the
	// WAL is flushed.
	deferred []core.Row
	// rebuildDeferred marks an overwrite inside the open transaction; the
	// files are rebuilt from memory once the WAL is flushed.
	rebuildDeferred bool
}

func tableFiles(dir, name string) (db, idx string) {
	return filepath.Join(dir, name+core.RowStoreFileSuffix), filepath.Join(dir, name+core.IndexFileSuffix)
}

// loadTable opens the files of a table, truncates a torn row store tail and
// makes the index agree with the rows found.
func loadTable(ctx context.Context, e *Engine, name string, columns []core.Column) (t *Table, err error) {
	_, span := e.tracer.Start(ctx, "Table.Load", trace.WithAttributes(attribute.String("table", name)))
	defer span.End()

	t = &Table{
		name:    name,
		columns: columns,
		eng:     e,
		logger:  e.logger.With("table", name),
	}
	t.pk, t.keyed = core.PrimaryKeyColumn(columns)
	dbPath, idxPath := tableFiles(e.opts.DataDir, name)

	store, created, err := rowstore.Open(dbPath, columns, e.logger)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to open row store of table %s: %w", name, err)
	}
	t.store = store
	t.preexisting = !created
	defer func() {
		if err != nil {
			t.closeFiles()
		}
	}()

	var rows []core.Row
	var locs []uint32
	scanErr := store.Scan(func(loc uint32, row core.Row) error {
		rows = append(rows, row)
		locs = append(locs, loc)
		return nil
	})
	var truncated *rowstore.TruncatedError
	if errors.As(scanErr, &truncated) {
		t.logger.Warn("Truncating torn row store tail.", "offset", truncated.Offset, "size", store.Size())
		if err := store.Truncate(truncated.Offset); err != nil {
			return nil, err
		}
	} else if scanErr != nil {
		return nil, fmt.Errorf("failed to scan row store of table %s: %w", name, scanErr)
	}

	if t.keyed {
		t.rows = newKeyedRows(t.pk.Name)
		keys := make([]core.Value, len(rows))
		for i, r := range rows {
			keys[i] = r[t.pk.Name]
			if _, dup := t.rows.Get(keys[i]); dup {
				return nil, fmt.Errorf("%w: table %s: duplicate key %s in row store", core.ErrCorruptRecord, name, keys[i])
			}
			t.rows.Add(r)
		}
		if t.index, err = openIndex(idxPath, t.pk.Type, e.logger, t.logger); err != nil {
			return nil, err
		}
		if !indexMatches(t.index, keys, locs) {
			t.logger.Warn("Index does not match row store, rewriting it.", "index_keys", t.index.Len(), "rows", len(rows))
			if err := t.index.Reset(keys, locs); err != nil {
				return nil, err
			}
		}
		t.cache = cache.NewRowCache(e.opts.RowCacheCapacity, nil)
		t.cache.SetMetrics(e.metrics.CacheHits, e.metrics.CacheMisses)
	} else {
		t.rows = &unkeyedRows{rows: rows}
	}

	span.SetAttributes(attribute.Int("rows", len(rows)), attribute.Bool("preexisting", t.preexisting))
	t.logger.Debug("Table loaded.", "rows", len(rows), "preexisting", t.preexisting)
	return t, nil
}

// openIndex opens the index at path, recreating it when its content cannot
// be trusted. The row store is the source of truth for the keys.
func openIndex(path string, keyType core.ColumnType, logger, tableLogger *slog.Logger) (*index.Index, error) {
	idx, err := index.Open(path, keyType, logger)
	if err == nil {
		return idx, nil
	}
	if !errors.Is(err, core.ErrCorruptRecord) {
		return nil, err
	}
	tableLogger.Warn("Discarding corrupt index.", "path", path, "error", err)
	if rmErr := sys.SafeRemove(path); rmErr != nil {
		return nil, core.NewIOError("remove", path, rmErr)
	}
	return index.Open(path, keyType, logger)
}

func indexMatches(idx *index.Index, keys []core.Value, locs []uint32) bool {
	if idx.Len() != len(keys) {
		return false
	}
	for i, k := range keys {
		if loc, ok := idx.Get(k); !ok || loc != locs[i] {
			return false
		}
	}
	return true
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Columns returns a copy of the table's columns.
func (t *Table) Columns() []core.Column { return append([]core.Column(nil), t.columns...) }

// PrimaryKey returns the primary-key column, if the table has one.
func (t *Table) PrimaryKey() (core.Column, bool) { return t.pk, t.keyed }

// Len returns the number of visible rows.
func (t *Table) Len() int {
	t.eng.mu.RLock()
	defer t.eng.mu.RUnlock()
	return t.rows.Len()
}

// SelectAll returns copies of all visible rows, in key order for keyed
// tables and insertion order otherwise.
func (t *Table) SelectAll() []core.Row {
	t.eng.metrics.ScanTotal.Add(1)
	t.eng.mu.RLock()
	defer t.eng.mu.RUnlock()
	out := make([]core.Row, 0, t.rows.Len())
	t.rows.Range(func(r core.Row) bool {
		out = append(out, r.Clone())
		return true
	})
	return out
}

// Scan calls fn with each visible row until fn returns false. Rows must not
// be modified and the table must not be mutated from fn.
func (t *Table) Scan(fn func(row core.Row) bool) {
	t.eng.metrics.ScanTotal.Add(1)
	t.eng.mu.RLock()
	defer t.eng.mu.RUnlock()
	t.rows.Range(fn)
}

// GetByPrimaryKey returns the row with the given key. The lookup goes through
// the row cache, then the index and the row store.
func (t *Table) GetByPrimaryKey(key core.Value) (core.Row, bool, error) {
	t.eng.metrics.GetTotal.Add(1)
	if !t.keyed {
		return nil, false, fmt.Errorf("table %s: %w", t.name, core.ErrPrimaryKeyRequired)
	}
	if key.Type != t.pk.Type {
		return nil, false, fmt.Errorf("%w: table %s key %s is %s, got %s", core.ErrUnsupportedEncoding, t.name, t.pk.Name, t.pk.Type, key.Type)
	}

	t.eng.mu.RLock()
	defer t.eng.mu.RUnlock()
	if t.eng.closed {
		return nil, false, core.ErrEngineClosed
	}
	if row, ok := t.cache.Get(key); ok {
		return row, true, nil
	}
	mem, ok := t.rows.Get(key)
	if !ok {
		return nil, false, nil
	}
	if t.stale || t.rebuildDeferred {
		return mem.Clone(), true, nil
	}
	loc, ok := t.index.Get(key)
	if !ok {
		return mem.Clone(), true, nil
	}
	row, err := t.store.ReadAt(loc)
	if err != nil {
		return nil, false, fmt.Errorf("table %s: %w", t.name, err)
	}
	t.cache.Put(key, row)
	return row, true, nil
}

// Insert adds one row. Outside a transaction it returns after the row is
// durable in the WAL; inside one the WAL is flushed at Commit.
func (t *Table) Insert(ctx context.Context, row core.Row) (err error) {
	ctx, span := t.eng.tracer.Start(ctx, "Table.Insert", trace.WithAttributes(attribute.String("table", t.name)))
	defer span.End()
	start := time.Now()
	defer func() {
		if err != nil {
			t.eng.metrics.InsertErrorsTotal.Add(1)
			span.RecordError(err)
			return
		}
		d := time.Since(start).Seconds()
		t.eng.metrics.InsertTotal.Add(1)
		observeLatency(t.eng.metrics.InsertLatencyHist, d)
		t.eng.metrics.insertLatency.observe(d)
	}()

	t.eng.mu.Lock()
	defer t.eng.mu.Unlock()
	if err := t.eng.writableLocked(t); err != nil {
		return err
	}
	if err := t.checkRow(row); err != nil {
		return err
	}
	row = row.Clone()
	if t.keyed {
		if _, dup := t.rows.Get(row[t.pk.Name]); dup {
			return &core.ConstraintError{Table: t.name, Column: t.pk.Name, Reason: fmt.Sprintf("duplicate primary key %s", row[t.pk.Name])}
		}
	}

	if err := t.eng.hookManager.Trigger(ctx, hooks.NewPreInsertEvent(hooks.PreInsertPayload{Table: t.name, Row: row.Clone()})); err != nil {
		return fmt.Errorf("insert into %s cancelled by pre-hook: %w", t.name, err)
	}

	payload, err := core.EncodeRowJSON(row)
	if err != nil {
		return err
	}
	txnID, sync := t.eng.statementTxnLocked()
	lsn, err := t.eng.wal.Append(txnID, core.OpInsert, t.name, payload, sync)
	if err != nil {
		return fmt.Errorf("failed to log insert into %s: %w", t.name, err)
	}
	span.SetAttributes(attribute.Int64("lsn", int64(lsn)))

	t.applyInsertLocked(row, !sync)

	t.eng.hookManager.Trigger(ctx, hooks.NewPostInsertEvent(hooks.PostInsertPayload{
		Table: t.name,
		Row:   row.Clone(),
		LSN:   lsn,
		TxnID: txnID,
		Rows:  t.rows.Len(),
	}))
	return nil
}

// checkRow validates row against the columns and the binary format.
func (t *Table) checkRow(row core.Row) error {
	if err := core.ValidateRow(t.columns, row); err != nil {
		var ce *core.ConstraintError
		if errors.As(err, &ce) && ce.Table == "" {
			ce.Table = t.name
		}
		return err
	}
	if _, err := codec.RowSize(t.columns, row); err != nil {
		return err
	}
	return nil
}

// applyInsertLocked makes a logged row visible and writes it to the row store
// and index, or queues it when deferFiles is set. Store failures leave the row
// visible and mark the table stale.
func (t *Table) applyInsertLocked(row core.Row, deferFiles bool) {
	t.rows.Add(row)
	t.dirty = true
	if deferFiles {
		if !t.rebuildDeferred {
			t.deferred = append(t.deferred, row)
		}
		return
	}
	t.writeRowLocked(row)
}

func (t *Table) writeRowLocked(row core.Row) {
	if t.stale {
		return
	}
	loc, err := t.store.Append(row)
	if err != nil {
		t.markStale("row store append", err)
		return
	}
	if t.keyed {
		key := row[t.pk.Name]
		if err := t.index.Add(key, loc); err != nil {
			t.markStale("index add", err)
			return
		}
		t.cache.Put(key, row)
	}
}

func (t *Table) markStale(op string, err error) {
	t.stale = true
	t.eng.metrics.StoreWriteErrorsTotal.Add(1)
	t.logger.Error("Table files missed a logged write, will rebuild at next checkpoint.", "op", op, "error", err)
}

// Overwrite replaces the table's full content with rows.
func (t *Table) Overwrite(ctx context.Context, rows []core.Row) error {
	t.eng.mu.Lock()
	defer t.eng.mu.Unlock()
	if err := t.eng.writableLocked(t); err != nil {
		return err
	}
	return t.overwriteLocked(ctx, core.OpUpdate, rows)
}

// DeleteWhere removes the rows matching pred and returns how many were
// removed. A nil pred removes every row.
func (t *Table) DeleteWhere(ctx context.Context, pred Predicate) (int, error) {
	t.eng.mu.Lock()
	defer t.eng.mu.Unlock()
	if err := t.eng.writableLocked(t); err != nil {
		return 0, err
	}

	var keep []core.Row
	deleted := 0
	t.rows.Range(func(r core.Row) bool {
		if pred == nil || pred(r) {
			deleted++
		} else {
			keep = append(keep, r)
		}
		return true
	})
	if deleted == 0 && pred != nil {
		return 0, nil
	}
	if err := t.overwriteLocked(ctx, core.OpDelete, keep); err != nil {
		return 0, err
	}
	return deleted, nil
}

// UpdateWhere sets the assigned columns on every row matching pred and
// returns how many rows changed. A nil pred matches every row.
func (t *Table) UpdateWhere(ctx context.Context, pred Predicate, assignments core.Row) (int, error) {
	t.eng.mu.Lock()
	defer t.eng.mu.Unlock()
	if err := t.eng.writableLocked(t); err != nil {
		return 0, err
	}
	for name := range assignments {
		if !hasColumn(t.columns, name) {
			return 0, &core.ConstraintError{Table: t.name, Column: name, Reason: "unknown column"}
		}
	}

	next := make([]core.Row, 0, t.rows.Len())
	updated := 0
	t.rows.Range(func(r core.Row) bool {
		if pred == nil || pred(r) {
			nr := r.Clone()
			for name, v := range assignments {
				nr[name] = v
			}
			next = append(next, nr)
			updated++
		} else {
			next = append(next, r)
		}
		return true
	})
	if updated == 0 {
		return 0, nil
	}
	if err := t.overwriteLocked(ctx, core.OpUpdate, next); err != nil {
		return 0, err
	}
	return updated, nil
}

func hasColumn(cols []core.Column, name string) bool {
	for _, c := range cols {
		if c.Name == name {
			return true
		}
	}
	return false
}

// overwriteLocked validates rows, logs them as the table's full new content
// and rewrites the row store and index.
func (t *Table) overwriteLocked(ctx context.Context, op core.OpType, rows []core.Row) (err error) {
	ctx, span := t.eng.tracer.Start(ctx, "Table.Overwrite", trace.WithAttributes(
		attribute.String("table", t.name),
		attribute.String("op", op.String()),
		attribute.Int("rows", len(rows)),
	))
	defer span.End()
	start := time.Now()
	defer func() {
		if err != nil {
			t.eng.metrics.OverwriteErrorsTotal.Add(1)
			span.RecordError(err)
			return
		}
		t.eng.metrics.OverwriteTotal.Add(1)
		observeLatency(t.eng.metrics.OverwriteLatencyHist, time.Since(start).Seconds())
	}()

	next := make([]core.Row, len(rows))
	seen := make(map[core.Value]struct{}, len(rows))
	for i, r := range rows {
		if err := t.checkRow(r); err != nil {
			return err
		}
		if t.keyed {
			key := r[t.pk.Name]
			if _, dup := seen[key]; dup {
				return &core.ConstraintError{Table: t.name, Column: t.pk.Name, Reason: fmt.Sprintf("duplicate primary key %s", key)}
			}
			seen[key] = struct{}{}
		}
		next[i] = r.Clone()
	}

	pre := make([]core.Row, len(next))
	for i, r := range next {
		pre[i] = r.Clone()
	}
	if err := t.eng.hookManager.Trigger(ctx, hooks.NewPreOverwriteEvent(hooks.PreOverwritePayload{Table: t.name, Op: op, Rows: pre})); err != nil {
		return fmt.Errorf("%s on %s cancelled by pre-hook: %w", op, t.name, err)
	}

	payload, err := core.EncodeRowSetJSON(next)
	if err != nil {
		return err
	}
	before := t.rows.Len()
	changed := changedRows(t.columns, t.rows, next)

	txnID, sync := t.eng.statementTxnLocked()
	lsn, err := t.eng.wal.Append(txnID, op, t.name, payload, sync)
	if err != nil {
		return fmt.Errorf("failed to log %s of %s: %w", op, t.name, err)
	}
	span.SetAttributes(attribute.Int64("lsn", int64(lsn)))

	t.applyOverwriteLocked(next, !sync)

	t.eng.hookManager.Trigger(ctx, hooks.NewPostOverwriteEvent(hooks.PostOverwritePayload{
		Table:        t.name,
		Op:           op,
		LSN:          lsn,
		RowsBefore:   before,
		RowsAfter:    len(next),
		RowsChanged:  changed,
		BytesWritten: t.store.Size(),
		Duration:     time.Since(start),
	}))
	return nil
}

// changedRows counts rows of next that are not in the current content, plus
// current rows that are gone.
func changedRows(cols []core.Column, current rowSet, next []core.Row) int {
	counts := make(map[string]int, current.Len())
	current.Range(func(r core.Row) bool {
		if fp, err := codec.Fingerprint(cols, r); err == nil {
			counts[fp]++
		}
		return true
	})
	changed := 0
	for _, r := range next {
		fp, err := codec.Fingerprint(cols, r)
		if err != nil {
			continue
		}
		if counts[fp] > 0 {
			counts[fp]--
		} else {
			changed++
		}
	}
	for _, n := range counts {
		changed += n
	}
	return changed
}

// applyOverwriteLocked replaces the visible rows and rewrites the files, or
// marks them for a rebuild when deferFiles is set.
func (t *Table) applyOverwriteLocked(rows []core.Row, deferFiles bool) {
	t.rows.Replace(rows)
	t.dirty = true
	if t.keyed {
		t.cache.Clear()
	}
	if deferFiles {
		t.rebuildDeferred = true
		t.deferred = nil
		return
	}
	t.rebuildAndMarkLocked()
}

func (t *Table) rebuildAndMarkLocked() {
	if err := t.rebuildFilesLocked(); err != nil {
		t.markStale("rebuild", err)
		return
	}
	t.stale = false
}

// rebuildFilesLocked rewrites the row store and index from memory.
func (t *Table) rebuildFilesLocked() error {
	rows := make([]core.Row, 0, t.rows.Len())
	t.rows.Range(func(r core.Row) bool {
		rows = append(rows, r)
		return true
	})
	locs, err := t.store.Rebuild(rows)
	if err != nil {
		return err
	}
	if !t.keyed {
		return nil
	}
	keys := make([]core.Value, len(rows))
	for i, r := range rows {
		keys[i] = r[t.pk.Name]
	}
	return t.index.Reset(keys, locs)
}

// hasDeferred reports whether the open transaction left file writes pending.
func (t *Table) hasDeferred() bool {
	return t.rebuildDeferred || len(t.deferred) > 0
}

// writeDeferredLocked performs the file writes of the open transaction. The
// caller must have flushed the WAL.
func (t *Table) writeDeferredLocked() {
	if t.rebuildDeferred {
		t.rebuildAndMarkLocked()
	} else {
		for _, r := range t.deferred {
			t.writeRowLocked(r)
		}
	}
	t.deferred = nil
	t.rebuildDeferred = false
}

// checkpointLocked makes the files reflect memory and logs a CHECKPOINT
// marker carrying the row count. With force the marker is written even for a
// clean table.
func (t *Table) checkpointLocked(force bool) (bool, error) {
	if !t.dirty && !t.stale && !force {
		return false, nil
	}
	if t.stale {
		if err := t.rebuildFilesLocked(); err != nil {
			return false, fmt.Errorf("failed to repair files of table %s: %w", t.name, err)
		}
		t.stale = false
		t.logger.Info("Table files rebuilt from memory.")
	}
	if err := t.store.Sync(); err != nil {
		return false, err
	}
	if t.keyed {
		if err := t.index.Sync(); err != nil {
			return false, err
		}
	}
	if _, err := t.eng.wal.Append(0, core.OpCheckpoint, t.name, recovery.EncodeCheckpoint(t.rows.Len()), true); err != nil {
		return false, fmt.Errorf("failed to log checkpoint of %s: %w", t.name, err)
	}
	t.dirty = false
	return true, nil
}

func (t *Table) closeFiles() error {
	var errs []error
	if t.store != nil {
		errs = append(errs, t.store.Close())
	}
	if t.index != nil {
		errs = append(errs, t.index.Close())
	}
	return errors.Join(errs...)
}

func (t *Table) removeFiles() error {
	var errs []error
	if t.store != nil {
		errs = append(errs, t.store.Remove())
	}
	if t.index != nil {
		errs = append(errs, t.index.Remove())
	} else {
		_, idxPath := tableFiles(t.eng.opts.DataDir, t.name)
		errs = append(errs, core.NewIOError("remove", idxPath, sys.SafeRemove(idxPath)))
	}
	return errors.Join(errs...)
}
