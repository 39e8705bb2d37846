// Package recovery replays write-ahead log entries against tables loaded from
// disk so that the visible state equals every acknowledged mutation.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/INLOpen/pesadb/codec"
	"github.com/INLOpen/pesadb/core"
)

// Target is a table as seen by replay.
type Target interface {
	Name() string
	Columns() []core.Column
	// Keyed reports whether the table has a primary key.
	Keyed() bool
	// Preexisting reports whether the table's row store was found on disk at
	// load, as opposed to being created empty.
	Preexisting() bool
	// RowCount returns the number of rows currently held.
	RowCount() int
	HasKey(key core.Value) bool
	// Fingerprints returns the multiset of row fingerprints of the rows at
	// storage positions from and above.
	Fingerprints(from int) (map[string]int, error)
	ApplyInsert(ctx context.Context, row core.Row) error
	ApplyOverwrite(ctx context.Context, rows []core.Row) error
}

// Stats summarizes one replay.
type Stats struct {
	Entries    int
	Applied    int
	Skipped    int
	Overwrites int
	MaxLSN     uint32
	Duration   time.Duration
}

// CheckpointPayload is the body of a CHECKPOINT entry. Rows is the table's row
// count at the time the marker was written.
type CheckpointPayload struct {
	Rows int `json:"rows"`
}

// EncodeCheckpoint returns the payload of a CHECKPOINT entry for a table
// holding rows rows.
func EncodeCheckpoint(rows int) []byte {
	b, _ := json.Marshal(CheckpointPayload{Rows: rows})
	return b
}

// DecodeCheckpoint parses a CHECKPOINT payload.
func DecodeCheckpoint(data []byte) (CheckpointPayload, error) {
	var cp CheckpointPayload
	if err := json.Unmarshal(data, &cp); err != nil {
		return cp, fmt.Errorf("%w: checkpoint payload: %v", core.ErrCorruptRecord, err)
	}
	if cp.Rows < 0 {
		return cp, fmt.Errorf("%w: checkpoint row count %d", core.ErrCorruptRecord, cp.Rows)
	}
	return cp, nil
}

// Coordinator replays WAL entries against targets.
type Coordinator struct {
	logger *slog.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Coordinator{logger: logger.With("component", "Recovery")}
}

// plan is the replay work for one table.
type plan struct {
	target Target
	// entries of this table in LSN order
	entries []*core.WALEntry
	// checkpoint is the position in entries of the last usable CHECKPOINT
	// marker, or -1.
	checkpoint     int
	checkpointRows int
	// overwrite is the position in entries of the last overwrite after the
	// checkpoint, or -1.
	overwrite int
}

// Replay applies entries (ascending LSN) to targets. Replaying the same log
// against a store that already reflects it changes nothing.
//
// Per table, entries covered by the table's last checkpoint are already in
// its row store when the table was loaded from disk. The last overwrite after
// that supersedes every earlier entry and is applied only if the table's rows
// differ from it. Keyed inserts after it are applied iff the key is absent;
// unkeyed inserts iff the table holds fewer copies of the row than the log has
// inserted since the baseline.
func (c *Coordinator) Replay(ctx context.Context, entries []core.WALEntry, targets []Target) (Stats, error) {
	start := time.Now()
	stats := Stats{Entries: len(entries)}

	byName := make(map[string]*plan, len(targets))
	order := make([]*plan, 0, len(targets))
	for _, t := range targets {
		p := &plan{target: t, checkpoint: -1, overwrite: -1}
		byName[t.Name()] = p
		order = append(order, p)
	}

	for i := range entries {
		e := &entries[i]
		if e.LSN > stats.MaxLSN {
			stats.MaxLSN = e.LSN
		}
		p, ok := byName[e.Table]
		if !ok {
			stats.Skipped++
			continue
		}
		p.entries = append(p.entries, e)
	}

	for _, p := range order {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		c.locate(p)
		if err := c.replayTable(ctx, p, &stats); err != nil {
			return stats, fmt.Errorf("replay of table %s: %w", p.target.Name(), err)
		}
	}

	stats.Duration = time.Since(start)
	c.logger.Info("WAL replay finished.", "entries", stats.Entries, "applied", stats.Applied, "skipped", stats.Skipped, "overwrites", stats.Overwrites, "max_lsn", stats.MaxLSN, "duration", stats.Duration)
	return stats, nil
}

// locate finds the checkpoint and overwrite positions of p.
func (c *Coordinator) locate(p *plan) {
	if p.target.Preexisting() {
		for i := len(p.entries) - 1; i >= 0; i-- {
			e := p.entries[i]
			if e.Op != core.OpCheckpoint {
				continue
			}
			cp, err := DecodeCheckpoint(e.Payload)
			if err != nil {
				c.logger.Warn("Ignoring unreadable checkpoint marker.", "table", e.Table, "lsn", e.LSN, "error", err)
				continue
			}
			if cp.Rows > p.target.RowCount() {
				// The store lost rows the marker vouches for; replay everything.
				c.logger.Warn("Row store holds fewer rows than its checkpoint.", "table", e.Table, "lsn", e.LSN, "checkpoint_rows", cp.Rows, "rows", p.target.RowCount())
				break
			}
			p.checkpoint = i
			p.checkpointRows = cp.Rows
			break
		}
	}
	for i := len(p.entries) - 1; i > p.checkpoint; i-- {
		if p.entries[i].Op.IsOverwrite() {
			p.overwrite = i
			break
		}
	}
}

func (c *Coordinator) replayTable(ctx context.Context, p *plan, stats *Stats) error {
	t := p.target
	cols := t.Columns()

	first := p.checkpoint + 1
	stats.Skipped += first

	// Baseline for unkeyed counting: rows at positions >= from are compared
	// against base plus the inserts seen since.
	from := 0
	base := map[string]int{}
	if p.checkpoint >= 0 {
		from = p.checkpointRows
	}

	if p.overwrite >= 0 {
		stats.Skipped += p.overwrite - first
		first = p.overwrite + 1

		e := p.entries[p.overwrite]
		rows, err := core.DecodeRowSetJSON(cols, e.Payload)
		if err != nil {
			return fmt.Errorf("lsn %d: %w", e.LSN, err)
		}
		want, err := multiset(cols, rows)
		if err != nil {
			return fmt.Errorf("lsn %d: %w", e.LSN, err)
		}
		have, err := t.Fingerprints(0)
		if err != nil {
			return err
		}
		if sameMultiset(want, have) {
			stats.Skipped++
		} else {
			if err := t.ApplyOverwrite(ctx, rows); err != nil {
				return fmt.Errorf("lsn %d: %w", e.LSN, err)
			}
			stats.Applied++
			stats.Overwrites++
			c.logger.Debug("Replayed overwrite.", "table", t.Name(), "lsn", e.LSN, "rows", len(rows))
		}
		from = 0
		base = want
	}

	var (
		pk      core.Column
		keyed   = t.Keyed()
		counts  map[string]int
		seen    map[string]int
		applied int
	)
	if keyed {
		pk, _ = core.PrimaryKeyColumn(cols)
	}

	for _, e := range p.entries[first:] {
		if e.Op != core.OpInsert {
			// Checkpoints after the usable one and overwrites before the
			// last are already accounted for.
			stats.Skipped++
			continue
		}
		row, err := core.DecodeRowJSON(cols, e.Payload)
		if err != nil {
			return fmt.Errorf("lsn %d: %w", e.LSN, err)
		}

		if keyed {
			if t.HasKey(row[pk.Name]) {
				stats.Skipped++
				continue
			}
		} else {
			if counts == nil {
				if counts, err = t.Fingerprints(from); err != nil {
					return err
				}
				seen = make(map[string]int)
			}
			fp, err := codec.Fingerprint(cols, row)
			if err != nil {
				return fmt.Errorf("lsn %d: %w", e.LSN, err)
			}
			seen[fp]++
			if counts[fp] >= base[fp]+seen[fp] {
				stats.Skipped++
				continue
			}
			counts[fp]++
		}

		if err := t.ApplyInsert(ctx, row); err != nil {
			return fmt.Errorf("lsn %d: %w", e.LSN, err)
		}
		stats.Applied++
		applied++
	}

	if applied > 0 || p.overwrite >= 0 {
		c.logger.Info("Replayed table.", "table", t.Name(), "inserts_applied", applied, "checkpoint_rows", p.checkpointRows)
	}
	return nil
}

func multiset(cols []core.Column, rows []core.Row) (map[string]int, error) {
	m := make(map[string]int, len(rows))
	for _, r := range rows {
		fp, err := codec.Fingerprint(cols, r)
		if err != nil {
			return nil, err
		}
		m[fp]++
	}
	return m, nil
}

func sameMultiset(a, b map[string]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, n := range a {
		if b[k] != n {
			return false
		}
	}
	return true
}
