package listeners

import (
	"context"
	"expvar"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/pesadb/hooks"
)

var (
	// sync.Once keeps NewRewriteAmplificationListener idempotent with respect
	// to the global expvar registry.
	rewriteMetricsOnce  sync.Once
	totalRowsRewritten  *expvar.Int
	totalRowsChanged    *expvar.Int
	totalBytesRewritten *expvar.Int
	overwriteEvents     *expvar.Int
)

func initRewriteMetrics() {
	rewriteMetricsOnce.Do(func() {
		totalRowsRewritten = expvar.NewInt("engine_overwrite_rows_rewritten_total")
		totalRowsChanged = expvar.NewInt("engine_overwrite_rows_changed_total")
		totalBytesRewritten = expvar.NewInt("engine_overwrite_bytes_written_total")
		overwriteEvents = expvar.NewInt("engine_overwrite_events_total")
		// Rows physically rewritten per row logically changed.
		expvar.Publish("engine_overwrite_amplification", expvar.Func(func() interface{} {
			changed := totalRowsChanged.Value()
			if changed == 0 {
				return 0.0
			}
			return float64(totalRowsRewritten.Value()) / float64(changed)
		}))
	})
}

// RewriteAmplificationListener tracks how much work UPDATE and DELETE cost.
// Both rewrite the whole row store, so a statement touching one row of a large
// table shows up as high amplification.
type RewriteAmplificationListener struct {
	logger *slog.Logger

	totalRowsRewritten  *expvar.Int
	totalRowsChanged    *expvar.Int
	totalBytesRewritten *expvar.Int
	overwriteEvents     *expvar.Int
}

// NewRewriteAmplificationListener creates a new listener.
func NewRewriteAmplificationListener(logger *slog.Logger) *RewriteAmplificationListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	initRewriteMetrics()
	return &RewriteAmplificationListener{
		logger:              logger.With("component", "RewriteAmplificationListener"),
		totalRowsRewritten:  totalRowsRewritten,
		totalRowsChanged:    totalRowsChanged,
		totalBytesRewritten: totalBytesRewritten,
		overwriteEvents:     overwriteEvents,
	}
}

// OnEvent is called when a PostOverwrite event is triggered.
func (l *RewriteAmplificationListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	payload, ok := event.Payload().(hooks.PostOverwritePayload)
	if !ok {
		return nil
	}

	l.totalRowsRewritten.Add(int64(payload.RowsAfter))
	l.totalRowsChanged.Add(int64(payload.RowsChanged))
	l.totalBytesRewritten.Add(payload.BytesWritten)
	l.overwriteEvents.Add(1)

	l.logger.Info("Overwrite processed",
		"table", payload.Table,
		"op", payload.Op.String(),
		"rows_before", payload.RowsBefore,
		"rows_after", payload.RowsAfter,
		"rows_changed", payload.RowsChanged,
		"bytes_written", payload.BytesWritten,
	)
	return nil
}

// Priority defines the execution order. Lower numbers run first.
func (l *RewriteAmplificationListener) Priority() int { return 100 }

// IsAsync indicates this listener can run in the background.
func (l *RewriteAmplificationListener) IsAsync() bool { return true }
