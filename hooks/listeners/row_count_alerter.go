package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/pesadb/hooks"
)

// RowCountAlerterListener logs a warning each time a table grows past another
// multiple of Threshold rows. Tables are fully memory resident, so this is an
// early signal for memory pressure.
type RowCountAlerterListener struct {
	logger    *slog.Logger
	threshold int
}

// NewRowCountAlerterListener creates a new listener. A threshold below 1 disables alerts.
func NewRowCountAlerterListener(logger *slog.Logger, threshold int) *RowCountAlerterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RowCountAlerterListener{
		logger:    logger.With("component", "RowCountAlerterListener"),
		threshold: threshold,
	}
}

// OnEvent handles the PostInsert event.
func (l *RowCountAlerterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPostInsert || l.threshold < 1 {
		return nil
	}

	payload, ok := event.Payload().(hooks.PostInsertPayload)
	if !ok {
		l.logger.Error("Received PostInsert event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	if payload.Rows > 0 && payload.Rows%l.threshold == 0 {
		l.logger.Warn("Table row count crossed threshold",
			"table", payload.Table,
			"rows", payload.Rows,
			"threshold", l.threshold,
		)
	}
	return nil
}

// Priority defines the execution order.
func (l *RowCountAlerterListener) Priority() int { return 100 }

// IsAsync indicates this listener can run in the background.
func (l *RowCountAlerterListener) IsAsync() bool { return true }
