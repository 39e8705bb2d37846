package listeners

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/pesadb/hooks"
)

func TestRowCountAlerterListener_OnEvent(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))

	listener := NewRowCountAlerterListener(logger, 100)
	require.NotNil(t, listener)

	t.Run("Warns at threshold multiples", func(t *testing.T) {
		logBuf.Reset()
		event := hooks.NewPostInsertEvent(hooks.PostInsertPayload{Table: "users", Rows: 200})
		require.NoError(t, listener.OnEvent(context.Background(), event))

		logOutput := logBuf.String()
		assert.Contains(t, logOutput, "Table row count crossed threshold")
		assert.Contains(t, logOutput, `"rows":200`)
	})

	t.Run("Quiet between thresholds", func(t *testing.T) {
		logBuf.Reset()
		event := hooks.NewPostInsertEvent(hooks.PostInsertPayload{Table: "users", Rows: 150})
		require.NoError(t, listener.OnEvent(context.Background(), event))
		assert.Empty(t, logBuf.String())
	})

	t.Run("Ignores other event types", func(t *testing.T) {
		logBuf.Reset()
		event := hooks.NewPostCheckpointEvent(hooks.PostCheckpointPayload{})
		require.NoError(t, listener.OnEvent(context.Background(), event))
		assert.Empty(t, logBuf.String())
	})
}
