package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/INLOpen/pesadb/core"
	"github.com/INLOpen/pesadb/wal"
)

var (
	usersColumns = []core.Column{
		{Name: "id", Type: core.TypeInt32, PrimaryKey: true},
		{Name: "name", Type: core.TypeString},
		{Name: "score", Type: core.TypeFloat64},
		{Name: "active", Type: core.TypeBool},
	}
	logsColumns = []core.Column{
		{Name: "msg", Type: core.TypeString},
		{Name: "level", Type: core.TypeInt32},
	}
)

// getBaseOptsForTest returns options for an engine in a fresh temp directory.
func getBaseOptsForTest(t *testing.T) Options {
	t.Helper()
	opts := DefaultOptions(t.TempDir())
	opts.Metrics = NewEngineMetrics(false, "test_")
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return opts
}

// openTestEngine opens an engine with opts and closes it when the test ends
// unless the test closed it first.
func openTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	eng, err := Open(context.Background(), opts)
	require.NoError(t, err, "Open failed")
	t.Cleanup(func() {
		require.NoError(t, eng.Close(context.Background()))
	})
	return eng
}

// reopen closes eng and opens a new engine on the same directory. Metrics are
// fresh so counters reflect only the new instance.
func reopen(t *testing.T, eng *Engine) *Engine {
	t.Helper()
	require.NoError(t, eng.Close(context.Background()))
	opts := eng.opts
	opts.Metrics = NewEngineMetrics(false, "test_")
	opts.HookManager = nil
	return openTestEngine(t, opts)
}

func userRow(id int32, name string, score float64, active bool) core.Row {
	return core.Row{
		"id":     core.Int32Value(id),
		"name":   core.StringValue(name),
		"score":  core.Float64Value(score),
		"active": core.BoolValue(active),
	}
}

func logRow(msg string, level int32) core.Row {
	return core.Row{"msg": core.StringValue(msg), "level": core.Int32Value(level)}
}

// readWAL returns the entries of eng's WAL file. The engine must be closed
// or the entries synced.
func readWAL(t *testing.T, opts Options) []core.WALEntry {
	t.Helper()
	entries, _, err := wal.ReadFile(filepath.Join(opts.DataDir, opts.WALName+core.WALFileSuffix))
	require.NoError(t, err)
	return entries
}

func rowIDs(rows []core.Row) []int32 {
	ids := make([]int32, len(rows))
	for i, r := range rows {
		ids[i] = r["id"].I32
	}
	return ids
}
