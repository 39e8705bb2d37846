package engine

import (
	"context"
	"expvar"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/pesadb/core"
)

func TestEngine_WALMetrics(t *testing.T) {
	ctx := context.Background()
	eng, opts := newUsersEngine(t)
	testMetrics := opts.Metrics

	initialBytesWritten := testMetrics.WALBytesWrittenTotal.Value()
	initialEntriesWritten := testMetrics.WALEntriesWrittenTotal.Value()

	require.NoError(t, eng.Insert(ctx, "users", userRow(1, "a", 0, true)))
	assert.Equal(t, initialEntriesWritten+1, testMetrics.WALEntriesWrittenTotal.Value())
	bytesAfterInsert := testMetrics.WALBytesWrittenTotal.Value()
	assert.Greater(t, bytesAfterInsert, initialBytesWritten)
	assert.Positive(t, testMetrics.WALSyncsTotal.Value(), "statements outside a transaction are synced")

	_, err := eng.DeleteWhere(ctx, "users", nil)
	require.NoError(t, err)
	assert.Equal(t, initialEntriesWritten+2, testMetrics.WALEntriesWrittenTotal.Value())
	assert.Greater(t, testMetrics.WALBytesWrittenTotal.Value(), bytesAfterInsert)
}

func TestEngine_OperationMetrics(t *testing.T) {
	ctx := context.Background()
	eng, opts := newUsersEngine(t)
	m := opts.Metrics

	for i := int32(1); i <= 5; i++ {
		require.NoError(t, eng.Insert(ctx, "users", userRow(i, "u", 0, true)))
	}
	require.Error(t, eng.Insert(ctx, "users", userRow(1, "dup", 0, true)))
	require.NoError(t, eng.Overwrite(ctx, "users", []core.Row{userRow(1, "only", 0, true)}))
	_, err := eng.SelectAll("users")
	require.NoError(t, err)
	require.NoError(t, eng.CreateTable(ctx, "logs", logsColumns))
	require.NoError(t, eng.DropTable(ctx, "logs"))

	assert.Equal(t, int64(5), m.InsertTotal.Value())
	assert.Equal(t, int64(1), m.InsertErrorsTotal.Value())
	assert.Equal(t, int64(1), m.OverwriteTotal.Value())
	assert.Equal(t, int64(1), m.ScanTotal.Value())
	assert.Equal(t, int64(2), m.TablesCreatedTotal.Value())
	assert.Equal(t, int64(1), m.TablesDroppedTotal.Value())

	count, ok := m.InsertLatencyHist.Get("count").(*expvar.Int)
	require.True(t, ok)
	assert.Equal(t, int64(5), count.Value())
	inf, ok := m.InsertLatencyHist.Get("le_inf").(*expvar.Int)
	require.True(t, ok)
	assert.Equal(t, int64(5), inf.Value())

	q, ok := m.InsertLatencyQuantiles().(map[string]float64)
	require.True(t, ok)
	assert.Equal(t, float64(5), q["count"])
	assert.Contains(t, q, "p50")
	assert.Contains(t, q, "p99")
	assert.LessOrEqual(t, q["p50"], q["p99"])

	tables, err := m.GetTableCount()
	require.NoError(t, err)
	assert.Equal(t, 1, tables)
	uptime, err := m.GetUptimeSeconds()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, uptime, 0.0)
}

func TestEngine_CacheMetrics(t *testing.T) {
	ctx := context.Background()
	eng, opts := newUsersEngine(t)
	m := opts.Metrics

	require.NoError(t, eng.Insert(ctx, "users", userRow(1, "a", 0, true)))
	_, ok, err := eng.GetByPrimaryKey("users", core.Int32Value(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), m.CacheHits.Value(), "inserted rows are cached")

	require.NoError(t, eng.Overwrite(ctx, "users", []core.Row{userRow(1, "b", 0, true)}))
	got, _, err := eng.GetByPrimaryKey("users", core.Int32Value(1))
	require.NoError(t, err)
	assert.Equal(t, "b", got["name"].S)
	assert.Equal(t, int64(1), m.CacheMisses.Value())
	_, _, err = eng.GetByPrimaryKey("users", core.Int32Value(1))
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.CacheHits.Value())
	assert.Equal(t, int64(3), m.GetTotal.Value())

	rate, err := m.GetCacheHitRate()
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3.0, rate, 1e-9)
}

func TestEngine_CacheDisabled(t *testing.T) {
	ctx := context.Background()
	opts := getBaseOptsForTest(t)
	opts.RowCacheCapacity = -1
	eng := openTestEngine(t, opts)
	require.NoError(t, eng.CreateTable(ctx, "users", usersColumns))
	require.NoError(t, eng.Insert(ctx, "users", userRow(1, "a", 0, true)))

	got, ok, err := eng.GetByPrimaryKey("users", core.Int32Value(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", got["name"].S)
	assert.Zero(t, opts.Metrics.CacheHits.Value())
}

func TestEngine_CheckpointAndRecoveryMetrics(t *testing.T) {
	ctx := context.Background()
	eng, opts := newUsersEngine(t)
	require.NoError(t, eng.Insert(ctx, "users", userRow(1, "a", 0, true)))
	require.NoError(t, eng.Checkpoint(ctx))

	count, ok := opts.Metrics.CheckpointLatencyHist.Get("count").(*expvar.Int)
	require.True(t, ok)
	assert.Equal(t, int64(1), count.Value())

	eng = reopen(t, eng)
	assert.Equal(t, int64(2), eng.metrics.WALRecoveredEntriesTotal.Value(), "the insert and its checkpoint marker")
	assert.Zero(t, eng.metrics.WALReplayAppliedTotal.Value())
	assert.GreaterOrEqual(t, eng.metrics.WALRecoveryDurationSeconds.Value(), 0.0)
}

func TestEngine_GlobalMetricsFollowLatestEngine(t *testing.T) {
	ctx := context.Background()
	const prefix = "pesadb_global_test_"

	opts := getBaseOptsForTest(t)
	opts.Metrics = NewEngineMetrics(true, prefix)
	eng := openTestEngine(t, opts)
	require.NoError(t, eng.CreateTable(ctx, "users", usersColumns))
	require.NoError(t, eng.Insert(ctx, "users", userRow(1, "a", 0, true)))

	assert.Equal(t, "1", expvar.Get(prefix+"insert_total").String())
	assert.Equal(t, "1", expvar.Get(prefix+"tables").String())
	require.NoError(t, eng.Close(ctx))

	// A second engine on the same prefix resets the counters and takes over
	// the gauges.
	opts2 := getBaseOptsForTest(t)
	opts2.Metrics = NewEngineMetrics(true, prefix)
	eng2 := openTestEngine(t, opts2)
	assert.Equal(t, "0", expvar.Get(prefix+"insert_total").String())
	assert.Equal(t, "0", expvar.Get(prefix+"tables").String())
	require.NoError(t, eng2.CreateTable(ctx, "logs", logsColumns))
	require.NoError(t, eng2.CreateTable(ctx, "users", usersColumns))
	assert.Equal(t, "2", expvar.Get(prefix+"tables").String())
	assert.NotNil(t, expvar.Get(prefix+"insert_latency_quantiles_seconds"))
}
