package engine

import (
	"expvar"
	"fmt"
)

// EngineMetrics holds all expvar variables for an Engine instance.
type EngineMetrics struct {
	PublishedGlobally bool // Indicates if the metrics are published to the global expvar namespace.
	prefix            string

	InsertTotal          *expvar.Int
	InsertErrorsTotal    *expvar.Int
	OverwriteTotal       *expvar.Int
	OverwriteErrorsTotal *expvar.Int
	GetTotal             *expvar.Int
	ScanTotal            *expvar.Int
	CheckpointTotal      *expvar.Int
	TablesCreatedTotal   *expvar.Int
	TablesDroppedTotal   *expvar.Int

	TransactionsCommittedTotal *expvar.Int

	// StoreWriteErrorsTotal counts row store or index writes that failed
	// after the WAL append succeeded. The table is repaired at the next
	// checkpoint.
	StoreWriteErrorsTotal *expvar.Int

	InsertLatencyHist     *expvar.Map
	OverwriteLatencyHist  *expvar.Map
	CheckpointLatencyHist *expvar.Map

	WALBytesWrittenTotal   *expvar.Int
	WALEntriesWrittenTotal *expvar.Int
	WALSyncsTotal          *expvar.Int

	WALRecoveryDurationSeconds *expvar.Float
	WALRecoveredEntriesTotal   *expvar.Int
	WALReplayAppliedTotal      *expvar.Int

	CacheHits   *expvar.Int
	CacheMisses *expvar.Int

	insertLatency *latencyDigest

	tableCountFunc    func() interface{}
	cacheHitRateFunc  func() interface{}
	uptimeSecondsFunc func() interface{}
}

// NewEngineMetrics creates and initializes a new EngineMetrics struct with expvar variables.
func NewEngineMetrics(publishGlobally bool, prefix string) *EngineMetrics {
	var newIntFunc func(string) *expvar.Int
	var newFloatFunc func(string) *expvar.Float
	var newMapFunc func(string) *expvar.Map

	if publishGlobally {
		newIntFunc = publishExpvarInt
		newFloatFunc = publishExpvarFloat
		newMapFunc = publishExpvarMap
	} else {
		newIntFunc = func(_ string) *expvar.Int { return new(expvar.Int) }
		newFloatFunc = func(_ string) *expvar.Float { return new(expvar.Float) }
		newMapFunc = func(_ string) *expvar.Map {
			m := new(expvar.Map)
			m.Init()
			return m
		}
	}

	em := &EngineMetrics{
		PublishedGlobally:    publishGlobally,
		prefix:               prefix,
		InsertTotal:          newIntFunc(prefix + "insert_total"),
		InsertErrorsTotal:    newIntFunc(prefix + "insert_errors_total"),
		OverwriteTotal:       newIntFunc(prefix + "overwrite_total"),
		OverwriteErrorsTotal: newIntFunc(prefix + "overwrite_errors_total"),
		GetTotal:             newIntFunc(prefix + "get_total"),
		ScanTotal:            newIntFunc(prefix + "scan_total"),
		CheckpointTotal:      newIntFunc(prefix + "checkpoint_total"),
		TablesCreatedTotal:   newIntFunc(prefix + "tables_created_total"),
		TablesDroppedTotal:   newIntFunc(prefix + "tables_dropped_total"),

		TransactionsCommittedTotal: newIntFunc(prefix + "transactions_committed_total"),
		StoreWriteErrorsTotal:      newIntFunc(prefix + "store_write_errors_total"),

		InsertLatencyHist:     newMapFunc(prefix + "insert_latency_seconds"),
		OverwriteLatencyHist:  newMapFunc(prefix + "overwrite_latency_seconds"),
		CheckpointLatencyHist: newMapFunc(prefix + "checkpoint_latency_seconds"),

		WALBytesWrittenTotal:   newIntFunc(prefix + "wal_bytes_written_total"),
		WALEntriesWrittenTotal: newIntFunc(prefix + "wal_entries_written_total"),
		WALSyncsTotal:          newIntFunc(prefix + "wal_syncs_total"),

		WALRecoveryDurationSeconds: newFloatFunc(prefix + "wal_recovery_duration_seconds"),
		WALRecoveredEntriesTotal:   newIntFunc(prefix + "wal_recovered_entries_total"),
		WALReplayAppliedTotal:      newIntFunc(prefix + "wal_replay_applied_total"),

		CacheHits:   newIntFunc(prefix + "cache_hits"),
		CacheMisses: newIntFunc(prefix + "cache_misses"),

		insertLatency: newLatencyDigest(),
	}

	histMaps := []*expvar.Map{em.InsertLatencyHist, em.OverwriteLatencyHist, em.CheckpointLatencyHist}
	for _, m := range histMaps {
		m.Set("count", new(expvar.Int))
		m.Set("sum", new(expvar.Float))
		for _, b := range latencyBuckets {
			m.Set(fmt.Sprintf("le_%g", b), new(expvar.Int))
		}
		m.Set("le_inf", new(expvar.Int))
	}

	if publishGlobally {
		publishExpvarFunc(prefix+"insert_latency_quantiles_seconds", em.InsertLatencyQuantiles)
	}
	return em
}

// InsertLatencyQuantiles returns p50/p90/p99 insert latency in seconds. It is
// published as an expvar.Func.
func (em *EngineMetrics) InsertLatencyQuantiles() interface{} {
	return em.insertLatency.quantiles(0.5, 0.9, 0.99)
}

// GetTableCount returns the number of open tables as reported by the engine.
func (em *EngineMetrics) GetTableCount() (int, error) {
	if em.tableCountFunc == nil {
		return 0, fmt.Errorf("tableCountFunc not initialized in injected metrics")
	}
	val := em.tableCountFunc()
	if count, ok := val.(int); ok {
		return count, nil
	}
	return 0, fmt.Errorf("tableCountFunc did not return int, got %T", val)
}

// GetCacheHitRate returns the aggregate row cache hit rate.
func (em *EngineMetrics) GetCacheHitRate() (float64, error) {
	if em.cacheHitRateFunc == nil {
		return 0, fmt.Errorf("cacheHitRateFunc not initialized in injected metrics")
	}
	val := em.cacheHitRateFunc()
	if rate, ok := val.(float64); ok {
		return rate, nil
	}
	return 0, fmt.Errorf("cacheHitRateFunc did not return float64, got %T", val)
}

// GetUptimeSeconds returns the engine uptime.
func (em *EngineMetrics) GetUptimeSeconds() (float64, error) {
	if em.uptimeSecondsFunc == nil {
		return 0, fmt.Errorf("uptimeSecondsFunc not initialized in injected metrics")
	}
	val := em.uptimeSecondsFunc()
	if s, ok := val.(float64); ok {
		return s, nil
	}
	return 0, fmt.Errorf("uptimeSecondsFunc did not return float64, got %T", val)
}

// attachFuncs wires the engine-derived gauges and publishes them when the
// metrics are global.
func (em *EngineMetrics) attachFuncs(tableCount, cacheHitRate, uptime func() interface{}) {
	em.tableCountFunc = tableCount
	em.cacheHitRateFunc = cacheHitRate
	em.uptimeSecondsFunc = uptime
	if em.PublishedGlobally {
		publishExpvarFunc(em.prefix+"tables", tableCount)
		publishExpvarFunc(em.prefix+"cache_hit_rate", cacheHitRate)
		publishExpvarFunc(em.prefix+"uptime_seconds", uptime)
	}
}
