package cache

import (
	"expvar"

	"github.com/INLOpen/pesadb/core"
)

// Interface defines the public API for the point-lookup row cache.
type Interface interface {
	Put(key core.Value, row core.Row)
	Get(key core.Value) (core.Row, bool)
	Remove(key core.Value)
	Clear()
	GetHitRate() float64
	SetMetrics(hits, misses *expvar.Int)
	Len() int
}
