package engine

import (
	"expvar"
	"fmt"
	"sync"

	"github.com/caio/go-tdigest/v4"
)

// latencyBuckets defines the buckets for latency histograms (in seconds).
var latencyBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0}

// observeLatency records the duration in the provided histogram map.
func observeLatency(histMap *expvar.Map, durationSeconds float64) {
	if histMap == nil {
		return
	}
	if countVar := histMap.Get("count"); countVar != nil {
		if countInt, ok := countVar.(*expvar.Int); ok {
			countInt.Add(1)
		}
	}
	if sumVar := histMap.Get("sum"); sumVar != nil {
		if sumFloat, ok := sumVar.(*expvar.Float); ok {
			sumFloat.Add(durationSeconds)
		}
	}

	// Cumulative: a value that fits in a smaller bucket also counts in all larger ones.
	for _, b := range latencyBuckets {
		if durationSeconds <= b {
			if bucketInt, ok := histMap.Get(fmt.Sprintf("le_%g", b)).(*expvar.Int); ok {
				bucketInt.Add(1)
			}
		}
	}
	if infInt, ok := histMap.Get("le_inf").(*expvar.Int); ok {
		infInt.Add(1)
	}
}

// latencyDigest estimates latency quantiles.
type latencyDigest struct {
	mu sync.Mutex
	td *tdigest.TDigest
}

func newLatencyDigest() *latencyDigest {
	td, err := tdigest.New()
	if err != nil {
		// Only fails on invalid options; none are passed.
		panic(fmt.Sprintf("tdigest.New failed: %v", err))
	}
	return &latencyDigest{td: td}
}

func (d *latencyDigest) observe(seconds float64) {
	if d == nil {
		return
	}
	d.mu.Lock()
	_ = d.td.AddWeighted(seconds, 1)
	d.mu.Unlock()
}

func (d *latencyDigest) count() uint64 {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.td.Count()
}

// quantiles returns a map like {"p50": 0.001, "count": 10}.
func (d *latencyDigest) quantiles(qs ...float64) map[string]float64 {
	out := make(map[string]float64, len(qs)+1)
	if d == nil {
		return out
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.td.Count()
	out["count"] = float64(n)
	if n == 0 {
		return out
	}
	for _, q := range qs {
		out[fmt.Sprintf("p%g", q*100)] = d.td.Quantile(q)
	}
	return out
}

// publishExpvarInt safely publishes an expvar.Int.
// If the name already exists and is an *expvar.Int, it resets it and returns it.
// If the name exists but is not an *expvar.Int, it panics.
func publishExpvarInt(name string) *expvar.Int {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewInt(name)
	}
	if iv, ok := v.(*expvar.Int); ok {
		iv.Set(0)
		return iv
	}
	panic(fmt.Sprintf("expvar: trying to publish Int %s but variable already exists with different type %T", name, v))
}

// publishExpvarFloat safely publishes an expvar.Float.
func publishExpvarFloat(name string) *expvar.Float {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewFloat(name)
	}
	if fv, ok := v.(*expvar.Float); ok {
		fv.Set(0.0)
		return fv
	}
	panic(fmt.Sprintf("expvar: trying to publish Float %s but variable already exists with different type %T", name, v))
}

// publishedFuncs maps a published gauge name to the function of the most
// recent engine that registered it.
var publishedFuncs sync.Map

// publishExpvarFunc makes name report f. expvar.Publish panics on reuse, so a
// name is published once and reads whatever function was registered last.
func publishExpvarFunc(name string, f func() interface{}) {
	if _, loaded := publishedFuncs.Swap(name, f); loaded || expvar.Get(name) != nil {
		return
	}
	expvar.Publish(name, expvar.Func(func() interface{} {
		v, _ := publishedFuncs.Load(name)
		return v.(func() interface{})()
	}))
}

// publishExpvarMap safely publishes an expvar.Map. The caller resets the
// sub-metrics.
func publishExpvarMap(name string) *expvar.Map {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewMap(name)
	}
	if mv, ok := v.(*expvar.Map); ok {
		return mv
	}
	panic(fmt.Sprintf("expvar: trying to publish Map %s but variable already exists with different type %T", name, v))
}
