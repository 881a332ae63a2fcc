// Package metrics aggregates the timed events of the monkeys: per-flock HDR
// histograms for percentile summaries, and Prometheus collectors for
// scraping.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/wesleyorama2/mobu/internal/timing"
)

// Engine collects event durations using HDR histograms, one per event name.
//
// # Thread Safety
//
// Engine is safe for concurrent use. Counters use atomic operations and
// histograms are mutex protected.
type Engine struct {
	hists   map[string]*eventHistogram
	histsMu sync.RWMutex

	total  atomic.Int64
	failed atomic.Int64

	startTime time.Time
	config    EngineConfig
}

type eventHistogram struct {
	mu       sync.Mutex
	hist     *hdrhistogram.Histogram
	failures int64
}

// EngineConfig contains configuration for the metrics engine.
type EngineConfig struct {
	// HistogramMin is the minimum recordable value in microseconds (default: 1)
	HistogramMin int64

	// HistogramMax is the maximum recordable value in microseconds (default: 3600000000 = 1 hour)
	HistogramMax int64

	// HistogramSigFigs is the number of significant figures (default: 3)
	HistogramSigFigs int
}

// DefaultEngineConfig returns the default configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		HistogramMin:     1,
		HistogramMax:     3600000000, // 1 hour in microseconds
		HistogramSigFigs: 3,
	}
}

// NewEngine creates a new metrics engine with default configuration.
func NewEngine() *Engine {
	return NewEngineWithConfig(DefaultEngineConfig())
}

// NewEngineWithConfig creates a new metrics engine with custom configuration.
func NewEngineWithConfig(config EngineConfig) *Engine {
	return &Engine{
		hists:     make(map[string]*eventHistogram),
		startTime: time.Now(),
		config:    config,
	}
}

// Record adds a stopped timing record. Open records are ignored.
func (e *Engine) Record(d timing.Data) {
	if d.Stop == nil {
		return
	}
	e.RecordDuration(d.Event, d.ElapsedDuration(), !d.Failed)
}

// RecordDuration records one event duration.
func (e *Engine) RecordDuration(event string, duration time.Duration, success bool) {
	micros := duration.Microseconds()

	// Clamp to valid range
	if micros < e.config.HistogramMin {
		micros = e.config.HistogramMin
	}
	if micros > e.config.HistogramMax {
		micros = e.config.HistogramMax
	}

	h := e.histogram(event)
	h.mu.Lock()
	_ = h.hist.RecordValue(micros)
	if !success {
		h.failures++
	}
	h.mu.Unlock()

	e.total.Add(1)
	if !success {
		e.failed.Add(1)
	}
}

func (e *Engine) histogram(event string) *eventHistogram {
	e.histsMu.RLock()
	h, ok := e.hists[event]
	e.histsMu.RUnlock()
	if ok {
		return h
	}

	e.histsMu.Lock()
	defer e.histsMu.Unlock()
	if h, ok = e.hists[event]; !ok {
		h = &eventHistogram{
			hist: hdrhistogram.New(e.config.HistogramMin, e.config.HistogramMax, e.config.HistogramSigFigs),
		}
		e.hists[event] = h
	}
	return h
}

// GetSnapshot returns a point-in-time snapshot of all metrics.
func (e *Engine) GetSnapshot() *Snapshot {
	return &Snapshot{
		TotalEvents:  e.total.Load(),
		FailedEvents: e.failed.Load(),
		Events:       e.GetEventStats(),
		Elapsed:      time.Since(e.startTime),
		StartTime:    e.startTime,
		Timestamp:    time.Now(),
	}
}

// GetEventStats returns per-event statistics.
func (e *Engine) GetEventStats() map[string]LatencyStats {
	e.histsMu.RLock()
	defer e.histsMu.RUnlock()

	result := make(map[string]LatencyStats, len(e.hists))
	for name, h := range e.hists {
		h.mu.Lock()
		result[name] = latencyStats(h.hist, h.failures)
		h.mu.Unlock()
	}
	return result
}

// EventNames returns the names of all recorded events, sorted.
func (e *Engine) EventNames() []string {
	e.histsMu.RLock()
	defer e.histsMu.RUnlock()

	names := make([]string, 0, len(e.hists))
	for name := range e.hists {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset resets all metrics to initial state.
func (e *Engine) Reset() {
	e.histsMu.Lock()
	e.hists = make(map[string]*eventHistogram)
	e.histsMu.Unlock()

	e.total.Store(0)
	e.failed.Store(0)
	e.startTime = time.Now()
}

func latencyStats(hist *hdrhistogram.Histogram, failures int64) LatencyStats {
	return LatencyStats{
		Min:      time.Duration(hist.Min()) * time.Microsecond,
		Max:      time.Duration(hist.Max()) * time.Microsecond,
		Mean:     time.Duration(hist.Mean()) * time.Microsecond,
		StdDev:   time.Duration(hist.StdDev()) * time.Microsecond,
		P50:      time.Duration(hist.ValueAtQuantile(50)) * time.Microsecond,
		P90:      time.Duration(hist.ValueAtQuantile(90)) * time.Microsecond,
		P95:      time.Duration(hist.ValueAtQuantile(95)) * time.Microsecond,
		P99:      time.Duration(hist.ValueAtQuantile(99)) * time.Microsecond,
		Count:    hist.TotalCount(),
		Failures: failures,
	}
}

// Snapshot contains a point-in-time view of all metrics.
type Snapshot struct {
	TotalEvents  int64                   `json:"totalEvents"`
	FailedEvents int64                   `json:"failedEvents"`
	Events       map[string]LatencyStats `json:"events"`
	Elapsed      time.Duration           `json:"elapsed"`
	StartTime    time.Time               `json:"startTime"`
	Timestamp    time.Time               `json:"timestamp"`
}

// LatencyStats contains latency statistics.
type LatencyStats struct {
	Min      time.Duration `json:"min"`
	Max      time.Duration `json:"max"`
	Mean     time.Duration `json:"mean"`
	StdDev   time.Duration `json:"stdDev"`
	P50      time.Duration `json:"p50"`
	P90      time.Duration `json:"p90"`
	P95      time.Duration `json:"p95"`
	P99      time.Duration `json:"p99"`
	Count    int64         `json:"count"`
	Failures int64         `json:"failures"`
}
