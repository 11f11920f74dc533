// Package observe provides application-wide observability primitives for
// voxclaw: an in-process metrics registry with percentile snapshots, an
// OpenTelemetry mirror, and the Prometheus exporter bridge.
//
// The registry keeps its own counters, gauges, and bounded timing series so
// that the health endpoint can embed a point-in-time snapshot without
// consulting the OTel SDK. Every recording also feeds a mirrored OTel
// instrument, so the same series are scrapeable via /metrics when
// [InitProvider] has installed the Prometheus exporter. Tests should use
// [NewMetrics] with a nil provider to skip the mirror entirely.
package observe

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxclaw metrics.
const meterName = "github.com/Hideous-Monster/voxclaw"

// Metric series names. Counters are monotonic, gauges are last-write-wins,
// timings keep the most recent [timingWindow] samples.
const (
	CounterSessions         = "voice.session.count"
	CounterReconnects       = "voice.reconnect.count"
	CounterReconnectSuccess = "voice.reconnect.success"
	CounterSTTRequests      = "voice.stt.requests"
	CounterTTSRequests      = "voice.tts.requests"
	CounterCacheHits        = "voice.tts.cache_hits"
	CounterCacheMisses      = "voice.tts.cache_misses"
	CounterLLMErrors        = "voice.llm.errors"
	CounterDecodeErrors     = "voice.opus.decode_errors"
	CounterSilencePrompts   = "voice.heartbeat.silence_prompts"
	CounterStallsDetected   = "voice.heartbeat.stalls_detected"
	CounterIdleDisconnects  = "voice.idle_disconnects"

	GaugeCacheSizeBytes     = "voice.tts.cache_size_bytes"
	GaugeSessionDurationSec = "voice.session.duration_sec"

	TimingSTTLatency  = "voice.stt.latency_ms"
	TimingTTSLatency  = "voice.tts.latency_ms"
	TimingLLMLatency  = "voice.llm.latency_ms"
	TimingE2ELatency  = "voice.pipeline.e2e_latency_ms"
	TimingHTTPRequest = "http.request.duration_ms"
)

// timingWindow is the number of samples retained per timing series.
const timingWindow = 1000

// timingRing is a fixed-capacity ring of the most recent timing samples.
type timingRing struct {
	samples []float64
	next    int
	full    bool
}

func (r *timingRing) add(v float64) {
	if r.samples == nil {
		r.samples = make([]float64, timingWindow)
	}
	r.samples[r.next] = v
	r.next = (r.next + 1) % timingWindow
	if r.next == 0 {
		r.full = true
	}
}

// values returns a copy of the retained samples in no particular order.
func (r *timingRing) values() []float64 {
	n := r.next
	if r.full {
		n = timingWindow
	}
	out := make([]float64, n)
	copy(out, r.samples[:n])
	return out
}

// percentile returns the pct-th percentile of sorted, using the index
// floor(pct/100 * n) clamped to n-1. sorted must be non-empty and ascending.
func percentile(sorted []float64, pct float64) float64 {
	idx := int(math.Floor(pct / 100 * float64(len(sorted))))
	if idx > len(sorted)-1 {
		idx = len(sorted) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

// Metrics is the process metrics registry. All methods are safe for
// concurrent use. The zero value is not usable; construct via [NewMetrics].
type Metrics struct {
	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]int64
	timings  map[string]*timingRing
	start    time.Time

	// OTel mirror. meter is nil when no provider was supplied, in which
	// case recording stays purely in-process.
	meter        metric.Meter
	otelCounters map[string]metric.Int64Counter
	otelGauges   map[string]metric.Int64Gauge
	otelTimings  map[string]metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in milliseconds)
// for the mirrored timing series, sized for voice-pipeline latencies.
var latencyBuckets = []float64{
	10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000,
}

// NewMetrics creates a registry. When mp is non-nil, every recording is
// mirrored into OTel instruments created from it; pass nil to disable the
// mirror (tests).
func NewMetrics(mp metric.MeterProvider) *Metrics {
	m := &Metrics{
		counters:     make(map[string]int64),
		gauges:       make(map[string]int64),
		timings:      make(map[string]*timingRing),
		start:        time.Now(),
		otelCounters: make(map[string]metric.Int64Counter),
		otelGauges:   make(map[string]metric.Int64Gauge),
		otelTimings:  make(map[string]metric.Float64Histogram),
	}
	if mp != nil {
		m.meter = mp.Meter(meterName)
	}
	return m
}

// Inc increments the named counter by one.
func (m *Metrics) Inc(name string) { m.Add(name, 1) }

// Add increments the named counter by n.
func (m *Metrics) Add(name string, n int64) {
	m.mu.Lock()
	m.counters[name] += n
	inst := m.otelCounter(name)
	m.mu.Unlock()
	if inst != nil {
		inst.Add(context.Background(), n)
	}
}

// SetGauge sets the named gauge to v.
func (m *Metrics) SetGauge(name string, v int64) {
	m.mu.Lock()
	m.gauges[name] = v
	inst := m.otelGauge(name)
	m.mu.Unlock()
	if inst != nil {
		inst.Record(context.Background(), v)
	}
}

// RecordTiming appends a sample (in milliseconds) to the named timing
// series, discarding the oldest sample once the window is full.
func (m *Metrics) RecordTiming(name string, ms float64) {
	m.mu.Lock()
	r := m.timings[name]
	if r == nil {
		r = &timingRing{}
		m.timings[name] = r
	}
	r.add(ms)
	inst := m.otelTiming(name)
	m.mu.Unlock()
	if inst != nil {
		inst.Record(context.Background(), ms)
	}
}

// Uptime returns the time elapsed since the registry was created.
func (m *Metrics) Uptime() time.Duration { return time.Since(m.start) }

// Snapshot returns a point-in-time view: every counter and gauge by name,
// and per timing series the keys <name>_count, <name>_p50, <name>_p95,
// and <name>_p99 computed over the retained window.
func (m *Metrics) Snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]any, len(m.counters)+len(m.gauges)+4*len(m.timings))
	for name, v := range m.counters {
		out[name] = v
	}
	for name, v := range m.gauges {
		out[name] = v
	}
	for name, r := range m.timings {
		vals := r.values()
		out[name+"_count"] = int64(len(vals))
		if len(vals) == 0 {
			continue
		}
		sort.Float64s(vals)
		out[name+"_p50"] = percentile(vals, 50)
		out[name+"_p95"] = percentile(vals, 95)
		out[name+"_p99"] = percentile(vals, 99)
	}
	return out
}

// Counter returns the current value of the named counter.
func (m *Metrics) Counter(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// Gauge returns the current value of the named gauge.
func (m *Metrics) Gauge(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[name]
}

// ─── OTel mirror (instruments created lazily, cached per name) ────────────────

// otelCounter returns the mirrored counter, creating it on first use.
// Callers must hold m.mu.
func (m *Metrics) otelCounter(name string) metric.Int64Counter {
	if m.meter == nil {
		return nil
	}
	if inst, ok := m.otelCounters[name]; ok {
		return inst
	}
	inst, err := m.meter.Int64Counter(name)
	if err != nil {
		return nil
	}
	m.otelCounters[name] = inst
	return inst
}

// otelGauge returns the mirrored gauge, creating it on first use.
// Callers must hold m.mu.
func (m *Metrics) otelGauge(name string) metric.Int64Gauge {
	if m.meter == nil {
		return nil
	}
	if inst, ok := m.otelGauges[name]; ok {
		return inst
	}
	inst, err := m.meter.Int64Gauge(name)
	if err != nil {
		return nil
	}
	m.otelGauges[name] = inst
	return inst
}

// otelTiming returns the mirrored histogram, creating it on first use.
// Callers must hold m.mu.
func (m *Metrics) otelTiming(name string) metric.Float64Histogram {
	if m.meter == nil {
		return nil
	}
	if inst, ok := m.otelTimings[name]; ok {
		return inst
	}
	inst, err := m.meter.Float64Histogram(name,
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	if err != nil {
		return nil
	}
	m.otelTimings[name] = inst
	return inst
}
