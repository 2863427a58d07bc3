package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks overall engine performance.
type SystemMetrics struct {
	// Latency histograms
	DispatchLatency  *LatencyHistogram
	ExecutionLatency *LatencyHistogram
	DBLatency        *LatencyHistogram
	APILatency       *LatencyHistogram

	// Counters
	signalsIngested   uint64
	duplicatesDropped uint64
	sessionsCreated   uint64
	sessionsCompleted uint64
	sessionsFailed    uint64
	sessionsCancelled uint64
	riskVetoes        uint64
	retriesTotal      uint64
	slaBreaches       uint64
	errorsCount       uint64
	apiRequests       uint64
	apiErrors         uint64
}

// LatencyHistogram tracks latency samples with a sliding window and lazy
// stats computation.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool // whether samples changed since last Stats()
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		DispatchLatency:  NewLatencyHistogram(1000),
		ExecutionLatency: NewLatencyHistogram(1000),
		DBLatency:        NewLatencyHistogram(1000),
		APILatency:       NewLatencyHistogram(1000),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		// Shift window: remove oldest
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99. Recomputes only when samples
// have changed.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	min, max := sorted[0], sorted[n-1]
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   min,
		Max:   max,
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// IncrementSignals increments the ingested signal counter.
func (m *SystemMetrics) IncrementSignals() {
	atomic.AddUint64(&m.signalsIngested, 1)
}

// IncrementDuplicates increments the dropped duplicate counter.
func (m *SystemMetrics) IncrementDuplicates() {
	atomic.AddUint64(&m.duplicatesDropped, 1)
}

// IncrementSessions increments the created session counter.
func (m *SystemMetrics) IncrementSessions() {
	atomic.AddUint64(&m.sessionsCreated, 1)
}

// RecordOutcome bumps the counter matching a terminal session status.
func (m *SystemMetrics) RecordOutcome(status string) {
	switch status {
	case "completed":
		atomic.AddUint64(&m.sessionsCompleted, 1)
	case "failed":
		atomic.AddUint64(&m.sessionsFailed, 1)
	case "cancelled":
		atomic.AddUint64(&m.sessionsCancelled, 1)
	}
}

// IncrementVetoes increments the risk veto counter.
func (m *SystemMetrics) IncrementVetoes() {
	atomic.AddUint64(&m.riskVetoes, 1)
}

// IncrementRetries increments the execution retry counter.
func (m *SystemMetrics) IncrementRetries() {
	atomic.AddUint64(&m.retriesTotal, 1)
}

// IncrementSLABreaches increments the replication SLA breach counter.
func (m *SystemMetrics) IncrementSLABreaches() {
	atomic.AddUint64(&m.slaBreaches, 1)
}

// IncrementErrors increments the error counter.
func (m *SystemMetrics) IncrementErrors() {
	atomic.AddUint64(&m.errorsCount, 1)
}

// IncrementAPI increments the API request counter.
func (m *SystemMetrics) IncrementAPI() {
	atomic.AddUint64(&m.apiRequests, 1)
}

// IncrementAPIErrors increments the API error response counter.
func (m *SystemMetrics) IncrementAPIErrors() {
	atomic.AddUint64(&m.apiErrors, 1)
}

// MetricsSnapshot is a point-in-time view of engine health.
type MetricsSnapshot struct {
	DispatchLatency   LatencyStats `json:"dispatch_latency"`
	ExecutionLatency  LatencyStats `json:"execution_latency"`
	DBLatency         LatencyStats `json:"db_latency"`
	APILatency        LatencyStats `json:"api_latency"`
	SignalsIngested   uint64       `json:"signals_ingested"`
	DuplicatesDropped uint64       `json:"duplicates_dropped"`
	SessionsCreated   uint64       `json:"sessions_created"`
	SessionsCompleted uint64       `json:"sessions_completed"`
	SessionsFailed    uint64       `json:"sessions_failed"`
	SessionsCancelled uint64       `json:"sessions_cancelled"`
	RiskVetoes        uint64       `json:"risk_vetoes"`
	RetriesTotal      uint64       `json:"retries_total"`
	SLABreaches       uint64       `json:"sla_breaches"`
	ErrorsCount       uint64       `json:"errors_count"`
	APIRequests       uint64       `json:"api_requests"`
	APIErrors         uint64       `json:"api_errors"`
	GoroutineCount    int          `json:"goroutine_count"`
	HeapAlloc         uint64       `json:"heap_alloc_bytes"`
	HeapSys           uint64       `json:"heap_sys_bytes"`
	Timestamp         time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		DispatchLatency:   m.DispatchLatency.Stats(),
		ExecutionLatency:  m.ExecutionLatency.Stats(),
		DBLatency:         m.DBLatency.Stats(),
		APILatency:        m.APILatency.Stats(),
		SignalsIngested:   atomic.LoadUint64(&m.signalsIngested),
		DuplicatesDropped: atomic.LoadUint64(&m.duplicatesDropped),
		SessionsCreated:   atomic.LoadUint64(&m.sessionsCreated),
		SessionsCompleted: atomic.LoadUint64(&m.sessionsCompleted),
		SessionsFailed:    atomic.LoadUint64(&m.sessionsFailed),
		SessionsCancelled: atomic.LoadUint64(&m.sessionsCancelled),
		RiskVetoes:        atomic.LoadUint64(&m.riskVetoes),
		RetriesTotal:      atomic.LoadUint64(&m.retriesTotal),
		SLABreaches:       atomic.LoadUint64(&m.slaBreaches),
		ErrorsCount:       atomic.LoadUint64(&m.errorsCount),
		APIRequests:       atomic.LoadUint64(&m.apiRequests),
		APIErrors:         atomic.LoadUint64(&m.apiErrors),
		GoroutineCount:    runtime.NumGoroutine(),
		HeapAlloc:         memStats.HeapAlloc,
		HeapSys:           memStats.HeapSys,
		Timestamp:         time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
