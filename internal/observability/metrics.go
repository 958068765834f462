// Package observability keeps in-process counters for request handling,
// saga runs and outbox delivery, served as a JSON snapshot.
package observability

import (
	"sync"
	"time"

	"storefront/internal/orders/saga"
	"storefront/internal/outbox"
)

type MethodSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

type Snapshot struct {
	UptimeSec       int64                     `json:"uptime_sec"`
	TotalRequests   int64                     `json:"total_requests"`
	TotalErrors     int64                     `json:"total_errors"`
	InFlight        int64                     `json:"in_flight"`
	RateLimitWaits  int64                     `json:"rate_limit_waits"`
	RateLimitWaitMs int64                     `json:"rate_limit_wait_ms"`
	Lifecycle       *LifecycleSnapshot        `json:"lifecycle,omitempty"`
	Methods         map[string]MethodSnapshot `json:"methods"`
	// Steps is keyed by "<step>/<phase>".
	Steps    map[string]MethodSnapshot `json:"steps"`
	Sagas    map[string]int64          `json:"sagas"`
	Delivery map[string]int64          `json:"outbox_delivery"`
}

type methodStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

type Metrics struct {
	mu             sync.Mutex
	start          time.Time
	methods        map[string]*methodStats
	steps          map[string]*methodStats
	sagas          map[saga.State]int64
	delivery       map[outbox.Status]int64
	rateLimitWaits int64
	rateLimitWait  time.Duration
	lifecycle      lifecycleStats
}

type CallSpan struct {
	metrics *Metrics
	method  string
	start   time.Time
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:    time.Now(),
		methods:  make(map[string]*methodStats),
		steps:    make(map[string]*methodStats),
		sagas:    make(map[saga.State]int64),
		delivery: make(map[outbox.Status]int64),
	}
}

func (m *Metrics) Start(method string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	stats := ensure(m.methods, method)
	stats.inFlight++
	m.mu.Unlock()
	return &CallSpan{
		metrics: m,
		method:  method,
		start:   time.Now(),
	}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.finish(s.method, dur, err != nil)
}

func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.rateLimitWaits++
	m.rateLimitWait += d
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		UptimeSec:       int64(now.Sub(m.start).Seconds()),
		Methods:         make(map[string]MethodSnapshot),
		RateLimitWaits:  m.rateLimitWaits,
		RateLimitWaitMs: int64(m.rateLimitWait / time.Millisecond),
	}

	for method, stats := range m.methods {
		snap.Methods[method] = stats.snapshot()
		snap.TotalRequests += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}
	snap.Steps = make(map[string]MethodSnapshot, len(m.steps))
	for key, stats := range m.steps {
		snap.Steps[key] = stats.snapshot()
	}
	snap.Sagas = make(map[string]int64, len(m.sagas))
	for state, n := range m.sagas {
		snap.Sagas[string(state)] = n
	}
	snap.Delivery = make(map[string]int64, len(m.delivery))
	for status, n := range m.delivery {
		snap.Delivery[string(status)] = n
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}

	return snap
}

func (s *methodStats) snapshot() MethodSnapshot {
	avg := 0.0
	if s.count > 0 {
		avg = float64(s.totalLatency.Milliseconds()) / float64(s.count)
	}
	return MethodSnapshot{
		Count:         s.count,
		Errors:        s.errors,
		InFlight:      s.inFlight,
		AvgLatencyMs:  avg,
		MaxLatencyMs:  float64(s.maxLatency.Milliseconds()),
		LastLatencyMs: float64(s.lastLatency.Milliseconds()),
	}
}

func (s *methodStats) observe(dur time.Duration, failed bool) {
	s.count++
	if failed {
		s.errors++
	}
	s.totalLatency += dur
	if dur > s.maxLatency {
		s.maxLatency = dur
	}
	s.lastLatency = dur
}

func ensure(m map[string]*methodStats, key string) *methodStats {
	stats, ok := m[key]
	if !ok {
		stats = &methodStats{}
		m[key] = stats
	}
	return stats
}

// ObserveStep records one saga step invocation.
func (m *Metrics) ObserveStep(step, phase string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	ensure(m.steps, step+"/"+phase).observe(d, err != nil)
	m.mu.Unlock()
}

// ObserveRun counts a saga run by terminal state.
func (m *Metrics) ObserveRun(state saga.State) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.sagas[state]++
	m.mu.Unlock()
}

// ObserveDelivery counts an outbox delivery attempt by outcome.
func (m *Metrics) ObserveDelivery(status outbox.Status) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.delivery[status]++
	m.mu.Unlock()
}

func (m *Metrics) finish(method string, dur time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := ensure(m.methods, method)
	stats.inFlight--
	stats.observe(dur, failed)
	m.mu.Unlock()
}

func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}
