// Package observability keeps in-process call and saga metrics and serves
// them over HTTP.
package observability

import (
	"context"
	"sync"
	"time"

	"fulfillment/internal/saga"
)

type MethodSnapshot struct {
	Count        int64   `json:"count"`
	Errors       int64   `json:"errors"`
	InFlight     int64   `json:"in_flight"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	MaxLatencyMs float64 `json:"max_latency_ms"`
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

type Snapshot struct {
	UptimeSec       int64                     `json:"uptime_sec"`
	TotalRequests   int64                     `json:"total_requests"`
	TotalErrors     int64                     `json:"total_errors"`
	InFlight        int64                     `json:"in_flight"`
	RateLimitWaits  int64                     `json:"rate_limit_waits"`
	RateLimitWaitMs int64                     `json:"rate_limit_wait_ms"`
	Methods         map[string]MethodSnapshot `json:"methods"`
	// Saga counts recorded saga steps as step -> status -> count.
	Saga      map[string]map[string]int64 `json:"saga"`
	Lifecycle *LifecycleSnapshot          `json:"lifecycle,omitempty"`
}

type methodStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
}

// Metrics aggregates RPC calls, rate-limit waits and saga steps. A nil
// *Metrics records nothing.
type Metrics struct {
	mu             sync.Mutex
	start          time.Time
	now            func() time.Time
	methods        map[string]*methodStats
	steps          map[string]map[string]int64
	rateLimitWaits int64
	rateLimitWait  time.Duration
	shutdownAt     time.Time
	inflightAtStop int64
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:   time.Now(),
		now:     time.Now,
		methods: make(map[string]*methodStats),
		steps:   make(map[string]map[string]int64),
	}
}

// CallSpan measures one call started with Start.
type CallSpan struct {
	metrics *Metrics
	method  string
	start   time.Time
}

func (m *Metrics) Start(method string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	m.method(method).inFlight++
	m.mu.Unlock()
	return &CallSpan{metrics: m, method: method, start: m.now()}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	m := s.metrics
	dur := m.now().Sub(s.start)

	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.method(s.method)
	stats.inFlight--
	stats.count++
	if err != nil {
		stats.errors++
	}
	stats.totalLatency += dur
	stats.maxLatency = max(stats.maxLatency, dur)
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

// AddStep counts one saga step outcome.
func (m *Metrics) AddStep(step, status string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byStatus, ok := m.steps[step]
	if !ok {
		byStatus = make(map[string]int64)
		m.steps[step] = byStatus
	}
	byStatus[status]++
}

func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.shutdownAt = m.now()
	m.inflightAtStop = inflight
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		UptimeSec:       int64(m.now().Sub(m.start).Seconds()),
		RateLimitWaits:  m.rateLimitWaits,
		RateLimitWaitMs: m.rateLimitWait.Milliseconds(),
		Methods:         make(map[string]MethodSnapshot, len(m.methods)),
		Saga:            make(map[string]map[string]int64, len(m.steps)),
	}
	for name, stats := range m.methods {
		var avg float64
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Methods[name] = MethodSnapshot{
			Count:        stats.count,
			Errors:       stats.errors,
			InFlight:     stats.inFlight,
			AvgLatencyMs: avg,
			MaxLatencyMs: float64(stats.maxLatency.Milliseconds()),
		}
		snap.TotalRequests += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}
	for step, byStatus := range m.steps {
		counts := make(map[string]int64, len(byStatus))
		for status, n := range byStatus {
			counts[status] = n
		}
		snap.Saga[step] = counts
	}
	if !m.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{ShutdownAt: m.shutdownAt, InFlightAtShutdown: m.inflightAtStop}
	}
	return snap
}

func (m *Metrics) method(name string) *methodStats {
	stats, ok := m.methods[name]
	if !ok {
		stats = &methodStats{}
		m.methods[name] = stats
	}
	return stats
}

// StepLog counts saga steps and forwards them to next.
type StepLog struct {
	metrics *Metrics
	next    saga.StepLog
}

func NewStepLog(metrics *Metrics, next saga.StepLog) *StepLog {
	if next == nil {
		next = saga.NopStepLog{}
	}
	return &StepLog{metrics: metrics, next: next}
}

func (l *StepLog) AddStep(ctx context.Context, orderID, step, status, detail string) error {
	l.metrics.AddStep(step, status)
	return l.next.AddStep(ctx, orderID, step, status, detail)
}
