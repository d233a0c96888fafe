package observability

import (
	"sync"
	"time"

	"creativeflow/internal/generation"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
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
	Transitions     int64                     `json:"transitions"`
	Callbacks       map[string]int64          `json:"callbacks,omitempty"`
	SettleFailures  int64                     `json:"settle_failures"`
	Lifecycle       *LifecycleSnapshot        `json:"lifecycle,omitempty"`
	Methods         map[string]MethodSnapshot `json:"methods"`
}

type methodStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

type promCollectors struct {
	rpcRequests   *prometheus.CounterVec
	rpcDuration   *prometheus.HistogramVec
	rpcInFlight   prometheus.Gauge
	rateLimitWait prometheus.Counter
	transitions   *prometheus.CounterVec
	callbacks     *prometheus.CounterVec
	settlements   *prometheus.CounterVec
}

// Metrics tracks RPC calls and saga progress. It keeps an in-process snapshot
// for the JSON debug endpoint and mirrors everything into a Prometheus registry.
// It implements generation.SagaObserver.
type Metrics struct {
	mu             sync.Mutex
	start          time.Time
	methods        map[string]*methodStats
	rateLimitWaits int64
	rateLimitWait  time.Duration
	transitions    int64
	callbacks      map[string]int64
	settleFailures int64
	lifecycle      lifecycleStats

	registry *prometheus.Registry
	prom     promCollectors
}

var _ generation.SagaObserver = (*Metrics)(nil)

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
	m := &Metrics{
		start:     time.Now(),
		methods:   make(map[string]*methodStats),
		callbacks: make(map[string]int64),
		registry:  prometheus.NewRegistry(),
		prom: promCollectors{
			rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "genflow_rpc_requests_total",
				Help: "Total RPC calls by method and result.",
			}, []string{"method", "result"}),
			rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "genflow_rpc_duration_seconds",
				Help:    "RPC latency in seconds.",
				Buckets: prometheus.DefBuckets,
			}, []string{"method"}),
			rpcInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "genflow_rpc_inflight",
				Help: "RPC calls currently in progress.",
			}),
			rateLimitWait: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "genflow_rate_limit_wait_seconds_total",
				Help: "Time spent waiting on the RPC rate limiter.",
			}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "genflow_transitions_total",
				Help: "Generation request status transitions.",
			}, []string{"from", "to"}),
			callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "genflow_callbacks_total",
				Help: "Worker callbacks by kind and outcome.",
			}, []string{"kind", "outcome"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "genflow_settlements_total",
				Help: "Credit hold settlements by action and result.",
			}, []string{"action", "result"}),
		},
	}
	m.registry.MustRegister(
		m.prom.rpcRequests,
		m.prom.rpcDuration,
		m.prom.rpcInFlight,
		m.prom.rateLimitWait,
		m.prom.transitions,
		m.prom.callbacks,
		m.prom.settlements,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the Prometheus registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Start(method string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	stats := m.ensureMethod(method)
	stats.inFlight++
	m.mu.Unlock()
	m.prom.rpcInFlight.Inc()
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
	m.prom.rateLimitWait.Add(d.Seconds())
}

func (m *Metrics) ObserveTransition(from, to generation.Status) {
	if m == nil || from == to {
		return
	}
	m.mu.Lock()
	m.transitions++
	m.mu.Unlock()
	m.prom.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) ObserveCallback(kind generation.CallbackKind, outcome generation.CallbackOutcome) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.callbacks[string(outcome)]++
	m.mu.Unlock()
	// Rejected callbacks can carry arbitrary kinds.
	if !kind.Valid() {
		kind = "unknown"
	}
	m.prom.callbacks.WithLabelValues(string(kind), string(outcome)).Inc()
}

func (m *Metrics) ObserveSettlement(action generation.SettleAction, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
		m.mu.Lock()
		m.settleFailures++
		m.mu.Unlock()
	}
	m.prom.settlements.WithLabelValues(string(action), result).Inc()
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
		Transitions:     m.transitions,
		SettleFailures:  m.settleFailures,
	}
	if len(m.callbacks) > 0 {
		snap.Callbacks = make(map[string]int64, len(m.callbacks))
		for outcome, n := range m.callbacks {
			snap.Callbacks[outcome] = n
		}
	}

	for method, stats := range m.methods {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Methods[method] = MethodSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalRequests += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}

	return snap
}

func (m *Metrics) ensureMethod(method string) *methodStats {
	stats, ok := m.methods[method]
	if !ok {
		stats = &methodStats{}
		m.methods[method] = stats
	}
	return stats
}

func (m *Metrics) finish(method string, dur time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.ensureMethod(method)
	stats.inFlight--
	stats.count++
	if failed {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
	m.mu.Unlock()

	result := "ok"
	if failed {
		result = "error"
	}
	m.prom.rpcInFlight.Dec()
	m.prom.rpcRequests.WithLabelValues(method, result).Inc()
	m.prom.rpcDuration.WithLabelValues(method).Observe(dur.Seconds())
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
