package observability

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"creativeflow/internal/generation"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsTracksCalls(t *testing.T) {
	metrics := NewMetrics()
	span := metrics.Start("generation.v1.GenerationService/Initiate")
	time.Sleep(1 * time.Millisecond)
	span.End(nil)

	span = metrics.Start("generation.v1.GenerationService/Initiate")
	span.End(errors.New("fail"))

	snap := metrics.Snapshot()
	stats := snap.Methods["generation.v1.GenerationService/Initiate"]
	if stats.Count != 2 {
		t.Fatalf("expected 2 calls, got %d", stats.Count)
	}
	if stats.Errors != 1 {
		t.Fatalf("expected 1 error, got %d", stats.Errors)
	}
	if stats.InFlight != 0 {
		t.Fatalf("expected 0 inflight, got %d", stats.InFlight)
	}
	if snap.TotalRequests != 2 || snap.TotalErrors != 1 {
		t.Fatalf("unexpected totals: %+v", snap)
	}
}

func TestMetricsTracksRateLimitWait(t *testing.T) {
	metrics := NewMetrics()
	metrics.AddRateLimitWait(50 * time.Millisecond)
	metrics.AddRateLimitWait(25 * time.Millisecond)
	metrics.AddRateLimitWait(0)

	snap := metrics.Snapshot()
	if snap.RateLimitWaits != 2 {
		t.Fatalf("expected 2 waits, got %d", snap.RateLimitWaits)
	}
	if snap.RateLimitWaitMs != 75 {
		t.Fatalf("expected 75ms, got %d", snap.RateLimitWaitMs)
	}
}

func TestMetricsMarkShutdown(t *testing.T) {
	metrics := NewMetrics()
	metrics.MarkShutdown(5)
	snap := metrics.Snapshot()
	if snap.Lifecycle == nil {
		t.Fatalf("expected lifecycle snapshot")
	}
	if snap.Lifecycle.InFlightAtShutdown != 5 {
		t.Fatalf("expected inflight 5, got %d", snap.Lifecycle.InFlightAtShutdown)
	}
	if snap.Lifecycle.ShutdownAt.IsZero() {
		t.Fatalf("expected shutdown timestamp")
	}
}

func TestHandlerReturnsJSON(t *testing.T) {
	metrics := NewMetrics()
	span := metrics.Start("generation.v1.GenerationService/GetRequest")
	span.End(errors.New("fail"))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	Handler(metrics).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if snap.TotalErrors != 1 {
		t.Fatalf("expected total errors 1, got %d", snap.TotalErrors)
	}
	if len(snap.Methods) == 0 {
		t.Fatalf("expected methods in snapshot")
	}
}

func TestMetricsNilSafePaths(t *testing.T) {
	var m *Metrics
	span := m.Start("ignored") // nil-safe
	span.End(nil)              // should not panic

	m.MarkShutdown(10) // nil-safe
	m.ObserveTransition(generation.StatusQueued, generation.StatusFailed)
	m.ObserveSettlement(generation.SettleRefund, nil)
}

func TestMetricsExportsRPCCounters(t *testing.T) {
	metrics := NewMetrics()
	metrics.Start("m").End(nil)
	metrics.Start("m").End(errors.New("fail"))
	metrics.Start("m").End(nil)

	if got := testutil.ToFloat64(metrics.prom.rpcRequests.WithLabelValues("m", "ok")); got != 2 {
		t.Fatalf("expected 2 ok calls, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.prom.rpcRequests.WithLabelValues("m", "error")); got != 1 {
		t.Fatalf("expected 1 failed call, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.prom.rpcInFlight); got != 0 {
		t.Fatalf("expected no inflight calls, got %v", got)
	}
}

func TestMetricsObservesSaga(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveTransition(generation.StatusQueued, generation.StatusSamplesProcessing)
	metrics.ObserveTransition(generation.StatusQueued, generation.StatusQueued)
	metrics.ObserveCallback(generation.CallbackSamplesReady, generation.OutcomeApplied)
	metrics.ObserveCallback(generation.CallbackSamplesReady, generation.OutcomeDuplicate)
	metrics.ObserveCallback("bogus", generation.OutcomeRejected)
	metrics.ObserveSettlement(generation.SettleCapture, nil)
	metrics.ObserveSettlement(generation.SettleRefund, errors.New("ledger down"))

	if got := testutil.ToFloat64(metrics.prom.transitions.WithLabelValues("QUEUED", "SAMPLES_PROCESSING")); got != 1 {
		t.Fatalf("expected 1 transition, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.prom.callbacks.WithLabelValues("unknown", "rejected")); got != 1 {
		t.Fatalf("expected unknown kind to be folded, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.prom.settlements.WithLabelValues("refund", "error")); got != 1 {
		t.Fatalf("expected 1 failed refund, got %v", got)
	}

	snap := metrics.Snapshot()
	if snap.Transitions != 1 {
		t.Fatalf("expected self transitions ignored, got %d", snap.Transitions)
	}
	if snap.Callbacks["applied"] != 1 || snap.Callbacks["duplicate"] != 1 || snap.Callbacks["rejected"] != 1 {
		t.Fatalf("unexpected callback counts: %+v", snap.Callbacks)
	}
	if snap.SettleFailures != 1 {
		t.Fatalf("expected 1 settle failure, got %d", snap.SettleFailures)
	}
}

func TestMuxServesPrometheusAndSnapshot(t *testing.T) {
	metrics := NewMetrics()
	metrics.AddRateLimitWait(2 * time.Second)
	mux := NewMux(metrics, map[string]http.Handler{
		"/ws": http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) }),
	})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "genflow_rate_limit_wait_seconds_total 2") {
		t.Fatalf("expected rate limit counter in exposition:\n%s", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/metrics", nil))
	var snap Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.RateLimitWaits != 1 {
		t.Fatalf("expected 1 wait, got %d", snap.RateLimitWaits)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected extra handler to be mounted, got %d", rr.Code)
	}
}
