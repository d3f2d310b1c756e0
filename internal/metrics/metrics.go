// Package metrics provides Prometheus instrumentation for the trade engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ProposalsCreated counts proposals opened, partitioned by strategy.
	ProposalsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teamfolio_proposals_created_total",
		Help: "Total number of trade proposals created",
	}, []string{"strategy"})

	// VotesCast counts votes recorded, partitioned by choice.
	VotesCast = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teamfolio_votes_cast_total",
		Help: "Total number of votes recorded",
	}, []string{"choice"})

	// ProposalTransitions counts status changes by target status.
	ProposalTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teamfolio_proposal_transitions_total",
		Help: "Proposal status transitions by destination status",
	}, []string{"status"})

	// FillsTotal counts fill attempts by strategy and outcome.
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teamfolio_fills_total",
		Help: "Fill attempts by strategy and outcome",
	}, []string{"strategy", "outcome"})

	// FillLatency tracks time from claim to ledger commit.
	FillLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "teamfolio_fill_latency_seconds",
		Help:    "Fill execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"strategy"})

	// TriggersFired counts watches released by a tick.
	TriggersFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "teamfolio_triggers_fired_total",
		Help: "Pending orders whose price condition was met",
	})

	// PendingWatches tracks the number of indexed pending orders.
	PendingWatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "teamfolio_pending_watches",
		Help: "Number of pending LIMIT/CONDITIONAL orders being watched",
	})

	// DispatchOverflow counts triggered fills queued behind a full worker.
	DispatchOverflow = promauto.NewCounter(prometheus.CounterOpts{
		Name: "teamfolio_dispatch_overflow_total",
		Help: "Triggered fills handed off while their worker queue was full",
	})

	// ActiveRooms tracks rooms that have not started yet.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "teamfolio_active_rooms",
		Help: "Number of waiting or full matching rooms",
	})

	// TicksTotal counts ticks published by the feed.
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "teamfolio_ticks_total",
		Help: "Price ticks published",
	})

	// TicksDropped counts ticks not delivered to a slow subscriber.
	TicksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "teamfolio_ticks_dropped_total",
		Help: "Price ticks dropped for slow display subscribers",
	})

	// FeedReconnects counts upstream price feed reconnect attempts.
	FeedReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "teamfolio_feed_reconnects_total",
		Help: "Upstream price feed reconnect attempts",
	})

	// WebSocketClients tracks connected WebSocket clients per hub.
	WebSocketClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "teamfolio_websocket_clients",
		Help: "Number of connected WebSocket clients",
	}, []string{"hub"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teamfolio_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "teamfolio_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Label by route pattern, not raw path, to keep cardinality bounded.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack passes through to the underlying writer so WebSocket upgrades work
// behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
