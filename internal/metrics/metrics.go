// Package metrics provides Prometheus instrumentation for the ledger engine.
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
	// BetsPlaced counts accepted wagers by bet type.
	BetsPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compound_bets_placed_total",
		Help: "Total number of bets placed",
	}, []string{"bet_type"})

	// BetsRejected counts placements refused by validation or funds checks.
	BetsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compound_bets_rejected_total",
		Help: "Bet placements rejected, by error code",
	}, []string{"code"})

	// PlaceLatency is the end-to-end bet placement time.
	PlaceLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "compound_bet_place_latency_seconds",
		Help:    "Bet placement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"bet_type"})

	// StakedTotal is cumulative currency debited at placement.
	StakedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compound_staked_currency_total",
		Help: "Cumulative currency staked on bets",
	})

	// BetsResolved counts settled bets by type and outcome (won, lost).
	BetsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compound_bets_resolved_total",
		Help: "Total number of bets resolved",
	}, []string{"bet_type", "outcome"})

	// PayoutTotal is cumulative currency credited for winning bets.
	PayoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compound_bet_payout_currency_total",
		Help: "Cumulative currency paid out on winning bets",
	})

	// EpisodesProcessed counts completed reward passes.
	EpisodesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compound_episodes_rewarded_total",
		Help: "Episodes whose pick rewards have been distributed",
	})

	// RewardsCredited is cumulative currency credited to pick holders.
	RewardsCredited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compound_reward_currency_total",
		Help: "Cumulative currency credited as episode rewards",
	})

	// PickSwitches counts paid contestant switches.
	PickSwitches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compound_pick_switches_total",
		Help: "Contestant switches charged to users",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "compound_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// EventsPublished counts domain events delivered, by sink and type.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compound_events_published_total",
		Help: "Domain events published",
	}, []string{"sink", "type"})

	// EventPublishErrors counts failed event deliveries by sink.
	EventPublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compound_event_publish_errors_total",
		Help: "Domain event publish failures",
	}, []string{"sink"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compound_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "compound_http_request_duration_seconds",
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

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern returns the matched chi pattern (e.g. /api/v1/accounts/{userID})
// so that IDs do not create a label per user.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack is required for WebSocket upgrades behind this middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
