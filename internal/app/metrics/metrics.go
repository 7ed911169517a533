package metrics

import (
	"bufio"
	"errors"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "raffle",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "raffle",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	entries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle",
			Name:      "entries_total",
			Help:      "Accepted raffle entries.",
		},
		[]string{"raffle"},
	)

	pool = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "raffle",
			Name:      "pool",
			Help:      "Current prize pool in the smallest currency unit.",
		},
		[]string{"raffle"},
	)

	players = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "raffle",
			Name:      "players",
			Help:      "Participants in the live round.",
		},
		[]string{"raffle"},
	)

	upkeeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle",
			Name:      "upkeeps_total",
			Help:      "Upkeep attempts by result.",
		},
		[]string{"raffle", "result"},
	)

	draws = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle",
			Name:      "draws_total",
			Help:      "Randomness fulfilments by result.",
		},
		[]string{"raffle", "result"},
	)

	payouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle",
			Name:      "payout_amount_total",
			Help:      "Sum of prize pools paid to winners.",
		},
		[]string{"raffle"},
	)

	rateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		},
		[]string{"path"},
	)

	vrfRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vrf",
			Name:      "requests_total",
			Help:      "Randomness requests accepted by the local coordinator.",
		},
	)

	vrfFulfilments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vrf",
			Name:      "fulfilments_total",
			Help:      "Randomness deliveries by consumer outcome.",
		},
		[]string{"success"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		entries,
		pool,
		players,
		upkeeps,
		draws,
		payouts,
		rateLimited,
		vrfRequests,
		vrfFulfilments,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordEntry counts an accepted entry and refreshes the round gauges.
func RecordEntry(raffleID string, playerCount int, balance *uint256.Int) {
	entries.WithLabelValues(raffleID).Inc()
	RecordRound(raffleID, playerCount, balance)
}

// RecordRound sets the live-round gauges.
func RecordRound(raffleID string, playerCount int, balance *uint256.Int) {
	players.WithLabelValues(raffleID).Set(float64(playerCount))
	pool.WithLabelValues(raffleID).Set(toFloat(balance))
}

// RecordUpkeep counts an upkeep attempt. result is performed, not_needed or failed.
func RecordUpkeep(raffleID, result string) {
	upkeeps.WithLabelValues(raffleID, result).Inc()
}

// RecordDraw counts a fulfilment outcome and, when paid, the payout amount.
func RecordDraw(raffleID, result string, amount *uint256.Int) {
	draws.WithLabelValues(raffleID, result).Inc()
	if result == "paid" {
		payouts.WithLabelValues(raffleID).Add(toFloat(amount))
	}
}

// RecordRateLimited counts a request rejected by the limiter.
func RecordRateLimited(path string) {
	rateLimited.WithLabelValues(canonicalPath(path)).Inc()
}

// RecordVRFRequest counts a request accepted by the local coordinator.
func RecordVRFRequest() {
	vrfRequests.Inc()
}

// RecordVRFFulfilment counts a delivery attempt.
func RecordVRFFulfilment(success bool) {
	vrfFulfilments.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func toFloat(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack lets websocket upgrades pass through the instrumentation.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// canonicalPath collapses path parameters so label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch {
	case parts[0] == "balances" && len(parts) > 1:
		return "/balances/:address"
	case parts[0] == "raffle" && len(parts) > 2 && parts[1] == "players":
		return "/raffle/players/:index"
	case len(parts) > 1:
		return "/" + parts[0] + "/" + parts[1]
	default:
		return "/" + parts[0]
	}
}
