// Package metrics exposes Prometheus collectors for the harvester service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pageLoadsTotal             *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	slotsLive                  prometheus.Gauge
	slotsBusy                  prometheus.Gauge
	slotRecoveriesTotal        *prometheus.CounterVec
	slotRetirementsTotal       prometheus.Counter
	poolRecyclesTotal          prometheus.Counter
	rotationAttemptsTotal      *prometheus.CounterVec
	blockSignalsTotal          *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pageLoadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_page_loads_total",
				Help: "Total number of page loads, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		slotsLive = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_pool_slots_live",
			Help: "Number of pool slots that have not been retired.",
		})

		slotsBusy = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_pool_slots_busy",
			Help: "Number of pool slots currently leased to a task.",
		})

		slotRecoveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_pool_slot_recoveries_total",
				Help: "Slot recovery attempts, labeled by result.",
			},
			[]string{"result"},
		)

		slotRetirementsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "harvester_pool_slot_retirements_total",
			Help: "Slots permanently retired after repeated recovery failures.",
		})

		poolRecyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "harvester_pool_recycles_total",
			Help: "Full pool recycles performed.",
		})

		rotationAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_rotation_attempts_total",
				Help: "Egress rotation attempts, labeled by result (rotated, failed, cooldown).",
			},
			[]string{"result"},
		)

		blockSignalsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_block_signals_total",
				Help: "Block signals observed, labeled by tier (definitive, ambiguous).",
			},
			[]string{"tier"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delays_seconds",
				Help:    "Histogram of per-host pacing wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePageLoad counts one page load against its site.
func ObservePageLoad(site, outcome string) {
	Init()
	pageLoadsTotal.WithLabelValues(SanitizeSite(site), outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetSlotsLive records the number of non-retired slots.
func SetSlotsLive(n int) {
	Init()
	slotsLive.Set(float64(n))
}

// IncSlotsBusy marks a slot as leased.
func IncSlotsBusy() {
	Init()
	slotsBusy.Inc()
}

// DecSlotsBusy marks a slot as returned.
func DecSlotsBusy() {
	Init()
	slotsBusy.Dec()
}

// ObserveSlotRecovery records a recovery attempt.
func ObserveSlotRecovery(ok bool) {
	Init()
	result := "failed"
	if ok {
		result = "recovered"
	}
	slotRecoveriesTotal.WithLabelValues(result).Inc()
}

// ObserveSlotRetired counts a retirement.
func ObserveSlotRetired() {
	Init()
	slotRetirementsTotal.Inc()
}

// ObservePoolRecycle counts a full recycle.
func ObservePoolRecycle() {
	Init()
	poolRecyclesTotal.Inc()
}

// ObserveRotation records the result of a rotation request.
func ObserveRotation(result string) {
	Init()
	rotationAttemptsTotal.WithLabelValues(result).Inc()
}

// ObserveBlockSignal records a block signal of the given tier.
func ObserveBlockSignal(tier string) {
	Init()
	blockSignalsTotal.WithLabelValues(tier).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
