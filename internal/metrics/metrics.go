package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns its registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	streams        *prometheus.CounterVec
	streamDuration *prometheus.HistogramVec
	creditsSpent   *prometheus.CounterVec
	declined       *prometheus.CounterVec
	rateLimited    *prometheus.CounterVec
	usageWritten   prometheus.Counter
	usageFailed    prometheus.Counter
	usageDropped   prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		streams: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dream_streams_total",
			Help: "Streaming calls by endpoint, provider and outcome.",
		}, []string{"endpoint", "provider", "outcome"}),
		streamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dream_stream_duration_seconds",
			Help:    "Time from credit deduction to the terminal event.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		}, []string{"endpoint"}),
		creditsSpent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dream_credits_deducted_total",
			Help: "Credits removed by successful deductions.",
		}, []string{"endpoint"}),
		declined: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dream_insufficient_credits_total",
			Help: "Calls declined for lack of credits.",
		}, []string{"endpoint"}),
		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dream_rate_limited_total",
			Help: "Calls rejected by the per-user rate limit.",
		}, []string{"endpoint"}),
		usageWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "dream_usage_records_written_total",
			Help: "Usage records persisted.",
		}),
		usageFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "dream_usage_records_failed_total",
			Help: "Usage records the store rejected.",
		}),
		usageDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "dream_usage_records_dropped_total",
			Help: "Usage records dropped because the sink queue was full.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) StreamFinished(endpoint, provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.streams.WithLabelValues(endpoint, provider, outcome).Inc()
	m.streamDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

func (m *Metrics) CreditsDeducted(endpoint string, amount int64) {
	if m == nil {
		return
	}
	m.creditsSpent.WithLabelValues(endpoint).Add(float64(amount))
}

func (m *Metrics) InsufficientCredits(endpoint string) {
	if m == nil {
		return
	}
	m.declined.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) RateLimited(endpoint string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) UsageWritten() {
	if m == nil {
		return
	}
	m.usageWritten.Inc()
}

func (m *Metrics) UsageFailed() {
	if m == nil {
		return
	}
	m.usageFailed.Inc()
}

func (m *Metrics) UsageDropped() {
	if m == nil {
		return
	}
	m.usageDropped.Inc()
}
