package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the prometheus collectors for the routing pipeline. A private
// registry keeps the /metrics surface limited to modelmux series.
type Registry struct {
	reg *prometheus.Registry

	DecisionsTotal     *prometheus.CounterVec
	ProviderCallsTotal *prometheus.CounterVec
	FallbacksTotal     *prometheus.CounterVec
	RateLimitsTotal    *prometheus.CounterVec
	RequestLatency     *prometheus.HistogramVec
	ExtractionLatency  prometheus.Histogram
	TriageLatency      prometheus.Histogram
	CostUSD            *prometheus.CounterVec
	CooldownsLive      prometheus.Gauge
	EmbeddingFallbacks prometheus.Counter
	ArtifactReloads    *prometheus.CounterVec
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_decisions_total",
			Help: "Routing decisions by bucket and outcome",
		}, []string{"bucket", "model", "provider", "status"}),
		ProviderCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_provider_calls_total",
			Help: "Upstream provider calls by kind and HTTP status class",
		}, []string{"provider", "status"}),
		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_fallbacks_total",
			Help: "Fallback attempts by trigger reason",
		}, []string{"reason", "provider"}),
		RateLimitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_rate_limits_total",
			Help: "429 responses observed per provider kind",
		}, []string{"provider"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelmux_request_latency_ms",
			Help:    "End-to-end request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"bucket", "provider"}),
		ExtractionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "modelmux_extraction_latency_ms",
			Help:    "Feature extraction latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
		}),
		TriageLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "modelmux_triage_latency_ms",
			Help:    "Triage classification latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8),
		}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_cost_usd_total",
			Help: "Estimated USD cost from catalog pricing",
		}, []string{"model", "provider"}),
		CooldownsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modelmux_cooldowns_live",
			Help: "Live per-user cool-down entries",
		}),
		EmbeddingFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelmux_embedding_fallbacks_total",
			Help: "Requests that used the deterministic embedding fallback",
		}),
		ArtifactReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_artifact_reloads_total",
			Help: "Artifact reload attempts by outcome",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		m.DecisionsTotal, m.ProviderCallsTotal, m.FallbacksTotal,
		m.RateLimitsTotal, m.RequestLatency, m.ExtractionLatency,
		m.TriageLatency, m.CostUSD, m.CooldownsLive,
		m.EmbeddingFallbacks, m.ArtifactReloads,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
