package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// API metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scopecfg_http_requests_total",
			Help: "Total number of HTTP requests by route, method and status",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scopecfg_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// Identity metrics
	TokenResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scopecfg_token_resolutions_total",
			Help: "Total number of bearer resolutions by auth kind and outcome",
		},
		[]string{"auth_kind", "outcome"},
	)

	// Config engine metrics
	ConfigMergesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scopecfg_config_merges_total",
			Help: "Total number of effective-config computations",
		},
	)

	ConfigWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scopecfg_config_writes_total",
			Help: "Total number of config writes by outcome (applied, proposed, rejected)",
		},
		[]string{"outcome"},
	)

	// Crypto metrics
	DecryptFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scopecfg_decrypt_failures_total",
			Help: "Total number of envelope decryption failures by kind",
		},
		[]string{"kind"},
	)

	// Sweep metrics
	SweepRevocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scopecfg_sweep_revocations_total",
			Help: "Total number of tokens revoked by the sweeper, by reason",
		},
		[]string{"reason"},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scopecfg_sweep_duration_seconds",
			Help:    "Background sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Audit metrics
	AuditEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scopecfg_audit_events_total",
			Help: "Total number of audit events recorded by source",
		},
		[]string{"source"},
	)
)

func init() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(TokenResolutionsTotal)
	prometheus.MustRegister(ConfigMergesTotal)
	prometheus.MustRegister(ConfigWritesTotal)
	prometheus.MustRegister(DecryptFailuresTotal)
	prometheus.MustRegister(SweepRevocationsTotal)
	prometheus.MustRegister(SweepDuration)
	prometheus.MustRegister(AuditEventsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
