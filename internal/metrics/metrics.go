package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengate_requests_total",
			Help: "Total number of chat requests processed",
		},
		[]string{"org_id", "provider", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tokengate_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"org_id", "provider", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengate_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"org_id", "provider", "model", "type"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengate_cost_usd_total",
			Help: "Total estimated cost in USD",
		},
		[]string{"org_id", "provider", "model"},
	)

	AdmissionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengate_admission_rejections_total",
			Help: "Admission pipeline rejections by reason",
		},
		[]string{"reason"},
	)

	MeteringOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengate_metering_outcomes_total",
			Help: "Usage metering outcomes (persisted, fellback, lost)",
		},
		[]string{"outcome"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengate_provider_errors_total",
			Help: "Total number of provider errors",
		},
		[]string{"provider", "error_type"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tokengate_active_streams",
			Help: "Number of active streaming connections",
		},
	)

	AlertsTriggered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengate_alerts_triggered_total",
			Help: "Alerts triggered by severity",
		},
		[]string{"severity"},
	)
)

func RecordRequest(orgID, provider, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(orgID, provider, model, status).Inc()
	RequestDuration.WithLabelValues(orgID, provider, model).Observe(durationSec)
}

func RecordTokens(orgID, provider, model string, promptTokens, completionTokens int) {
	TokensTotal.WithLabelValues(orgID, provider, model, "prompt").Add(float64(promptTokens))
	TokensTotal.WithLabelValues(orgID, provider, model, "completion").Add(float64(completionTokens))
}

func RecordCost(orgID, provider, model string, costUSD float64) {
	CostTotal.WithLabelValues(orgID, provider, model).Add(costUSD)
}

func RecordRejection(reason string) {
	AdmissionRejections.WithLabelValues(reason).Inc()
}

func RecordMeteringOutcome(outcome string) {
	MeteringOutcomes.WithLabelValues(outcome).Inc()
}

func RecordProviderError(provider, errorType string) {
	ProviderErrors.WithLabelValues(provider, errorType).Inc()
}

func RecordAlert(severity string) {
	AlertsTriggered.WithLabelValues(severity).Inc()
}
