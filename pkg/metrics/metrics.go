package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Admission
	AdmissionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_admission_decisions_total",
			Help: "Admission decisions by funding source and denial reason",
		},
		[]string{"source", "reason"},
	)

	AdmissionFaults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_admission_faults_total",
			Help: "Admission evaluations that failed open, by stage",
		},
		[]string{"stage"},
	)

	AdmissionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "metering_admission_duration_seconds",
			Help:    "Time spent evaluating admission",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Settlement
	UsageCostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_usage_cost_usd_total",
			Help: "Recorded usage cost in USD per model",
		},
		[]string{"model"},
	)

	PricingMissing = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_pricing_missing_total",
			Help: "Usage events recorded without a pricing entry",
		},
		[]string{"model"},
	)

	WalletDebits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metering_wallet_debits_total",
			Help: "Number of overage debits issued to the wallet",
		},
	)

	WalletDebitAmount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metering_wallet_debit_usd_total",
			Help: "Total overage debited from wallets in USD",
		},
	)

	SettlementFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_settlement_failures_total",
			Help: "Settlement steps that failed and were swallowed, by stage",
		},
		[]string{"stage"},
	)

	// HTTP
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	DependencyUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dependency_up",
			Help: "Status of dependencies (1 = up, 0 = down)",
		},
		[]string{"service"},
	)
)

// RecordAdmission counts an admission decision.
func RecordAdmission(source, reason string, seconds float64) {
	AdmissionDecisions.WithLabelValues(source, reason).Inc()
	AdmissionDuration.Observe(seconds)
}

// RecordDebit counts a wallet debit of the given USD amount.
func RecordDebit(amount float64) {
	WalletDebits.Inc()
	WalletDebitAmount.Add(amount)
}

// SetDependency flips the dependency_up gauge for a service.
func SetDependency(service string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	DependencyUp.WithLabelValues(service).Set(v)
}
