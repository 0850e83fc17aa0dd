package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
)

// Metrics exposes application-level Prometheus instruments.
type Metrics struct {
	CorrectionsTotal        *prometheus.CounterVec
	SettlementsTotal        *prometheus.CounterVec
	CreditsGrantedTotal     prometheus.Counter
	ReferralActivations     *prometheus.CounterVec
	RateLimitDecisionsTotal *prometheus.CounterVec
	GradingDuration         prometheus.Histogram
}

// New registers the application metrics on the given registry. Tests
// pass a fresh registry; production uses the default one.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CorrectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corrector",
			Name:      "corrections_total",
			Help:      "Essay corrections performed, labeled by charge source.",
		}, []string{"source"}),
		SettlementsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corrector",
			Name:      "payment_settlements_total",
			Help:      "Payment webhook settlements, labeled by resulting status.",
		}, []string{"status"}),
		CreditsGrantedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "corrector",
			Name:      "credits_granted_total",
			Help:      "Credits granted through settled payments.",
		}),
		ReferralActivations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corrector",
			Name:      "referral_activations_total",
			Help:      "Referral activation attempts, labeled by outcome reason.",
		}, []string{"reason"}),
		RateLimitDecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corrector",
			Name:      "rate_limit_decisions_total",
			Help:      "Gate denials, labeled by the action sent to the client.",
		}, []string{"decision"}),
		GradingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "corrector",
			Name:      "grading_duration_seconds",
			Help:      "Latency of grading oracle calls.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}
}

// NewForTest builds metrics on a throwaway registry.
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry())
}

var Module = fx.Module("metrics",
	fx.Provide(func() *Metrics {
		return New(prometheus.DefaultRegisterer)
	}),
)
