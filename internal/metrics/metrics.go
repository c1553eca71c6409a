package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	IssuanceIssued    = "issued"
	IssuanceReissued  = "reissued"
	IssuanceSkipped   = "skipped"
	IssuanceError     = "error"
	IssuanceIntegrity = "integrity"
)

const (
	RetryEnqueued    = "enqueued"
	RetrySent        = "sent"
	RetryRescheduled = "rescheduled"
	RetryDead        = "dead"
)

// Metrics holds the engine's counters. A nil *Metrics is valid and records
// nothing, so components can be built without a registry.
type Metrics struct {
	issuance         *prometheus.CounterVec
	issuanceDuration prometheus.Observer
	redemptions      *prometheus.CounterVec
	rateLimit        *prometheus.CounterVec
	sessionChecks    *prometheus.CounterVec
	retryTransitions *prometheus.CounterVec
}

func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	issuance := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mealpass_issuance_total",
		Help: "Per-customer issuance outcomes.",
	}, []string{"outcome"})
	issuanceDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mealpass_issuance_run_duration_seconds",
		Help:    "Wall time of one issuance run.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})
	redemptions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mealpass_redemptions_total",
		Help: "Redemption attempts by result code.",
	}, []string{"result"})
	rateLimit := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mealpass_rate_limit_decisions_total",
		Help: "Rate limiter decisions by policy.",
	}, []string{"policy", "decision"})
	sessionChecks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mealpass_session_checks_total",
		Help: "Session validation results.",
	}, []string{"kind", "result"})
	retryTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mealpass_retry_transitions_total",
		Help: "Retry queue state transitions by category.",
	}, []string{"category", "transition"})

	registerer.MustRegister(issuance, issuanceDuration, redemptions, rateLimit, sessionChecks, retryTransitions)

	return &Metrics{
		issuance:         issuance,
		issuanceDuration: issuanceDuration,
		redemptions:      redemptions,
		rateLimit:        rateLimit,
		sessionChecks:    sessionChecks,
		retryTransitions: retryTransitions,
	}
}

func (m *Metrics) Issuance(outcome string) {
	if m == nil {
		return
	}
	m.issuance.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IssuanceRun(d time.Duration) {
	if m == nil {
		return
	}
	m.issuanceDuration.Observe(d.Seconds())
}

func (m *Metrics) Redemption(result string) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(result).Inc()
}

func (m *Metrics) RateLimit(policy string, allowed bool) {
	if m == nil {
		return
	}
	decision := "allowed"
	if !allowed {
		decision = "denied"
	}
	m.rateLimit.WithLabelValues(policy, decision).Inc()
}

func (m *Metrics) SessionCheck(kind, result string) {
	if m == nil {
		return
	}
	m.sessionChecks.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) RetryTransition(category, transition string) {
	if m == nil {
		return
	}
	m.retryTransitions.WithLabelValues(category, transition).Inc()
}
