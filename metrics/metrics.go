// Package metrics provides Prometheus metrics for session and KYC operations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for rideid operations.
// A nil *Metrics and a disabled one are both no-ops.
type Metrics struct {
	enabled bool

	// Authentication metrics
	authAttemptsTotal *prometheus.CounterVec
	logoutsTotal      *prometheus.CounterVec

	// Token refresh metrics
	refreshTotal          *prometheus.CounterVec
	refreshCoalescedTotal prometheus.Counter

	// KYC metrics
	kycSubmissionsTotal *prometheus.CounterVec
	kycStep             prometheus.Gauge

	// Backend metrics
	requestDuration *prometheus.HistogramVec
}

// Option configures Metrics.
type Option func(*options)

type options struct {
	reg prometheus.Registerer
}

// WithRegisterer registers the collectors on reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// New creates and registers Prometheus metrics.
// If enabled is false, returns a no-op Metrics instance.
func New(enabled bool, opts ...Option) *Metrics {
	m := &Metrics{enabled: enabled}

	if !enabled {
		return m
	}

	o := &options{reg: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(o)
	}
	factory := promauto.With(o.reg)

	m.authAttemptsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "rideid_auth_attempts_total",
		Help: "Login attempts by channel and result",
	}, []string{"channel", "result"})

	m.logoutsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "rideid_logouts_total",
		Help: "Logouts by outcome of the remote invalidation call",
	}, []string{"remote"})

	m.refreshTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "rideid_token_refresh_total",
		Help: "Token refresh calls by result",
	}, []string{"result"})

	m.refreshCoalescedTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "rideid_token_refresh_coalesced_total",
		Help: "Requests that waited on an in-flight refresh instead of starting one",
	})

	m.kycSubmissionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "rideid_kyc_submissions_total",
		Help: "KYC operations by kind and result",
	}, []string{"kind", "result"})

	m.kycStep = factory.NewGauge(prometheus.GaugeOpts{
		Name: "rideid_kyc_step",
		Help: "Current KYC step (1=start, 2=aadhaar, 3=face, 4=complete)",
	})

	m.requestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rideid_backend_request_duration_seconds",
		Help:    "Backend request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "status"})

	return m
}

func (m *Metrics) on() bool { return m != nil && m.enabled }

// RecordAuthAttempt records a login attempt on channel with result "success" or a failure kind.
func (m *Metrics) RecordAuthAttempt(channel, result string) {
	if !m.on() {
		return
	}
	m.authAttemptsTotal.WithLabelValues(channel, result).Inc()
}

// RecordLogout records a logout; remote is "ok" or "failed".
func (m *Metrics) RecordLogout(remote string) {
	if !m.on() {
		return
	}
	m.logoutsTotal.WithLabelValues(remote).Inc()
}

// RecordRefresh records a refresh call result ("success", "failed", "no_token").
func (m *Metrics) RecordRefresh(result string) {
	if !m.on() {
		return
	}
	m.refreshTotal.WithLabelValues(result).Inc()
}

// RecordRefreshCoalesced records a request that shared an in-flight refresh.
func (m *Metrics) RecordRefreshCoalesced() {
	if !m.on() {
		return
	}
	m.refreshCoalescedTotal.Inc()
}

// RecordKYCSubmission records a KYC operation ("start", "aadhaar", "face", "status").
func (m *Metrics) RecordKYCSubmission(kind, result string) {
	if !m.on() {
		return
	}
	m.kycSubmissionsTotal.WithLabelValues(kind, result).Inc()
}

// SetKYCStep sets the current KYC step gauge.
func (m *Metrics) SetKYCStep(step int) {
	if !m.on() {
		return
	}
	m.kycStep.Set(float64(step))
}

// ObserveRequest records the duration of a backend call.
func (m *Metrics) ObserveRequest(endpoint, status string, seconds float64) {
	if !m.on() {
		return
	}
	m.requestDuration.WithLabelValues(endpoint, status).Observe(seconds)
}
