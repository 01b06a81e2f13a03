// Package metrics provides Prometheus metrics for blazeproxy.
package metrics

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "blazeproxy"

// OverflowTarget is used as the target label when the number of unique
// targets exceeds MaxTargets.
const OverflowTarget = "__other__"

const (
	ReasonDialFailed       = "dial_failed"
	ReasonDialTimeout      = "dial_timeout"
	ReasonResolveFailed    = "resolve_failed"
	ReasonRegistryShutdown = "registry_shutdown"
)

// Metrics holds all Prometheus metrics for blazeproxy.
type Metrics struct {
	Registry *prometheus.Registry

	// MaxTargets is the maximum number of unique target label values.
	// Once exceeded, new targets are recorded as OverflowTarget.
	// Zero means unlimited.
	MaxTargets int

	sessionsTotal   *prometheus.CounterVec
	connectErrors   *prometheus.CounterVec
	bytesTotal      *prometheus.CounterVec
	framesTotal     *prometheus.CounterVec
	decodeFaults    *prometheus.CounterVec
	activeSessions  *prometheus.GaugeVec
	sessionDuration *prometheus.HistogramVec
	dialDuration    prometheus.Histogram
	forcedCloses    prometheus.Counter
	acceptErrors    prometheus.Counter

	targetCount atomic.Int64
	targets     sync.Map // map[string]struct{}
}

// New creates a new Metrics instance with a custom Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total sessions that reached the relaying state and have since closed.",
		}, []string{"target", "status"}),

		connectErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_errors_total",
			Help:      "Total upstream connect failures, by reason.",
		}, []string{"reason"}),

		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total bytes forwarded, by direction.",
		}, []string{"target", "direction"}),

		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total packets forwarded, by direction.",
		}, []string{"direction"}),

		decodeFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_faults_total",
			Help:      "Total packets forwarded that could not be decoded, by direction.",
		}, []string{"direction"}),

		activeSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently relaying.",
		}, []string{"target"}),

		sessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of completed sessions in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"target"}),

		dialDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dial_duration_seconds",
			Help:      "Time spent opening upstream connections, including redirector lookups, in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		forcedCloses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forced_closes_total",
			Help:      "Total sessions force-closed because they outlived the shutdown deadline.",
		}),

		acceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_errors_total",
			Help:      "Total listener accept errors.",
		}),
	}

	reg.MustRegister(
		m.sessionsTotal,
		m.connectErrors,
		m.bytesTotal,
		m.framesTotal,
		m.decodeFaults,
		m.activeSessions,
		m.sessionDuration,
		m.dialDuration,
		m.forcedCloses,
		m.acceptErrors,
	)

	return m
}

// SanitizeTarget returns target if it is within the cardinality budget,
// or OverflowTarget if the cap has been reached. Targets that have been
// seen before are always returned as-is.
func (m *Metrics) SanitizeTarget(target string) string {
	if m == nil {
		return target
	}
	if m.MaxTargets <= 0 {
		return target
	}

	for {
		if _, ok := m.targets.Load(target); ok {
			return target
		}

		cur := m.targetCount.Load()
		if cur >= int64(m.MaxTargets) {
			// Another goroutine may have stored this target since the
			// first Load.
			if _, ok := m.targets.Load(target); ok {
				return target
			}
			return OverflowTarget
		}

		if !m.targetCount.CompareAndSwap(cur, cur+1) {
			continue
		}
		if _, loaded := m.targets.LoadOrStore(target, struct{}{}); loaded {
			m.targetCount.Add(-1)
		}
		return target
	}
}

// SessionOpened increments the active session gauge and should be called
// when a session starts relaying. The returned tracker records the outcome.
// The target is sanitized through the cardinality guard.
func (m *Metrics) SessionOpened(target string) *SessionTracker {
	if m == nil {
		return nil
	}
	target = m.SanitizeTarget(target)
	m.activeSessions.WithLabelValues(target).Inc()
	return &SessionTracker{m: m, target: target}
}

// ConnectError records a session that never reached the relaying state.
func (m *Metrics) ConnectError(reason string) {
	if m == nil {
		return
	}
	m.connectErrors.WithLabelValues(reason).Inc()
}

// DialReason returns "dial_timeout" if err is a network timeout, otherwise
// returns fallback.
func DialReason(err error, fallback string) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonDialTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonDialTimeout
	}
	return fallback
}

// ObserveDialDuration records how long an upstream connect took.
func (m *Metrics) ObserveDialDuration(seconds float64) {
	if m == nil {
		return
	}
	m.dialDuration.Observe(seconds)
}

// FrameForwarded counts one packet written in direction.
func (m *Metrics) FrameForwarded(direction string) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(direction).Inc()
}

// DecodeFault counts one packet that was forwarded without a decode.
func (m *Metrics) DecodeFault(direction string) {
	if m == nil {
		return
	}
	m.decodeFaults.WithLabelValues(direction).Inc()
}

// ForcedCloses adds n sessions force-closed at shutdown.
func (m *Metrics) ForcedCloses(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.forcedCloses.Add(float64(n))
}

// AcceptError counts a failed listener accept.
func (m *Metrics) AcceptError() {
	if m == nil {
		return
	}
	m.acceptErrors.Inc()
}

// SessionTracker records the outcome of a single relayed session.
type SessionTracker struct {
	m      *Metrics
	target string
}

// Done records the completion of a session with the bytes forwarded in
// each direction.
func (t *SessionTracker) Done(durationSec float64, clientToUpstream, upstreamToClient int64, err error) {
	if t == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	t.m.activeSessions.WithLabelValues(t.target).Dec()
	t.m.sessionsTotal.WithLabelValues(t.target, status).Inc()
	t.m.sessionDuration.WithLabelValues(t.target).Observe(durationSec)
	t.m.bytesTotal.WithLabelValues(t.target, "client_to_upstream").Add(float64(clientToUpstream))
	t.m.bytesTotal.WithLabelValues(t.target, "upstream_to_client").Add(float64(upstreamToClient))
}
