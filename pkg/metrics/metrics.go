// Package metrics exposes Prometheus collectors for lifecycle transitions,
// routing and result delivery.
//
// Collectors are registered on a caller-supplied registerer rather than the
// global one, so several hosts (and tests) can coexist in one process. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/go-drift/relay/pkg/core"
	relayerrors "github.com/go-drift/relay/pkg/errors"
)

// Namespace prefixes every metric name.
const Namespace = "relay"

// Resolution outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeNoCandidate = "no_candidate"
	OutcomeInvalid     = "invalid"
	OutcomeError       = "error"
)

// Result outcomes.
const (
	ResultDelivered = "delivered"
	ResultCancelled = "cancelled"
	ResultMissed    = "missed"
	ResultRejected  = "rejected"
)

// Metrics holds the collectors of one host.
type Metrics struct {
	Transitions     *prometheus.CounterVec
	LiveInstances   *prometheus.GaugeVec
	Resolutions     *prometheus.CounterVec
	ResolveCache    *prometheus.CounterVec
	ResolveDuration *prometheus.HistogramVec
	Dispatches      *prometheus.CounterVec
	Results         *prometheus.CounterVec
	PendingResults  prometheus.Gauge
	Diagnostics     *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Lifecycle transitions by tree and target state.",
		}, []string{"tree", "state"}),
		LiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "lifecycle",
			Name:      "live_instances",
			Help:      "Registered component instances by tree.",
		}, []string{"tree"}),
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "router",
			Name:      "resolutions_total",
			Help:      "Descriptor resolutions by target kind and outcome.",
		}, []string{"target", "outcome"}),
		ResolveCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "router",
			Name:      "cache_lookups_total",
			Help:      "Implicit resolution cache lookups by result.",
		}, []string{"result"}),
		ResolveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "router",
			Name:      "resolve_duration_seconds",
			Help:      "Time spent resolving descriptors.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 8),
		}, []string{"target"}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "router",
			Name:      "dispatches_total",
			Help:      "Dispatches by target tree and outcome.",
		}, []string{"tree", "outcome"}),
		Results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "results",
			Name:      "handoffs_total",
			Help:      "Result handoffs by outcome.",
		}, []string{"outcome"}),
		PendingResults: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "results",
			Name:      "pending",
			Help:      "Result tokens not yet handed off.",
		}),
		Diagnostics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "diagnostics_total",
			Help:      "Non-fatal diagnostics by kind.",
		}, []string{"kind"}),
	}
	for _, c := range []prometheus.Collector{
		m.Transitions, m.LiveInstances, m.Resolutions, m.ResolveCache,
		m.ResolveDuration, m.Dispatches, m.Results, m.PendingResults, m.Diagnostics,
	} {
		if err := reg.Register(c); err != nil {
			return nil, relayerrors.New("metrics.New", relayerrors.KindConfig, "", err)
		}
	}
	return m, nil
}

// ObserveTransition records a lifecycle event. It is an EventHandler.
func (m *Metrics) ObserveTransition(ev core.Event) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(ev.Tree, ev.To.String()).Inc()
	switch {
	case ev.From == core.StateCreated && ev.To == core.StateCreated,
		ev.To == core.StateRecreated:
		m.LiveInstances.WithLabelValues(ev.Tree).Inc()
	case ev.From.Live() && !ev.To.Live():
		m.LiveInstances.WithLabelValues(ev.Tree).Dec()
	}
}

// ObserveResolve records one resolution.
func (m *Metrics) ObserveResolve(target, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(target, outcome).Inc()
	m.ResolveDuration.WithLabelValues(target).Observe(d.Seconds())
}

// ObserveCache records an implicit resolution cache lookup.
func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.ResolveCache.WithLabelValues("hit").Inc()
	} else {
		m.ResolveCache.WithLabelValues("miss").Inc()
	}
}

// ObserveDispatch records a finished dispatch.
func (m *Metrics) ObserveDispatch(tree string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	m.Dispatches.WithLabelValues(tree, outcome).Inc()
}

// ObserveResult records a result handoff outcome.
func (m *Metrics) ObserveResult(outcome string) {
	if m == nil {
		return
	}
	m.Results.WithLabelValues(outcome).Inc()
}

// SetPending sets the number of outstanding result tokens.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingResults.Set(float64(n))
}

// ObserveDiagnostic counts a diagnostic by kind.
func (m *Metrics) ObserveDiagnostic(d *relayerrors.Diagnostic) {
	if m == nil || d == nil {
		return
	}
	m.Diagnostics.WithLabelValues(d.Kind.String()).Inc()
}

// Handler is an ErrorHandler that counts diagnostics and forwards everything
// to Next.
type Handler struct {
	Next    relayerrors.ErrorHandler
	Metrics *Metrics
}

func (h *Handler) HandleError(err *relayerrors.RelayError) {
	if h.Next != nil {
		h.Next.HandleError(err)
	}
}

func (h *Handler) HandleDiagnostic(d *relayerrors.Diagnostic) {
	h.Metrics.ObserveDiagnostic(d)
	if h.Next != nil {
		h.Next.HandleDiagnostic(d)
	}
}

func (h *Handler) HandlePanic(err *relayerrors.PanicError) {
	if h.Next != nil {
		h.Next.HandlePanic(err)
	}
}
