package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-drift/relay/pkg/core"
	relayerrors "github.com/go-drift/relay/pkg/errors"
)

func TestNewRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.True(t, relayerrors.IsKind(err, relayerrors.KindConfig), "second registration: %v", err)
}

func TestObserveTransitionTracksLiveInstances(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	for _, ev := range []core.Event{
		{Tree: "main", From: core.StateCreated, To: core.StateCreated},
		{Tree: "main", From: core.StateCreated, To: core.StateActive},
		{Tree: "main", From: core.StateActive, To: core.StateSuspended},
		{Tree: "main", From: core.StateSuspended, To: core.StatePendingRecreation},
		{Tree: "main", From: core.StatePendingRecreation, To: core.StateRecreated},
		{Tree: "main", From: core.StateRecreated, To: core.StateDestroyed},
	} {
		m.ObserveTransition(ev)
	}

	assert.Equal(t, float64(0), testutil.ToFloat64(m.LiveInstances.WithLabelValues("main")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Transitions.WithLabelValues("main", "recreated")))
	assert.Equal(t, 6, testutil.CollectAndCount(m.Transitions))
}

func TestRouterAndResultCounters(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.ObserveResolve("implicit", OutcomeOK, time.Millisecond)
	m.ObserveResolve("implicit", OutcomeNoCandidate, time.Millisecond)
	m.ObserveCache(true)
	m.ObserveCache(false)
	m.ObserveCache(false)
	m.ObserveDispatch("main", nil)
	m.ObserveDispatch("main", errors.New("closed"))
	m.ObserveResult(ResultDelivered)
	m.SetPending(3)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Resolutions.WithLabelValues("implicit", OutcomeNoCandidate)))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ResolveCache.WithLabelValues("miss")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Dispatches.WithLabelValues("main", OutcomeError)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Results.WithLabelValues(ResultDelivered)))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.PendingResults))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveTransition(core.Event{})
		m.ObserveResolve("explicit", OutcomeOK, 0)
		m.ObserveCache(true)
		m.ObserveDispatch("main", nil)
		m.ObserveResult(ResultMissed)
		m.SetPending(1)
		m.ObserveDiagnostic(&relayerrors.Diagnostic{})
	})
}

type countingHandler struct{ errs, diags, panics int }

func (c *countingHandler) HandleError(*relayerrors.RelayError)      { c.errs++ }
func (c *countingHandler) HandleDiagnostic(*relayerrors.Diagnostic) { c.diags++ }
func (c *countingHandler) HandlePanic(*relayerrors.PanicError)      { c.panics++ }

func TestHandlerCountsAndForwards(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)
	next := &countingHandler{}
	h := &Handler{Next: next, Metrics: m}

	h.HandleDiagnostic(&relayerrors.Diagnostic{Kind: relayerrors.KindCaptureWarning})
	h.HandleDiagnostic(&relayerrors.Diagnostic{Kind: relayerrors.KindMissedDelivery})
	h.HandleError(&relayerrors.RelayError{})
	h.HandlePanic(&relayerrors.PanicError{})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Diagnostics.WithLabelValues("capture-warning")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Diagnostics.WithLabelValues("missed-delivery")))
	assert.Equal(t, countingHandler{errs: 1, diags: 2, panics: 1}, *next)
}
