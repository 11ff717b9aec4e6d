package results

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-drift/relay/pkg/core"
	relayerrors "github.com/go-drift/relay/pkg/errors"
	"github.com/go-drift/relay/pkg/manifest"
	"github.com/go-drift/relay/pkg/state"
)

// receiver records every result together with the store value it observed
// when the result arrived.
type receiver struct {
	core.Base
	log *[]string
	got []Result
	// draftAtDelivery is the "draft" key at the time each result arrived.
	draftAtDelivery []string
}

func (r *receiver) OnResult(res Result) {
	r.got = append(r.got, res)
	r.draftAtDelivery = append(r.draftAtDelivery, r.Store().GetString("draft", ""))
	if r.log != nil {
		*r.log = append(*r.log, "result")
	}
}

func (r *receiver) OnSuspend() {
	if r.log != nil {
		*r.log = append(*r.log, "suspend")
	}
}

type fixture struct {
	ctrl *core.Controller
	corr *Correlator
	log  []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := manifest.New("v1.0.0")
	require.NoError(t, m.Add(manifest.ComponentSpec{Type: "inbox"}))
	require.NoError(t, m.Add(manifest.ComponentSpec{Type: "plain"}))
	require.NoError(t, m.Freeze())

	f := &fixture{}
	ctrl, err := core.NewController(core.Options{
		Manifest: m,
		Constructors: map[string]core.Constructor{
			"inbox": func() core.Component { return &receiver{log: &f.log} },
		},
	})
	require.NoError(t, err)
	f.ctrl = ctrl
	f.corr = New(nil)
	f.corr.Attach(ctrl)
	t.Cleanup(f.corr.Close)
	return f
}

func (f *fixture) activeOrigin(t *testing.T, tag, typ string) *core.Instance {
	t.Helper()
	inst, err := f.ctrl.Create(nil, tag, typ)
	require.NoError(t, err)
	require.NoError(t, f.ctrl.Activate(inst))
	return inst
}

type diagnostics struct {
	mu    sync.Mutex
	diags []*relayerrors.Diagnostic
}

func (d *diagnostics) HandleError(*relayerrors.RelayError) {}
func (d *diagnostics) HandlePanic(*relayerrors.PanicError) {}
func (d *diagnostics) HandleDiagnostic(diag *relayerrors.Diagnostic) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.diags = append(d.diags, diag)
}

func recordDiagnostics(t *testing.T) *diagnostics {
	t.Helper()
	d := &diagnostics{}
	relayerrors.SetHandler(d)
	t.Cleanup(func() { relayerrors.SetHandler(nil) })
	return d
}

var payload = state.MustBundle(map[string]any{"picked": "photo-7"})

func TestDeliverToActiveOriginBeforeNextOperation(t *testing.T) {
	f := newFixture(t)
	origin := f.activeOrigin(t, "inbox", "inbox")

	token, err := f.corr.ExpectResult(origin.ID())
	require.NoError(t, err)
	require.NoError(t, f.corr.Deliver(token, payload, OutcomeOK))

	// The handoff is posted, never run inline on the caller.
	assert.Empty(t, f.log)

	require.NoError(t, f.ctrl.Suspend(origin))
	assert.Equal(t, []string{"result", "suspend"}, f.log)

	recv := origin.Component().(*receiver)
	require.Len(t, recv.got, 1)
	assert.Equal(t, OutcomeOK, recv.got[0].Outcome)
	assert.Equal(t, "photo-7", recv.got[0].Payload.String("picked", ""))

	pr, ok := f.corr.Lookup(token)
	require.True(t, ok)
	assert.True(t, pr.HandedOff)
	assert.Equal(t, StatusDelivered, pr.Status)
	assert.Zero(t, f.corr.Outstanding())
}

func TestDeliveryWaitsForReplacementRestore(t *testing.T) {
	f := newFixture(t)
	old := f.activeOrigin(t, "inbox", "inbox")
	require.NoError(t, old.Store().Put("draft", "half-written"))

	token, err := f.corr.ExpectResult(old.ID())
	require.NoError(t, err)
	require.NoError(t, f.ctrl.DestroyForRecreation(old))

	require.NoError(t, f.corr.Deliver(token, payload, OutcomeOK))
	f.ctrl.Looper().Drain()

	assert.Empty(t, old.Component().(*receiver).got, "torn-down origin received the result")
	pr, _ := f.corr.Lookup(token)
	assert.False(t, pr.HandedOff)

	fresh, err := f.ctrl.Recreate("", "inbox")
	require.NoError(t, err)

	recv := fresh.Component().(*receiver)
	require.Len(t, recv.got, 1)
	assert.Equal(t, "half-written", recv.draftAtDelivery[0], "result arrived before restore")

	pr, _ = f.corr.Lookup(token)
	assert.Equal(t, fresh.ID(), pr.OriginID)
	assert.True(t, pr.HandedOff)
}

func TestPendingOwnershipFollowsRecreation(t *testing.T) {
	f := newFixture(t)
	origin := f.activeOrigin(t, "inbox", "inbox")
	token, err := f.corr.ExpectResult(origin.ID())
	require.NoError(t, err)

	// Two recreation cycles before the result exists.
	for range 2 {
		require.NoError(t, f.ctrl.DestroyForRecreation(origin))
		origin, err = f.ctrl.Recreate("", "inbox")
		require.NoError(t, err)
		require.NoError(t, f.ctrl.Activate(origin))
	}
	pr, _ := f.corr.Lookup(token)
	assert.Equal(t, origin.ID(), pr.OriginID)

	require.NoError(t, f.corr.Deliver(token, payload, OutcomeOK))
	f.ctrl.Looper().Drain()
	require.NoError(t, f.ctrl.DestroyForRecreation(origin))
	again, err := f.ctrl.Recreate("", "inbox")
	require.NoError(t, err)

	assert.Len(t, origin.Component().(*receiver).got, 1)
	assert.Empty(t, again.Component().(*receiver).got, "result delivered twice across recreation")
}

func TestSecondDeliverRejected(t *testing.T) {
	f := newFixture(t)
	origin := f.activeOrigin(t, "inbox", "inbox")
	token, err := f.corr.ExpectResult(origin.ID())
	require.NoError(t, err)

	require.NoError(t, f.corr.Deliver(token, payload, OutcomeOK))
	err = f.corr.Deliver(token, state.Bundle{}, OutcomeOK)
	assert.True(t, relayerrors.IsKind(err, relayerrors.KindValidation), "got %v", err)

	f.ctrl.Looper().Drain()
	assert.Len(t, origin.Component().(*receiver).got, 1)
}

func TestCancelBeforeDeliver(t *testing.T) {
	f := newFixture(t)
	origin := f.activeOrigin(t, "inbox", "inbox")
	token, err := f.corr.ExpectResult(origin.ID())
	require.NoError(t, err)

	require.NoError(t, f.corr.Cancel(token))
	err = f.corr.Deliver(token, payload, OutcomeOK)
	assert.True(t, relayerrors.IsKind(err, relayerrors.KindValidation), "deliver after cancel: %v", err)

	f.ctrl.Looper().Drain()
	recv := origin.Component().(*receiver)
	require.Len(t, recv.got, 1)
	assert.Equal(t, OutcomeCancelled, recv.got[0].Outcome)
	assert.True(t, recv.got[0].Payload.IsEmpty())

	pr, _ := f.corr.Lookup(token)
	assert.Equal(t, StatusCancelled, pr.Status)
}

func TestCancelCannotRetractDelivery(t *testing.T) {
	f := newFixture(t)
	origin := f.activeOrigin(t, "inbox", "inbox")
	token, err := f.corr.ExpectResult(origin.ID())
	require.NoError(t, err)

	require.NoError(t, f.corr.Deliver(token, payload, OutcomeOK))
	assert.Error(t, f.corr.Cancel(token))

	f.ctrl.Looper().Drain()
	recv := origin.Component().(*receiver)
	require.Len(t, recv.got, 1)
	assert.Equal(t, OutcomeOK, recv.got[0].Outcome)
}

func TestDeliverCancelledOutcome(t *testing.T) {
	f := newFixture(t)
	origin := f.activeOrigin(t, "inbox", "inbox")
	token, err := f.corr.ExpectResult(origin.ID())
	require.NoError(t, err)

	require.NoError(t, f.corr.Deliver(token, state.Bundle{}, OutcomeCancelled))
	f.ctrl.Looper().Drain()
	pr, _ := f.corr.Lookup(token)
	assert.Equal(t, StatusDelivered, pr.Status)
	assert.Equal(t, OutcomeCancelled, origin.Component().(*receiver).got[0].Outcome)
}

func TestDeliverToDestroyedOriginIsDiagnostic(t *testing.T) {
	diags := recordDiagnostics(t)
	f := newFixture(t)
	origin := f.activeOrigin(t, "inbox", "inbox")
	token, err := f.corr.ExpectResult(origin.ID())
	require.NoError(t, err)
	require.NoError(t, f.ctrl.Destroy(origin))

	require.NoError(t, f.corr.Deliver(token, payload, OutcomeOK))
	f.ctrl.Looper().Drain()

	require.Len(t, diags.diags, 1)
	assert.Equal(t, relayerrors.KindMissedDelivery, diags.diags[0].Kind)
	assert.Equal(t, string(token), diags.diags[0].Key)
	assert.Empty(t, origin.Component().(*receiver).got)
	assert.Zero(t, f.corr.Outstanding())
}

func TestDestroyDropsQueuedResults(t *testing.T) {
	diags := recordDiagnostics(t)
	f := newFixture(t)
	origin := f.activeOrigin(t, "inbox", "inbox")
	token, err := f.corr.ExpectResult(origin.ID())
	require.NoError(t, err)

	require.NoError(t, f.ctrl.Suspend(origin))
	require.NoError(t, f.corr.Deliver(token, payload, OutcomeOK))
	require.NoError(t, f.ctrl.Destroy(origin))

	require.Len(t, diags.diags, 1)
	assert.Equal(t, relayerrors.KindMissedDelivery, diags.diags[0].Kind)
	assert.Empty(t, origin.Component().(*receiver).got)
}

func TestSuspendedOriginGetsResultOnResume(t *testing.T) {
	f := newFixture(t)
	origin := f.activeOrigin(t, "inbox", "inbox")
	token, err := f.corr.ExpectResult(origin.ID())
	require.NoError(t, err)
	require.NoError(t, f.ctrl.Suspend(origin))

	require.NoError(t, f.corr.Deliver(token, payload, OutcomeOK))
	f.ctrl.Looper().Drain()
	recv := origin.Component().(*receiver)
	assert.Empty(t, recv.got)

	require.NoError(t, f.ctrl.Activate(origin))
	assert.Len(t, recv.got, 1)
}

func TestResultStoredForPlainComponents(t *testing.T) {
	f := newFixture(t)
	origin := f.activeOrigin(t, "plain", "plain")
	token, err := f.corr.ExpectResult(origin.ID())
	require.NoError(t, err)
	require.NoError(t, f.corr.Deliver(token, payload, OutcomeOK))
	f.ctrl.Looper().Drain()

	b, ok := origin.Store().Reserved(state.ResultKey(string(token)))
	require.True(t, ok)
	assert.Equal(t, "ok", b.String("outcome", ""))
	sub, ok := b.Sub("payload")
	require.True(t, ok)
	assert.Equal(t, "photo-7", sub.String("picked", ""))
}

func TestExpectResultNeedsLiveOrigin(t *testing.T) {
	f := newFixture(t)
	_, err := f.corr.ExpectResult("nobody")
	assert.True(t, relayerrors.IsKind(err, relayerrors.KindValidation))

	err = f.corr.Deliver("nope", payload, OutcomeOK)
	assert.True(t, relayerrors.IsKind(err, relayerrors.KindValidation))
}

func TestDeliverFromOtherGoroutine(t *testing.T) {
	f := newFixture(t)
	origin := f.activeOrigin(t, "inbox", "inbox")

	const n = 8
	tokens := make([]Token, n)
	for i := range tokens {
		var err error
		tokens[i], err = f.corr.ExpectResult(origin.ID())
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for _, tok := range tokens {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.corr.Deliver(tok, payload, OutcomeOK))
		}()
	}
	wg.Wait()

	assert.Equal(t, n, f.ctrl.Looper().Pending())
	f.ctrl.Looper().Drain()
	assert.Len(t, origin.Component().(*receiver).got, n)
	assert.Zero(t, f.corr.Outstanding())
}

func TestReply(t *testing.T) {
	f := newFixture(t)
	origin := f.activeOrigin(t, "inbox", "inbox")
	target := f.activeOrigin(t, "plain", "plain")
	token, err := f.corr.ExpectResult(origin.ID())
	require.NoError(t, err)
	target.Store().PutReserved(state.ReplyKey, ReplyBundle(token, origin.ID()))

	got, ok := ReplyToken(target)
	require.True(t, ok)
	assert.Equal(t, token, got)

	require.NoError(t, f.corr.Reply(target, payload, OutcomeOK))
	assert.Error(t, f.corr.Reply(target, payload, OutcomeOK))

	f.ctrl.Looper().Drain()
	assert.Len(t, origin.Component().(*receiver).got, 1)
}

func TestTokenStaysWithPendingOriginOnTypeConflict(t *testing.T) {
	f := newFixture(t)
	old := f.activeOrigin(t, "a", "inbox")
	require.NoError(t, old.Store().Put("draft", "secret"))
	token, err := f.corr.ExpectResult(old.ID())
	require.NoError(t, err)
	require.NoError(t, f.ctrl.DestroyForRecreation(old))

	_, err = f.ctrl.Create(nil, "a", "plain")
	assert.True(t, relayerrors.IsKind(err, relayerrors.KindDuplicateTag), "got %v", err)

	pr, _ := f.corr.Lookup(token)
	assert.Equal(t, old.ID(), pr.OriginID)
	require.NoError(t, f.corr.Deliver(token, payload, OutcomeOK))
	f.ctrl.Looper().Drain()
	pr, _ = f.corr.Lookup(token)
	assert.False(t, pr.HandedOff)

	fresh, err := f.ctrl.Recreate("", "a")
	require.NoError(t, err)
	assert.Equal(t, "inbox", fresh.Type())
	recv := fresh.Component().(*receiver)
	require.Len(t, recv.got, 1)
	assert.Equal(t, "secret", recv.draftAtDelivery[0])
}

func TestSettledTokensLeaveLiveTable(t *testing.T) {
	f := newFixture(t)
	origin := f.activeOrigin(t, "inbox", "inbox")
	token, err := f.corr.ExpectResult(origin.ID())
	require.NoError(t, err)
	require.NoError(t, f.corr.Deliver(token, payload, OutcomeOK))
	f.ctrl.Looper().Drain()

	f.corr.mu.Lock()
	live := len(f.corr.entries)
	f.corr.mu.Unlock()
	assert.Zero(t, live)

	pr, ok := f.corr.Lookup(token)
	require.True(t, ok)
	assert.Equal(t, origin.ID(), pr.OriginID)
	assert.True(t, pr.HandedOff)

	err = f.corr.Deliver(token, payload, OutcomeOK)
	assert.ErrorContains(t, err, "already delivered")
	assert.ErrorContains(t, f.corr.Cancel(token), "already delivered")
}
