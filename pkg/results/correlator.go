// Package results correlates outstanding requests with the results that
// answer them.
//
// A Correlator hands every result to its origin at most once. The origin is
// tracked through lifecycle events rather than by handle: when the origin is
// torn down for recreation, ownership of its tokens moves to the replacement
// registered under the same tag key, and queued results are handed over once
// the replacement has restored its state.
package results

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/go-drift/relay/pkg/core"
	relayerrors "github.com/go-drift/relay/pkg/errors"
	"github.com/go-drift/relay/pkg/metrics"
	"github.com/go-drift/relay/pkg/state"
)

// Token identifies one expected result.
type Token string

// Status is the delivery status of a token.
type Status int

const (
	StatusPending Status = iota
	StatusDelivered
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDelivered:
		return "delivered"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Outcome tells the origin whether the request completed.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeCancelled
)

func (o Outcome) String() string {
	if o == OutcomeCancelled {
		return "cancelled"
	}
	return "ok"
}

// Result is what an origin receives.
type Result struct {
	Token   Token
	Outcome Outcome
	Payload state.Bundle
}

// Receiver is implemented by components that take results directly. Results
// for other components are stored in their State Store under
// state.ResultKey(token).
type Receiver interface {
	OnResult(r Result)
}

// PendingResult is a snapshot of one token's bookkeeping.
type PendingResult struct {
	Token    Token
	OriginID string
	Status   Status
	Outcome  Outcome
	Payload  state.Bundle
	// HandedOff reports whether the origin has received it.
	HandedOff bool
}

// SettledWindow bounds how many handed-off tokens are remembered. A settled
// token is removed from the live table and kept only as a tombstone, so
// Lookup and the "already delivered" rejection keep working for recent
// tokens. Older tokens are simply unknown, which Deliver and Cancel also
// reject.
const SettledWindow = 4096

type tombstone struct {
	owner   string
	status  Status
	outcome Outcome
}

type entry struct {
	token   Token
	owner   string
	status  Status
	outcome Outcome
	payload state.Bundle
	handed  bool
}

type origin struct {
	tree  string
	state core.LifecycleState
}

// Correlator tracks result tokens for every tree of a host. It is safe for
// concurrent use; handoffs always run on the origin tree's owning context.
type Correlator struct {
	mu      sync.Mutex
	trees   map[string]*core.Controller
	origins map[string]*origin
	entries map[Token]*entry
	byOwner map[string][]Token
	settled *lru.Cache[Token, tombstone]
	unsubs  []func()
	metrics *metrics.Metrics
}

// New creates a correlator. m may be nil.
func New(m *metrics.Metrics) *Correlator {
	settled, _ := lru.New[Token, tombstone](SettledWindow)
	return &Correlator{
		settled: settled,
		trees:   make(map[string]*core.Controller),
		origins: make(map[string]*origin),
		entries: make(map[Token]*entry),
		byOwner: make(map[string][]Token),
		metrics: m,
	}
}

// Attach starts tracking the instances of a tree. Call it from the tree's
// owning context, before the tree is shared.
func (c *Correlator) Attach(ctrl *core.Controller) {
	c.mu.Lock()
	c.trees[ctrl.Tree()] = ctrl
	for _, inst := range ctrl.Registry().Instances() {
		c.origins[inst.ID()] = &origin{tree: ctrl.Tree(), state: inst.State()}
	}
	c.unsubs = append(c.unsubs, ctrl.AddHandler(c.observe))
	c.mu.Unlock()
}

// Close stops observing every attached tree.
func (c *Correlator) Close() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

// ExpectResult creates a pending token owned by originID. The token stays
// bound to the origin's identity across its suspend and recreation.
func (c *Correlator) ExpectResult(originID string) (Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.origins[originID]
	if !ok || !o.state.Live() {
		return "", relayerrors.Newf("results.ExpectResult", relayerrors.KindValidation, "", "origin %q is not a live instance", originID)
	}
	token := Token(uuid.NewString())
	c.entries[token] = &entry{token: token, owner: originID}
	c.byOwner[originID] = append(c.byOwner[originID], token)
	c.updatePending()
	return token, nil
}

// Deliver commits the result for token and schedules its handoff on the
// origin's owning context. It never blocks on the origin. A token that was
// already delivered or cancelled is rejected. A result for an origin that was
// finally destroyed is dropped with a MissedDelivery diagnostic, not an error.
func (c *Correlator) Deliver(token Token, payload state.Bundle, outcome Outcome) error {
	const op = "results.Deliver"
	c.mu.Lock()
	e, ok := c.entries[token]
	if !ok {
		err := c.unknown(op, token)
		c.mu.Unlock()
		c.metrics.ObserveResult(metrics.ResultRejected)
		return err
	}
	if e.status != StatusPending {
		status := e.status
		c.mu.Unlock()
		c.metrics.ObserveResult(metrics.ResultRejected)
		return relayerrors.Newf(op, relayerrors.KindValidation, "", "token %s already %s", token, status)
	}
	e.status = StatusDelivered
	e.outcome = outcome
	e.payload = payload
	c.mu.Unlock()

	c.schedule(op, token)
	return nil
}

// Cancel withdraws a pending token. The origin, if alive, receives a
// cancellation instead of a payload, and any later Deliver is rejected.
// Cancel cannot retract a committed delivery.
func (c *Correlator) Cancel(token Token) error {
	const op = "results.Cancel"
	c.mu.Lock()
	e, ok := c.entries[token]
	if !ok {
		err := c.unknown(op, token)
		c.mu.Unlock()
		return err
	}
	if e.status != StatusPending {
		status := e.status
		c.mu.Unlock()
		return relayerrors.Newf(op, relayerrors.KindValidation, "", "token %s already %s", token, status)
	}
	e.status = StatusCancelled
	e.outcome = OutcomeCancelled
	c.mu.Unlock()

	c.schedule(op, token)
	return nil
}

// Lookup returns the bookkeeping for token.
func (c *Correlator) Lookup(token Token) (PendingResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[token]
	if !ok {
		if ts, settled := c.settled.Peek(token); settled {
			return PendingResult{Token: token, OriginID: ts.owner, Status: ts.status, Outcome: ts.outcome, HandedOff: true}, true
		}
		return PendingResult{}, false
	}
	return PendingResult{
		Token:     e.token,
		OriginID:  e.owner,
		Status:    e.status,
		Outcome:   e.outcome,
		Payload:   e.payload,
		HandedOff: e.handed,
	}, true
}

// Outstanding returns the number of tokens not yet handed off.
func (c *Correlator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outstanding()
}

func (c *Correlator) outstanding() int {
	n := 0
	for _, e := range c.entries {
		if !e.handed {
			n++
		}
	}
	return n
}

func (c *Correlator) updatePending() {
	c.metrics.SetPending(c.outstanding())
}

// schedule posts the handoff of token to its origin's looper.
func (c *Correlator) schedule(op string, token Token) {
	c.mu.Lock()
	e, live := c.entries[token]
	if !live {
		// Already handed off by a lifecycle event on the origin's tree.
		c.mu.Unlock()
		return
	}
	o, ok := c.origins[e.owner]
	var ctrl *core.Controller
	if ok {
		ctrl = c.trees[o.tree]
	}
	c.mu.Unlock()

	if ctrl == nil || !ctrl.Looper().Post(func() { c.handoff(token) }) {
		c.drop(op, token)
	}
}

// handoff runs on the origin's owning context. Results for an origin that is
// not yet able to observe them stay queued until the lifecycle event that
// makes it able.
func (c *Correlator) handoff(token Token) {
	c.mu.Lock()
	e, ok := c.entries[token]
	if !ok || e.handed || e.status == StatusPending {
		c.mu.Unlock()
		return
	}
	o, ok := c.origins[e.owner]
	if !ok {
		c.mu.Unlock()
		c.drop("results.handoff", token)
		return
	}
	if o.state != core.StateActive && o.state != core.StateRecreated {
		c.mu.Unlock()
		return
	}
	ctrl := c.trees[o.tree]
	inst, ok := ctrl.Instance(e.owner)
	if !ok {
		c.mu.Unlock()
		c.drop("results.handoff", token)
		return
	}
	c.take(e)
	r := Result{Token: token, Outcome: e.outcome, Payload: e.payload}
	c.mu.Unlock()

	if e.status == StatusCancelled {
		c.metrics.ObserveResult(metrics.ResultCancelled)
	} else {
		c.metrics.ObserveResult(metrics.ResultDelivered)
	}
	c.give(inst, r)
}

// take marks e handed off, releases it from its owner and moves it from the
// live table to the settled tombstones. Callers hold c.mu.
func (c *Correlator) take(e *entry) {
	e.handed = true
	c.byOwner[e.owner] = slices.DeleteFunc(c.byOwner[e.owner], func(t Token) bool { return t == e.token })
	if len(c.byOwner[e.owner]) == 0 {
		delete(c.byOwner, e.owner)
	}
	delete(c.entries, e.token)
	c.settled.Add(e.token, tombstone{owner: e.owner, status: e.status, outcome: e.outcome})
	c.updatePending()
}

// unknown builds the rejection for a token missing from the live table.
// Callers hold c.mu.
func (c *Correlator) unknown(op string, token Token) error {
	if ts, ok := c.settled.Peek(token); ok {
		return relayerrors.Newf(op, relayerrors.KindValidation, "", "token %s already %s", token, ts.status)
	}
	return relayerrors.Newf(op, relayerrors.KindValidation, "", "unknown token %s", token)
}

func (c *Correlator) give(inst *core.Instance, r Result) {
	if recv, ok := inst.Component().(Receiver); ok {
		if err := relayerrors.Guard("results.Receiver.OnResult", func() { recv.OnResult(r) }); err != nil {
			var re *relayerrors.RelayError
			if errors.As(err, &re) {
				re.Component = inst.Type()
				relayerrors.Report(re)
			}
		}
		return
	}
	b := state.MustBundle(map[string]any{
		"outcome": r.Outcome.String(),
		"payload": r.Payload,
	})
	inst.Store().PutReserved(state.ResultKey(string(r.Token)), b)
}

func (c *Correlator) drop(op string, token Token) {
	c.mu.Lock()
	e, ok := c.entries[token]
	if !ok || e.handed {
		c.mu.Unlock()
		return
	}
	owner := e.owner
	c.take(e)
	e.payload = state.Bundle{}
	c.mu.Unlock()

	c.metrics.ObserveResult(metrics.ResultMissed)
	relayerrors.Diagnose(&relayerrors.Diagnostic{
		Op:         op,
		Kind:       relayerrors.KindMissedDelivery,
		InstanceID: owner,
		Key:        string(token),
		Err:        fmt.Errorf("origin %s is gone", owner),
	})
}

// observe follows lifecycle events. It runs on the owning context of the tree
// that emitted ev, which is also where that tree's handoffs run.
func (c *Correlator) observe(ev core.Event) {
	id := ev.Instance.ID()
	var ready, missed []Token

	c.mu.Lock()
	switch ev.To {
	case core.StateDestroyed:
		delete(c.origins, id)
		for _, t := range c.byOwner[id] {
			if c.entries[t].status != StatusPending {
				missed = append(missed, t)
			}
		}
	case core.StateRecreated:
		c.origins[id] = &origin{tree: ev.Tree, state: ev.To}
		if ev.Previous != "" {
			c.transfer(ev.Previous, id)
		}
		ready = c.queued(id)
	default:
		o, ok := c.origins[id]
		if !ok {
			o = &origin{tree: ev.Tree}
			c.origins[id] = o
		}
		o.state = ev.To
		if ev.To == core.StateActive {
			ready = c.queued(id)
		}
	}
	c.mu.Unlock()

	for _, t := range missed {
		c.drop("results.observe", t)
	}
	for _, t := range ready {
		c.handoff(t)
	}
}

// transfer moves ownership of every token from the torn-down instance to its
// replacement. Callers hold c.mu.
func (c *Correlator) transfer(from, to string) {
	tokens := c.byOwner[from]
	delete(c.byOwner, from)
	delete(c.origins, from)
	for _, t := range tokens {
		c.entries[t].owner = to
	}
	c.byOwner[to] = append(c.byOwner[to], tokens...)
}

// queued returns the committed tokens owned by id awaiting handoff. Callers
// hold c.mu.
func (c *Correlator) queued(id string) []Token {
	var out []Token
	for _, t := range c.byOwner[id] {
		if e := c.entries[t]; !e.handed && e.status != StatusPending {
			out = append(out, t)
		}
	}
	return out
}
