package routing

import (
	"context"
	"errors"

	"github.com/go-drift/relay/pkg/core"
	relayerrors "github.com/go-drift/relay/pkg/errors"
	"github.com/go-drift/relay/pkg/manifest"
	"github.com/go-drift/relay/pkg/results"
	"github.com/go-drift/relay/pkg/state"
)

// Receiver is implemented by components that react to each message
// dispatched to them, including messages that reuse an already Active
// instance.
type Receiver interface {
	OnMessage(extras state.Bundle)
}

// Dispatch tracks one asynchronous dispatch. The target tree completes it;
// the caller is never blocked.
type Dispatch struct {
	Candidate Candidate

	token      results.Token
	done       chan struct{}
	instanceID string
	err        error
}

// Token returns the result token, or "" if the message expects no result.
// It is known as soon as Dispatch returns.
func (d *Dispatch) Token() results.Token { return d.token }

// Done is closed once the target has been activated or the dispatch failed.
func (d *Dispatch) Done() <-chan struct{} { return d.done }

// Err returns the dispatch error. It is nil until Done is closed.
func (d *Dispatch) Err() error {
	select {
	case <-d.done:
		return d.err
	default:
		return nil
	}
}

// InstanceID returns the ID of the activated target. It is empty until Done
// is closed.
func (d *Dispatch) InstanceID() string {
	select {
	case <-d.done:
		return d.instanceID
	default:
		return ""
	}
}

// Wait blocks until the dispatch completes or ctx is done and returns the
// target instance ID.
func (d *Dispatch) Wait(ctx context.Context) (string, error) {
	select {
	case <-d.done:
		return d.instanceID, d.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (d *Dispatch) finish(id string, err error) {
	d.instanceID = id
	d.err = err
	close(d.done)
}

// Dispatch enqueues desc onto the candidate's tree. On the target's owning
// context the target is obtained via RegisterOrReuse, the extras are stored
// under state.IncomingKey, the reply token under state.ReplyKey, and the
// target is activated.
//
// When the message expects a result, the token is created before the post so
// the origin can hold on to it immediately. If the dispatch fails the token is
// cancelled and the origin receives a cancellation.
func (r *Router) Dispatch(desc Descriptor, cand Candidate) *Dispatch {
	const op = "routing.Dispatch"
	d := &Dispatch{Candidate: cand, done: make(chan struct{})}

	fail := func(err error) *Dispatch {
		if d.token != "" {
			_ = r.results.Cancel(d.token)
		}
		r.metrics.ObserveDispatch(cand.Tree, err)
		d.finish("", err)
		return d
	}

	spec, ok := r.manifest.Lookup(cand.Type)
	if !ok {
		return fail(relayerrors.Newf(op, relayerrors.KindValidation, cand.Type, "unknown component type"))
	}
	if r.trees == nil {
		return fail(relayerrors.Newf(op, relayerrors.KindConfig, cand.Type, "router has no trees"))
	}
	ctrl, ok := r.trees.Controller(spec.Tree)
	if !ok {
		return fail(relayerrors.Newf(op, relayerrors.KindConfig, cand.Type, "tree %q is not running", spec.Tree))
	}
	if desc.ExpectsResult {
		if r.results == nil {
			return fail(relayerrors.Newf(op, relayerrors.KindConfig, cand.Type, "router has no result correlator"))
		}
		token, err := r.results.ExpectResult(desc.Origin)
		if err != nil {
			return fail(err)
		}
		d.token = token
	}

	tag := desc.Tag
	if tag == "" && spec.Launch == manifest.LaunchSingle {
		tag = spec.Type
	}

	posted := ctrl.Looper().Post(func() {
		id, err := r.deliver(ctrl, desc, spec.Type, tag, d.token)
		if err != nil {
			fail(err)
			return
		}
		r.metrics.ObserveDispatch(spec.Tree, nil)
		d.finish(id, nil)
	})
	if !posted {
		return fail(relayerrors.Newf(op, relayerrors.KindLifecycle, cand.Type, "tree %q is closed", spec.Tree))
	}
	return d
}

// deliver runs on the target tree's owning context.
func (r *Router) deliver(ctrl *core.Controller, desc Descriptor, typ, tag string, token results.Token) (string, error) {
	inst, err := ctrl.Create(nil, tag, typ)
	if err != nil {
		return "", err
	}
	inst.Store().PutReserved(state.IncomingKey, desc.Extras)
	if token != "" {
		inst.Store().PutReserved(state.ReplyKey, results.ReplyBundle(token, desc.Origin))
	}
	if err := ctrl.Activate(inst); err != nil {
		return "", err
	}
	if recv, ok := inst.Component().(Receiver); ok {
		if err := relayerrors.Guard("routing.Receiver.OnMessage", func() { recv.OnMessage(desc.Extras) }); err != nil {
			var re *relayerrors.RelayError
			if errors.As(err, &re) {
				re.Component = typ
				relayerrors.Report(re)
			}
		}
	}
	return inst.ID(), nil
}

// Send resolves desc and dispatches it to the most specific candidate.
func (r *Router) Send(desc Descriptor) (*Dispatch, error) {
	candidates, err := r.Resolve(desc)
	if err != nil {
		return nil, err
	}
	return r.Dispatch(desc, candidates[0]), nil
}
