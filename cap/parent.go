// Package cap is the public façade over the supervision core: the
// operations a host behaviour calls directly (Initialize, StartChild,
// StartAllChildren, RestartChild, ShutdownChild, ShutdownAll,
// ReturnChildren, UpdateChildMeta, the queries and tree-walk
// protocol) plus HandleMessage, which the host's own message-dispatch
// loop calls for every value it reads off Messages.
//
// Parent holds no lock of its own: like internal/lifecycle.Engine and
// internal/state.Store underneath it, it is built to be driven by a
// single owner task — the host behaviour, out of this package's
// scope, is responsible for calling every method here from one
// goroutine at a time and for pumping Messages into HandleMessage.
package cap

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/parentsup/parentsup/c"
	"github.com/parentsup/parentsup/internal/dispatch"
	"github.com/parentsup/parentsup/internal/lifecycle"
	"github.com/parentsup/parentsup/internal/state"
	"github.com/parentsup/parentsup/registry"
)

// ErrAlreadyInitialized is returned by Initialize when called more
// than once against the same Parent.
var ErrAlreadyInitialized = errors.New("already_initialized")

// ErrNotInitialized is returned by every other method when called
// before Initialize succeeds.
var ErrNotInitialized = errors.New("not_initialized")

// Parent is the owner-facing façade: one per supervised child set.
type Parent struct {
	name string

	initialized int32 // atomic bool; guards Initialize's idempotency check

	engine  *lifecycle.Engine
	store   state.Store
	mailbox chan dispatch.Message

	terminated     bool
	terminationErr error
}

// New creates an uninitialized Parent identified by name (used only
// in logging and wrapped error messages). Call Initialize before
// using any other method.
func New(name string) *Parent {
	return &Parent{name: name}
}

// Initialize sets up this Parent's state store, lifecycle engine and
// mailbox, and enables exit-signal trapping: from this point on every
// child exit or timeout materializes as a dispatch.Message on
// Messages rather than being handled any other way.
func (p *Parent) Initialize(opts ...Opt) error {
	if !atomic.CompareAndSwapInt32(&p.initialized, 0, 1) {
		return ErrAlreadyInitialized
	}

	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}

	p.store = state.New(state.Config{
		MaxRestarts:     o.MaxRestarts,
		MaxSeconds:      o.MaxSeconds,
		RegistryEnabled: o.RegistryEnabled,
	})
	p.mailbox = make(chan dispatch.Message, 64)

	var idx registry.Index = registry.NoopIndex{}
	var metrics *registry.Metrics
	if o.RegistryEnabled {
		metrics = registry.NewMetrics(o.MetricsRegisterer)
		idx = registry.NewMemIndex(metrics)
	}

	p.engine = &lifecycle.Engine{
		Logger:  o.Logger,
		Index:   idx,
		Metrics: metrics,
		Mailbox: p.mailbox,
	}
	return nil
}

// Messages is the receive side of this Parent's mailbox: a child's
// own goroutine posts its exit here, and an armed timeout timer posts
// here too. The host's own message-dispatch loop — deliberately left
// outside this package — ranges over this channel and calls
// HandleMessage with whatever it reads.
func (p *Parent) Messages() <-chan dispatch.Message { return p.mailbox }

// Terminated reports whether this Parent has given up — either
// because a restart-intensity ceiling was exceeded or because
// StartAllChildren failed partway through — and, if so, why.
func (p *Parent) Terminated() (bool, error) { return p.terminated, p.terminationErr }

func (p *Parent) guard() error {
	if atomic.LoadInt32(&p.initialized) == 0 {
		return ErrNotInitialized
	}
	if p.terminated {
		return p.terminationErr
	}
	return nil
}

func (p *Parent) log() *logrus.Entry {
	if p.engine == nil || p.engine.Logger == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return logrus.NewEntry(p.engine.Logger)
}

// terminateWith tears every surviving child down (in reverse startup
// order, via the same ShutdownAll the Shutdown Coordinator exposes)
// and marks this Parent as given up, recording err as the reason any
// further method call will return.
func (p *Parent) terminateWith(st state.Store, err error) {
	p.store = p.engine.ShutdownAll(st, err)
	p.terminated = true
	p.terminationErr = err
	p.log().WithError(err).Error("parent terminated")
}

// handleEscalation inspects err for the one error kind that forces a
// Parent to give up on its own (restart-intensity exceeded); anything
// else is returned unchanged for the caller to handle. This is the
// plumbing the lifecycle/restart engines deliberately leave unfinished:
// they report IntensityExceededError as a plain Go error and it is this
// façade's job to react to it by logging, shutting down and
// terminating. On escalation it returns the SupervisorRestartError that
// became this Parent's termination reason.
func (p *Parent) handleEscalation(err error) error {
	var intensity *lifecycle.IntensityExceededError
	if !errors.As(err, &intensity) {
		return err
	}
	wrapped := &SupervisorRestartError{parentName: p.name, nodeErr: intensity}
	p.terminateWith(p.store, wrapped)
	return wrapped
}

// StartChild normalizes partial into a full descriptor, then asks the
// lifecycle engine to validate and spawn it.
func (p *Parent) StartChild(ctx context.Context, partial c.PartialChildSpec) (c.PID, error) {
	if err := p.guard(); err != nil {
		return c.NilPID, err
	}
	spec, err := c.NormalizeSpec(partial)
	if err != nil {
		return c.NilPID, err
	}
	st2, pid, err := p.engine.StartChild(ctx, p.store, spec)
	if err != nil {
		return c.NilPID, err
	}
	p.store = st2
	return pid, nil
}

// StartAllChildren starts every spec in order; on the first failure,
// tear everything already
// started back down and terminate this Parent rather than leaving it
// half-started. A child-build failure is wrapped as
// SupervisorBuildError, a start-function failure as
// SupervisorStartError.
func (p *Parent) StartAllChildren(ctx context.Context, partials []c.PartialChildSpec) error {
	if err := p.guard(); err != nil {
		return err
	}

	st := p.store
	for _, partial := range partials {
		spec, nerr := c.NormalizeSpec(partial)
		if nerr != nil {
			buildErr := &SupervisorBuildError{parentName: p.name, buildNodesErr: nerr}
			p.terminateWith(st, buildErr)
			return buildErr
		}

		st2, _, serr := p.engine.StartChild(ctx, st, spec)
		if serr != nil {
			startErr := &SupervisorStartError{parentName: p.name, nodeName: string(spec.ID()), nodeErr: serr}
			p.terminateWith(st, startErr)
			return startErr
		}
		st = st2
	}

	p.store = st
	return nil
}

// RestartChild pops ref and every sibling bound to it, stops them all,
// and hands them to the restart engine with ref force-marked so it
// comes back even if it is temporary.
func (p *Parent) RestartChild(ctx context.Context, ref c.Ref, includeTemporary bool) (c.StoppedSet, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	st2, remaining, err := p.engine.RestartChild(ctx, p.store, ref, includeTemporary)
	p.store = st2
	if err != nil {
		return remaining, p.handleEscalation(err)
	}
	return remaining, nil
}

// ShutdownChild stops ref and every sibling bound to it for good, with
// no restart attempt.
func (p *Parent) ShutdownChild(ref c.Ref) error {
	if err := p.guard(); err != nil {
		return err
	}
	st2, err := p.engine.ShutdownChild(p.store, ref)
	p.store = st2
	return err
}

// ShutdownAll stops every child in reverse startup order and empties
// the state. Calling it directly does not mark this Parent as
// terminated — that is
// reserved for the escalation and StartAllChildren failure paths —
// since a host behaviour may legitimately shut everything down and
// then start a fresh batch of children on the same Parent.
func (p *Parent) ShutdownAll(reason error) error {
	if err := p.guard(); err != nil {
		return err
	}
	p.store = p.engine.ShutdownAll(p.store, reason)
	return nil
}

// ReturnChildren hands an externally supplied stopped-set (previously
// returned by one of the other manual operations) back to the restart
// engine.
func (p *Parent) ReturnChildren(ctx context.Context, set c.StoppedSet, includeTemporary bool) (c.StoppedSet, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	st2, remaining, err := p.engine.ReturnChildren(ctx, p.store, set, includeTemporary)
	p.store = st2
	if err != nil {
		return remaining, p.handleEscalation(err)
	}
	return remaining, nil
}

// UpdateChildMeta applies fn to ref's current metadata and stores the
// result back.
func (p *Parent) UpdateChildMeta(ref c.Ref, fn func(interface{}) interface{}) (interface{}, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	meta, st2, err := p.engine.UpdateChildMeta(p.store, ref, fn)
	p.store = st2
	return meta, err
}

// HandleMessage classifies msg and routes it to the lifecycle/restart
// engine, or answers a query
// synchronously. The host's message-dispatch loop calls this for
// every value read off Messages (and may also call it for messages
// from its own, non-core sources — those fall through to Unhandled).
func (p *Parent) HandleMessage(ctx context.Context, msg dispatch.Message) (dispatch.Outcome, error) {
	if err := p.guard(); err != nil {
		return dispatch.Outcome{}, err
	}

	tracked := func(pid c.PID) bool {
		_, ok := p.store.Child(c.RefByPID(pid))
		return ok
	}

	switch dispatch.Classify(msg, tracked) {
	case dispatch.ChildExit:
		st2, outcome, err := p.engine.ChildDown(ctx, p.store, msg.PID, msg.Err)
		p.store = st2
		if err != nil {
			return outcome, p.handleEscalation(err)
		}
		return outcome, nil

	case dispatch.ChildTimeout:
		st2, outcome, err := p.engine.HandleTimeout(ctx, p.store, msg.PID)
		p.store = st2
		if err != nil {
			return outcome, p.handleEscalation(err)
		}
		return outcome, nil

	case dispatch.ResumeRestart:
		st2, remaining, err := p.engine.ReturnChildren(ctx, p.store, msg.StoppedSet, msg.IncludeTemporary)
		p.store = st2
		if err != nil {
			return dispatch.Outcome{}, p.handleEscalation(err)
		}
		if len(remaining) > 0 {
			return dispatch.Outcome{StoppedChildren: remaining, HasStopped: true}, nil
		}
		return dispatch.Outcome{}, nil

	case dispatch.Query:
		val := p.answerQuery(msg)
		if msg.Reply != nil {
			msg.Reply <- val
		}
		return dispatch.Outcome{}, nil

	default:
		return dispatch.Outcome{Unhandled: true}, nil
	}
}
