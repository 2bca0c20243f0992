// Package lifecycle implements the lifecycle and restart engines:
// starting a child, the synchronous stop protocol, reacting to a
// child going down, and the manual operations that sit above both
// (RestartChild, ShutdownChild, ShutdownAll, ReturnChildren,
// UpdateChildMeta).
//
// Engine holds no state of its own beyond its collaborators (logger,
// discovery index, metrics, mailbox). Every method takes the current
// state.Store by value and returns the next one, mirroring the pure
// functional contract that package implements; this is the layer that
// actually spawns and tears down goroutines around that contract.
package lifecycle

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/parentsup/parentsup/c"
	"github.com/parentsup/parentsup/internal/dispatch"
	"github.com/parentsup/parentsup/internal/state"
	"github.com/parentsup/parentsup/registry"
)

// Engine is the lifecycle/restart engine. It is safe to use from a
// single goroutine only — the owner task — exactly like the rest of
// the core, and holds no internal lock.
type Engine struct {
	Logger  *logrus.Logger
	Index   registry.Index
	Metrics *registry.Metrics

	// Mailbox is the send side of the owner's single message queue.
	// The lifecycle engine posts onto it from two places: a child's
	// background goroutine reporting its own exit, and an armed
	// timer's callback reporting that a child overran its Timeout.
	Mailbox chan<- dispatch.Message
}

func (eng *Engine) log() *logrus.Entry {
	if eng.Logger == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return logrus.NewEntry(eng.Logger)
}

// StartChild runs the full validation ladder against spec and, if it
// passes, spawns and registers the child.
func (eng *Engine) StartChild(ctx context.Context, st state.Store, spec c.ChildSpec) (state.Store, c.PID, error) {
	if err := eng.validate(st, spec); err != nil {
		return st, c.NilPID, err
	}
	return eng.startSpec(ctx, st, spec, 0, nil, nil)
}

// validate runs the id/binding/shutdown-group checks against the
// current state, without spawning anything. It is re-run for every
// restart attempt too, since a sibling it binds to may have failed to
// come back in the meantime.
func (eng *Engine) validate(st state.Store, spec c.ChildSpec) error {
	if looksLikeAPID(spec.ID()) {
		return &InvalidChildIDError{ID: spec.ID()}
	}
	if !spec.ID().IsZero() {
		if existing, ok := st.Child(c.RefByID(spec.ID())); ok {
			return &AlreadyStartedError{PID: existing.PID}
		}
	}

	var missing []c.Ref
	for _, dep := range spec.BindsTo() {
		if !st.Exists(dep) {
			missing = append(missing, dep)
		}
	}
	if len(missing) > 0 {
		return &MissingDepsError{Refs: missing}
	}

	var forbidden []c.Ref
	for _, dep := range spec.BindsTo() {
		depChild, _ := st.Child(dep)
		if depChild.Spec.Restart().Strength() < spec.Restart().Strength() {
			forbidden = append(forbidden, dep)
		}
	}
	if len(forbidden) > 0 {
		return &ForbiddenBindingsError{From: spec.ID(), To: forbidden}
	}

	if spec.HasShutdownGroup() {
		for _, member := range st.ChildrenInGroup(spec.ShutdownGroup()) {
			if member.Spec.Restart() != spec.Restart() {
				return &NonUniformShutdownGroupError{Group: spec.ShutdownGroup()}
			}
		}
	}
	return nil
}

// looksLikeAPID rejects a caller-chosen id that would be
// indistinguishable from the PID-derived fallback RuntimeID uses for
// anonymous children: a string that itself parses as a UUID.
func looksLikeAPID(id c.ID) bool {
	if id.IsZero() {
		return false
	}
	_, err := uuid.Parse(string(id))
	return err == nil
}

// startSpec spawns spec's goroutine and, on success, registers it at
// presetIndex (0 means "allocate the next one") with meta and the
// per-child restart-intensity ring (restartEvents) preserved across
// the restart. This is the shared tail of both StartChild (a fresh
// child, restartEvents always nil) and the restart engine's
// per-descriptor attempt (restartEvents carries forward everything
// charged against this child so far).
func (eng *Engine) startSpec(ctx context.Context, st state.Store, spec c.ChildSpec, presetIndex uint64, meta interface{}, restartEvents []time.Time) (state.Store, c.PID, error) {
	pid, down, cancel, ignore, err := eng.spawn(ctx, spec)
	if err != nil {
		return st, c.NilPID, err
	}

	if ignore {
		if !spec.KeepIgnored() {
			return st, c.NilPID, nil
		}
		ch := c.Child{Spec: spec, PID: c.NilPID, Meta: meta, StartupIndex: presetIndex, RestartEvents: restartEvents}
		return state.Register(st, ch), c.NilPID, nil
	}

	ch := c.Child{
		Spec:          spec,
		PID:           pid,
		Meta:          meta,
		StartupIndex:  presetIndex,
		RestartEvents: restartEvents,
		Cancel:        cancel,
		Down:          down,
	}
	if !c.IsInfinite(spec.Timeout()) {
		ch.Timer = time.AfterFunc(spec.Timeout(), func() {
			eng.Mailbox <- dispatch.Message{Kind: dispatch.ChildTimeout, PID: pid}
		})
		ch.TimerArmed = true
	}

	st2 := state.Register(st, ch)
	if eng.Index != nil {
		eng.Index.Register(pid, ch)
	}
	eng.log().WithFields(logrus.Fields{"id": string(spec.ID()), "pid": pid.String()}).Debug("child started")
	return st2, pid, nil
}

// spawn runs spec's start function in its own goroutine and blocks
// until it either reports readiness (or failure/ignore) via notify,
// or ctx is cancelled first. The returned down channel is this
// child's private monitor: buffered 1, fed exactly once, read only by
// whoever synchronously stops the child later.
func (eng *Engine) spawn(ctx context.Context, spec c.ChildSpec) (pid c.PID, down chan c.DownMsg, cancel context.CancelFunc, ignore bool, err error) {
	childCtx, cancel := context.WithCancel(ctx)
	pid = c.NewPID()
	notifyCh := make(chan error, 1)
	down = make(chan c.DownMsg, 1)

	var once sync.Once
	notify := func(startErr error) {
		once.Do(func() { notifyCh <- startErr })
	}

	go func() {
		startErr := spec.Start()(childCtx, notify)
		once.Do(func() { notifyCh <- startErr })
		select {
		case down <- c.DownMsg{PID: pid, Err: startErr}:
		default:
		}
		if eng.Mailbox != nil {
			eng.Mailbox <- dispatch.Message{Kind: dispatch.ChildExit, PID: pid, Err: startErr}
		}
	}()

	select {
	case startErr := <-notifyCh:
		if startErr != nil {
			cancel()
			if errors.Is(startErr, c.ErrIgnore) {
				return pid, down, cancel, true, nil
			}
			return c.NilPID, nil, cancel, false, startErr
		}
		return pid, down, cancel, false, nil
	case <-ctx.Done():
		cancel()
		return c.NilPID, nil, cancel, false, ctx.Err()
	}
}

// stopOne runs the synchronous stop protocol against a single,
// already-live child, unregistering it from the discovery index first
// so no caller can look up a pid that is about to stop existing.
// stopOne does not use reason: callers record ExitReason on their own
// copies of the descriptor. Go has no channel for threading a reason
// into a goroutine's context, so the child itself only ever observes
// ctx.Done().
func (eng *Engine) stopOne(ch c.Child, reason error) {
	if ch.Timer != nil {
		ch.Timer.Stop()
	}
	if ch.IsIgnored() || ch.Cancel == nil {
		return
	}
	if eng.Index != nil {
		eng.Index.Unregister(ch.PID)
	}

	ch.Cancel()

	shutdown := ch.Spec.Shutdown()
	if shutdown.IsBrutal() || shutdown.IsInfinite() {
		<-ch.Down
		return
	}

	select {
	case <-ch.Down:
	case <-time.After(shutdown.Duration()):
		eng.log().WithField("id", ch.RuntimeID()).Warn("child did not stop within its shutdown budget; it may still be running")
		<-ch.Down
	}
}

// stopSet stops every descriptor in children, in descending
// StartupIndex order: bound siblings stop in reverse startup order.
func (eng *Engine) stopSet(children []c.Child, reason error) {
	sorted := append([]c.Child(nil), children...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartupIndex > sorted[j].StartupIndex })
	for _, ch := range sorted {
		eng.stopOne(ch, reason)
	}
}

// HandleTimeout kills an overrunning child unconditionally (no grace
// period at all, regardless of its own Shutdown setting) and processes
// the resulting down event with reason ErrTimeout rather than whatever
// the start function itself eventually returns.
func (eng *Engine) HandleTimeout(ctx context.Context, st state.Store, pid c.PID) (state.Store, dispatch.Outcome, error) {
	ch, ok := st.Child(c.RefByPID(pid))
	if !ok {
		return st, dispatch.Outcome{Unhandled: true}, nil
	}
	if ch.Timer != nil {
		ch.Timer.Stop()
	}
	if ch.Cancel != nil {
		ch.Cancel()
	}
	if ch.Down != nil {
		<-ch.Down
	}
	return eng.ChildDown(ctx, st, pid, ErrTimeout)
}

// ChildDown handles a tracked child going down, cooperatively or
// otherwise, with the given reason (nil = normal exit). Every sibling
// bound to it (transitively, including shutdown
// group mates) is pulled down with it; what happens next depends on
// whether the child that actually died auto-restarts.
func (eng *Engine) ChildDown(ctx context.Context, st state.Store, pid c.PID, reason error) (state.Store, dispatch.Outcome, error) {
	ch, ok := st.Child(c.RefByPID(pid))
	if !ok {
		return st, dispatch.Outcome{Unhandled: true}, nil
	}
	if ch.Timer != nil {
		ch.Timer.Stop()
	}
	if eng.Index != nil {
		// The dying child itself never goes through stopOne (it already
		// exited on its own), so it needs its own explicit Unregister;
		// every sibling pulled down below gets theirs from stopOne.
		eng.Index.Unregister(pid)
	}

	popped, st2 := state.PopWithBoundSiblings(st, c.RefByPID(pid))

	var originating *c.Child
	for i := range popped {
		if popped[i].PID == pid {
			popped[i].ExitReason = reason
			originating = &popped[i]
		} else {
			popped[i].ExitReason = ErrShutdown
		}
	}

	siblings := make([]c.Child, 0, len(popped))
	for _, p := range popped {
		if p.PID != pid {
			siblings = append(siblings, p)
		}
	}
	eng.stopSet(siblings, ErrShutdown)

	restart := originating != nil && shouldAutoRestart(originating.Spec.Restart(), reason)
	if !restart {
		return st2, dispatch.Outcome{StoppedChildren: c.NewStoppedSet(popped), HasStopped: true}, nil
	}

	st3, remaining, err := eng.restartSet(ctx, st2, c.NewStoppedSet(popped), RestartOpts{IncludeTemporary: false})
	if err != nil {
		return st3, dispatch.Outcome{}, err
	}
	if len(remaining) > 0 {
		return st3, dispatch.Outcome{StoppedChildren: remaining, HasStopped: true}, nil
	}
	return st3, dispatch.Outcome{}, nil
}

// shouldAutoRestart implements the restart_policy decision table:
// permanent always comes back; transient only on an abnormal exit;
// with_dep and temporary never restart themselves.
func shouldAutoRestart(policy c.RestartPolicy, reason error) bool {
	switch policy {
	case c.Permanent:
		return true
	case c.Transient:
		return reason != nil
	default:
		return false
	}
}

// RestartChild implements the manual restart operation: pop ref and
// every sibling bound to it, stop them all, then hand the set to the
// restart engine with ref's own descriptor force-marked so it
// restarts even if it is temporary.
func (eng *Engine) RestartChild(ctx context.Context, st state.Store, ref c.Ref, includeTemporary bool) (state.Store, c.StoppedSet, error) {
	target, ok := st.Child(ref)
	if !ok {
		return st, nil, ErrChildNotFound
	}

	popped, st2 := state.PopWithBoundSiblings(st, ref)
	eng.stopSet(popped, ErrShutdown)

	targetRuntimeID := target.RuntimeID()
	for i := range popped {
		popped[i].ExitReason = ErrShutdown
		if popped[i].RuntimeID() == targetRuntimeID {
			popped[i].ForceRestart = true
		}
	}

	return eng.restartSet(ctx, st2, c.NewStoppedSet(popped), RestartOpts{IncludeTemporary: includeTemporary})
}

// ShutdownChild stops ref and every sibling bound to it for good,
// dropping them with no restart attempt of any kind.
func (eng *Engine) ShutdownChild(st state.Store, ref c.Ref) (state.Store, error) {
	if !st.Exists(ref) {
		return st, ErrChildNotFound
	}
	popped, st2 := state.PopWithBoundSiblings(st, ref)
	eng.stopSet(popped, ErrShutdown)
	return st2, nil
}

// ShutdownAll stops every child, in reverse startup order, and
// reinitializes the store to empty.
// A normal (nil) reason is mapped to ErrShutdown so a plain exit
// reason never leaks out as a forced-stop reason.
func (eng *Engine) ShutdownAll(st state.Store, reason error) state.Store {
	mapped := reason
	if mapped == nil {
		mapped = ErrShutdown
	}
	eng.stopSet(st.Children(), mapped)
	if eng.Index != nil {
		eng.Index.Init()
	}
	return state.Reinitialize(st)
}

// ReturnChildren hands an externally supplied stopped-set straight to
// the restart engine.
func (eng *Engine) ReturnChildren(ctx context.Context, st state.Store, set c.StoppedSet, includeTemporary bool) (state.Store, c.StoppedSet, error) {
	return eng.restartSet(ctx, st, set, RestartOpts{IncludeTemporary: includeTemporary})
}

// UpdateChildMeta applies fn to ref's current metadata and stores the
// result back, propagating it to the discovery index too.
func (eng *Engine) UpdateChildMeta(st state.Store, ref c.Ref, fn func(interface{}) interface{}) (interface{}, state.Store, error) {
	newMeta, st2, ok := state.UpdateMeta(st, ref, fn)
	if !ok {
		return nil, st, ErrChildNotFound
	}
	if eng.Index != nil {
		eng.Index.UpdateMeta(ref, newMeta)
	}
	return newMeta, st2, nil
}
