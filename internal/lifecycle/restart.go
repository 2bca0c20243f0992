package lifecycle

import (
	"context"
	"sort"
	"time"

	"github.com/parentsup/parentsup/c"
	"github.com/parentsup/parentsup/internal/dispatch"
	"github.com/parentsup/parentsup/internal/state"
)

// RestartOpts configures a single call into the restart engine.
type RestartOpts struct {
	// IncludeTemporary keeps temporary descriptors in the attempt even
	// though their restart policy would otherwise drop them.
	// ForceRestart on an individual descriptor has the same effect
	// regardless of this flag.
	IncludeTemporary bool
}

// restartSet runs the restart engine against an already-stopped set
// of descriptors. It charges restart-intensity events before filtering
// or attempting anything, so even a descriptor later dropped by the
// filter still counts against the parent-wide ceiling.
//
// On success every descriptor in set is back and the returned
// StoppedSet is empty. On a mid-sequence start failure the remainder
// is abandoned, anything already restarted that now depends on a
// still-stopped sibling is torn back down, and a resume_restart
// message carrying the full remaining set is posted to the mailbox so
// the owner's next mailbox cycle retries it.
func (eng *Engine) restartSet(ctx context.Context, st state.Store, set c.StoppedSet, opts RestartOpts) (state.Store, c.StoppedSet, error) {
	if len(set) == 0 {
		return st, nil, nil
	}

	now := nowFunc()
	st.RestartEvents = chargeWindow(st.RestartEvents, now, st.Config.MaxSeconds)
	if st.Config.MaxRestarts != c.InfinityN && len(st.RestartEvents) > st.Config.MaxRestarts {
		if eng.Metrics != nil {
			eng.Metrics.IncEscalations()
		}
		return st, set, &IntensityExceededError{Scope: "parent"}
	}

	children := set.Children()
	for i := range children {
		ch := &children[i]
		ch.RestartEvents = chargeWindow(ch.RestartEvents, now, ch.Spec.MaxSeconds())
		if ch.Spec.MaxRestarts() != c.InfinityN && len(ch.RestartEvents) > ch.Spec.MaxRestarts() {
			if eng.Metrics != nil {
				eng.Metrics.IncEscalations()
			}
			return st, c.NewStoppedSet(children), &IntensityExceededError{Scope: "child", Child: ch.Spec.ID()}
		}
	}
	if eng.Metrics != nil {
		eng.Metrics.IncRestarts()
	}

	filtered := make([]c.Child, 0, len(children))
	for _, ch := range children {
		if ch.Spec.Restart() == c.Temporary && !ch.ForceRestart && !opts.IncludeTemporary {
			continue
		}
		filtered = append(filtered, ch)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].StartupIndex < filtered[j].StartupIndex })

	for i, ch := range filtered {
		if err := eng.validate(st, ch.Spec); err != nil {
			return eng.abandonRemainder(st, filtered[i:], opts)
		}
		st2, _, err := eng.startSpec(ctx, st, ch.Spec, ch.StartupIndex, ch.Meta, ch.RestartEvents)
		if err != nil {
			return eng.abandonRemainder(st, filtered[i:], opts)
		}
		st = st2
	}
	return st, nil, nil
}

// abandonRemainder leaves the descriptors from the failed one onward
// stopped, tears back down anything already restarted that binds to
// one of them so no live child is left depending on a stopped one,
// and queues a resume_restart message carrying everything still
// stopped for the owner to retry.
func (eng *Engine) abandonRemainder(st state.Store, notRestarted []c.Child, opts RestartOpts) (state.Store, c.StoppedSet, error) {
	remaining := c.NewStoppedSet(notRestarted)
	st2, orphaned := eng.stopOrphanedBindings(st, remaining)
	for k, v := range orphaned {
		remaining[k] = v
	}

	if eng.Mailbox != nil {
		eng.Mailbox <- dispatch.Message{
			Kind:             dispatch.ResumeRestart,
			StoppedSet:       remaining,
			IncludeTemporary: opts.IncludeTemporary,
		}
	}
	return st2, remaining, nil
}

// stopOrphanedBindings finds every live child (transitively) bound to
// one of stopped's members and stops it too, since every live child's
// binds_to targets must themselves be either live or pid=none. It
// loops to a fixed point because stopping one live child can itself
// orphan another.
func (eng *Engine) stopOrphanedBindings(st state.Store, stopped c.StoppedSet) (state.Store, c.StoppedSet) {
	newlyStopped := c.StoppedSet{}
	for {
		var victim *c.Child
		for _, live := range st.Children() {
			for _, dep := range live.Spec.BindsTo() {
				if refInSet(dep, stopped) || refInSet(dep, newlyStopped) {
					v := live
					victim = &v
					break
				}
			}
			if victim != nil {
				break
			}
		}
		if victim == nil {
			return st, newlyStopped
		}

		popped, st2 := state.PopWithBoundSiblings(st, victim.Ref())
		st = st2
		eng.stopSet(popped, ErrShutdown)
		for _, p := range popped {
			p.ExitReason = ErrShutdown
			newlyStopped[p.RuntimeID()] = p
		}
	}
}

func refInSet(ref c.Ref, set c.StoppedSet) bool {
	for _, ch := range set {
		if ref.ByPID() {
			if ref.PID() == ch.PID {
				return true
			}
			continue
		}
		if !ch.Spec.ID().IsZero() && ref.ID() == ch.Spec.ID() {
			return true
		}
	}
	return false
}

// chargeWindow appends now to events and drops everything that fell
// out of the trailing window: restart events older than max_seconds
// are dropped from the ring before the count is compared.
func chargeWindow(events []time.Time, now time.Time, window time.Duration) []time.Time {
	events = append(events, now)
	cutoff := now.Add(-window)
	kept := events[:0:0]
	for _, t := range events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// nowFunc is a var, not a direct time.Now() call, purely so tests can
// fake the clock when exercising the intensity ceiling without
// actually sleeping max_seconds.
var nowFunc = time.Now
