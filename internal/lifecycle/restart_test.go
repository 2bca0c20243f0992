package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parentsup/parentsup/c"
	"github.com/parentsup/parentsup/internal/chaos"
	"github.com/parentsup/parentsup/internal/dispatch"
	"github.com/parentsup/parentsup/internal/state"
)

func TestRestartSetEscalatesOnParentWideIntensity(t *testing.T) {
	eng, _ := newTestEngine()
	st := state.New(state.Config{MaxRestarts: 1, MaxSeconds: time.Minute})

	spec := mustSpec(t, c.PartialChildSpec{ID: "flappy", RestartPolicy: policyPtr(c.Permanent), Start: blockingStart()})
	st, pid, err := eng.StartChild(context.Background(), st, spec)
	require.NoError(t, err)

	// First crash: one restart event charged, within the ceiling of 1.
	st, _, err = eng.ChildDown(context.Background(), st, pid, errors.New("crash 1"))
	require.NoError(t, err)

	ch, ok := st.Child(c.RefByID("flappy"))
	require.True(t, ok)

	// Second crash: charging a second event exceeds max_restarts=1.
	_, _, err = eng.ChildDown(context.Background(), st, ch.PID, errors.New("crash 2"))
	var intensity *IntensityExceededError
	require.True(t, errors.As(err, &intensity))
	assert.Equal(t, "parent", intensity.Scope)
}

func TestRestartSetEscalatesOnPerChildIntensity(t *testing.T) {
	eng, _ := newTestEngine()
	st := state.New(state.Config{MaxRestarts: c.InfinityN, MaxSeconds: time.Minute})

	maxRestarts := 1
	spec := mustSpec(t, c.PartialChildSpec{
		ID: "brittle", RestartPolicy: policyPtr(c.Permanent), Start: blockingStart(), MaxRestarts: &maxRestarts,
	})
	st, pid, err := eng.StartChild(context.Background(), st, spec)
	require.NoError(t, err)

	st, _, err = eng.ChildDown(context.Background(), st, pid, errors.New("crash 1"))
	require.NoError(t, err)

	ch, ok := st.Child(c.RefByID("brittle"))
	require.True(t, ok)

	_, _, err = eng.ChildDown(context.Background(), st, ch.PID, errors.New("crash 2"))
	var intensity *IntensityExceededError
	require.True(t, errors.As(err, &intensity))
	assert.Equal(t, "child", intensity.Scope)
	assert.Equal(t, c.ID("brittle"), intensity.Child)
}

func TestRestartSetAbandonsRemainderOnMidSequenceFailureAndQueuesResumeRestart(t *testing.T) {
	eng, mailbox := newTestEngine()
	st := state.New(state.Config{MaxRestarts: c.InfinityN, MaxSeconds: time.Minute})

	leaderSpec := mustSpec(t, c.PartialChildSpec{
		ID: "p1", RestartPolicy: policyPtr(c.Permanent),
		Start: func(ctx context.Context, notify c.NotifyStartFn) error {
			notify(nil)
			return nil
		},
	})
	st, leaderPID, err := eng.StartChild(context.Background(), st, leaderSpec)
	require.NoError(t, err)

	inj := chaos.NewInjector()
	injCtx, injCancel := context.WithCancel(context.Background())
	defer injCancel()
	go inj.Run(injCtx)

	followerBase := func(ctx context.Context, notify c.NotifyStartFn) error {
		notify(nil)
		<-ctx.Done()
		return nil
	}
	followerSpec := mustSpec(t, c.PartialChildSpec{
		ID: "p2", RestartPolicy: policyPtr(c.Permanent), BindsTo: []c.Ref{c.RefByID("p1")},
		Start: inj.Wrap("p2", followerBase),
	})
	st, _, err = eng.StartChild(context.Background(), st, followerSpec)
	require.NoError(t, err)

	// p2's initial start above went through unsabotaged (no plan was
	// registered yet). Now arm the injector to fail exactly p2's next
	// attempt, which is the restart the leader's crash is about to
	// trigger.
	require.NoError(t, inj.InsertPlan(injCtx, "p2", 1))

	// p1 crashes; the restart engine restarts p1 (ascending startup
	// index) then attempts p2, whose first restart attempt fails.
	st2, outcome, err := eng.ChildDown(context.Background(), st, leaderPID, errors.New("p1 crashed"))
	require.NoError(t, err)
	require.True(t, outcome.HasStopped)
	require.Contains(t, outcome.StoppedChildren, "p2")

	// p1 binds to nothing, so its own successful restart is unaffected
	// by p2 (which binds to p1) failing its restart attempt.
	_, ok := st2.Child(c.RefByID("p1"))
	assert.True(t, ok, "p1 does not depend on p2, so it should survive p2's failed restart")
	_, ok = st2.Child(c.RefByID("p2"))
	assert.False(t, ok, "p2 should remain stopped pending the deferred retry")

	found := false
	for !found {
		select {
		case msg := <-mailbox:
			if msg.Kind == dispatch.ResumeRestart {
				assert.Contains(t, msg.StoppedSet, "p2")
				found = true
			}
		case <-time.After(time.Second):
			t.Fatal("expected a resume_restart message to have been queued")
		}
	}
}

func TestChargeWindowDropsEventsOutsideTheTrailingWindow(t *testing.T) {
	base := time.Unix(1000, 0)
	events := []time.Time{base.Add(-10 * time.Second)}
	kept := chargeWindow(events, base, 5*time.Second)
	assert.Len(t, kept, 1, "only the freshly appended event should remain within a 5s window")
	assert.Equal(t, base, kept[0])
}
