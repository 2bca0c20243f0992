package cap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parentsup/parentsup/c"
	"github.com/parentsup/parentsup/internal/dispatch"
)

func blockingStart() c.StartFunc {
	return func(ctx context.Context, notify c.NotifyStartFn) error {
		notify(nil)
		<-ctx.Done()
		return nil
	}
}

func childExitMessage(pid c.PID, reason error) dispatch.Message {
	return dispatch.Message{Kind: dispatch.ChildExit, PID: pid, Err: reason}
}

func TestInitializeFailsOnSecondCall(t *testing.T) {
	p := New("test")
	require.NoError(t, p.Initialize())
	assert.Equal(t, ErrAlreadyInitialized, p.Initialize())
}

func TestMethodsFailBeforeInitialize(t *testing.T) {
	p := New("test")
	_, err := p.StartChild(context.Background(), c.PartialChildSpec{Start: blockingStart()})
	assert.Equal(t, ErrNotInitialized, err)
}

func TestStartChildAndQueries(t *testing.T) {
	p := New("test")
	require.NoError(t, p.Initialize())

	pid, err := p.StartChild(context.Background(), c.PartialChildSpec{ID: "worker-a", Start: blockingStart()})
	require.NoError(t, err)
	assert.False(t, pid.IsNil())

	n, err := p.NumChildren()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	exists, err := p.Exists(c.RefByID("worker-a"))
	require.NoError(t, err)
	assert.True(t, exists)

	gotPID, ok, err := p.ChildPID("worker-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pid, gotPID)

	which, err := p.WhichChildren()
	require.NoError(t, err)
	require.Len(t, which, 1)
	assert.Equal(t, c.ID("worker-a"), which[0].ID)

	counts, err := p.CountChildren()
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Specs)
	assert.Equal(t, 1, counts.Active)
	assert.Equal(t, 1, counts.Workers)
}

func TestStartAllChildrenStopsAlreadyStartedPrefixOnFailure(t *testing.T) {
	p := New("test")
	require.NoError(t, p.Initialize())

	specs := []c.PartialChildSpec{
		{ID: "a", Start: blockingStart()},
		{ID: "b", Start: func(ctx context.Context, notify c.NotifyStartFn) error {
			err := errors.New("b refuses to start")
			notify(err)
			return err
		}},
	}

	err := p.StartAllChildren(context.Background(), specs)
	require.Error(t, err)
	var startErr *SupervisorStartError
	require.True(t, errors.As(err, &startErr))

	terminated, termErr := p.Terminated()
	assert.True(t, terminated)
	assert.Equal(t, err, termErr)

	n, nErr := p.NumChildren()
	assert.Equal(t, termErr, nErr, "a terminated Parent surfaces its termination reason from every subsequent call")
	assert.Zero(t, n)
}

func TestShutdownChildAndShutdownAll(t *testing.T) {
	p := New("test")
	require.NoError(t, p.Initialize())

	_, err := p.StartChild(context.Background(), c.PartialChildSpec{ID: "a", Start: blockingStart()})
	require.NoError(t, err)

	require.NoError(t, p.ShutdownChild(c.RefByID("a")))
	n, err := p.NumChildren()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = p.StartChild(context.Background(), c.PartialChildSpec{ID: "b", Start: blockingStart()})
	require.NoError(t, err)
	require.NoError(t, p.ShutdownAll(nil))

	terminated, _ := p.Terminated()
	assert.False(t, terminated, "a direct ShutdownAll call must not mark the Parent as given up")

	n, err = p.NumChildren()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRestartIntensityEscalationTerminatesTheParent(t *testing.T) {
	p := New("test")
	require.NoError(t, p.Initialize(WithMaxRestarts(1), WithMaxSeconds(time.Minute)))

	pid, err := p.StartChild(context.Background(), c.PartialChildSpec{ID: "flappy", Start: blockingStart()})
	require.NoError(t, err)

	_, err = p.HandleMessage(context.Background(), childExitMessage(pid, errors.New("crash 1")))
	require.NoError(t, err)

	newPID, ok, err := p.ChildPID("flappy")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = p.HandleMessage(context.Background(), childExitMessage(newPID, errors.New("crash 2")))
	require.Error(t, err)

	var restartErr *SupervisorRestartError
	require.True(t, errors.As(err, &restartErr))

	terminated, termErr := p.Terminated()
	assert.True(t, terminated)
	assert.Equal(t, err, termErr)
}

func TestCascadingDownScenario(t *testing.T) {
	p := New("test")
	require.NoError(t, p.Initialize())

	aPID, err := p.StartChild(context.Background(), c.PartialChildSpec{ID: "A", Start: blockingStart()})
	require.NoError(t, err)

	_, err = p.StartChild(context.Background(), c.PartialChildSpec{
		ID: "B", BindsTo: []c.Ref{c.RefByID("A")}, Start: blockingStart(),
	})
	require.NoError(t, err)

	transient := c.Transient
	_, err = p.StartChild(context.Background(), c.PartialChildSpec{
		ID: "C", RestartPolicy: &transient, BindsTo: []c.Ref{c.RefByID("B")}, Start: blockingStart(),
	})
	require.NoError(t, err)

	outcome, err := p.HandleMessage(context.Background(), childExitMessage(aPID, errors.New("crashed")))
	require.NoError(t, err)
	assert.False(t, outcome.HasStopped, "A is permanent, so the whole group auto-restarts")

	for _, id := range []c.ID{"A", "B", "C"} {
		_, ok, qErr := p.ChildPID(id)
		require.NoError(t, qErr)
		assert.True(t, ok, "%s should be back after the cascading restart", id)
	}

	n, err := p.NumChildren()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
