package chaos

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parentsup/parentsup/c"
)

func runInjector(t *testing.T) (*Injector, context.Context, context.CancelFunc) {
	t.Helper()
	inj := NewInjector()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := inj.Run(ctx); err != nil {
			t.Errorf("injector Run returned an error: %v", err)
		}
	}()
	return inj, ctx, cancel
}

func TestWrapFailsExactlyTheRegisteredNumberOfAttempts(t *testing.T) {
	inj, ctx, cancel := runInjector(t)
	defer cancel()

	require.NoError(t, inj.InsertPlan(ctx, "flappy", 2))

	baseCalls := 0
	base := func(ctx context.Context, notify c.NotifyStartFn) error {
		baseCalls++
		notify(nil)
		return nil
	}
	wrapped := inj.Wrap("flappy", base)

	for i := 0; i < 2; i++ {
		var notified error
		notifySeen := false
		err := wrapped(ctx, func(e error) { notified = e; notifySeen = true })
		require.Error(t, err, "attempt %d should have been sabotaged", i+1)
		assert.True(t, notifySeen)
		assert.Error(t, notified)
	}

	var notified error
	err := wrapped(ctx, func(e error) { notified = e })
	require.NoError(t, err, "third attempt should succeed once the plan is exhausted")
	assert.NoError(t, notified)
	assert.Equal(t, 1, baseCalls, "base should only ever be called on the successful attempt")
}

func TestWrapWithNoPlanAlwaysCallsThrough(t *testing.T) {
	inj, ctx, cancel := runInjector(t)
	defer cancel()

	base := func(ctx context.Context, notify c.NotifyStartFn) error {
		notify(nil)
		return nil
	}
	wrapped := inj.Wrap("no-plan", base)

	for i := 0; i < 3; i++ {
		err := wrapped(ctx, func(error) {})
		assert.NoError(t, err)
	}
}

func TestInsertPlanRejectsADuplicateID(t *testing.T) {
	inj, ctx, cancel := runInjector(t)
	defer cancel()

	require.NoError(t, inj.InsertPlan(ctx, "dup", 1))
	err := inj.InsertPlan(ctx, "dup", 1)
	assert.Error(t, err)
}

func TestRemovePlanResetsSabotageForThatID(t *testing.T) {
	inj, ctx, cancel := runInjector(t)
	defer cancel()

	require.NoError(t, inj.InsertPlan(ctx, "reset-me", 5))

	base := func(ctx context.Context, notify c.NotifyStartFn) error {
		notify(nil)
		return nil
	}
	wrapped := inj.Wrap("reset-me", base)

	err := wrapped(ctx, func(error) {})
	require.Error(t, err, "first attempt should still be sabotaged")

	require.NoError(t, inj.RemovePlan(ctx, "reset-me"))

	err = wrapped(ctx, func(error) {})
	assert.NoError(t, err, "removing the plan should let the next attempt through")
}

func TestInsertPlanReturnsContextErrorWhenInjectorIsNotRunning(t *testing.T) {
	inj := NewInjector()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := inj.InsertPlan(ctx, "orphan", 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
