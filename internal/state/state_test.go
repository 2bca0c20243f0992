package state

import (
	"context"
	"testing"

	"github.com/parentsup/parentsup/c"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopStart(ctx context.Context, notify c.NotifyStartFn) error {
	<-ctx.Done()
	return nil
}

func mustSpec(t *testing.T, id string, restart c.RestartPolicy, bindsTo []c.Ref, group string) c.ChildSpec {
	t.Helper()
	var groupPtr *string
	if group != "" {
		groupPtr = &group
	}
	spec, err := c.NormalizeSpec(c.PartialChildSpec{
		ID:            c.ID(id),
		Start:         noopStart,
		RestartPolicy: &restart,
		BindsTo:       bindsTo,
		ShutdownGroup: groupPtr,
	})
	require.NoError(t, err)
	return spec
}

func register(st Store, spec c.ChildSpec) (c.Child, Store) {
	ch := c.Child{Spec: spec, PID: c.NewPID()}
	st = Register(st, ch)
	registered, _ := st.Child(c.RefByID(spec.ID()))
	return registered, st
}

func TestRegisterAssignsAscendingStartupIndex(t *testing.T) {
	st := New(Config{MaxRestarts: c.InfinityN})

	a, st := register(st, mustSpec(t, "a", c.Permanent, nil, ""))
	b, st := register(st, mustSpec(t, "b", c.Permanent, nil, ""))

	assert.Equal(t, uint64(1), a.StartupIndex)
	assert.Equal(t, uint64(2), b.StartupIndex)
	assert.Equal(t, 2, st.NumChildren())
}

func TestPopWithBoundSiblingsFollowsReverseBindings(t *testing.T) {
	st := New(Config{MaxRestarts: c.InfinityN})

	_, st = register(st, mustSpec(t, "a", c.Permanent, nil, ""))
	_, st = register(st, mustSpec(t, "b", c.Permanent, []c.Ref{c.RefByID("a")}, ""))
	_, st = register(st, mustSpec(t, "c", c.Transient, []c.Ref{c.RefByID("b")}, ""))

	popped, st2 := PopWithBoundSiblings(st, c.RefByID("a"))

	require.Len(t, popped, 3)
	assert.Equal(t, "a", string(popped[0].Spec.ID()))
	assert.Equal(t, "b", string(popped[1].Spec.ID()))
	assert.Equal(t, "c", string(popped[2].Spec.ID()))
	assert.Equal(t, 0, st2.NumChildren())

	// original state is untouched (pure function contract)
	assert.Equal(t, 3, st.NumChildren())
}

func TestPopWithBoundSiblingsFollowsShutdownGroup(t *testing.T) {
	st := New(Config{MaxRestarts: c.InfinityN})

	_, st = register(st, mustSpec(t, "x", c.Transient, nil, "g"))
	_, st = register(st, mustSpec(t, "y", c.Transient, nil, "g"))
	_, st = register(st, mustSpec(t, "z", c.Transient, nil, ""))

	popped, st2 := PopWithBoundSiblings(st, c.RefByID("y"))

	require.Len(t, popped, 2)
	assert.Equal(t, 1, st2.NumChildren())
}

func TestUpdateMetaIsIdempotentOnIdentityFn(t *testing.T) {
	st := New(Config{MaxRestarts: c.InfinityN})
	_, st = register(st, mustSpec(t, "a", c.Permanent, nil, ""))

	identity := func(m interface{}) interface{} { return m }
	setHello := func(m interface{}) interface{} { return "hello" }

	_, st, ok := UpdateMeta(st, c.RefByID("a"), setHello)
	require.True(t, ok)

	meta1, st, ok := UpdateMeta(st, c.RefByID("a"), identity)
	require.True(t, ok)
	meta2, _, ok := UpdateMeta(st, c.RefByID("a"), identity)
	require.True(t, ok)

	assert.Equal(t, meta1, meta2)
	assert.Equal(t, "hello", meta2)
}

func TestReinitializePreservesConfigEmptiesChildren(t *testing.T) {
	st := New(Config{MaxRestarts: 3, RegistryEnabled: true})
	_, st = register(st, mustSpec(t, "a", c.Permanent, nil, ""))

	st2 := Reinitialize(st)

	assert.Equal(t, 0, st2.NumChildren())
	assert.Equal(t, 3, st2.Config.MaxRestarts)
	assert.True(t, st2.Config.RegistryEnabled)
}
