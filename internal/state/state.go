// Package state implements the authoritative in-owner data structure:
// the Store maps child identity to descriptor and keeps the
// id/pid/group/reverse-binding indexes that every other engine relies
// on. Every operation here is a pure function from one Store value to
// another plus an outcome — the Store never mutates itself, so the
// owner goroutine (the only thing that ever touches it) can reason
// about every transition as a single value swap.
package state

import (
	"fmt"
	"sort"
	"time"

	"github.com/parentsup/parentsup/c"
)

// key is the canonical identity a Child is stored under: its ID if
// set, otherwise its PID, otherwise (an ignored anonymous child) a
// synthetic token derived from its startup index.
type key string

func childKey(ch c.Child) key {
	if !ch.Spec.ID().IsZero() {
		return key("id:" + string(ch.Spec.ID()))
	}
	if !ch.PID.IsNil() {
		return key("pid:" + ch.PID.String())
	}
	return key(fmt.Sprintf("anon:%d", ch.StartupIndex))
}

// Config holds the parent-wide configuration threaded through every
// Store.
type Config struct {
	MaxRestarts     int // c.InfinityN means unlimited
	MaxSeconds      time.Duration
	RegistryEnabled bool
}

// Store is the authoritative parent state: Config.MaxRestarts/MaxSeconds
// gate a parent-wide restart-intensity ring (RestartEvents) shared by
// every child, while each Child additionally keeps its own ring in
// Child.RestartEvents, charged independently against each stopped
// descriptor's per-child counter.
type Store struct {
	Config Config

	nextIndex uint64
	children  map[key]c.Child
	byID      map[c.ID]key
	byPID     map[c.PID]key
	groups    map[string]map[key]struct{}

	// reverseBindings[target] is the set of children that bind_to target.
	reverseBindings map[key]map[key]struct{}

	RestartEvents []time.Time
}

// New creates an empty Store with the given parent-wide configuration.
func New(cfg Config) Store {
	return Store{
		Config:          cfg,
		children:        map[key]c.Child{},
		byID:            map[c.ID]key{},
		byPID:           map[c.PID]key{},
		groups:          map[string]map[key]struct{}{},
		reverseBindings: map[key]map[key]struct{}{},
	}
}

// clone returns a deep-enough copy of st so that mutating the result
// never affects st (the "pure function, new state out" contract).
func (st Store) clone() Store {
	out := Store{
		Config:        st.Config,
		nextIndex:     st.nextIndex,
		RestartEvents: append([]time.Time(nil), st.RestartEvents...),
	}
	out.children = make(map[key]c.Child, len(st.children))
	for k, v := range st.children {
		v.RestartEvents = append([]time.Time(nil), v.RestartEvents...)
		v.Spec = v.Spec // value type, copied by assignment
		out.children[k] = v
	}
	out.byID = make(map[c.ID]key, len(st.byID))
	for k, v := range st.byID {
		out.byID[k] = v
	}
	out.byPID = make(map[c.PID]key, len(st.byPID))
	for k, v := range st.byPID {
		out.byPID[k] = v
	}
	out.groups = make(map[string]map[key]struct{}, len(st.groups))
	for g, members := range st.groups {
		m := make(map[key]struct{}, len(members))
		for mk := range members {
			m[mk] = struct{}{}
		}
		out.groups[g] = m
	}
	out.reverseBindings = make(map[key]map[key]struct{}, len(st.reverseBindings))
	for target, deps := range st.reverseBindings {
		d := make(map[key]struct{}, len(deps))
		for dk := range deps {
			d[dk] = struct{}{}
		}
		out.reverseBindings[target] = d
	}
	return out
}

func (st Store) resolveKey(ref c.Ref) (key, bool) {
	if ref.ByPID() {
		k, ok := st.byPID[ref.PID()]
		return k, ok
	}
	k, ok := st.byID[ref.ID()]
	return k, ok
}

// Exists reports whether ref currently resolves to a tracked child.
func (st Store) Exists(ref c.Ref) bool {
	_, ok := st.resolveKey(ref)
	return ok
}

// Register inserts ch into the store, assigning it the next startup
// index unless it already carries one (the restart path preserves
// StartupIndex, so a restarted child keeps its place in startup
// order). Bindings are indexed into the reverse-bindings map and, if
// ch belongs to a shutdown group, into the group index.
func Register(st Store, ch c.Child) Store {
	st = st.clone()

	if ch.StartupIndex == 0 {
		st.nextIndex++
		ch.StartupIndex = st.nextIndex
	} else if ch.StartupIndex > st.nextIndex {
		st.nextIndex = ch.StartupIndex
	}

	k := childKey(ch)
	st.children[k] = ch

	if !ch.Spec.ID().IsZero() {
		st.byID[ch.Spec.ID()] = k
	}
	if !ch.PID.IsNil() {
		st.byPID[ch.PID] = k
	}

	if ch.Spec.HasShutdownGroup() {
		g := ch.Spec.ShutdownGroup()
		if st.groups[g] == nil {
			st.groups[g] = map[key]struct{}{}
		}
		st.groups[g][k] = struct{}{}
	}

	for _, dep := range ch.Spec.BindsTo() {
		depKey, ok := st.resolveKey(dep)
		if !ok {
			continue
		}
		if st.reverseBindings[depKey] == nil {
			st.reverseBindings[depKey] = map[key]struct{}{}
		}
		st.reverseBindings[depKey][k] = struct{}{}
	}

	return st
}

// removeKey drops k from every index. Caller owns cloning.
func (st *Store) removeKey(k key) {
	ch, ok := st.children[k]
	if !ok {
		return
	}
	delete(st.children, k)
	if !ch.Spec.ID().IsZero() {
		delete(st.byID, ch.Spec.ID())
	}
	if !ch.PID.IsNil() {
		delete(st.byPID, ch.PID)
	}
	if ch.Spec.HasShutdownGroup() {
		g := ch.Spec.ShutdownGroup()
		if members := st.groups[g]; members != nil {
			delete(members, k)
			if len(members) == 0 {
				delete(st.groups, g)
			}
		}
	}
	delete(st.reverseBindings, k)
	for _, deps := range st.reverseBindings {
		delete(deps, k)
	}
}

// PopWithBoundSiblings returns the transitive closure under the
// reverse-bindings relation and the shutdown-group relation, starting
// from ref, in ascending startup_index order, and atomically removes
// them from the returned state. This is the fundamental primitive
// behind every lifecycle event that takes a child down along with
// everything depending on it.
func PopWithBoundSiblings(st Store, ref c.Ref) ([]c.Child, Store) {
	startKey, ok := st.resolveKey(ref)
	if !ok {
		return nil, st
	}

	st = st.clone()

	visited := map[key]bool{}
	collected := map[key]c.Child{}

	var visit func(k key)
	visit = func(k key) {
		if visited[k] {
			return
		}
		ch, ok := st.children[k]
		if !ok {
			return
		}
		visited[k] = true
		collected[k] = ch

		for dependent := range st.reverseBindings[k] {
			visit(dependent)
		}
		if ch.Spec.HasShutdownGroup() {
			for member := range st.groups[ch.Spec.ShutdownGroup()] {
				visit(member)
			}
		}
	}
	visit(startKey)

	out := make([]c.Child, 0, len(collected))
	for _, ch := range collected {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartupIndex < out[j].StartupIndex })

	for k := range collected {
		st.removeKey(k)
	}

	return out, st
}

// Reinitialize empties the children set (and every derived index)
// while preserving the parent-wide Config, as used by ShutdownAll
// once every child has been synchronously stopped.
func Reinitialize(st Store) Store {
	return New(st.Config)
}

// Children returns every tracked child in ascending startup order.
func (st Store) Children() []c.Child {
	out := make([]c.Child, 0, len(st.children))
	for _, ch := range st.children {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartupIndex < out[j].StartupIndex })
	return out
}

// Child looks up a single tracked child by ref.
func (st Store) Child(ref c.Ref) (c.Child, bool) {
	k, ok := st.resolveKey(ref)
	if !ok {
		return c.Child{}, false
	}
	ch, ok := st.children[k]
	return ch, ok
}

// ChildPID returns the runtime handle of the child registered under id.
func (st Store) ChildPID(id c.ID) (c.PID, bool) {
	ch, ok := st.Child(c.RefByID(id))
	if !ok {
		return c.PID{}, false
	}
	return ch.PID, true
}

// ChildID returns the caller-chosen id of the child running as pid,
// if it has one.
func (st Store) ChildID(pid c.PID) (c.ID, bool) {
	ch, ok := st.Child(c.RefByPID(pid))
	if !ok || ch.Spec.ID().IsZero() {
		return "", false
	}
	return ch.Spec.ID(), true
}

// ChildrenInGroup returns every child sharing the given shutdown group,
// in ascending startup order.
func (st Store) ChildrenInGroup(group string) []c.Child {
	members := st.groups[group]
	out := make([]c.Child, 0, len(members))
	for k := range members {
		out = append(out, st.children[k])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartupIndex < out[j].StartupIndex })
	return out
}

// UpdateMeta applies fn to ref's current metadata, storing the result
// back into the returned Store, and returns the new metadata value.
func UpdateMeta(st Store, ref c.Ref, fn func(interface{}) interface{}) (interface{}, Store, bool) {
	k, ok := st.resolveKey(ref)
	if !ok {
		return nil, st, false
	}
	st = st.clone()
	ch := st.children[k]
	ch.Meta = fn(ch.Meta)
	st.children[k] = ch
	return ch.Meta, st, true
}

// NumChildren returns the number of tracked children (including
// ignored ones).
func (st Store) NumChildren() int { return len(st.children) }
