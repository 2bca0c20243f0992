// Package registry implements the discovery index adapter: an
// optional, process-wide id/pid/meta table that mirrors the owner's
// state store. The owner is its single writer; arbitrary external
// goroutines may read it concurrently without synchronizing with the
// owner, which is why MemIndex is backed by sync.Map rather than
// routed through the owner's own mailbox.
package registry

import (
	"sync"

	"github.com/parentsup/parentsup/c"
)

// Index is the narrow interface the lifecycle engine calls into. It
// must not raise: every method here has no error return, so a failing
// adapter implementation should swallow its own errors (logging them
// itself) rather than propagate them into the owner's hot path.
type Index interface {
	Init()
	Register(pid c.PID, ch c.Child)
	Unregister(pid c.PID)
	UpdateMeta(ref c.Ref, meta interface{})
}

// entry is what MemIndex stores per child.
type entry struct {
	id   c.ID
	pid  c.PID
	meta interface{}
}

// MemIndex is a concurrency-safe, in-process Index implementation
// good enough to stand in for an optional process-wide discovery
// index external to the core: a real deployment would back this with
// a distributed registry, but the core only ever talks to it through
// the Index interface.
type MemIndex struct {
	byPID sync.Map // c.PID -> *entry
	byID  sync.Map // c.ID  -> *entry

	metrics *Metrics
}

var _ Index = (*MemIndex)(nil)

// NewMemIndex creates an empty, ready-to-use MemIndex. metrics may be
// nil to skip Prometheus instrumentation entirely.
func NewMemIndex(metrics *Metrics) *MemIndex {
	return &MemIndex{metrics: metrics}
}

// Init resets the index to empty, used when a parent (re)initializes.
func (m *MemIndex) Init() {
	m.byPID.Range(func(k, _ interface{}) bool {
		m.byPID.Delete(k)
		return true
	})
	m.byID.Range(func(k, _ interface{}) bool {
		m.byID.Delete(k)
		return true
	})
	if m.metrics != nil {
		m.metrics.SetChildren(0)
	}
}

// Register records a newly started (or restarted) child.
func (m *MemIndex) Register(pid c.PID, ch c.Child) {
	e := &entry{id: ch.Spec.ID(), pid: pid, meta: ch.Meta}
	m.byPID.Store(pid, e)
	if !ch.Spec.ID().IsZero() {
		m.byID.Store(ch.Spec.ID(), e)
	}
	if m.metrics != nil {
		m.metrics.IncChildren()
	}
}

// Unregister drops a child that has gone down for good.
func (m *MemIndex) Unregister(pid c.PID) {
	v, ok := m.byPID.LoadAndDelete(pid)
	if !ok {
		return
	}
	e := v.(*entry)
	if !e.id.IsZero() {
		m.byID.Delete(e.id)
	}
	if m.metrics != nil {
		m.metrics.DecChildren()
	}
}

// UpdateMeta mirrors a meta change made through the lifecycle engine's
// UpdateChildMeta operation.
func (m *MemIndex) UpdateMeta(ref c.Ref, meta interface{}) {
	var v interface{}
	var ok bool
	if ref.ByPID() {
		v, ok = m.byPID.Load(ref.PID())
	} else {
		v, ok = m.byID.Load(ref.ID())
	}
	if !ok {
		return
	}
	e := v.(*entry)
	e.meta = meta
}

// LookupByID is the external, owner-independent read path: readers
// may query the index concurrently without contacting the owner.
// Returns false if id is unknown, which may simply mean the child
// died moments ago — readers must tolerate transient inconsistency.
func (m *MemIndex) LookupByID(id c.ID) (c.PID, bool) {
	v, ok := m.byID.Load(id)
	if !ok {
		return c.PID{}, false
	}
	return v.(*entry).pid, true
}

// LookupByPID is the reverse external read path.
func (m *MemIndex) LookupByPID(pid c.PID) (c.ID, bool) {
	v, ok := m.byPID.Load(pid)
	if !ok {
		return "", false
	}
	return v.(*entry).id, true
}

// NoopIndex is used when registry_enabled = false: every call is a
// silent no-op, so the lifecycle engine never needs to branch on
// whether discovery indexing is on.
type NoopIndex struct{}

var _ Index = NoopIndex{}

func (NoopIndex) Init()                              {}
func (NoopIndex) Register(c.PID, c.Child)             {}
func (NoopIndex) Unregister(c.PID)                    {}
func (NoopIndex) UpdateMeta(c.Ref, interface{})       {}
