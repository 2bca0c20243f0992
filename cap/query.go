package cap

import (
	"github.com/parentsup/parentsup/c"
	"github.com/parentsup/parentsup/internal/dispatch"
)

// WhichChildEntry is one row of the generic tree-walk result: id (if
// any), pid, type, and advisory modules.
type WhichChildEntry struct {
	ID      c.ID
	PID     c.PID
	Tag     c.ChildTag
	Modules []string
}

// CountChildrenResult tallies the tree-walk counts: total specs,
// currently active, and the total spec count split by child type.
type CountChildrenResult struct {
	Specs       int
	Active      int
	Supervisors int
	Workers     int
}

// Children returns every tracked child in startup order.
func (p *Parent) Children() ([]c.Child, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	return p.store.Children(), nil
}

// ChildID returns the caller-chosen id of the child running as pid.
func (p *Parent) ChildID(pid c.PID) (c.ID, bool, error) {
	if err := p.guard(); err != nil {
		return "", false, err
	}
	id, ok := p.store.ChildID(pid)
	return id, ok, nil
}

// ChildPID returns the runtime handle of the child registered under id.
func (p *Parent) ChildPID(id c.ID) (c.PID, bool, error) {
	if err := p.guard(); err != nil {
		return c.PID{}, false, err
	}
	pid, ok := p.store.ChildPID(id)
	return pid, ok, nil
}

// ChildMeta returns ref's current metadata.
func (p *Parent) ChildMeta(ref c.Ref) (interface{}, bool, error) {
	if err := p.guard(); err != nil {
		return nil, false, err
	}
	ch, ok := p.store.Child(ref)
	if !ok {
		return nil, false, nil
	}
	return ch.Meta, true, nil
}

// Exists reports whether ref currently resolves to a tracked child.
func (p *Parent) Exists(ref c.Ref) (bool, error) {
	if err := p.guard(); err != nil {
		return false, err
	}
	return p.store.Exists(ref), nil
}

// NumChildren returns how many children are currently tracked.
func (p *Parent) NumChildren() (int, error) {
	if err := p.guard(); err != nil {
		return 0, err
	}
	return p.store.NumChildren(), nil
}

// WhichChildren is the generic tree-walk query used by supervisory
// tooling that only knows how to introspect a node, not its domain.
func (p *Parent) WhichChildren() ([]WhichChildEntry, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	children := p.store.Children()
	out := make([]WhichChildEntry, 0, len(children))
	for _, ch := range children {
		out = append(out, WhichChildEntry{
			ID:      ch.Spec.ID(),
			PID:     ch.PID,
			Tag:     ch.Spec.Tag(),
			Modules: ch.Spec.Modules(),
		})
	}
	return out, nil
}

// CountChildren is the generic tree-walk summary query.
func (p *Parent) CountChildren() (CountChildrenResult, error) {
	if err := p.guard(); err != nil {
		return CountChildrenResult{}, err
	}
	var res CountChildrenResult
	for _, ch := range p.store.Children() {
		res.Specs++
		if !ch.PID.IsNil() {
			res.Active++
		}
		if ch.Spec.Tag() == c.Supervisor {
			res.Supervisors++
		} else {
			res.Workers++
		}
	}
	return res, nil
}

// GetChildSpec returns ref's fully defaulted descriptor.
func (p *Parent) GetChildSpec(ref c.Ref) (c.ChildSpec, bool, error) {
	if err := p.guard(); err != nil {
		return c.ChildSpec{}, false, err
	}
	ch, ok := p.store.Child(ref)
	if !ok {
		return c.ChildSpec{}, false, nil
	}
	return ch.Spec, true, nil
}

// answerQuery is HandleMessage's synchronous reply path for a
// dispatch.Query message: every case below reuses the same public
// query method an in-process caller would use directly, so the two
// entry points (direct call vs. routed through a client query
// façade) can never disagree.
func (p *Parent) answerQuery(msg dispatch.Message) interface{} {
	switch msg.Op {
	case dispatch.WhichChildren:
		out, _ := p.WhichChildren()
		return out
	case dispatch.CountChildren:
		out, _ := p.CountChildren()
		return out
	case dispatch.GetChildSpec:
		spec, ok, _ := p.GetChildSpec(msg.Ref)
		return struct {
			Spec  c.ChildSpec
			Found bool
		}{spec, ok}
	case dispatch.Children:
		out, _ := p.Children()
		return out
	case dispatch.ChildIDOf:
		id, ok, _ := p.ChildID(msg.Ref.PID())
		return struct {
			ID    c.ID
			Found bool
		}{id, ok}
	case dispatch.ChildPIDOf:
		pid, ok, _ := p.ChildPID(msg.Ref.ID())
		return struct {
			PID   c.PID
			Found bool
		}{pid, ok}
	case dispatch.ChildMetaOf:
		meta, ok, _ := p.ChildMeta(msg.Ref)
		return struct {
			Meta  interface{}
			Found bool
		}{meta, ok}
	case dispatch.ChildExists:
		ok, _ := p.Exists(msg.Ref)
		return ok
	case dispatch.NumChildren:
		n, _ := p.NumChildren()
		return n
	default:
		return nil
	}
}
