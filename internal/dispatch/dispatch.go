// Package dispatch classifies messages arriving in the owner's
// mailbox. It knows nothing about how to act on a message — only how
// to tell one kind from another — so the lifecycle engine, restart
// engine and query façade stay decoupled from the mailbox's wire
// shape.
package dispatch

import "github.com/parentsup/parentsup/c"

// Kind identifies which of the five message shapes the dispatcher
// recognizes.
type Kind int

const (
	// ChildExit is an exit signal from a tracked pid.
	ChildExit Kind = iota
	// ChildTimeout is a child_timeout(pid) message for a tracked pid.
	ChildTimeout
	// ResumeRestart is a deferred resume_restart(set) message.
	ResumeRestart
	// Query is a client query (which_children, count_children, get_childspec, ...).
	Query
	// Unhandled is anything else: an exit signal from an unknown pid,
	// or a shape the dispatcher does not recognize.
	Unhandled
)

// QueryOp names the tree-walk/introspection queries the query façade
// supports.
type QueryOp int

const (
	WhichChildren QueryOp = iota
	CountChildren
	GetChildSpec
	Children
	ChildIDOf
	ChildPIDOf
	ChildMetaOf
	ChildExists
	NumChildren
)

// Message is the tagged union the dispatcher classifies. Exactly one
// of the typed fields is meaningful, selected by Kind.
type Message struct {
	Kind Kind

	// ChildExit / ChildTimeout
	PID c.PID
	Err error

	// ResumeRestart
	StoppedSet       c.StoppedSet
	IncludeTemporary bool

	// Query
	Op    QueryOp
	Ref   c.Ref
	Reply chan<- interface{}
}

// Outcome is what handling a Message produces.
type Outcome struct {
	Unhandled bool
	// StoppedChildren is set when the dispatcher's caller decided to
	// surface a stopped-set to the owner instead of auto-restarting it.
	StoppedChildren c.StoppedSet
	HasStopped      bool
}

// IsTracked reports whether pid belongs to a child the lookup function
// knows about. Classify takes this as a parameter so dispatch stays
// free of any dependency on the state store.
type IsTracked func(pid c.PID) bool

// Classify inspects msg and decides how it should be routed. Exit
// signals from pids the owner isn't tracking are explicitly routed to
// Unhandled rather than silently ignored, so a host behaviour layering
// its own exit-signal handling on top still sees them.
func Classify(msg Message, tracked IsTracked) Kind {
	switch msg.Kind {
	case ChildExit:
		if !tracked(msg.PID) {
			return Unhandled
		}
		return ChildExit
	case ChildTimeout:
		if !tracked(msg.PID) {
			return Unhandled
		}
		return ChildTimeout
	case ResumeRestart:
		return ResumeRestart
	case Query:
		return Query
	default:
		return Unhandled
	}
}
