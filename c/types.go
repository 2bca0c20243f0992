// Package c holds the child descriptor data model shared by every
// layer of the supervision core: the spec normalizer, the state
// store, the lifecycle and restart engines, and the public cap
// façade. None of these types know how to run a goroutine or talk to
// a mailbox; they are plain records.
package c

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ChildTag specifies the type of Child that is running, this is a closed
// set given we only will support workers and supervisors. Advisory
// only — used by the generic tree-walk queries.
type ChildTag uint32

const (
	// Worker is used for a c.Child that runs a business-logic goroutine.
	Worker ChildTag = iota
	// Supervisor is used for a c.Child that runs another supervision tree.
	Supervisor
)

func (ct ChildTag) String() string {
	switch ct {
	case Worker:
		return "Worker"
	case Supervisor:
		return "Supervisor"
	default:
		return "<Unknown>"
	}
}

// RestartPolicy specifies when a child gets restarted after it goes
// down. The four values form a total strength order used by the
// binding-strength lattice (see Strength): a child may only bind to
// siblings whose strength is >= its own.
type RestartPolicy uint32

const (
	// Permanent children are restarted any time they go down, including
	// a normal exit.
	Permanent RestartPolicy = iota

	// Transient children are restarted if and only if they went down
	// with a reason other than normal.
	Transient

	// WithDep children are never auto-restarted on their own down
	// event; they come back together with a sibling they're bound to
	// when that sibling restarts, or when manually returned via
	// ReturnChildren.
	WithDep

	// Temporary children are never auto-restarted, not even when a
	// sibling they're bound to comes back. They are restarted only by a
	// RestartChild that targets them, or by a RestartChild or
	// ReturnChildren call with include_temporary set.
	Temporary
)

func (r RestartPolicy) String() string {
	switch r {
	case Permanent:
		return "Permanent"
	case Transient:
		return "Transient"
	case WithDep:
		return "WithDep"
	case Temporary:
		return "Temporary"
	default:
		return "<Unknown>"
	}
}

// Strength returns this policy's place in the binding-strength
// lattice: Permanent > Transient > WithDep > Temporary.
func (r RestartPolicy) Strength() int {
	switch r {
	case Permanent:
		return 3
	case Transient:
		return 2
	case WithDep:
		return 1
	case Temporary:
		return 0
	default:
		return -1
	}
}

// ShutdownTag specifies the type of Shutdown strategy that is used when
// stopping a goroutine.
type ShutdownTag uint32

const (
	infinityT ShutdownTag = iota
	timeoutT
	brutalT
)

// Shutdown indicates how the parent will handle the stopping of the
// child goroutine.
type Shutdown struct {
	tag      ShutdownTag
	duration time.Duration
}

// Inf specifies the parent must wait until Infinity for the child
// goroutine to stop executing.
var Inf = Shutdown{tag: infinityT}

// Brutal specifies the child's context is cancelled with no shutdown
// budget at all; equivalent to sending an unconditional kill signal.
// The parent then waits, without a time limit, for the child's
// goroutine to return.
var Brutal = Shutdown{tag: brutalT}

// Timeout specifies a duration of time the parent will wait for the
// child goroutine to stop executing.
//
// ### WARNING:
//
// A point worth bringing up is that golang *does not* provide a hard kill
// mechanism for goroutines. There is no known way to kill a goroutine via a
// signal other than using `context.Done` and the goroutine respecting this
// mechanism. If the timeout is reached and the goroutine does not stop, the
// supervisor logs a warning and keeps waiting for the goroutine to return, so
// a goroutine that never respects `context.Done` blocks the shutdown
// procedure indefinitely.
func Timeout(d time.Duration) Shutdown {
	return Shutdown{
		tag:      timeoutT,
		duration: d,
	}
}

// IsInfinite reports whether this is an unbounded wait.
func (s Shutdown) IsInfinite() bool { return s.tag == infinityT }

// IsBrutal reports whether this is an unconditional, no-grace kill.
func (s Shutdown) IsBrutal() bool { return s.tag == brutalT }

// Duration returns the wait budget. Only meaningful when this is
// neither infinite nor brutal.
func (s Shutdown) Duration() time.Duration { return s.duration }

func (s Shutdown) String() string {
	switch s.tag {
	case infinityT:
		return "Inf"
	case brutalT:
		return "Brutal"
	default:
		return s.duration.String()
	}
}

// Infinity is the sentinel used for Timeout and MaxSeconds fields
// that accept either a finite, non-negative budget or "no limit".
const Infinity = time.Duration(-1)

// IsInfinite reports whether d is the Infinity sentinel.
func IsInfinite(d time.Duration) bool { return d < 0 }

// InfinityN is the sentinel used for MaxRestarts, which is a count
// rather than a duration.
const InfinityN = -1

// Opt is a function that configures a ChildSpec. NormalizeSpec takes
// no Opt values, and nothing in this package applies them.
type Opt func(*ChildSpec)

// startError is the error reported back to a parent when the start of
// a Child fails.
type startError = error

// NotifyStartFn is a function given to children to notify the parent
// that the child has started.
//
// ### Notify child's start failure
//
// In case the child cannot get started it should call this function with an
// error value different than nil.
type NotifyStartFn = func(startError)

// StartFunc is a child's entry point. It must block until ctx is
// done (or it fails/completes on its own); its return value is the
// child's exit reason (nil means a normal exit). ignore is signalled
// by returning ErrIgnore (see errors.go).
type StartFunc func(ctx context.Context, notify NotifyStartFn) error

// PID is the runtime handle of a started child, the statically-typed
// analogue of an Erlang pid. It is opaque, comparable and globally
// unique among children of the same parent for as long as the child
// is alive.
type PID uuid.UUID

// NilPID is the sentinel PID meaning "this child's start function
// declared itself ignored; no goroutine was ever spawned for it."
var NilPID = PID(uuid.Nil)

// NewPID allocates a fresh, unique runtime handle.
func NewPID() PID { return PID(uuid.New()) }

func (p PID) String() string { return uuid.UUID(p).String() }

// IsNil reports whether this is the ignored-child sentinel.
func (p PID) IsNil() bool { return p == NilPID }

// ID is the caller-chosen identifier for a child. The zero value
// means the child is anonymous and reachable only by PID.
type ID string

// IsZero reports whether this ID was left unset (anonymous child).
func (id ID) IsZero() bool { return id == "" }

// Ref refers to a child either by ID or by PID, as accepted by every
// query and manual operation (RestartChild, ShutdownChild, ...).
type Ref struct {
	id    ID
	pid   PID
	byPID bool
}

// RefByID builds a Ref that looks a child up by its caller-chosen id.
func RefByID(id ID) Ref { return Ref{id: id} }

// RefByPID builds a Ref that looks a child up by its runtime handle.
func RefByPID(pid PID) Ref { return Ref{pid: pid, byPID: true} }

// ByPID reports whether this ref addresses a child by PID rather than ID.
func (r Ref) ByPID() bool { return r.byPID }

// ID returns the referenced id (zero value if this ref is by-PID).
func (r Ref) ID() ID { return r.id }

// PID returns the referenced pid (zero value if this ref is by-ID).
func (r Ref) PID() PID { return r.pid }

func (r Ref) String() string {
	if r.byPID {
		return r.pid.String()
	}
	return string(r.id)
}

// ChildSpec represents a fully-defaulted Child specification; it serves
// as a template for the construction (and, on restart, reconstruction)
// of a goroutine. See NormalizeSpec for how partial, caller-supplied
// input is expanded into one of these.
type ChildSpec struct {
	id            ID
	tag           ChildTag
	shutdown      Shutdown
	restart       RestartPolicy
	start         StartFunc
	modules       []string
	timeout       time.Duration
	maxRestarts   int
	maxSeconds    time.Duration
	bindsTo       []Ref
	shutdownGroup string
	keepIgnored   bool
}

// ID returns the caller-chosen id of this spec, or the zero ID if anonymous.
func (cs ChildSpec) ID() ID { return cs.id }

// Tag returns the ChildTag of this ChildSpec.
func (cs ChildSpec) Tag() ChildTag { return cs.tag }

// IsWorker indicates if this child is a worker.
func (cs ChildSpec) IsWorker() bool { return cs.tag == Worker }

// Restart returns the RestartPolicy setting for this ChildSpec.
func (cs ChildSpec) Restart() RestartPolicy { return cs.restart }

// Shutdown returns the Shutdown setting for this ChildSpec.
func (cs ChildSpec) Shutdown() Shutdown { return cs.shutdown }

// Start returns the start function of this ChildSpec.
func (cs ChildSpec) Start() StartFunc { return cs.start }

// Modules returns the advisory module list of this ChildSpec.
func (cs ChildSpec) Modules() []string { return cs.modules }

// Timeout returns the kill-after-timeout budget (Infinity if unset).
func (cs ChildSpec) Timeout() time.Duration { return cs.timeout }

// MaxRestarts returns the per-child restart ceiling (InfinityN if unset).
func (cs ChildSpec) MaxRestarts() int { return cs.maxRestarts }

// MaxSeconds returns the per-child restart-intensity window.
func (cs ChildSpec) MaxSeconds() time.Duration { return cs.maxSeconds }

// BindsTo returns the set of older siblings this child depends on.
func (cs ChildSpec) BindsTo() []Ref { return cs.bindsTo }

// ShutdownGroup returns this child's shutdown group, or "" if none.
func (cs ChildSpec) ShutdownGroup() string { return cs.shutdownGroup }

// HasShutdownGroup reports whether this child belongs to a shutdown group.
func (cs ChildSpec) HasShutdownGroup() bool { return cs.shutdownGroup != "" }

// KeepIgnored reports whether an "ignore" start result should still be
// recorded as a (pid-less) descriptor.
func (cs ChildSpec) KeepIgnored() bool { return cs.keepIgnored }

// Child is the runtime descriptor of a live or registered-but-ignored
// child: a ChildSpec plus everything the lifecycle/restart engines
// need to track across restarts.
type Child struct {
	Spec          ChildSpec
	PID           PID
	Meta          interface{}
	StartupIndex  uint64
	TimerArmed    bool
	RestartEvents []time.Time
	ExitReason    error
	ForceRestart  bool

	// Cancel, Down and Timer are runtime-only bookkeeping for a live
	// child: they have no bearing on the descriptor's identity or
	// equality and are simply carried along inside the state store
	// between registration and the moment the child goes down. Cancel
	// delivers the stop signal; Down is this child's private monitor
	// channel (buffered 1), read synchronously by whoever stops it;
	// Timer is the armed kill-after-timeout, if any.
	Cancel context.CancelFunc
	Down   chan DownMsg
	Timer  *time.Timer
}

// RuntimeID returns the value used to address this child in query
// results: its ID if set, otherwise its PID's string form.
func (ch Child) RuntimeID() string {
	if !ch.Spec.ID().IsZero() {
		return string(ch.Spec.ID())
	}
	return ch.PID.String()
}

// IsIgnored reports whether this descriptor belongs to a child whose
// start function returned "ignore" (no goroutine was ever spawned).
func (ch Child) IsIgnored() bool { return ch.PID.IsNil() }

// Ref returns the most specific ref for this child (by ID if set,
// otherwise by PID).
func (ch Child) Ref() Ref {
	if !ch.Spec.ID().IsZero() {
		return RefByID(ch.Spec.ID())
	}
	return RefByPID(ch.PID)
}

// DownMsg reports that a tracked child's goroutine has returned (or
// was killed). Err is nil for a normal exit.
type DownMsg struct {
	PID PID
	Err error
}

// StoppedSet is the currency of the manual return operations: a
// mapping from id (or pid, for anonymous children) to the descriptor
// snapshot at the moment it was stopped.
type StoppedSet map[string]Child

// NewStoppedSet builds a StoppedSet from a slice of descriptors,
// keying each by RuntimeID.
func NewStoppedSet(children []Child) StoppedSet {
	out := make(StoppedSet, len(children))
	for _, ch := range children {
		out[ch.RuntimeID()] = ch
	}
	return out
}

// Children returns this set's descriptors ordered by StartupIndex
// ascending, the order they were originally started in.
func (s StoppedSet) Children() []Child {
	out := make([]Child, 0, len(s))
	for _, ch := range s {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartupIndex < out[j].StartupIndex })
	return out
}
