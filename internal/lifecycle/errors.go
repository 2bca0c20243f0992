package lifecycle

import (
	"errors"
	"fmt"

	"github.com/parentsup/parentsup/c"
)

// ErrShutdown is the exit reason attached to every child that is
// forcibly stopped as a side effect of something else going down
// (a bound sibling, a shutdown group mate, shutdown_all, ...).
var ErrShutdown = errors.New("shutdown")

// ErrTimeout is the exit reason substituted for whatever a child's
// start function actually returned when it is killed for overrunning
// its Timeout budget.
var ErrTimeout = errors.New("timeout")

// ErrChildNotFound is returned by the manual operations
// (RestartChild, ShutdownChild, UpdateChildMeta) when ref does not
// resolve to a tracked child.
var ErrChildNotFound = errors.New("child_not_found")

// InvalidChildIDError is returned when a caller-chosen ID would be
// indistinguishable from a runtime PID handle. Go's type system
// already keeps c.ID and c.PID apart structurally; the one way a
// caller can still cause this confusion is by choosing an ID string
// that parses as a UUID, which would collide with the PID-derived
// fallback used for anonymous children's RuntimeID.
type InvalidChildIDError struct {
	ID c.ID
}

func (e *InvalidChildIDError) Error() string {
	return fmt.Sprintf("invalid_child_id: %q looks like a process handle", string(e.ID))
}

// AlreadyStartedError is returned when spec.ID() is already registered.
type AlreadyStartedError struct {
	PID c.PID
}

func (e *AlreadyStartedError) Error() string {
	return fmt.Sprintf("already_started: %s", e.PID)
}

// MissingDepsError is returned when one or more BindsTo references do
// not resolve in the current state.
type MissingDepsError struct {
	Refs []c.Ref
}

func (e *MissingDepsError) Error() string {
	return fmt.Sprintf("missing_deps: %v", e.Refs)
}

// ForbiddenBindingsError is returned when the binding-strength
// lattice would be violated.
type ForbiddenBindingsError struct {
	From c.ID
	To   []c.Ref
}

func (e *ForbiddenBindingsError) Error() string {
	return fmt.Sprintf("forbidden_bindings: from=%q to=%v", string(e.From), e.To)
}

// NonUniformShutdownGroupError is returned when joining a shutdown
// group would leave its members with more than one distinct restart
// policy.
type NonUniformShutdownGroupError struct {
	Group string
}

func (e *NonUniformShutdownGroupError) Error() string {
	return fmt.Sprintf("non_uniform_shutdown_group: %q", e.Group)
}

// IntensityExceededError is the escalation that makes the parent give
// up: it synchronously shuts down every surviving child and exits.
// Scope distinguishes a per-child ceiling violation from a
// parent-wide one, which changes the exit reason the host behaviour
// should surface.
type IntensityExceededError struct {
	Scope string // "child" or "parent"
	Child c.ID   // set when Scope == "child"
}

func (e *IntensityExceededError) Error() string {
	if e.Scope == "child" {
		return fmt.Sprintf("shutdown: restart intensity exceeded for child %q", string(e.Child))
	}
	return "reached_max_restart_intensity"
}

// Reason is the exit reason the owner should surface: "shutdown" for
// a per-child restart-intensity overflow, "reached_max_restart_intensity"
// for a parent-wide one.
func (e *IntensityExceededError) Reason() string {
	if e.Scope == "child" {
		return "shutdown"
	}
	return "reached_max_restart_intensity"
}

// KVs returns a metadata map for structured logging, letting a
// wrapper (cap.SupervisorRestartError) flatten this into its own map.
func (e *IntensityExceededError) KVs() map[string]interface{} {
	acc := map[string]interface{}{"intensity.scope": e.Scope}
	if e.Scope == "child" {
		acc["intensity.child"] = string(e.Child)
	}
	return acc
}
