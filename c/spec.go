package c

import (
	"reflect"
	"runtime"
	"time"
)

// Module is the equivalent of an Erlang child module: something that
// knows how to produce its own default child specification, given an
// (optionally empty) argument. It backs the first two of the three
// input shapes NormalizeModule/NormalizeModuleArg/NormalizePartial
// accept: a bare module handle, and a module+argument pair.
type Module interface {
	// DefaultChildSpec returns this module's default, possibly-partial
	// child specification for the given argument (nil for a bare
	// module handle with no argument).
	DefaultChildSpec(arg interface{}) (PartialChildSpec, error)
}

// PartialChildSpec is the third input shape: a partial descriptor
// supplied directly by the caller (or returned by a Module), with
// pointer/nil-slice fields standing in for "not set, please default
// this". NormalizeSpec layers the defaulting table below over
// whatever is left unset.
type PartialChildSpec struct {
	ID            ID
	Start         StartFunc
	RestartPolicy *RestartPolicy
	Shutdown      *Shutdown
	Type          *ChildTag
	Modules       []string
	Timeout       *time.Duration
	MaxRestarts   *int
	MaxSeconds    *time.Duration
	BindsTo       []Ref
	ShutdownGroup *string
	KeepIgnored   *bool
}

// NormalizeModule expands a bare module handle into a fully defaulted
// ChildSpec, asking the module for its default spec with an empty
// argument.
func NormalizeModule(mod Module) (ChildSpec, error) {
	partial, err := mod.DefaultChildSpec(nil)
	if err != nil {
		return ChildSpec{}, err
	}
	return NormalizeSpec(partial)
}

// NormalizeModuleArg expands a (module, argument) pair into a fully
// defaulted ChildSpec, asking the module for its default spec with
// that argument.
func NormalizeModuleArg(mod Module, arg interface{}) (ChildSpec, error) {
	partial, err := mod.DefaultChildSpec(arg)
	if err != nil {
		return ChildSpec{}, err
	}
	return NormalizeSpec(partial)
}

// NormalizePartial expands a partial descriptor map supplied directly
// by the caller (the third input shape above) into a fully defaulted
// ChildSpec. It is a thin, explicitly-named alias of NormalizeSpec,
// kept so call sites read the same way the three-shape table does.
func NormalizePartial(p PartialChildSpec) (ChildSpec, error) {
	return NormalizeSpec(p)
}

// moduleOfStart derives the default advisory modules entry from fn's
// own identity: the package-qualified name of the function value
// backing it, the closest Go analogue to "the module that defines the
// start function". Returns "" if fn is nil.
func moduleOfStart(fn StartFunc) string {
	if fn == nil {
		return ""
	}
	pc := reflect.ValueOf(fn).Pointer()
	f := runtime.FuncForPC(pc)
	if f == nil {
		return ""
	}
	return f.Name()
}

// defaultMaxSeconds is the 5 second default restart-intensity window.
const defaultMaxSeconds = 5 * time.Second

// defaultWorkerShutdown is the 5000ms default shutdown budget for
// workers; supervisors default to Inf instead.
const defaultWorkerShutdown = 5 * time.Second

// NormalizeSpec expands a partial, caller-supplied descriptor into a
// fully populated ChildSpec by layering defaults over whatever the
// caller left unset. Invalid input (no start function) fails
// synchronously with ErrInvalidChildSpec.
func NormalizeSpec(p PartialChildSpec) (ChildSpec, error) {
	if p.Start == nil {
		return ChildSpec{}, ErrInvalidChildSpec
	}

	tag := Worker
	if p.Type != nil {
		tag = *p.Type
	}

	restart := Permanent
	if p.RestartPolicy != nil {
		restart = *p.RestartPolicy
	}

	shutdown := Inf
	if tag == Worker {
		shutdown = Timeout(defaultWorkerShutdown)
	}
	if p.Shutdown != nil {
		shutdown = *p.Shutdown
	}

	timeout := Infinity
	if p.Timeout != nil {
		timeout = *p.Timeout
	}

	maxRestarts := InfinityN
	if p.MaxRestarts != nil {
		maxRestarts = *p.MaxRestarts
	}

	maxSeconds := defaultMaxSeconds
	if p.MaxSeconds != nil {
		maxSeconds = *p.MaxSeconds
	}

	shutdownGroup := ""
	if p.ShutdownGroup != nil {
		shutdownGroup = *p.ShutdownGroup
	}

	keepIgnored := true
	if p.KeepIgnored != nil {
		keepIgnored = *p.KeepIgnored
	}

	bindsTo := p.BindsTo
	if bindsTo == nil {
		bindsTo = []Ref{}
	}

	modules := p.Modules
	if modules == nil {
		modules = []string{moduleOfStart(p.Start)}
	}

	return ChildSpec{
		id:            p.ID,
		tag:           tag,
		shutdown:      shutdown,
		restart:       restart,
		start:         p.Start,
		modules:       modules,
		timeout:       timeout,
		maxRestarts:   maxRestarts,
		maxSeconds:    maxSeconds,
		bindsTo:       bindsTo,
		shutdownGroup: shutdownGroup,
		keepIgnored:   keepIgnored,
	}, nil
}
