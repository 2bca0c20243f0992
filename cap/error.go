package cap

import (
	"fmt"

	"github.com/parentsup/parentsup/internal/lifecycle"
)

// ErrKVs is implemented by every structured error this package
// returns (and by internal/lifecycle.IntensityExceededError), so a
// logger can pull a flat key/value map out of whatever bubbled up
// rather than parsing Error() strings.
type ErrKVs interface {
	KVs() map[string]interface{}
}

// SupervisorBuildError wraps a c.NormalizeSpec failure encountered
// while StartAllChildren was expanding one of its specs.
type SupervisorBuildError struct {
	parentName    string
	buildNodesErr error
}

func (err *SupervisorBuildError) Error() string {
	return "parent build nodes function failed"
}

// KVs returns a metadata map for structured logging.
func (err *SupervisorBuildError) KVs() map[string]interface{} {
	return map[string]interface{}{
		"parent.name":        err.parentName,
		"parent.build.error": err.buildNodesErr,
	}
}

// SupervisorStartError wraps a child start failure encountered by
// StartAllChildren, enhanced with which child failed.
type SupervisorStartError struct {
	parentName string
	nodeName   string
	nodeErr    error
}

func (err *SupervisorStartError) Error() string {
	return "parent node failed to start"
}

// KVs returns a metadata map for structured logging.
func (err *SupervisorStartError) KVs() map[string]interface{} {
	return map[string]interface{}{
		"parent.name":             err.parentName,
		"parent.start.node.name":  err.nodeName,
		"parent.start.node.error": err.nodeErr,
	}
}

// SupervisorRestartError wraps the restart-intensity escalation
// (internal/lifecycle.IntensityExceededError) that forced a Parent to
// give up, shut down every surviving child and terminate.
type SupervisorRestartError struct {
	parentName string
	nodeErr    *lifecycle.IntensityExceededError
}

func (err *SupervisorRestartError) Error() string {
	reason := "reached_max_restart_intensity"
	if err.nodeErr != nil {
		reason = err.nodeErr.Reason()
	}
	return fmt.Sprintf("parent %q terminated: %s", err.parentName, reason)
}

// KVs returns a metadata map for structured logging.
func (err *SupervisorRestartError) KVs() map[string]interface{} {
	acc := map[string]interface{}{"parent.name": err.parentName}
	if err.nodeErr != nil {
		for k, v := range err.nodeErr.KVs() {
			acc["parent.restart."+k] = v
		}
	}
	return acc
}

// Unwrap lets errors.As/errors.Is reach the underlying intensity error.
func (err *SupervisorRestartError) Unwrap() error { return err.nodeErr }
