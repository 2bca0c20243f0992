package dispatch

import (
	"testing"

	"github.com/parentsup/parentsup/c"
	"github.com/stretchr/testify/assert"
)

func TestClassifyChildExitFromTrackedPID(t *testing.T) {
	pid := c.NewPID()
	tracked := func(p c.PID) bool { return p == pid }

	got := Classify(Message{Kind: ChildExit, PID: pid}, tracked)
	assert.Equal(t, ChildExit, got)
}

func TestClassifyChildExitFromUnknownPIDIsUnhandled(t *testing.T) {
	pid := c.NewPID()
	tracked := func(c.PID) bool { return false }

	got := Classify(Message{Kind: ChildExit, PID: pid}, tracked)
	assert.Equal(t, Unhandled, got)
}

func TestClassifyChildTimeoutRequiresTrackedPID(t *testing.T) {
	pid := c.NewPID()
	tracked := func(c.PID) bool { return false }

	got := Classify(Message{Kind: ChildTimeout, PID: pid}, tracked)
	assert.Equal(t, Unhandled, got)
}

func TestClassifyResumeRestartAndQueryPassThrough(t *testing.T) {
	tracked := func(c.PID) bool { return false }

	assert.Equal(t, ResumeRestart, Classify(Message{Kind: ResumeRestart}, tracked))
	assert.Equal(t, Query, Classify(Message{Kind: Query}, tracked))
}

func TestClassifyUnknownShapeIsUnhandled(t *testing.T) {
	tracked := func(c.PID) bool { return true }
	got := Classify(Message{Kind: Kind(99)}, tracked)
	assert.Equal(t, Unhandled, got)
}
