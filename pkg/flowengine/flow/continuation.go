// Package flow defines the vocabulary exchanged between the event pipeline and
// the fiber that runs flow code: continuations telling the fiber what to do
// next, IO requests describing why it suspended, and the persisted waiting-for
// reason derived from them.
package flow

import "fmt"

// Continuation is the pipeline's verdict for a suspended flow. It is a closed
// set: Continue, Run and Error.
type Continuation interface {
	isContinuation()
	fmt.Stringer
}

// Continue leaves the flow suspended.
type Continue struct{}

// Run resumes the flow with a value.
type Run struct {
	Value any
}

// Error resumes the flow with a failure it can handle.
type Error struct {
	Cause error
}

func (Continue) isContinuation() {}
func (Run) isContinuation()      {}
func (Error) isContinuation()    {}

func (Continue) String() string { return "Continue" }
func (Run) String() string      { return "Run" }

func (e Error) String() string {
	if e.Cause == nil {
		return "Error"
	}
	return "Error(" + e.Cause.Error() + ")"
}

// Resumes reports whether the continuation runs flow code.
func Resumes(c Continuation) bool {
	switch c.(type) {
	case Run, Error:
		return true
	default:
		return false
	}
}
