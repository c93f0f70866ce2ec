package errors

import "fmt"

// ProcessingError is a recoverable pipeline failure. The processor keeps the
// previous checkpoint and emits nothing so the event is retried on redelivery.
type ProcessingError struct {
	FlowID  string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("flow %s: processing error: %s: %v", e.FlowID, e.Message, e.Cause)
	}
	return fmt.Sprintf("flow %s: processing error: %s", e.FlowID, e.Message)
}

// Unwrap returns the cause.
func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// NewProcessingError creates a recoverable processing error.
func NewProcessingError(flowID, format string, args ...any) *ProcessingError {
	return &ProcessingError{FlowID: flowID, Message: fmt.Sprintf(format, args...)}
}

// FatalError is a pipeline failure the platform cannot safely retry.
type FatalError struct {
	FlowID  string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("flow %s: fatal error: %s: %v", e.FlowID, e.Message, e.Cause)
	}
	return fmt.Sprintf("flow %s: fatal error: %s", e.FlowID, e.Message)
}

// Unwrap returns the cause.
func (e *FatalError) Unwrap() error {
	return e.Cause
}

// NewFatalError creates a fatal processing error.
func NewFatalError(flowID, format string, args ...any) *FatalError {
	return &FatalError{FlowID: flowID, Message: fmt.Sprintf(format, args...)}
}

// HospitalError marks an event that must be routed to the flow hospital.
type HospitalError struct {
	FlowID  string
	EventID string
	Message string
}

// Error implements the error interface.
func (e *HospitalError) Error() string {
	return fmt.Sprintf("flow %s: event %s sent to hospital: %s", e.FlowID, e.EventID, e.Message)
}

// PlatformError is a failure reported to the flow itself, such as an external
// operation that failed on the platform side.
type PlatformError struct {
	Operation string
	Message   string
}

// Error implements the error interface.
func (e *PlatformError) Error() string {
	return fmt.Sprintf("platform error in %s: %s", e.Operation, e.Message)
}

// SessionError reports a session that moved to ERROR.
type SessionError struct {
	SessionID string
	Message   string
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s: %s", e.SessionID, e.Message)
}

// PanicError captures a panic raised by flow code. It includes the stack
// trace for debugging.
type PanicError struct {
	// FlowID is the flow whose fiber panicked.
	FlowID string
	// Value is the value passed to panic().
	Value any
	// Stack is the full stack trace at the point of panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("flow %s panicked: %v", e.FlowID, e.Value)
}
