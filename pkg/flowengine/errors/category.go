// Package errors provides the flow engine's error taxonomy, error envelopes,
// and retry helpers.
//
// Every error raised while processing a flow event falls into one of four
// categories:
//   - Recoverable: discard partial work and retry the same event later
//   - FlowVisible: the flow itself is resumed with the failure, or fails
//     when its own code panicked
//   - Fatal: stop processing the key and escalate to the flow hospital
//   - Protocol: a session peer violated the protocol; the session errors
package errors

import (
	"errors"
	"fmt"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryFatal indicates the platform cannot safely proceed.
	// Anything not explicitly classified is fatal.
	CategoryFatal Category = iota

	// CategoryRecoverable indicates the event can be retried on redelivery.
	// Examples: a dependency that is not ready yet, a store timeout.
	CategoryRecoverable

	// CategoryFlowVisible indicates the flow should observe the failure.
	// Examples: external event platform errors, errored sessions.
	CategoryFlowVisible

	// CategoryProtocol indicates a session peer broke the protocol.
	CategoryProtocol

	// CategoryHospital indicates the event itself is unprocessable and must
	// be dead-lettered.
	CategoryHospital
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryFatal:
		return "fatal"
	case CategoryRecoverable:
		return "recoverable"
	case CategoryFlowVisible:
		return "flow_visible"
	case CategoryProtocol:
		return "protocol"
	case CategoryHospital:
		return "hospital"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Retries is the number of attempts that have been made.
	Retries int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Retries)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Retries)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Recoverable marks err as safe to retry on redelivery.
func Recoverable(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryRecoverable, context)
}

// Fatal marks err as fatal.
func Fatal(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryFatal, context)
}

// Categorize determines how an error should be handled.
func Categorize(err error) Category {
	if err == nil {
		return CategoryFatal // shouldn't happen, fail safe
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	var hospitalErr *HospitalError
	if errors.As(err, &hospitalErr) {
		return CategoryHospital
	}

	var fatalErr *FatalError
	if errors.As(err, &fatalErr) {
		return CategoryFatal
	}

	var procErr *ProcessingError
	if errors.As(err, &procErr) {
		return CategoryRecoverable
	}

	var platformErr *PlatformError
	if errors.As(err, &platformErr) {
		return CategoryFlowVisible
	}

	var sessionErr *SessionError
	if errors.As(err, &sessionErr) {
		return CategoryProtocol
	}

	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		return CategoryFlowVisible
	}

	// Unknown errors are fatal (fail safe)
	return CategoryFatal
}

// IsRecoverable reports whether the event should be retried.
func IsRecoverable(err error) bool {
	return Categorize(err) == CategoryRecoverable
}

// IsFatal reports whether processing of the key must stop.
func IsFatal(err error) bool {
	cat := Categorize(err)
	return cat == CategoryFatal || cat == CategoryHospital
}
