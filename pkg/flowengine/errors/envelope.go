package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Envelope is the stable error contract surfaced to remote callers and
// observers: the cause type name and its message.
type Envelope struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Error implements the error interface so envelopes can be returned as
// causes after a checkpoint round-trip.
func (e *Envelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// NewEnvelope builds an envelope from err. The type name is taken from the
// innermost classified error, falling back to the outermost error type.
func NewEnvelope(err error) *Envelope {
	if err == nil {
		return nil
	}
	var env *Envelope
	if errors.As(err, &env) {
		return &Envelope{Type: env.Type, Message: env.Message}
	}
	return &Envelope{Type: typeName(classified(err)), Message: err.Error()}
}

func classified(err error) error {
	var (
		procErr     *ProcessingError
		fatalErr    *FatalError
		hospitalErr *HospitalError
		platformErr *PlatformError
		sessionErr  *SessionError
		panicErr    *PanicError
	)
	switch {
	case errors.As(err, &hospitalErr):
		return hospitalErr
	case errors.As(err, &fatalErr):
		return fatalErr
	case errors.As(err, &procErr):
		return procErr
	case errors.As(err, &platformErr):
		return platformErr
	case errors.As(err, &sessionErr):
		return sessionErr
	case errors.As(err, &panicErr):
		return panicErr
	}
	return err
}

func typeName(err error) string {
	name := strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}
