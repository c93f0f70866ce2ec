// Package external correlates asynchronous requests issued by suspended flows
// (signing, persistence, ...) with the responses that later arrive for them.
package external

import (
	"slices"
	"time"

	feerrors "github.com/randalmurphal/flowengine/pkg/flowengine/errors"
)

// Status is the outcome reported by an external operation.
type Status string

// Response statuses.
const (
	StatusOK            Status = "OK"
	StatusRetry         Status = "RETRY"
	StatusPlatformError Status = "PLATFORM_ERROR"
	StatusFatalError    Status = "FATAL_ERROR"
)

// Request is sent to the external operation dispatcher.
type Request struct {
	RequestID        string    `json:"request_id"`
	FlowID           string    `json:"flow_id"`
	FactoryClassName string    `json:"factory_class_name"`
	Payload          []byte    `json:"payload,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Response is produced by the dispatcher and keyed by request id.
type Response struct {
	RequestID string             `json:"request_id"`
	Status    Status             `json:"status"`
	Payload   []byte             `json:"payload,omitempty"`
	Error     *feerrors.Envelope `json:"error,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// State is the correlation record for one outstanding request.
type State struct {
	RequestID        string    `json:"request_id"`
	FactoryClassName string    `json:"factory_class_name"`
	Status           Status    `json:"status,omitempty"`
	Retries          int       `json:"retries"`
	Request          Request   `json:"request"`
	Response         *Response `json:"response,omitempty"`

	// SendAt is when the request is next due to be (re)sent. Zero means no
	// send is pending.
	SendAt time.Time `json:"send_at,omitzero"`
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.Request.Payload = slices.Clone(s.Request.Payload)
	if s.Response != nil {
		resp := *s.Response
		resp.Payload = slices.Clone(s.Response.Payload)
		if s.Response.Error != nil {
			env := *s.Response.Error
			resp.Error = &env
		}
		c.Response = &resp
	}
	return &c
}

// Factory turns a response payload into the value handed to the flow.
type Factory interface {
	Resume(payload []byte) (any, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(payload []byte) (any, error)

// Resume calls f.
func (f FactoryFunc) Resume(payload []byte) (any, error) {
	return f(payload)
}
