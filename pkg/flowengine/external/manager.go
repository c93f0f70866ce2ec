package external

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	feerrors "github.com/randalmurphal/flowengine/pkg/flowengine/errors"
	"github.com/randalmurphal/flowengine/pkg/flowengine/flow"
	"github.com/randalmurphal/flowengine/pkg/flowengine/registry"
)

// ErrNoResponse is returned when reading a response that has not arrived.
var ErrNoResponse = errors.New("external: no response received")

// Config controls the retry policy.
type Config struct {
	// MaxRetries is how many RETRY responses are tolerated before the flow is
	// resumed with an error.
	MaxRetries int

	// ResendWindow is how long to wait for a response before resending.
	ResendWindow time.Duration
}

// DefaultConfig returns the default external event configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		ResendWindow: 30 * time.Second,
	}
}

// Factories resolves factory class names.
type Factories = registry.Registry[string, Factory]

// NewFactories creates an empty factory registry.
func NewFactories() *Factories {
	return registry.New[string, Factory]()
}

// Manager implements the correlation and retry policy.
type Manager struct {
	config    Config
	factories *Factories
	logger    *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig sets the retry policy.
func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		m.config = cfg
	}
}

// WithFactories sets the factory registry.
func WithFactories(f *Factories) Option {
	return func(m *Manager) {
		m.factories = f
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates an external event manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		config:    DefaultConfig(),
		factories: NewFactories(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the manager configuration.
func (m *Manager) Config() Config {
	return m.config
}

// ProcessEventToSend creates the correlation record for a new request. The
// request is due immediately.
func (m *Manager) ProcessEventToSend(flowID, requestID, factoryClassName string, payload []byte, now time.Time) *State {
	return &State{
		RequestID:        requestID,
		FactoryClassName: factoryClassName,
		Request: Request{
			RequestID:        requestID,
			FlowID:           flowID,
			FactoryClassName: factoryClassName,
			Payload:          payload,
			Timestamp:        now,
		},
		SendAt: now,
	}
}

// ProcessResponseReceived folds a response into the record. Responses for
// other requests, or arriving after a final response, are logged and ignored.
func (m *Manager) ProcessResponseReceived(state *State, resp Response) *State {
	if state == nil {
		m.logger.Warn("external event response without outstanding request",
			slog.String("request_id", resp.RequestID))
		return nil
	}
	if state.RequestID != resp.RequestID {
		m.logger.Warn("external event response for another request ignored",
			slog.String("request_id", resp.RequestID),
			slog.String("expected_request_id", state.RequestID))
		return state
	}
	if state.Response != nil {
		m.logger.Debug("duplicate external event response ignored",
			slog.String("request_id", resp.RequestID))
		return state
	}

	next := state.Clone()
	r := resp
	next.Response = &r
	next.Status = resp.Status
	next.SendAt = time.Time{}
	return next
}

// GetEventToSend returns the request if it is due, rescheduling a resend in
// case no response arrives within the resend window.
func (m *Manager) GetEventToSend(state *State, now time.Time) (*State, *Request) {
	if state == nil || state.Response != nil || state.SendAt.IsZero() || state.SendAt.After(now) {
		return state, nil
	}
	next := state.Clone()
	next.SendAt = now.Add(m.config.ResendWindow)
	req := next.Request
	req.Timestamp = now
	return next, &req
}

// HasReceivedResponse reports whether a response is waiting to be processed.
func (m *Manager) HasReceivedResponse(state *State) bool {
	return state != nil && state.Response != nil
}

// GetReceivedResponse resumes the response payload through its factory.
func (m *Manager) GetReceivedResponse(state *State) (any, error) {
	if !m.HasReceivedResponse(state) {
		return nil, ErrNoResponse
	}
	factory, ok := m.factories.Get(state.FactoryClassName)
	if !ok {
		return nil, &feerrors.FatalError{
			FlowID:  state.Request.FlowID,
			Message: fmt.Sprintf("no external event factory %q", state.FactoryClassName),
		}
	}
	return factory.Resume(state.Response.Payload)
}

// Decide applies the retry policy to the current record. It never mutates
// the record; MarkRetried performs the bookkeeping for a RETRY that is
// allowed to continue.
func (m *Manager) Decide(state *State) (flow.Continuation, error) {
	if !m.HasReceivedResponse(state) {
		return flow.Continue{}, nil
	}

	resp := state.Response
	switch resp.Status {
	case StatusOK:
		value, err := m.GetReceivedResponse(state)
		var fatal *feerrors.FatalError
		switch {
		case errors.As(err, &fatal):
			return nil, err
		case err != nil:
			// An undecodable response is the flow's failure, not the platform's.
			return flow.Error{Cause: &feerrors.PlatformError{
				Operation: state.FactoryClassName,
				Message:   fmt.Sprintf("decode response %s: %v", state.RequestID, err),
			}}, nil
		}
		return flow.Run{Value: value}, nil

	case StatusRetry:
		if state.Retries >= m.config.MaxRetries {
			return flow.Error{Cause: &feerrors.PlatformError{
				Operation: state.FactoryClassName,
				Message:   fmt.Sprintf("retries exhausted after %d attempts: %s", state.Retries+1, envelopeMessage(resp)),
			}}, nil
		}
		return flow.Continue{}, nil

	case StatusPlatformError:
		return flow.Error{Cause: &feerrors.PlatformError{
			Operation: state.FactoryClassName,
			Message:   envelopeMessage(resp),
		}}, nil

	case StatusFatalError:
		return nil, &feerrors.FatalError{
			FlowID:  state.Request.FlowID,
			Message: fmt.Sprintf("external event %s failed fatally: %s", state.RequestID, envelopeMessage(resp)),
		}

	default:
		return nil, &feerrors.FatalError{
			FlowID:  state.Request.FlowID,
			Message: fmt.Sprintf("unknown external event status %q", resp.Status),
		}
	}
}

// MarkRetried counts a RETRY response and schedules the request to be resent.
func (m *Manager) MarkRetried(state *State, now time.Time) *State {
	next := state.Clone()
	next.Retries++
	next.Response = nil
	next.Status = ""
	next.SendAt = now
	m.logger.Debug("external event retry scheduled",
		slog.String("request_id", state.RequestID),
		slog.Int("retries", next.Retries))
	return next
}

func envelopeMessage(resp *Response) string {
	if resp.Error == nil {
		return string(resp.Status)
	}
	return resp.Error.Message
}
