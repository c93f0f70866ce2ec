package external_test

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	feerrors "github.com/randalmurphal/flowengine/pkg/flowengine/errors"
	"github.com/randalmurphal/flowengine/pkg/flowengine/external"
	"github.com/randalmurphal/flowengine/pkg/flowengine/flow"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newManager(maxRetries int) *external.Manager {
	factories := external.NewFactories()
	factories.Register("sign", external.FactoryFunc(func(payload []byte) (any, error) {
		return "signed:" + string(payload), nil
	}))
	factories.Register("strict", external.FactoryFunc(func([]byte) (any, error) {
		return nil, errors.New("decode: bad payload")
	}))
	return external.NewManager(
		external.WithConfig(external.Config{MaxRetries: maxRetries, ResendWindow: 10 * time.Second}),
		external.WithFactories(factories),
		external.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func response(status external.Status) external.Response {
	return external.Response{RequestID: "req-1", Status: status, Payload: []byte("tx"), Timestamp: epoch}
}

func TestProcessEventToSendAndResend(t *testing.T) {
	m := newManager(3)
	state := m.ProcessEventToSend("flow-1", "req-1", "sign", []byte("tx"), epoch)

	state, req := m.GetEventToSend(state, epoch)
	require.NotNil(t, req)
	assert.Equal(t, "req-1", req.RequestID)
	assert.Equal(t, "flow-1", req.FlowID)
	assert.Equal(t, "sign", req.FactoryClassName)

	_, req = m.GetEventToSend(state, epoch.Add(5*time.Second))
	assert.Nil(t, req, "not due before the resend window")

	state, req = m.GetEventToSend(state, epoch.Add(10*time.Second))
	require.NotNil(t, req)

	state = m.ProcessResponseReceived(state, response(external.StatusOK))
	_, req = m.GetEventToSend(state, epoch.Add(time.Hour))
	assert.Nil(t, req, "never resent once answered")
}

func TestProcessResponseReceived(t *testing.T) {
	m := newManager(3)
	state := m.ProcessEventToSend("flow-1", "req-1", "sign", nil, epoch)

	t.Run("mismatched request id ignored", func(t *testing.T) {
		other := response(external.StatusOK)
		other.RequestID = "req-2"
		after := m.ProcessResponseReceived(state, other)
		assert.False(t, m.HasReceivedResponse(after))
	})

	t.Run("no outstanding request", func(t *testing.T) {
		assert.Nil(t, m.ProcessResponseReceived(nil, response(external.StatusOK)))
	})

	t.Run("first response wins", func(t *testing.T) {
		after := m.ProcessResponseReceived(state, response(external.StatusOK))
		after = m.ProcessResponseReceived(after, response(external.StatusPlatformError))
		assert.Equal(t, external.StatusOK, after.Status)
		assert.False(t, m.HasReceivedResponse(state), "input is not mutated")
	})
}

func TestDecideOK(t *testing.T) {
	m := newManager(3)
	state := m.ProcessEventToSend("flow-1", "req-1", "sign", nil, epoch)

	c, err := m.Decide(state)
	require.NoError(t, err)
	assert.Equal(t, flow.Continue{}, c)

	state = m.ProcessResponseReceived(state, response(external.StatusOK))
	c, err = m.Decide(state)
	require.NoError(t, err)
	assert.Equal(t, flow.Run{Value: "signed:tx"}, c)
}

func TestDecideUnknownFactoryIsFatal(t *testing.T) {
	m := newManager(3)
	state := m.ProcessEventToSend("flow-1", "req-1", "missing", nil, epoch)
	state = m.ProcessResponseReceived(state, response(external.StatusOK))

	_, err := m.Decide(state)
	var fatal *feerrors.FatalError
	require.ErrorAs(t, err, &fatal)
}

func TestDecideUndecodableResponseIsFlowVisible(t *testing.T) {
	m := newManager(3)
	state := m.ProcessEventToSend("flow-1", "req-1", "strict", nil, epoch)
	state = m.ProcessResponseReceived(state, response(external.StatusOK))

	c, err := m.Decide(state)
	require.NoError(t, err)
	flowErr, ok := c.(flow.Error)
	require.True(t, ok, "got %T", c)
	var platformErr *feerrors.PlatformError
	require.ErrorAs(t, flowErr.Cause, &platformErr)
	assert.Equal(t, "strict", platformErr.Operation)
	assert.Contains(t, platformErr.Message, "decode: bad payload")
}

func TestDecidePlatformError(t *testing.T) {
	m := newManager(3)
	state := m.ProcessEventToSend("flow-1", "req-1", "sign", nil, epoch)
	resp := response(external.StatusPlatformError)
	resp.Error = &feerrors.Envelope{Type: "CryptoError", Message: "key not found"}
	state = m.ProcessResponseReceived(state, resp)

	c, err := m.Decide(state)
	require.NoError(t, err)
	flowErr, ok := c.(flow.Error)
	require.True(t, ok)
	var platformErr *feerrors.PlatformError
	require.ErrorAs(t, flowErr.Cause, &platformErr)
	assert.Equal(t, "key not found", platformErr.Message)
}

func TestDecideFatalErrorNeverContinues(t *testing.T) {
	m := newManager(3)
	state := m.ProcessEventToSend("flow-1", "req-1", "sign", nil, epoch)
	state = m.ProcessResponseReceived(state, response(external.StatusFatalError))

	c, err := m.Decide(state)
	assert.Nil(t, c)
	var fatal *feerrors.FatalError
	require.ErrorAs(t, err, &fatal)
	assert.True(t, feerrors.IsFatal(err))
}

func TestRetryBound(t *testing.T) {
	for _, maxRetries := range []int{0, 1, 2, 3} {
		m := newManager(maxRetries)
		state := m.ProcessEventToSend("flow-1", "req-1", "sign", nil, epoch)

		attempt := 0
		for {
			attempt++
			require.LessOrEqual(t, attempt, maxRetries+1, "must fail by attempt %d", maxRetries+1)
			state = m.ProcessResponseReceived(state, response(external.StatusRetry))

			c, err := m.Decide(state)
			require.NoError(t, err)
			if _, isErr := c.(flow.Error); isErr {
				break
			}
			require.Equal(t, flow.Continue{}, c)
			state = m.MarkRetried(state, epoch)
			assert.LessOrEqual(t, state.Retries, maxRetries)

			_, req := m.GetEventToSend(state, epoch)
			require.NotNil(t, req, "a retried request is resent immediately")
		}
		assert.Equal(t, maxRetries+1, attempt, "maxRetries=%d", maxRetries)
	}
}

func TestRetriesReachingMaxFailImmediately(t *testing.T) {
	m := newManager(2)
	state := m.ProcessEventToSend("flow-1", "req-1", "sign", nil, epoch)
	state.Retries = 2
	state = m.ProcessResponseReceived(state, response(external.StatusRetry))

	c, err := m.Decide(state)
	require.NoError(t, err)
	assert.IsType(t, flow.Error{}, c)
}

func TestGetReceivedResponseWithoutResponse(t *testing.T) {
	m := newManager(1)
	_, err := m.GetReceivedResponse(m.ProcessEventToSend("f", "r", "sign", nil, epoch))
	assert.True(t, errors.Is(err, external.ErrNoResponse))
}

func TestStateClone(t *testing.T) {
	m := newManager(1)
	state := m.ProcessEventToSend("f", "req-1", "sign", []byte("p"), epoch)
	state = m.ProcessResponseReceived(state, response(external.StatusOK))

	c := state.Clone()
	c.Response.Payload[0] = 'X'
	c.Request.Payload[0] = 'X'
	assert.Equal(t, []byte("tx"), state.Response.Payload)
	assert.Equal(t, []byte("p"), state.Request.Payload)
}
