package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/randalmurphal/flowengine/pkg/flowengine/event"
	"github.com/randalmurphal/flowengine/pkg/flowengine/flow"
)

func TestHandlerTablesAreExhaustive(t *testing.T) {
	p := New()

	for _, typ := range event.AllPayloadTypes() {
		assert.Contains(t, p.eventHandlers, typ, "event handler for %s", typ)
	}
	assert.Len(t, p.eventHandlers, len(event.AllPayloadTypes()))

	for _, kind := range flow.AllWaitingForKinds() {
		assert.Contains(t, p.waitingForHandlers, kind, "waiting-for handler for %s", kind)
	}
	assert.Len(t, p.waitingForHandlers, len(flow.AllWaitingForKinds()))

	for _, kind := range flow.AllRequestKinds() {
		assert.Contains(t, p.requestHandlers, kind, "request handler for %s", kind)
	}
	assert.Len(t, p.requestHandlers, len(flow.AllRequestKinds()))
}
