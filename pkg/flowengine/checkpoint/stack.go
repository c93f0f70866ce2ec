package checkpoint

import "slices"

// StackItem is one sub-flow frame on the flow stack.
type StackItem struct {
	FlowName         string   `json:"flow_name"`
	Protocol         string   `json:"protocol,omitempty"`
	ProtocolVersion  int      `json:"protocol_version,omitempty"`
	IsInitiatingFlow bool     `json:"is_initiating_flow"`
	SessionIDs       []string `json:"session_ids,omitempty"`
}

func (s StackItem) clone() StackItem {
	s.SessionIDs = slices.Clone(s.SessionIDs)
	return s
}

// PushFrame pushes a sub-flow frame.
func (c *Checkpoint) PushFrame(item StackItem) {
	c.FlowStack = append(c.FlowStack, item.clone())
}

// PopFrame removes and returns the top frame.
func (c *Checkpoint) PopFrame() (StackItem, bool) {
	if len(c.FlowStack) == 0 {
		return StackItem{}, false
	}
	top := c.FlowStack[len(c.FlowStack)-1]
	c.FlowStack = c.FlowStack[:len(c.FlowStack)-1]
	if len(c.FlowStack) == 0 {
		c.FlowStack = nil
	}
	return top, true
}

// PeekFrame returns the top frame without removing it.
func (c *Checkpoint) PeekFrame() (StackItem, bool) {
	if len(c.FlowStack) == 0 {
		return StackItem{}, false
	}
	return c.FlowStack[len(c.FlowStack)-1], true
}

// NearestInitiatingFrame returns the closest frame to the top of the stack
// that is an initiating flow. Its protocol is used for new outbound sessions.
func (c *Checkpoint) NearestInitiatingFrame() (StackItem, bool) {
	for i := len(c.FlowStack) - 1; i >= 0; i-- {
		if c.FlowStack[i].IsInitiatingFlow {
			return c.FlowStack[i], true
		}
	}
	return StackItem{}, false
}

// AddSessionToTopFrame records that the current sub-flow owns sessionID.
func (c *Checkpoint) AddSessionToTopFrame(sessionID string) {
	if len(c.FlowStack) == 0 {
		return
	}
	top := &c.FlowStack[len(c.FlowStack)-1]
	if !slices.Contains(top.SessionIDs, sessionID) {
		top.SessionIDs = append(top.SessionIDs, sessionID)
	}
}

// FrameForSession returns the innermost frame that owns sessionID.
func (c *Checkpoint) FrameForSession(sessionID string) (StackItem, bool) {
	for i := len(c.FlowStack) - 1; i >= 0; i-- {
		if slices.Contains(c.FlowStack[i].SessionIDs, sessionID) {
			return c.FlowStack[i], true
		}
	}
	return StackItem{}, false
}
