package states

import (
	"context"

	"github.com/looplab/fsm"
	"github.com/mesh-stack/mesh-operator/cmd/mesh-operator/internal/mesh"
)

// TimedOutState handles a command whose deadline passed without an
// acknowledgment. The correlation token is retired so that a late ack is
// discarded as stale.
type TimedOutState struct {
	status *mesh.DeviceStatus
	event  *mesh.ProvisioningEvent
}

func newTimedOut(c *StateConfig) *TimedOutState {
	return &TimedOutState{
		status: c.Status,
		event:  c.Event,
	}
}

func (p *TimedOutState) OnTransition(ctx context.Context, e *fsm.Event) {
	p.status.RetryCount++
	p.status.LastError = p.event.Message
	p.status.LastCommandID = ""
	updateTransitionTime(p.event, p.status)
}
