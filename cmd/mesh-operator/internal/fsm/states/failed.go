package states

import (
	"context"

	"github.com/looplab/fsm"
	"github.com/mesh-stack/mesh-operator/cmd/mesh-operator/internal/mesh"
)

// FailedState is entered after the retry budget is exhausted. The device is
// excluded from automatic resends until the desired state changes or an
// operator resets it.
type FailedState struct {
	status *mesh.DeviceStatus
	event  *mesh.ProvisioningEvent
}

func newFailed(c *StateConfig) *FailedState {
	return &FailedState{
		status: c.Status,
		event:  c.Event,
	}
}

func (p *FailedState) OnTransition(ctx context.Context, e *fsm.Event) {
	if p.event.Message != "" {
		p.status.LastError = p.event.Message
	}
	p.status.LastCommandID = ""
	p.status.Conditions.Update(mesh.ConditionProvisioning, false, "RetriesExhausted", p.status.LastError)
	updateTransitionTime(p.event, p.status)
}
