package states

import (
	"context"

	"github.com/looplab/fsm"
	"github.com/mesh-stack/mesh-operator/cmd/mesh-operator/internal/mesh"
)

// DispatchingState is entered when a provision or unprovision command was
// published successfully. It also handles resends, which keep the current
// state but carry a fresh correlation token.
type DispatchingState struct {
	status *mesh.DeviceStatus
	event  *mesh.ProvisioningEvent
}

func newDispatching(c *StateConfig) *DispatchingState {
	return &DispatchingState{
		status: c.Status,
		event:  c.Event,
	}
}

func (p *DispatchingState) OnTransition(ctx context.Context, e *fsm.Event) {
	p.status.LastCommandID = p.event.Token
	p.status.Conditions.Update(mesh.ConditionProvisioning, e.Event == mesh.ProvisioningEventProvisionRequested.String(), "CommandDispatched", "")
	updateTransitionTime(p.event, p.status)
}
