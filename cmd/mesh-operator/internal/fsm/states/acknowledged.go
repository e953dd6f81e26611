package states

import (
	"context"

	"github.com/looplab/fsm"
	"github.com/mesh-stack/mesh-operator/cmd/mesh-operator/internal/mesh"
)

// AcknowledgedState is entered when the gateway confirms a command. It ends
// the command lifecycle, so the retry counter and the correlation token are
// cleared.
type AcknowledgedState struct {
	status *mesh.DeviceStatus
	event  *mesh.ProvisioningEvent
}

func newAcknowledged(c *StateConfig) *AcknowledgedState {
	return &AcknowledgedState{
		status: c.Status,
		event:  c.Event,
	}
}

func (p *AcknowledgedState) OnTransition(ctx context.Context, e *fsm.Event) {
	p.status.RetryCount = 0
	p.status.LastError = ""
	p.status.LastCommandID = ""

	switch e.Dst {
	case Provisioned.String():
		if p.event.Address != nil {
			a := *p.event.Address
			p.status.Address = &a
		}
		p.status.Conditions.Update(mesh.ConditionProvisioned, true, "Acknowledged", "")
		p.status.Conditions.Update(mesh.ConditionProvisioning, false, "", "")
	case Unprovisioned.String():
		p.status.Address = nil
		p.status.Conditions.Update(mesh.ConditionProvisioned, false, "Acknowledged", "")
		p.status.Conditions.Update(mesh.ConditionProvisioning, false, "", "")
	}

	updateTransitionTime(p.event, p.status)
}
