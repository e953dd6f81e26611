package states

import (
	"context"

	"github.com/looplab/fsm"
	"github.com/mesh-stack/mesh-operator/cmd/mesh-operator/internal/mesh"
)

// PendingState is entered when the desired state of a device changes. It
// clears all retry bookkeeping so that the reconcile loop starts over.
type PendingState struct {
	status *mesh.DeviceStatus
	event  *mesh.ProvisioningEvent
}

func newPending(c *StateConfig) *PendingState {
	return &PendingState{
		status: c.Status,
		event:  c.Event,
	}
}

func (p *PendingState) OnTransition(ctx context.Context, e *fsm.Event) {
	p.status.RetryCount = 0
	p.status.LastError = ""
	p.status.LastCommandID = ""
	updateTransitionTime(p.event, p.status)
}
