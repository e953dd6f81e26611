package states

import (
	"context"

	"github.com/looplab/fsm"
	"github.com/mesh-stack/mesh-operator/cmd/mesh-operator/internal/mesh"
)

// AckFailedState handles a negative acknowledgment. The device stays in its
// current in-flight state and the next resend is subject to backoff.
type AckFailedState struct {
	status *mesh.DeviceStatus
	event  *mesh.ProvisioningEvent
}

func newAckFailed(c *StateConfig) *AckFailedState {
	return &AckFailedState{
		status: c.Status,
		event:  c.Event,
	}
}

func (p *AckFailedState) OnTransition(ctx context.Context, e *fsm.Event) {
	p.status.RetryCount++
	p.status.LastError = p.event.Message
	p.status.LastCommandID = ""
	updateTransitionTime(p.event, p.status)
}
