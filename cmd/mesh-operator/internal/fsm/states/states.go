package states

import (
	"context"
	"log/slog"
	"time"

	"github.com/looplab/fsm"
	"github.com/mesh-stack/mesh-operator/cmd/mesh-operator/internal/mesh"
)

const (
	Unknown        stateType = "Unknown"
	Pending        stateType = "Pending"
	Provisioning   stateType = "Provisioning"
	Provisioned    stateType = "Provisioned"
	Unprovisioning stateType = "Unprovisioning"
	Unprovisioned  stateType = "Unprovisioned"
	Failed         stateType = "Failed"
)

// FSMState handles the status mutation of one provisioning event.
type FSMState interface {
	OnTransition(ctx context.Context, e *fsm.Event)
}

type stateType string

func (t stateType) String() string {
	return string(t)
}

type StateConfig struct {
	Log    *slog.Logger
	Status *mesh.DeviceStatus
	Event  *mesh.ProvisioningEvent
}

// AllStates returns the event handlers of the state machine, keyed by the
// event that triggers them.
func AllStates(c *StateConfig) map[string]FSMState {
	return map[string]FSMState{
		mesh.ProvisioningEventProvisionRequested.String():   newDispatching(c),
		mesh.ProvisioningEventUnprovisionRequested.String(): newDispatching(c),
		mesh.ProvisioningEventAckSucceeded.String():         newAcknowledged(c),
		mesh.ProvisioningEventAckFailed.String():            newAckFailed(c),
		mesh.ProvisioningEventCommandTimedOut.String():      newTimedOut(c),
		mesh.ProvisioningEventRetriesExhausted.String():     newFailed(c),
		mesh.ProvisioningEventDesiredChanged.String():       newPending(c),
	}
}

// AllStateNames returns the names of all states of the state machine.
func AllStateNames() []string {
	return []string{
		Unknown.String(),
		Pending.String(),
		Provisioning.String(),
		Provisioned.String(),
		Unprovisioning.String(),
		Unprovisioned.String(),
		Failed.String(),
	}
}

func updateTransitionTime(event *mesh.ProvisioningEvent, status *mesh.DeviceStatus) {
	t := event.Time
	if t.IsZero() {
		t = time.Now()
	}
	status.LastTransitionTime = &t
}
