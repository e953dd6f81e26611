package fsm

import (
	"context"
	"errors"
	"log/slog"

	"github.com/looplab/fsm"
	"github.com/mesh-stack/mesh-operator/cmd/mesh-operator/internal/fsm/states"
	"github.com/mesh-stack/mesh-operator/cmd/mesh-operator/internal/mesh"
)

// Action is what the reconcile loop has to do for a device.
type Action string

const (
	// ActionNone indicates a converged or failed device, nothing to send.
	ActionNone Action = "none"
	// ActionAwait indicates a command is underway, the loop waits for the
	// acknowledgment or the deadline.
	ActionAwait Action = "await"
	// ActionSendProvision and ActionSendUnprovision instruct the loop to
	// dispatch the corresponding command.
	ActionSendProvision   Action = "send-provision"
	ActionSendUnprovision Action = "send-unprovision"
)

// Plan computes the action for a device from its desired and observed
// state. It is a pure function, the closed table guarantees one defined
// action for every pair.
func Plan(desired mesh.DesiredState, observed mesh.ObservedState) Action {
	switch desired {
	case mesh.DesiredProvisioned:
		switch observed {
		case mesh.StateProvisioned, mesh.StateFailed:
			return ActionNone
		case mesh.StateProvisioning, mesh.StateUnprovisioning:
			return ActionAwait
		default:
			return ActionSendProvision
		}
	case mesh.DesiredUnprovisioned:
		switch observed {
		case mesh.StateUnprovisioned, mesh.StateFailed:
			return ActionNone
		case mesh.StateProvisioning, mesh.StateUnprovisioning:
			return ActionAwait
		default:
			return ActionSendUnprovision
		}
	default:
		return ActionNone
	}
}

// ResendAction returns the dispatch action that resumes a device stuck in
// an in-flight state after its command timed out.
func ResendAction(observed mesh.ObservedState) Action {
	switch observed {
	case mesh.StateProvisioning:
		return ActionSendProvision
	case mesh.StateUnprovisioning:
		return ActionSendUnprovision
	default:
		return ActionNone
	}
}

type provisioningFSM struct {
	fsm    *fsm.FSM
	status *mesh.DeviceStatus
	event  *mesh.ProvisioningEvent
	log    *slog.Logger
}

// HandleProvisioningEvent applies the given event to the status of a device
// and returns the new status. The incoming status is never mutated, on an
// error the previous status stays valid.
//
// All bookkeeping around the observed state (retry counter, last error,
// correlation token, conditions, address) happens here, no other component
// mutates the status.
func HandleProvisioningEvent(ctx context.Context, log *slog.Logger, status *mesh.DeviceStatus, event *mesh.ProvisioningEvent) (*mesh.DeviceStatus, error) {
	if event == nil {
		return nil, mesh.Internal(errors.New("event is nil"), "provisioning event must not be nil")
	}

	clone := status.DeepCopy()
	if clone.ObservedState == "" {
		clone.ObservedState = mesh.StateUnknown
	}

	p := newProvisioningFSM(log, clone, event)

	err := p.fsm.Event(ctx, event.Event.String())
	if err != nil {
		noTransition := fsm.NoTransitionError{}
		if !errors.As(err, &noTransition) {
			return nil, mesh.Internal(err, "event %q is not allowed in state %q", event.Event, clone.ObservedState)
		}
	}

	clone.ObservedState = mesh.ObservedState(p.fsm.Current())

	return clone, nil
}

func newProvisioningFSM(log *slog.Logger, status *mesh.DeviceStatus, event *mesh.ProvisioningEvent) *provisioningFSM {
	p := provisioningFSM{
		status: status,
		event:  event,
		log:    log,
	}

	callbacks := fsm.Callbacks{}
	for name, s := range states.AllStates(&states.StateConfig{Log: log, Status: status, Event: event}) {
		callbacks["before_"+name] = s.OnTransition
	}

	p.fsm = fsm.NewFSM(
		status.ObservedState.String(),
		Events(),
		callbacks,
	)

	return &p
}
