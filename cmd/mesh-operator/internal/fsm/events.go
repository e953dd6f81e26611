package fsm

import (
	"github.com/looplab/fsm"
	"github.com/mesh-stack/mesh-operator/cmd/mesh-operator/internal/fsm/states"
	"github.com/mesh-stack/mesh-operator/cmd/mesh-operator/internal/mesh"
)

// Events returns the closed transition table of the device state machine.
// Every event fires only after the corresponding side effect happened, a
// provision request for example is only fed into the machine once the
// command was actually published.
func Events() fsm.Events {
	return fsm.Events{
		{
			Name: mesh.ProvisioningEventProvisionRequested.String(),
			Src: []string{
				states.Unknown.String(),
				states.Pending.String(),
				states.Unprovisioned.String(),
				states.Failed.String(),
			},
			Dst: states.Provisioning.String(),
		},
		{
			// resends after a timeout carry a fresh token but keep the state
			Name: mesh.ProvisioningEventProvisionRequested.String(),
			Src: []string{
				states.Provisioning.String(),
			},
			Dst: states.Provisioning.String(),
		},
		{
			Name: mesh.ProvisioningEventUnprovisionRequested.String(),
			Src: []string{
				states.Unknown.String(),
				states.Pending.String(),
				states.Provisioned.String(),
				states.Failed.String(),
			},
			Dst: states.Unprovisioning.String(),
		},
		{
			Name: mesh.ProvisioningEventUnprovisionRequested.String(),
			Src: []string{
				states.Unprovisioning.String(),
			},
			Dst: states.Unprovisioning.String(),
		},
		{
			Name: mesh.ProvisioningEventAckSucceeded.String(),
			Src: []string{
				states.Provisioning.String(),
			},
			Dst: states.Provisioned.String(),
		},
		{
			Name: mesh.ProvisioningEventAckSucceeded.String(),
			Src: []string{
				states.Unprovisioning.String(),
			},
			Dst: states.Unprovisioned.String(),
		},
		{
			Name: mesh.ProvisioningEventAckFailed.String(),
			Src: []string{
				states.Provisioning.String(),
			},
			Dst: states.Provisioning.String(),
		},
		{
			Name: mesh.ProvisioningEventAckFailed.String(),
			Src: []string{
				states.Unprovisioning.String(),
			},
			Dst: states.Unprovisioning.String(),
		},
		{
			Name: mesh.ProvisioningEventCommandTimedOut.String(),
			Src: []string{
				states.Provisioning.String(),
			},
			Dst: states.Provisioning.String(),
		},
		{
			Name: mesh.ProvisioningEventCommandTimedOut.String(),
			Src: []string{
				states.Unprovisioning.String(),
			},
			Dst: states.Unprovisioning.String(),
		},
		{
			Name: mesh.ProvisioningEventRetriesExhausted.String(),
			Src: []string{
				states.Provisioning.String(),
				states.Unprovisioning.String(),
			},
			Dst: states.Failed.String(),
		},
		{
			Name: mesh.ProvisioningEventDesiredChanged.String(),
			Src:  states.AllStateNames(),
			Dst:  states.Pending.String(),
		},
	}
}
