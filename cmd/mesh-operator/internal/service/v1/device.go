package v1

import (
	"time"

	"github.com/mesh-stack/mesh-operator/cmd/mesh-operator/internal/mesh"
)

type (
	// DeviceResponse is the device representation returned by the operator's
	// REST endpoints.
	DeviceResponse struct {
		ID          string            `json:"id"`
		Application string            `json:"application"`
		Labels      map[string]string `json:"labels,omitempty"`
		MeshDevice  string            `json:"mesh_device"`
		Aliases     []string          `json:"aliases,omitempty"`
		Desired     string            `json:"desired_state"`
		Status      DeviceStatus      `json:"status"`
	}

	// DeviceStatus is the provisioning status section of a DeviceResponse.
	DeviceStatus struct {
		ObservedState      string     `json:"observed_state"`
		Address            *uint16    `json:"address,omitempty"`
		RetryCount         uint       `json:"retry_count"`
		LastError          string     `json:"last_error,omitempty"`
		LastCommandID      string     `json:"last_command_id,omitempty"`
		LastTransitionTime *time.Time `json:"last_transition_time,omitempty"`
		Converged          bool       `json:"converged"`
	}
)

// NewDeviceResponse converts a device into its REST representation.
func NewDeviceResponse(d *mesh.Device) *DeviceResponse {
	r := &DeviceResponse{
		ID:          d.ID,
		Application: d.Application,
		Labels:      d.Labels,
	}
	if d.Spec != nil {
		r.MeshDevice = d.Spec.Device
		r.Aliases = d.Spec.Aliases
		r.Desired = d.Spec.DesiredState.String()
	}
	if d.Status != nil {
		r.Status = DeviceStatus{
			ObservedState:      d.Status.ObservedState.String(),
			Address:            d.Status.Address,
			RetryCount:         d.Status.RetryCount,
			LastError:          d.Status.LastError,
			LastCommandID:      d.Status.LastCommandID,
			LastTransitionTime: d.Status.LastTransitionTime,
		}
		if d.Spec != nil {
			r.Status.Converged = d.Status.ObservedState.Converged(d.Spec.DesiredState)
		}
	}
	return r
}
