package mesh

import (
	"fmt"
	"slices"
	"time"

	"github.com/samber/lo"
)

// DesiredState is the provisioning intent recorded for a device by an
// external actor.
type DesiredState string

// ObservedState is the last state the operator believes the physical node
// to be in, based on gateway acknowledgments.
type ObservedState string

const (
	DesiredProvisioned   DesiredState = "Provisioned"
	DesiredUnprovisioned DesiredState = "Unprovisioned"

	StateUnknown        ObservedState = "Unknown"
	StatePending        ObservedState = "Pending"
	StateProvisioning   ObservedState = "Provisioning"
	StateProvisioned    ObservedState = "Provisioned"
	StateUnprovisioning ObservedState = "Unprovisioning"
	StateUnprovisioned  ObservedState = "Unprovisioned"
	StateFailed         ObservedState = "Failed"

	// LabelRole marks the role of a device within the application.
	LabelRole = "role"
	// RoleGateway marks a device acting as a mesh gateway. Gateways are the
	// targets of command messages and are never provisioned themselves.
	RoleGateway = "gateway"

	// ConditionProvisioned and ConditionProvisioning are mirrored into the
	// registry status section for external consumers.
	ConditionProvisioned  = "Provisioned"
	ConditionProvisioning = "Provisioning"
)

// AllObservedStates contains every state a device can be observed in.
var AllObservedStates = []ObservedState{
	StateUnknown,
	StatePending,
	StateProvisioning,
	StateProvisioned,
	StateUnprovisioning,
	StateUnprovisioned,
	StateFailed,
}

func (s ObservedState) String() string {
	return string(s)
}

func (s DesiredState) String() string {
	return string(s)
}

// Converged returns true if the observed state already satisfies the
// desired state, in which case the reconcile loop must not issue a command.
func (s ObservedState) Converged(desired DesiredState) bool {
	switch desired {
	case DesiredProvisioned:
		return s == StateProvisioned
	case DesiredUnprovisioned:
		return s == StateUnprovisioned
	default:
		return false
	}
}

// InFlight returns true while a command for this device awaits an
// acknowledgment.
func (s ObservedState) InFlight() bool {
	return s == StateProvisioning || s == StateUnprovisioning
}

// Device is a registry entry for a single mesh node or gateway. The
// registry is the source of truth for device existence; the operator only
// ever updates the status section.
type Device struct {
	ID          string            `json:"id"`
	Application string            `json:"application"`
	Labels      map[string]string `json:"labels,omitempty"`
	// Version is an opaque resource version used for optimistic concurrency
	// on status updates.
	Version string        `json:"version,omitempty"`
	Spec    *DeviceSpec   `json:"spec,omitempty"`
	Status  *DeviceStatus `json:"status,omitempty"`
}

// DeviceSpec holds the desired provisioning state of a mesh node.
type DeviceSpec struct {
	// Device is the mesh device UUID announced by the unprovisioned node.
	Device       string       `json:"device"`
	DesiredState DesiredState `json:"desiredState"`
	// Aliases are alternative names the device is known by, e.g. the hex
	// representation of its unicast address once provisioned.
	Aliases []string `json:"aliases,omitempty"`
}

// DeviceStatus holds the observed provisioning state of a mesh node.
// It transitions only through the state machine; no other component
// mutates the observed state directly.
type DeviceStatus struct {
	ObservedState ObservedState `json:"observedState"`
	// Address is the unicast address assigned by the gateway on a
	// successful provisioning.
	Address            *uint16    `json:"address,omitempty"`
	RetryCount         uint       `json:"retryCount"`
	LastError          string     `json:"lastError,omitempty"`
	LastCommandID      string     `json:"lastCommandId,omitempty"`
	LastTransitionTime *time.Time `json:"lastTransitionTime,omitempty"`
	Conditions         Conditions `json:"conditions,omitempty"`
	// LastSeenDesired is the desired state the observed state refers to.
	// Persisting it makes desired-state changes detectable across process
	// restarts, which keeps a Failed device quiet until an actual change.
	LastSeenDesired DesiredState `json:"lastSeenDesired,omitempty"`
}

// DeepCopy returns a copy of the status that shares no memory with the
// original.
func (s *DeviceStatus) DeepCopy() *DeviceStatus {
	if s == nil {
		return &DeviceStatus{ObservedState: StateUnknown}
	}
	clone := *s
	if s.Address != nil {
		a := *s.Address
		clone.Address = &a
	}
	clone.Conditions = slices.Clone(s.Conditions)
	return &clone
}

// Condition reports one aspect of the device lifecycle to registry consumers.
type Condition struct {
	Type           string    `json:"type"`
	Status         bool      `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	Message        string    `json:"message,omitempty"`
	LastUpdateTime time.Time `json:"lastUpdateTime"`
}

// Conditions is the list of conditions of a device status.
type Conditions []Condition

// Update sets the condition of the given type, appending it if not present.
func (c *Conditions) Update(conditionType string, status bool, reason, message string) {
	now := time.Now()
	for i := range *c {
		if (*c)[i].Type == conditionType {
			(*c)[i].Status = status
			(*c)[i].Reason = reason
			(*c)[i].Message = message
			(*c)[i].LastUpdateTime = now
			return
		}
	}
	*c = append(*c, Condition{
		Type:           conditionType,
		Status:         status,
		Reason:         reason,
		Message:        message,
		LastUpdateTime: now,
	})
}

// DeepCopy returns a copy of the device that shares no memory with the
// original.
func (d Device) DeepCopy() Device {
	clone := d
	clone.Labels = lo.Assign(map[string]string{}, d.Labels)
	if d.Spec != nil {
		spec := *d.Spec
		spec.Aliases = slices.Clone(d.Spec.Aliases)
		clone.Spec = &spec
	}
	clone.Status = d.Status.DeepCopy()
	return clone
}

// IsGateway returns true if the device acts as a mesh gateway.
func (d *Device) IsGateway() bool {
	return d.Labels[LabelRole] == RoleGateway
}

// HasMeshSpec returns true if the device carries a mesh provisioning spec
// and therefore takes part in reconciliation.
func (d *Device) HasMeshSpec() bool {
	return d.Spec != nil && d.Spec.Device != ""
}

// EnsureAlias adds the given alias to the device spec if not already
// present and reports whether the spec was changed.
func (d *Device) EnsureAlias(alias string) bool {
	if d.Spec == nil {
		return false
	}
	if slices.Contains(d.Spec.Aliases, alias) {
		return false
	}
	d.Spec.Aliases = append(d.Spec.Aliases, alias)
	return true
}

// AliasForAddress returns the canonical alias of a provisioned node, the
// hex representation of its big-endian unicast address.
func AliasForAddress(address uint16) string {
	return fmt.Sprintf("%02x%02x", byte(address>>8), byte(address))
}

// Devices is a list of devices.
type Devices []Device

// Gateways returns the ids of all devices labeled as mesh gateways.
func (ds Devices) Gateways() []string {
	return lo.FilterMap(ds, func(d Device, _ int) (string, bool) {
		return d.ID, d.IsGateway()
	})
}

// ByID creates a map of devices with their ids as the key.
func (ds Devices) ByID() map[string]Device {
	return lo.KeyBy(ds, func(d Device) string {
		return d.ID
	})
}
