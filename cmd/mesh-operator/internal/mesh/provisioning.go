package mesh

import "time"

// ProvisioningEventType indicates an event in the provisioning lifecycle of
// a mesh node.
type ProvisioningEventType string

// The enums for the node provisioning events.
const (
	ProvisioningEventProvisionRequested   ProvisioningEventType = "Provision Requested"
	ProvisioningEventUnprovisionRequested ProvisioningEventType = "Unprovision Requested"
	ProvisioningEventAckSucceeded         ProvisioningEventType = "Ack Succeeded"
	ProvisioningEventAckFailed            ProvisioningEventType = "Ack Failed"
	ProvisioningEventCommandTimedOut      ProvisioningEventType = "Command Timed Out"
	ProvisioningEventRetriesExhausted     ProvisioningEventType = "Retries Exhausted"
	ProvisioningEventDesiredChanged       ProvisioningEventType = "Desired Changed"
)

// AllProvisioningEventTypes are all provisioning events that exist.
var AllProvisioningEventTypes = map[ProvisioningEventType]bool{
	ProvisioningEventProvisionRequested:   true,
	ProvisioningEventUnprovisionRequested: true,
	ProvisioningEventAckSucceeded:         true,
	ProvisioningEventAckFailed:            true,
	ProvisioningEventCommandTimedOut:      true,
	ProvisioningEventRetriesExhausted:     true,
	ProvisioningEventDesiredChanged:       true,
}

func (t ProvisioningEventType) String() string {
	return string(t)
}

// ProvisioningEvent is a single event fed into the device state machine.
type ProvisioningEvent struct {
	Time  time.Time
	Event ProvisioningEventType
	// Token is the correlation token of the command this event belongs to,
	// if any.
	Token string
	// Address is the unicast address carried by a successful provision
	// acknowledgment.
	Address *uint16
	// Message is a human readable reason, set on failures.
	Message string
}
