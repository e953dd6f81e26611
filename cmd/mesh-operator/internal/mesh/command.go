package mesh

import "time"

// CommandKind is the kind of an abstract command the operator sends to the
// gateways. The gateway translates it into the actual mesh-layer operation.
type CommandKind string

const (
	CommandProvision   CommandKind = "provision"
	CommandUnprovision CommandKind = "unprovision"
)

func (k CommandKind) String() string {
	return string(k)
}

// Command is an outstanding command awaiting a gateway acknowledgment.
// A device has at most one outstanding command at any time.
type Command struct {
	// Token is the correlation token binding this command to its eventual
	// acknowledgment. It is unique for the lifetime of the process.
	Token    string
	DeviceID string
	Kind     CommandKind
	// Address is the unicast address of the node, set for unprovision
	// commands of an already provisioned node.
	Address  *uint16
	IssuedAt time.Time
	Deadline time.Time
}

// CommandMessage is the wire format published to a gateway command topic.
type CommandMessage struct {
	Token   string      `json:"token"`
	Device  string      `json:"device"`
	Command CommandKind `json:"command"`
	Address *uint16     `json:"address,omitempty"`
}

// AckMessage is the wire format of a gateway acknowledgment. Delivery is
// at-least-once and possibly reordered, correlation happens strictly by
// token.
type AckMessage struct {
	Token   string  `json:"token"`
	Device  string  `json:"device,omitempty"`
	Success bool    `json:"success"`
	Address *uint16 `json:"address,omitempty"`
	Reason  string  `json:"reason,omitempty"`
}

// DeviceEventMessage notifies the operator about a device change in the
// registry so that a reconcile tick can be triggered without waiting for
// the next interval.
type DeviceEventMessage struct {
	Device string    `json:"device"`
	Type   EventType `json:"type"`
}
