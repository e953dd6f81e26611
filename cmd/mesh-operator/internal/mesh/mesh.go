package mesh

import "fmt"

// EventType is the type for registry device event types.
type EventType string

// NSQTopic .
type NSQTopic string

// Some enums.
const (
	CREATE EventType = "create"
	UPDATE EventType = "update"
	DELETE EventType = "delete"

	// TopicCommand carries provisioning commands to a single mesh gateway.
	// It is additionally scoped by the gateway's device id.
	TopicCommand NSQTopic = "btmesh-command"
	// TopicAck carries command acknowledgments published by the gateways.
	TopicAck NSQTopic = "btmesh-ack"
	// TopicDevice carries device change notifications from the registry.
	TopicDevice NSQTopic = "btmesh-device"
)

var (
	// Topics is a list of topics the mesh-operator consumes from.
	// mesh-operator will make sure these topics exist when it is started;
	// command topics are created implicitly on first publish because the
	// gateway set is only known at runtime.
	Topics = []NSQTopic{
		TopicAck,
		TopicDevice,
	}
)

// GetFQN returns the fully qualified name of the topic within the given scope.
func (t NSQTopic) GetFQN(scope string) string {
	return fmt.Sprintf("%s-%s", scope, string(t))
}

// CommandTopicFQN returns the fully qualified command topic name for one
// gateway of an application.
func CommandTopicFQN(application, gateway string) string {
	return TopicCommand.GetFQN(fmt.Sprintf("%s-%s", application, gateway))
}
