package eventbus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/mesh-stack/mesh-operator/cmd/mesh-operator/internal/mesh"
)

// nsqdRetryDelay represents the delay that is used for retries in blocking calls.
const nsqdRetryDelay = 3 * time.Second

// Publisher publishes json encoded messages to NSQ topics.
type Publisher interface {
	Publish(topic string, data any) error
	CreateTopic(topic string) error
	Stop()
}

type PublisherProvider func(*slog.Logger, *PublisherConfig) (Publisher, error)

// PublisherConfig contains the NSQ connection parameters.
type PublisherConfig struct {
	// TCPAddress is the address of the nsqd to publish on.
	TCPAddress string
	// HTTPEndpoint is the address of the nsqd rest endpoint, used for
	// topic creation.
	HTTPEndpoint string
}

// NSQClient is a type to request NSQ related tasks such as creation of topics.
type NSQClient struct {
	log               *slog.Logger
	config            *PublisherConfig
	publisherProvider PublisherProvider
	Publisher         Publisher
}

// NewNSQ create a new NSQClient.
func NewNSQ(publisherConfig *PublisherConfig, log *slog.Logger, publisherProvider PublisherProvider) NSQClient {
	return NSQClient{
		config:            publisherConfig,
		log:               log,
		publisherProvider: publisherProvider,
	}
}

// WaitForPublisher blocks until the given provider is able to provide a non nil publisher.
func (n *NSQClient) WaitForPublisher() {
	for {
		publisher, err := n.publisherProvider(n.log, n.config)
		if err != nil {
			n.log.Error("cannot create nsq publisher", "error", err)
			n.delay()
			continue
		}
		n.log.Info("nsq connected", "nsqd", fmt.Sprintf("%+v", n.config))
		n.Publisher = publisher
		break
	}
}

// WaitForTopicsCreated blocks until the topics are created within the given
// application scope.
func (n NSQClient) WaitForTopicsCreated(application string, topics []mesh.NSQTopic) {
	for {
		if err := n.createTopics(application, topics); err != nil {
			n.log.Error("cannot create topics", "error", err)
			n.delay()
			continue
		}
		break
	}
}

// CreateTopic creates a topic with the given fully qualified name.
func (n NSQClient) CreateTopic(topicFQN string) error {
	if err := n.Publisher.CreateTopic(topicFQN); err != nil {
		n.log.Error("cannot create topic", "topic", topicFQN)
		return err
	}
	return nil
}

func (n NSQClient) createTopics(application string, topics []mesh.NSQTopic) error {
	for _, topic := range topics {
		topicFQN := topic.GetFQN(application)
		if err := n.CreateTopic(topicFQN); err != nil {
			n.log.Error("cannot create topics", "application", application)
			return err
		}
	}
	return nil
}

func (n NSQClient) delay() {
	time.Sleep(nsqdRetryDelay)
}
