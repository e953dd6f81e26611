package eventbus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nsqio/go-nsq"
)

// ConsumerConfig contains the NSQ connection parameters for subscriptions.
type ConsumerConfig struct {
	Log *slog.Logger
	// TCPAddress is the address of the nsqd to consume from directly when
	// no lookupds are configured.
	TCPAddress string
	// LookupdAddresses are the addresses of the nsqlookupds.
	LookupdAddresses []string
}

// Consumer subscribes to NSQ topics and dispatches the message bodies to
// registered handlers. Delivery is at-least-once, handlers must tolerate
// duplicates.
type Consumer struct {
	log       *slog.Logger
	config    *ConsumerConfig
	consumers []*nsq.Consumer
}

// NewConsumer creates a consumer for the given config.
func NewConsumer(config *ConsumerConfig) *Consumer {
	return &Consumer{
		log:    config.Log,
		config: config,
	}
}

// Subscribe registers the handler for the given topic on the given channel
// and connects it. All consumers of the same channel share the message
// stream, which gives the group semantics of a shared subscription. The
// given context is handed to every handler invocation so that in-flight
// work observes process shutdown.
func (c *Consumer) Subscribe(ctx context.Context, topic, channel string, handler func(context.Context, []byte) error) error {
	consumer, err := nsq.NewConsumer(topic, channel, nsq.NewConfig())
	if err != nil {
		return fmt.Errorf("cannot create consumer for topic %q: %w", topic, err)
	}

	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		return handler(ctx, m.Body)
	}))

	if len(c.config.LookupdAddresses) > 0 {
		err = consumer.ConnectToNSQLookupds(c.config.LookupdAddresses)
	} else {
		err = consumer.ConnectToNSQD(c.config.TCPAddress)
	}
	if err != nil {
		return fmt.Errorf("cannot connect consumer for topic %q: %w", topic, err)
	}

	c.log.Info("nsq subscription established", "topic", topic, "channel", channel)
	c.consumers = append(c.consumers, consumer)

	return nil
}

// Stop disconnects all subscriptions.
func (c *Consumer) Stop() {
	for _, consumer := range c.consumers {
		consumer.Stop()
	}
	for _, consumer := range c.consumers {
		<-consumer.StopChan
	}
}
