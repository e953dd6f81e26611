package eventbus

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/nsqio/go-nsq"
)

type nsqPublisher struct {
	log          *slog.Logger
	producer     *nsq.Producer
	httpEndpoint string
	client       *http.Client
}

// NewPublisher creates a publisher on the nsqd of the given config.
func NewPublisher(log *slog.Logger, config *PublisherConfig) (Publisher, error) {
	p, err := nsq.NewProducer(config.TCPAddress, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("cannot create producer with nsqd=%q: %w", config.TCPAddress, err)
	}
	if err := p.Ping(); err != nil {
		p.Stop()
		return nil, fmt.Errorf("cannot reach nsqd=%q: %w", config.TCPAddress, err)
	}
	return &nsqPublisher{
		log:          log,
		producer:     p,
		httpEndpoint: config.HTTPEndpoint,
		client:       &http.Client{},
	}, nil
}

func (p *nsqPublisher) Publish(topic string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("cannot marshal data to json: %w", err)
	}
	return p.producer.Publish(topic, b)
}

func (p *nsqPublisher) CreateTopic(topic string) error {
	u := fmt.Sprintf("http://%s/topic/create?topic=%s", p.httpEndpoint, url.QueryEscape(topic))
	resp, err := p.client.Post(u, "text/plain", nil)
	if err != nil {
		return fmt.Errorf("cannot create topic %q: %w", topic, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("cannot create topic %q: nsqd returned status %d", topic, resp.StatusCode)
	}
	return nil
}

func (p *nsqPublisher) Stop() {
	p.producer.Stop()
}
