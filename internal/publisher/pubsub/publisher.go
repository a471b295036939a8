// Package pubsub implements a Google Cloud Pub/Sub publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
)

// Config captures the parameters required to reach Pub/Sub.
type Config struct {
	ProjectID string
	Topic     string
}

// Publisher publishes JSON payloads to Pub/Sub topics. Topic handles are
// cached so the client's batching goroutines are reused across publishes.
type Publisher struct {
	client *pubsub.Client

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// Connect dials Pub/Sub with application default credentials and verifies
// the configured topic exists before returning a publisher.
func Connect(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project id is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	exists, err := client.Topic(cfg.Topic).Exists(ctx)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			return nil, fmt.Errorf("check topic %s: %w (close client: %v)", cfg.Topic, err, closeErr)
		}
		return nil, fmt.Errorf("check topic %s: %w", cfg.Topic, err)
	}
	if !exists {
		if closeErr := client.Close(); closeErr != nil {
			return nil, fmt.Errorf("topic %s does not exist in project %s (close client: %v)", cfg.Topic, cfg.ProjectID, closeErr)
		}
		return nil, fmt.Errorf("topic %s does not exist in project %s", cfg.Topic, cfg.ProjectID)
	}
	return New(client), nil
}

// New creates a Publisher around an existing client.
func New(client *pubsub.Client) *Publisher {
	return &Publisher{
		client: client,
		topics: make(map[string]*pubsub.Topic),
	}
}

// Publish marshals the payload to JSON, publishes it to the topic and waits
// for the server-assigned message ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p == nil || p.client == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	result := p.handle(topic).Publish(ctx, &pubsub.Message{Data: data})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close stops every cached topic publisher, flushing pending messages, and
// closes the underlying client.
func (p *Publisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.topics = make(map[string]*pubsub.Topic)
	p.mu.Unlock()

	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

func (p *Publisher) handle(topic string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[topic]
	if !ok {
		t = p.client.Topic(topic)
		p.topics[topic] = t
	}
	return t
}
