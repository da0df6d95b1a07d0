// Package pubsub publishes harvested-contact events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/contact-harvester/internal/crawler"
)

// Keyed payloads add a "key" attribute to the message.
type Keyed interface {
	MessageKey() string
}

// topicPublisher sends one message and waits for the server id.
type topicPublisher interface {
	Publish(ctx context.Context, topic string, msg *pubsub.Message) (string, error)
	Stop()
}

// clientTopics caches one *pubsub.Topic per topic id so batching settings
// apply across calls.
type clientTopics struct {
	client *pubsub.Client
	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func (c *clientTopics) Publish(ctx context.Context, topic string, msg *pubsub.Message) (string, error) {
	c.mu.Lock()
	t, ok := c.topics[topic]
	if !ok {
		t = c.client.Topic(topic)
		c.topics[topic] = t
	}
	c.mu.Unlock()
	id, err := t.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	return id, nil
}

func (c *clientTopics) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.topics {
		t.Stop()
	}
}

// Publisher marshals payloads to JSON and publishes them.
type Publisher struct {
	topics       topicPublisher
	defaultTopic string
}

// New creates a Publisher on client. defaultTopic is used when Publish is
// called without a topic.
func New(client *pubsub.Client, defaultTopic string) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	return newWithTopics(&clientTopics{client: client, topics: map[string]*pubsub.Topic{}}, defaultTopic), nil
}

func newWithTopics(topics topicPublisher, defaultTopic string) *Publisher {
	return &Publisher{topics: topics, defaultTopic: defaultTopic}
}

// Publish marshals the payload to JSON and publishes it.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		topic = p.defaultTopic
	}
	if topic == "" {
		return "", errors.New("pubsub topic is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"content-type": "application/json"},
	}
	if k, ok := payload.(Keyed); ok && k.MessageKey() != "" {
		msg.Attributes["key"] = k.MessageKey()
	}
	return p.topics.Publish(ctx, topic, msg)
}

// Close flushes pending messages on every topic used so far.
func (p *Publisher) Close() error {
	p.topics.Stop()
	return nil
}

var _ crawler.Publisher = (*Publisher)(nil)
