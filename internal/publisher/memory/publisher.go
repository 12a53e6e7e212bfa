// Package memory is an in-process stand-in for the Pub/Sub publisher. It
// encodes payloads the same way so tests catch values that would not
// survive the wire.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Message is one accepted publish.
type Message struct {
	ID      string
	Topic   string
	Data    []byte
	Payload any
}

// Publisher keeps every accepted message in order.
type Publisher struct {
	mu   sync.Mutex
	sent []Message
	fail error
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes later publishes return err until it is called with nil.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	p.fail = err
	p.mu.Unlock()
}

// Publish JSON-encodes payload and records it under topic.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, p.fail)
	}
	id := fmt.Sprintf("%s-%d", topic, len(p.sent)+1)
	p.sent = append(p.sent, Message{ID: id, Topic: topic, Data: data, Payload: payload})
	return id, nil
}

// Sent returns a copy of every accepted message.
func (p *Publisher) Sent() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.sent...)
}

// OnTopic returns the original payloads published to topic.
func (p *Publisher) OnTopic(topic string) []any {
	var out []any
	for _, m := range p.Sent() {
		if m.Topic == topic {
			out = append(out, m.Payload)
		}
	}
	return out
}
