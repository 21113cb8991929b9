package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrClosed = errors.New("queue closed")

type memTopic struct {
	mu      sync.Mutex
	pending []Message
	wake    chan struct{}
	closed  bool
}

func newMemTopic() *memTopic {
	return &memTopic{wake: make(chan struct{})}
}

// Broker is an in-process, unbounded, at-least-once queue.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*memTopic
}

func NewBroker() *Broker {
	return &Broker{topics: make(map[string]*memTopic)}
}

func (b *Broker) topic(name string) *memTopic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = newMemTopic()
		b.topics[name] = t
	}
	return t
}

func (b *Broker) Publish(_ context.Context, topic, key string, payload []byte) error {
	t := b.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.pending = append(t.pending, Message{Topic: topic, Key: key, Payload: payload, Time: time.Now().UTC()})
	close(t.wake)
	t.wake = make(chan struct{})
	return nil
}

// Len reports undelivered messages on a topic.
func (b *Broker) Len(topic string) int {
	t := b.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.topics {
		t.mu.Lock()
		if !t.closed {
			t.closed = true
			close(t.wake)
		}
		t.mu.Unlock()
	}
	return nil
}

// Consumer returns a consumer for one topic. Consumers of the same topic compete.
func (b *Broker) Consumer(topic string) Consumer {
	return &memConsumer{t: b.topic(topic)}
}

type memConsumer struct {
	t *memTopic
}

func (c *memConsumer) Fetch(ctx context.Context) (Message, error) {
	for {
		c.t.mu.Lock()
		if len(c.t.pending) > 0 {
			msg := c.t.pending[0]
			c.t.pending = c.t.pending[1:]
			c.t.mu.Unlock()
			return msg, nil
		}
		if c.t.closed {
			c.t.mu.Unlock()
			return Message{}, ErrClosed
		}
		wake := c.t.wake
		c.t.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Commit is a no-op: delivery is handed over on Fetch.
func (c *memConsumer) Commit(context.Context, Message) error { return nil }

func (c *memConsumer) Close() error { return nil }
