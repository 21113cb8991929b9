// Package queue carries pipeline events between the HTTP surface and the
// background consumers. Kafka backs it in production; Broker keeps a
// single process self-contained.
package queue

import (
	"context"
	"time"
)

type Message struct {
	Topic   string
	Key     string
	Payload []byte
	Time    time.Time

	raw any // transport handle needed to commit
}

type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
	Close() error
}

// Consumer delivers messages at least once. A message is redelivered until committed.
type Consumer interface {
	Fetch(ctx context.Context) (Message, error)
	Commit(ctx context.Context, msg Message) error
	Close() error
}
