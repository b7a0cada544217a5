// Package messaging defines the broker interfaces the outbox relay publishes
// through and consumers subscribe with. Implementations live in subpackages.
package messaging

import "context"

// Message is a broker message as delivered to a subscriber.
type Message struct {
	Subject string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Publisher sends messages to a subject. Publish must not return nil unless
// the broker accepted the message; the outbox relay marks entries published
// only on a nil return.
type Publisher interface {
	Publish(ctx context.Context, subject, key string, value []byte, headers map[string]string) error
}

// Handler processes one delivered message. Errors are the handler's to deal
// with; returning does not nack.
type Handler func(msg Message)

// Unsubscribe tears down a subscription.
type Unsubscribe func() error

// Subscriber delivers messages for a subject to a handler.
type Subscriber interface {
	Subscribe(subject string, handler Handler) (Unsubscribe, error)
}
