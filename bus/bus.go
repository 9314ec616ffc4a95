// Package bus provides message bus clients for coordinator-to-agent
// communication.
//
// The MessageBus interface enables fire-and-forget publish, subscription
// with channel delivery, and a bounded wait for a single correlated
// acknowledgment. All implementations use channel-based APIs for
// Go-idiomatic concurrent use.
package bus

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Common errors.
var (
	ErrClosed         = errors.New("bus closed")
	ErrTimeout        = errors.New("ack timeout")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Message represents a message received from the bus.
type Message struct {
	// Subject the message was published to.
	Subject string

	// Data is the message payload.
	Data []byte
}

// MessageBus provides pub/sub and bounded-wait acknowledgment messaging.
type MessageBus interface {
	// Publish sends a message to all subscribers of a subject. It never
	// blocks waiting for a consumer; success means the bus accepted the
	// message, not that anyone received it.
	Publish(subject string, data []byte) error

	// Subscribe creates a subscription to a subject.
	// All subscribers receive all messages.
	Subscribe(subject string) (Subscription, error)

	// QueueSubscribe creates a queue subscription.
	// Messages are load-balanced across queue members.
	QueueSubscribe(subject, queue string) (Subscription, error)

	// AwaitAck subscribes to a per-correlation subject and blocks the
	// calling goroutine until a message arrives, the timeout elapses
	// (ErrTimeout), or ctx is cancelled. The subscription is released
	// unconditionally before returning, including on timeout and error.
	AwaitAck(ctx context.Context, subject string, timeout time.Duration) (*Message, error)

	// Close shuts down the bus connection.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Messages returns the channel for incoming messages.
	// Channel is closed when subscription ends.
	Messages() <-chan *Message

	// Unsubscribe cancels the subscription.
	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels.
	// Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

// ValidateSubject checks if a subject is valid. Correlation subjects such
// as "ack:{task_id}" use a colon inside a single token, which every
// supported backend accepts.
func ValidateSubject(subject string) error {
	if subject == "" || strings.ContainsAny(subject, " \t\n") {
		return ErrInvalidSubject
	}
	return nil
}

// Await drains one message from an already-open subscription with a
// bounded wait, then unsubscribes unconditionally. Callers that must
// open the subscription before some other action (publish-then-wait
// correlation) use this directly; AwaitAck composes Subscribe with it.
func Await(ctx context.Context, sub Subscription, timeout time.Duration) (*Message, error) {
	defer sub.Unsubscribe()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-sub.Messages():
		if !ok {
			return nil, ErrClosed
		}
		return msg, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
