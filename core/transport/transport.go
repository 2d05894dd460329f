// Package transport defines the pub/sub primitive the dispatcher delivers
// commands through.
package transport

import (
	"context"
	"time"

	"github.com/smartenergy/schedulerd/core/events"
)

// Predicate decides whether a decoded reply resolves a pending wait.
// Correlation happens here, by matching fields of the reply, not by subject
// exclusivity: multiple concurrent waiters may share one ack subject.
type Predicate func(events.Envelope) bool

// Connector publishes envelopes and correlates asynchronous replies.
type Connector interface {
	// Publish sends the envelope without waiting for a reply.
	Publish(ctx context.Context, subject string, env events.Envelope) error

	// PublishAndWaitForAck subscribes to ackSubject, publishes the envelope
	// to subject and blocks until a reply satisfying pred arrives or the
	// timeout elapses. The subscription is released on both paths. A timeout
	// returns ErrAckTimeout; the caller decides what that means for the
	// command.
	PublishAndWaitForAck(ctx context.Context, subject, ackSubject string, env events.Envelope, pred Predicate, timeout time.Duration) (events.Envelope, error)

	// Close releases the underlying connection.
	Close() error
}
