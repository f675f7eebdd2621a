package subscription

import (
	"context"

	"github.com/nats-io/nats.go/jetstream"
)

// MessageHandler defines the contract for processing JetStream messages yielded by the
// ActiveConsumer pull loop.
//
// Behavior summary:
//   - The consumer fetches a message and calls Handle once per message.
//   - By default, when Handle returns nil, the consumer ACKs the message.
//     When Handle returns a non-nil error, the consumer NAKs the message.
//   - If ManualAck is enabled, the consumer does not perform any disposition; the
//     handler is responsible for calling msg.Ack/Nak/Term.
//
// Leadership:
//   - ctx is cancelled when the instance loses ACTIVE status. A handler that
//     returns an error after cancellation gets its message NAK'd, which hands it
//     to the next leader immediately.
//
// Backpressure and concurrency:
//   - The pull loop is single-threaded: it does not call Handle for the next message
//     until the current Handle returns.
//
// Redelivery semantics:
//   - With AckExplicit policy, failing to ACK within AckWait causes redelivery.
//     Use msg.InProgress() to extend the deadline when work takes longer than AckWait.
//   - Exactly-once is not guaranteed; design handlers to be idempotent.
type MessageHandler interface {
	// Handle processes a single message.
	Handle(ctx context.Context, msg jetstream.Msg) error
}

// MessageHandlerFunc is a function adapter for MessageHandler.
type MessageHandlerFunc func(ctx context.Context, msg jetstream.Msg) error

// Handle implements MessageHandler interface.
func (f MessageHandlerFunc) Handle(ctx context.Context, msg jetstream.Msg) error { return f(ctx, msg) }
