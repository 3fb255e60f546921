// Package broker is the message-bus transport: publishing outbound pusher
// jobs and consuming inbound status messages.
package broker

import "context"

// Broker is the transport contract. Publish is fire-and-forget durable
// enqueue; Consume blocks until a message is available or the context is
// cancelled/times out, returning (nil, nil) on a timeout with no message.
type Broker interface {
	Publish(ctx context.Context, queue string, payload []byte) error
	Consume(ctx context.Context, queue string) ([]byte, error)
	Close() error
}
