package broker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultBlockTimeout = 5 * time.Second

// Option configures a redisBroker.
type Option func(*redisBroker)

// WithBlockTimeout overrides how long Consume blocks waiting for a message
// before returning with no error and a nil payload.
func WithBlockTimeout(d time.Duration) Option {
	return func(b *redisBroker) { b.blockTimeout = d }
}

// redisBroker implements Broker over a Redis list: Publish does RPUSH,
// Consume does a blocking BLPOP.
type redisBroker struct {
	client       *redis.Client
	blockTimeout time.Duration
}

// New builds a Broker connected to the Redis instance at addr.
func New(addr string, opts ...Option) Broker {
	b := &redisBroker{
		client:       redis.NewClient(&redis.Options{Addr: addr}),
		blockTimeout: defaultBlockTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewFromClient builds a Broker from an existing *redis.Client, used in tests
// to point at a miniredis instance.
func NewFromClient(client *redis.Client, opts ...Option) Broker {
	b := &redisBroker{client: client, blockTimeout: defaultBlockTimeout}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *redisBroker) Publish(ctx context.Context, queue string, payload []byte) error {
	return b.client.RPush(ctx, queue, payload).Err()
}

func (b *redisBroker) Consume(ctx context.Context, queue string) ([]byte, error) {
	result, err := b.client.BLPop(ctx, b.blockTimeout, queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BLPOP returns [key, value].
	if len(result) < 2 {
		return nil, nil
	}
	return []byte(result[1]), nil
}

func (b *redisBroker) Close() error {
	return b.client.Close()
}
