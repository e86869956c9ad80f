package broadcast

import (
	"context"
	"errors"
	"io"

	"github.com/redis/go-redis/v9"
)

// RedisRelay implements Relay on Redis pub/sub. All worker processes point
// at the same Redis instance; a message published by one worker reaches the
// subscribers of every other worker.
//
// Ownership model:
// - RedisRelay does NOT own the client. The caller must close it.
type RedisRelay struct {
	rdb redis.UniversalClient
}

// NewRedisRelay constructs a Redis-backed relay.
func NewRedisRelay(rdb redis.UniversalClient) (*RedisRelay, error) {
	if rdb == nil {
		return nil, errors.New("broadcast: nil redis client")
	}
	return &RedisRelay{rdb: rdb}, nil
}

// Publish sends payload to channel via Redis pub/sub.
func (r *RedisRelay) Publish(ctx context.Context, channel string, payload []byte) error {
	if r == nil || r.rdb == nil {
		return errors.New("broadcast: nil relay")
	}
	return r.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe consumes channel until the returned Closer is closed or ctx ends.
// Handler runs on a dedicated goroutine; deliveries for one subscription are
// therefore ordered.
func (r *RedisRelay) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (io.Closer, error) {
	if r == nil || r.rdb == nil {
		return nil, errors.New("broadcast: nil relay")
	}
	if handler == nil {
		return nil, errors.New("broadcast: nil relay handler")
	}

	ps := r.rdb.Subscribe(ctx, channel)

	// Force the subscription handshake so a broken Redis surfaces here
	// rather than as a silently idle relay.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	go func() {
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()

	return &redisSubscription{ps: ps}, nil
}

type redisSubscription struct {
	ps *redis.PubSub
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}
