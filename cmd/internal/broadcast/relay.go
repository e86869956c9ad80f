package broadcast

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Relay is the cross-process publish/subscribe channel that joins all
// worker processes into one logical broadcast domain. It is injected into
// the Broadcaster, never reached through ambient state, so the core stays
// testable with an in-memory relay in single-process runs.
type Relay interface {
	// Publish delivers payload to every subscriber of channel, across all
	// processes attached to the same relay.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe registers handler for payloads published to channel.
	// Closing the returned Closer stops delivery.
	Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (io.Closer, error)
}

// MemoryRelay is an in-process Relay for tests and single-worker runs.
// Delivery is synchronous and in subscription order.
type MemoryRelay struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]func([]byte)
}

// NewMemoryRelay constructs an in-process relay.
func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{subs: make(map[string]map[int]func([]byte))}
}

// Publish delivers payload to all current subscribers of channel.
func (r *MemoryRelay) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.RLock()
	handlers := make([]func([]byte), 0, len(r.subs[channel]))
	for _, h := range r.subs[channel] {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
	return nil
}

// Subscribe registers handler for channel until the returned Closer is closed.
func (r *MemoryRelay) Subscribe(_ context.Context, channel string, handler func(payload []byte)) (io.Closer, error) {
	if handler == nil {
		return nil, errors.New("broadcast: nil relay handler")
	}

	r.mu.Lock()
	if r.subs[channel] == nil {
		r.subs[channel] = make(map[int]func([]byte))
	}
	r.nextID++
	id := r.nextID
	r.subs[channel][id] = handler
	r.mu.Unlock()

	return &memorySubscription{relay: r, channel: channel, id: id}, nil
}

type memorySubscription struct {
	relay   *MemoryRelay
	channel string
	id      int
	once    sync.Once
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.relay.mu.Lock()
		delete(s.relay.subs[s.channel], s.id)
		s.relay.mu.Unlock()
	})
	return nil
}
