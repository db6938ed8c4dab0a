package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// MemoryBroker is the in-process Broker used when no external broker is configured.
//
// Concurrency guarantees:
//   - Publish holds the exchange lock, so every subscriber observes the same publish order.
//   - Publish never blocks on a subscriber: a full queue evicts that endpoint with ErrSlowConsumer.
//   - Deliveries channels are only closed under the exchange lock, so Publish never sends on a closed chan.
type MemoryBroker struct {
	log    *slog.Logger
	buffer int

	mu        sync.Mutex
	closed    bool
	exchanges map[string]*memExchange
}

type memExchange struct {
	name    string
	mu      sync.Mutex
	members map[string]*memSubscription
}

type memSubscription struct {
	ex       *memExchange
	endpoint string
	ch       chan []byte

	once sync.Once
	mu   sync.Mutex
	err  error
}

// MemoryBrokerOption configures a MemoryBroker.
type MemoryBrokerOption func(*MemoryBroker)

// WithMemoryBuffer sets the per-endpoint queue size.
func WithMemoryBuffer(n int) MemoryBrokerOption {
	return func(b *MemoryBroker) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// NewMemoryBroker constructs an in-process broker.
func NewMemoryBroker(log *slog.Logger, opts ...MemoryBrokerOption) *MemoryBroker {
	if log == nil {
		log = slog.Default()
	}
	b := &MemoryBroker{
		log:       log,
		buffer:    defaultDeliveryBuffer,
		exchanges: make(map[string]*memExchange),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *MemoryBroker) exchange(room string, create bool) (*memExchange, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, opErr("relay.MemoryBroker", ErrBrokerUnavailable, errors.New("broker closed"))
	}
	if ex, ok := b.exchanges[room]; ok {
		return ex, nil
	}
	if !create {
		return nil, nil
	}
	ex := &memExchange{name: room, members: make(map[string]*memSubscription)}
	b.exchanges[room] = ex
	return ex, nil
}

// Declare creates the room exchange if missing.
func (b *MemoryBroker) Declare(ctx context.Context, room string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.exchange(room, true)
	return err
}

// Subscribe binds endpoint to room. Subscribing to an undeclared room declares it.
func (b *MemoryBroker) Subscribe(ctx context.Context, room, endpoint string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ex, err := b.exchange(room, true)
	if err != nil {
		return nil, err
	}

	sub := &memSubscription{
		ex:       ex,
		endpoint: endpoint,
		ch:       make(chan []byte, b.buffer),
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()
	if _, dup := ex.members[endpoint]; dup {
		return nil, opErr("relay.MemoryBroker.Subscribe", ErrAlreadyBound, nil)
	}
	ex.members[endpoint] = sub

	b.log.Debug("broker.memory.bind", "room", room, "endpoint", endpoint)
	return sub, nil
}

// Publish fans payload out to every endpoint currently bound to room.
// Publishing to a room without endpoints succeeds and delivers nowhere.
func (b *MemoryBroker) Publish(ctx context.Context, room string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ex, err := b.exchange(room, false)
	if err != nil || ex == nil {
		return err
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()

	for endpoint, m := range ex.members {
		select {
		case m.ch <- payload:
		default:
			// Evict rather than block the whole room.
			delete(ex.members, endpoint)
			m.finish(ErrSlowConsumer)
			b.log.Warn("broker.memory.evict", "room", room, "endpoint", endpoint)
		}
	}
	return nil
}

// Close tears down every exchange; bound subscriptions end with ErrBrokerUnavailable.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	exchanges := b.exchanges
	b.exchanges = nil
	b.mu.Unlock()

	for _, ex := range exchanges {
		ex.mu.Lock()
		for endpoint, m := range ex.members {
			delete(ex.members, endpoint)
			m.finish(ErrBrokerUnavailable)
		}
		ex.mu.Unlock()
	}
	return nil
}

// Rooms returns the declared room names (test and diagnostics helper).
func (b *MemoryBroker) Rooms() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.exchanges))
	for name := range b.exchanges {
		out = append(out, name)
	}
	return out
}

func (s *memSubscription) Deliveries() <-chan []byte { return s.ch }

func (s *memSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unbinds the endpoint. Idempotent.
func (s *memSubscription) Close() error {
	s.ex.mu.Lock()
	if cur, ok := s.ex.members[s.endpoint]; ok && cur == s {
		delete(s.ex.members, s.endpoint)
	}
	s.finish(nil)
	s.ex.mu.Unlock()
	return nil
}

// finish must be called with ex.mu held.
func (s *memSubscription) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.ch)
	})
}
