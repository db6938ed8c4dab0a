package relay

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

const (
	redisRoomsKey       = "relay:rooms"
	redisChannelPrefix  = "relay:room:"
	redisSubscribeQueue = 1024
)

// RedisBroker fans out over Redis pub/sub, one channel per room. Declared rooms are recorded in a set.
//
// Redis pub/sub has no per-endpoint queue: a subscriber that falls behind its local buffer is evicted
// with ErrSlowConsumer, like the in-memory broker.
type RedisBroker struct {
	rdb    *redis.Client
	buffer int
}

// DialRedis connects using a redis:// or rediss:// URL and pings the server.
func DialRedis(ctx context.Context, url string, buffer int) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, opErr("relay.DialRedis", ErrBrokerUnavailable, err)
	}
	return NewRedisBroker(rdb, buffer), nil
}

// NewRedisBroker wraps an existing client. The broker owns the client and closes it on Close.
func NewRedisBroker(rdb *redis.Client, buffer int) *RedisBroker {
	if buffer <= 0 {
		buffer = defaultDeliveryBuffer
	}
	return &RedisBroker{rdb: rdb, buffer: buffer}
}

func redisChannel(room string) string { return redisChannelPrefix + room }

// Declare records room in the declared-rooms set.
func (b *RedisBroker) Declare(ctx context.Context, room string) error {
	if err := b.rdb.SAdd(ctx, redisRoomsKey, room).Err(); err != nil {
		return opErr("relay.RedisBroker.Declare", ErrBrokerUnavailable, err)
	}
	return nil
}

// Subscribe subscribes to the room channel and waits for the server confirmation.
func (b *RedisBroker) Subscribe(ctx context.Context, room, endpoint string) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, redisChannel(room))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, opErr("relay.RedisBroker.Subscribe", ErrBrokerUnavailable, err)
	}

	sub := &redisSubscription{
		ps:   ps,
		out:  make(chan []byte, b.buffer),
		done: make(chan struct{}),
	}
	go sub.forward(ps.Channel(redis.WithChannelSize(redisSubscribeQueue)))
	return sub, nil
}

// Publish publishes payload on the room channel.
func (b *RedisBroker) Publish(ctx context.Context, room string, payload []byte) error {
	if err := b.rdb.Publish(ctx, redisChannel(room), payload).Err(); err != nil {
		return opErr("relay.RedisBroker.Publish", ErrBrokerUnavailable, err)
	}
	return nil
}

// Rooms lists declared rooms.
func (b *RedisBroker) Rooms(ctx context.Context) ([]string, error) {
	return b.rdb.SMembers(ctx, redisRoomsKey).Result()
}

// Ping pings the server.
func (b *RedisBroker) Ping(ctx context.Context) error { return b.rdb.Ping(ctx).Err() }

// Close closes the client; open subscriptions end with ErrBrokerUnavailable.
func (b *RedisBroker) Close() error { return b.rdb.Close() }

type redisSubscription struct {
	ps  *redis.PubSub
	out chan []byte

	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func (s *redisSubscription) forward(in <-chan *redis.Message) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-in:
			if !ok {
				select {
				case <-s.done:
				default:
					s.setErr(ErrBrokerUnavailable)
				}
				return
			}
			select {
			case s.out <- []byte(m.Payload):
			default:
				s.setErr(ErrSlowConsumer)
				_ = s.ps.Close()
				return
			}
		}
	}
}

func (s *redisSubscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *redisSubscription) Deliveries() <-chan []byte { return s.out }

func (s *redisSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unsubscribes. Idempotent; the pubsub may already be closed after an eviction.
func (s *redisSubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.ps.Close()
	})
	return nil
}
