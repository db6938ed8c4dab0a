package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// maxEndpointBytes keeps endpoint names valid AMQP queue names.
const maxEndpointBytes = 200

type bindKey struct {
	session string
	room    string
}

// Binder creates participant channels and enforces one binding per (session, room).
type Binder struct {
	log     *slog.Logger
	broker  Broker
	metrics *Metrics

	mu    sync.Mutex
	bound map[bindKey]*Channel
}

// NewBinder constructs a Binder.
func NewBinder(log *slog.Logger, broker Broker, metrics *Metrics) *Binder {
	if log == nil {
		log = slog.Default()
	}
	return &Binder{
		log:     log,
		broker:  broker,
		metrics: metrics,
		bound:   make(map[bindKey]*Channel),
	}
}

// Channel is a participant's exclusive delivery endpoint bound to one room.
// It yields every event published to the room after the bind completed, in publish order.
type Channel struct {
	binder   *Binder
	key      bindKey
	room     string
	endpoint string
	sub      Subscription

	once sync.Once
	err  error
}

// endpointName derives a readable queue name, falling back to a bare uuid when the readable form is too long.
func endpointName(p Participant, room string) string {
	id := uuid.NewString()
	name := fmt.Sprintf("%s_%s_%s", p.Username, room, id[:8])
	if len(name) > maxEndpointBytes {
		return id
	}
	return name
}

// Bind binds a new channel for p to room. The subscription is live when Bind returns.
func (b *Binder) Bind(ctx context.Context, p Participant, room string) (*Channel, error) {
	if p.Username == "" || p.SessionID == "" {
		return nil, opErr("relay.Bind", ErrInvalidParticipant, nil)
	}
	key := bindKey{session: p.SessionID, room: room}

	// Reserve the key before the broker round trip so a concurrent Bind observes it.
	b.mu.Lock()
	if _, ok := b.bound[key]; ok {
		b.mu.Unlock()
		return nil, opErr("relay.Bind", ErrAlreadyBound, nil)
	}
	ch := &Channel{binder: b, key: key, room: room, endpoint: endpointName(p, room)}
	b.bound[key] = ch
	b.mu.Unlock()

	sub, err := b.broker.Subscribe(ctx, room, ch.endpoint)
	if err != nil {
		b.release(ch)
		if errors.Is(err, ErrAlreadyBound) {
			return nil, err
		}
		return nil, opErr("relay.Bind", ErrBrokerUnavailable, err)
	}
	ch.sub = sub

	b.metrics.bound(1)
	b.log.Debug("relay.channel.bound", "room", room, "endpoint", ch.endpoint, "session_id", p.SessionID)
	return ch, nil
}

func (b *Binder) release(ch *Channel) {
	b.mu.Lock()
	if cur, ok := b.bound[ch.key]; ok && cur == ch {
		delete(b.bound, ch.key)
	}
	b.mu.Unlock()
}

// Room returns the bound room name.
func (c *Channel) Room() string { return c.room }

// Endpoint returns the broker endpoint (queue) name.
func (c *Channel) Endpoint() string { return c.endpoint }

// Next blocks until the next event arrives.
//
// Payloads that do not decode are skipped. After Unbind, buffered events are still returned, then
// ErrChannelClosed. If the broker ended the subscription, the error carries ErrSlowConsumer or
// ErrBrokerUnavailable.
func (c *Channel) Next(ctx context.Context) (Event, error) {
	for {
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case payload, ok := <-c.sub.Deliveries():
			if !ok {
				return Event{}, c.endErr()
			}
			var ev Event
			if err := json.Unmarshal(payload, &ev); err != nil {
				c.binder.log.Warn("relay.channel.malformed_payload", "room", c.room, "endpoint", c.endpoint, "err", err)
				continue
			}
			return ev, nil
		}
	}
}

func (c *Channel) endErr() error {
	switch err := c.sub.Err(); {
	case err == nil:
		return opErr("relay.Channel.Next", ErrChannelClosed, nil)
	case errors.Is(err, ErrSlowConsumer):
		return opErr("relay.Channel.Next", ErrSlowConsumer, nil)
	default:
		return opErr("relay.Channel.Next", ErrBrokerUnavailable, err)
	}
}

// Unbind deletes the endpoint and releases the (session, room) binding. Idempotent.
// When the broker already evicted the channel, Unbind still succeeds locally.
func (c *Channel) Unbind() error {
	c.once.Do(func() {
		slow := errors.Is(c.sub.Err(), ErrSlowConsumer)
		if err := c.sub.Close(); err != nil {
			c.err = opErr("relay.Unbind", ErrBrokerUnavailable, err)
		}
		c.binder.release(c)
		c.binder.metrics.bound(-1)
		if slow {
			c.binder.metrics.slowConsumer()
		}
		c.binder.log.Debug("relay.channel.unbound", "room", c.room, "endpoint", c.endpoint)
	})
	return c.err
}
