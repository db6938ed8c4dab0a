package relay

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const natsSubjectPrefix = "relay.room."

// NATSBroker fans out over core NATS subjects, one per room. Room names are hex-encoded into the
// subject because they may contain '.', '*', '>' or whitespace.
//
// Declare is a no-op: subjects need no declaration.
type NATSBroker struct {
	log    *slog.Logger
	nc     *nats.Conn
	buffer int
}

// DialNATS connects to url.
func DialNATS(url string, log *slog.Logger, buffer int) (*NATSBroker, error) {
	if log == nil {
		log = slog.Default()
	}
	if buffer <= 0 {
		buffer = defaultDeliveryBuffer
	}
	nc, err := nats.Connect(url,
		nats.Name("roomrelay"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("broker.nats.disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("broker.nats.reconnected", "url", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Warn("broker.nats.async_error", "subject", subject, "err", err)
		}),
	)
	if err != nil {
		return nil, opErr("relay.DialNATS", ErrBrokerUnavailable, err)
	}
	return &NATSBroker{log: log, nc: nc, buffer: buffer}, nil
}

func natsSubject(room string) string {
	return natsSubjectPrefix + hex.EncodeToString([]byte(room))
}

func (b *NATSBroker) Declare(ctx context.Context, _ string) error { return ctx.Err() }

// Subscribe subscribes to the room subject and flushes so the server has registered the interest
// before returning. The client-side pending queue is capped at the delivery buffer; overflowing it
// ends the subscription with ErrSlowConsumer instead of dropping messages unnoticed.
func (b *NATSBroker) Subscribe(ctx context.Context, room, endpoint string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ns, err := b.nc.SubscribeSync(natsSubject(room))
	if err != nil {
		return nil, opErr("relay.NATSBroker.Subscribe", ErrBrokerUnavailable, err)
	}
	if err := ns.SetPendingLimits(b.buffer, -1); err != nil {
		_ = ns.Unsubscribe()
		return nil, opErr("relay.NATSBroker.Subscribe", ErrBrokerUnavailable, err)
	}
	if err := b.nc.FlushTimeout(5 * time.Second); err != nil {
		_ = ns.Unsubscribe()
		return nil, opErr("relay.NATSBroker.Subscribe", ErrBrokerUnavailable, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &natsSubscription{
		ns:     ns,
		out:    make(chan []byte, b.buffer),
		ctx:    subCtx,
		cancel: cancel,
	}
	go sub.forward()

	b.log.Debug("broker.nats.bind", "room", room, "endpoint", endpoint)
	return sub, nil
}

// Publish publishes payload on the room subject.
func (b *NATSBroker) Publish(ctx context.Context, room string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.nc.Publish(natsSubject(room), payload); err != nil {
		return opErr("relay.NATSBroker.Publish", ErrBrokerUnavailable, err)
	}
	return nil
}

// Ping reports whether the connection is currently established.
func (b *NATSBroker) Ping(context.Context) error {
	if !b.nc.IsConnected() {
		return opErr("relay.NATSBroker.Ping", ErrBrokerUnavailable, nats.ErrConnectionClosed)
	}
	return nil
}

// Close closes the connection.
func (b *NATSBroker) Close() error {
	b.nc.Close()
	return nil
}

type natsSubscription struct {
	ns  *nats.Subscription
	out chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func (s *natsSubscription) forward() {
	defer close(s.out)
	for {
		m, err := s.ns.NextMsgWithContext(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(natsEndErr(err))
			_ = s.ns.Unsubscribe()
			return
		}
		select {
		case s.out <- m.Data:
		default:
			s.setErr(ErrSlowConsumer)
			_ = s.ns.Unsubscribe()
			return
		}
	}
}

// natsEndErr maps the error that ended a subscription's receive loop to a relay kind.
func natsEndErr(err error) error {
	if errors.Is(err, nats.ErrSlowConsumer) {
		return ErrSlowConsumer
	}
	return ErrBrokerUnavailable
}

func (s *natsSubscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *natsSubscription) Deliveries() <-chan []byte { return s.out }

func (s *natsSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unsubscribes. Idempotent.
func (s *natsSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.ns.Unsubscribe()
	})
	return nil
}
