package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPBroker maps rooms onto RabbitMQ: one direct exchange per room, one exclusive auto-delete queue per
// bound endpoint, all bound with RoutingKeyAll.
//
// Publishing uses a single confirm-mode channel guarded by a mutex, so publishes from this process reach
// the exchange in call order. Each subscription gets its own channel.
type AMQPBroker struct {
	log    *slog.Logger
	conn   *amqp.Connection
	prefix string
	buffer int

	pubMu sync.Mutex
	pubCh *amqp.Channel

	closeOnce sync.Once
}

// AMQPOption configures an AMQPBroker.
type AMQPOption func(*AMQPBroker)

// WithExchangePrefix namespaces exchange names (default: none, the exchange is the room name).
func WithExchangePrefix(prefix string) AMQPOption {
	return func(b *AMQPBroker) { b.prefix = prefix }
}

// WithAMQPBuffer sets the per-subscription forwarding queue size.
func WithAMQPBuffer(n int) AMQPOption {
	return func(b *AMQPBroker) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// DialAMQP connects to url and opens the publishing channel.
func DialAMQP(ctx context.Context, url string, log *slog.Logger, opts ...AMQPOption) (*AMQPBroker, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(url, amqp.Config{
		Dial:       amqp.DefaultDial(10 * time.Second),
		Properties: amqp.Table{"connection_name": "roomrelay"},
	})
	if err != nil {
		return nil, opErr("relay.DialAMQP", ErrBrokerUnavailable, err)
	}

	b := &AMQPBroker{log: log, conn: conn, buffer: defaultDeliveryBuffer}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}

	if _, err := b.publishChannel(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go func() {
		if cerr, ok := <-conn.NotifyClose(make(chan *amqp.Error, 1)); ok && cerr != nil {
			log.Error("broker.amqp.connection_lost", "code", cerr.Code, "reason", cerr.Reason)
		}
	}()
	return b, nil
}

func (b *AMQPBroker) exchangeName(room string) string { return b.prefix + room }

// publishChannel returns the publishing channel, reopening it after a channel-level exception.
// Callers must hold pubMu, except during construction.
func (b *AMQPBroker) publishChannel() (*amqp.Channel, error) {
	if b.pubCh != nil && !b.pubCh.IsClosed() {
		return b.pubCh, nil
	}
	if b.conn.IsClosed() {
		return nil, opErr("relay.AMQPBroker", ErrBrokerUnavailable, amqp.ErrClosed)
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, opErr("relay.AMQPBroker", ErrBrokerUnavailable, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, opErr("relay.AMQPBroker", ErrBrokerUnavailable, err)
	}
	b.pubCh = ch
	return ch, nil
}

func declareExchange(ch *amqp.Channel, name string) error {
	return ch.ExchangeDeclare(name, amqp.ExchangeDirect, false, false, false, false, nil)
}

// Declare declares the room's direct exchange. Idempotent.
func (b *AMQPBroker) Declare(ctx context.Context, room string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	ch, err := b.publishChannel()
	if err != nil {
		return err
	}
	if err := declareExchange(ch, b.exchangeName(room)); err != nil {
		return opErr("relay.AMQPBroker.Declare", ErrBrokerUnavailable, err)
	}
	return nil
}

// Subscribe declares an exclusive queue named endpoint, binds it to the room and starts consuming.
func (b *AMQPBroker) Subscribe(ctx context.Context, room, endpoint string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, opErr("relay.AMQPBroker.Subscribe", ErrBrokerUnavailable, err)
	}

	fail := func(err error) (Subscription, error) {
		_ = ch.Close()
		var aerr *amqp.Error
		if errors.As(err, &aerr) && aerr.Code == amqp.ResourceLocked {
			return nil, opErr("relay.AMQPBroker.Subscribe", ErrAlreadyBound, err)
		}
		return nil, opErr("relay.AMQPBroker.Subscribe", ErrBrokerUnavailable, err)
	}

	exchange := b.exchangeName(room)
	if err := declareExchange(ch, exchange); err != nil {
		return fail(err)
	}
	q, err := ch.QueueDeclare(endpoint, false, true, true, false, nil)
	if err != nil {
		return fail(err)
	}
	if err := ch.QueueBind(q.Name, RoutingKeyAll, exchange, false, nil); err != nil {
		return fail(err)
	}
	deliveries, err := ch.Consume(q.Name, endpoint, true, true, false, false, nil)
	if err != nil {
		return fail(err)
	}

	sub := &amqpSubscription{
		log:   b.log,
		ch:    ch,
		queue: q.Name,
		tag:   endpoint,
		out:   make(chan []byte, b.buffer),
		done:  make(chan struct{}),
	}
	go sub.forward(deliveries)

	b.log.Debug("broker.amqp.bind", "exchange", exchange, "queue", q.Name)
	return sub, nil
}

// Publish sends payload to the room exchange with RoutingKeyAll and waits for the broker confirm.
func (b *AMQPBroker) Publish(ctx context.Context, room string, payload []byte) error {
	b.pubMu.Lock()
	ch, err := b.publishChannel()
	if err != nil {
		b.pubMu.Unlock()
		return err
	}
	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, b.exchangeName(room), RoutingKeyAll, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	})
	b.pubMu.Unlock()
	if err != nil {
		return opErr("relay.AMQPBroker.Publish", ErrBrokerUnavailable, err)
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return opErr("relay.AMQPBroker.Publish", ErrBrokerUnavailable, err)
	}
	if !acked {
		return opErr("relay.AMQPBroker.Publish", ErrBrokerUnavailable, fmt.Errorf("publish to %q nacked", room))
	}
	return nil
}

// Ping reports whether the connection is still open.
func (b *AMQPBroker) Ping(context.Context) error {
	if b.conn.IsClosed() {
		return opErr("relay.AMQPBroker.Ping", ErrBrokerUnavailable, amqp.ErrClosed)
	}
	return nil
}

// Close closes the publishing channel and the connection. Subscriptions end with ErrBrokerUnavailable.
func (b *AMQPBroker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.pubMu.Lock()
		if b.pubCh != nil {
			_ = b.pubCh.Close()
		}
		b.pubMu.Unlock()
		if !b.conn.IsClosed() {
			err = b.conn.Close()
		}
	})
	return err
}

type amqpSubscription struct {
	log   *slog.Logger
	ch    *amqp.Channel
	queue string
	tag   string
	out   chan []byte

	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func (s *amqpSubscription) forward(deliveries <-chan amqp.Delivery) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case d, ok := <-deliveries:
			if !ok {
				select {
				case <-s.done:
				default:
					s.setErr(ErrBrokerUnavailable)
				}
				return
			}
			select {
			case s.out <- d.Body:
			case <-s.done:
				return
			}
		}
	}
}

func (s *amqpSubscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *amqpSubscription) Deliveries() <-chan []byte { return s.out }

func (s *amqpSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close cancels the consumer and deletes the queue. Idempotent.
func (s *amqpSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.ch.IsClosed() {
			return
		}
		if cerr := s.ch.Cancel(s.tag, false); cerr != nil {
			s.log.Debug("broker.amqp.cancel_failed", "queue", s.queue, "err", cerr)
		}
		if _, derr := s.ch.QueueDelete(s.queue, false, false, false); derr != nil {
			s.log.Debug("broker.amqp.queue_delete_failed", "queue", s.queue, "err", derr)
		}
		err = s.ch.Close()
	})
	return err
}
