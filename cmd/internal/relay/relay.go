package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"roomrelay/cmd/identity/ids"
)

// Relay wires a Store and a Broker into sessions. It does not own either: callers close them.
type Relay struct {
	log          *slog.Logger
	store        Store
	broker       Broker
	registry     *Registry
	binder       *Binder
	metrics      *Metrics
	historyLimit int
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger (default: slog.Default()).
func WithLogger(log *slog.Logger) Option {
	return func(r *Relay) {
		if log != nil {
			r.log = log
		}
	}
}

// WithHistoryLimit sets the replay window used on join (default: DefaultHistoryLimit).
func WithHistoryLimit(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.historyLimit = clampLimit(n)
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// New constructs a Relay.
func New(store Store, broker Broker, opts ...Option) (*Relay, error) {
	if store == nil {
		return nil, errors.New("relay: nil store")
	}
	if broker == nil {
		return nil, errors.New("relay: nil broker")
	}
	r := &Relay{
		log:          slog.Default(),
		store:        store,
		broker:       broker,
		historyLimit: DefaultHistoryLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.registry = NewRegistry(r.log, broker, r.metrics)
	r.binder = NewBinder(r.log, broker, r.metrics)
	return r, nil
}

// Registry exposes the room registry.
func (r *Relay) Registry() *Registry { return r.registry }

// HistoryLimit returns the configured replay window.
func (r *Relay) HistoryLimit() int { return r.historyLimit }

// NewSession starts a Detached session for p. An empty SessionID is replaced by a fresh ULID.
func (r *Relay) NewSession(p Participant, opts SessionOptions) (*Session, error) {
	p.Username = strings.TrimSpace(p.Username)
	p.DisplayName = strings.TrimSpace(p.DisplayName)
	if p.Username == "" {
		return nil, opErr("relay.NewSession", ErrInvalidParticipant, nil)
	}
	if p.SessionID == "" {
		id, err := ids.NewULID(time.Now().UTC())
		if err != nil {
			return nil, err
		}
		p.SessionID = id
	}
	return &Session{
		log:         r.log.With("component", "relay.session"),
		relay:       r,
		participant: p,
		opts:        opts,
	}, nil
}

// History is the pull-based query interface: the newest limit messages of room, oldest first.
// Rooms without activity read as empty.
func (r *Relay) History(ctx context.Context, room string, limit int) ([]Message, error) {
	name, err := NormalizeRoom(room)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = r.historyLimit
	}
	msgs, err := r.store.Recent(ctx, name, limit)
	if err != nil {
		return nil, opErr("relay.History", ErrPersistenceFailure, err)
	}
	return msgs, nil
}

// Ready checks the store and broker when they can report liveness.
func (r *Relay) Ready(ctx context.Context) error {
	if p, ok := r.store.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return opErr("relay.Ready", ErrPersistenceFailure, err)
		}
	}
	if p, ok := r.broker.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return opErr("relay.Ready", ErrBrokerUnavailable, err)
		}
	}
	return nil
}
