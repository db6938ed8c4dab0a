package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"roomrelay/cmd/identity"
	"roomrelay/cmd/internal/relay"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// Store and broker kinds, as selected by RELAY_DATABASE_URL and RELAY_BROKER_URL.
const (
	storeMemory   = "memory"
	storePostgres = "postgres"
	storeSQLite   = "sqlite"
	storeBadger   = "badger"

	brokerMemory = "memory"
	brokerAMQP   = "amqp"
	brokerRedis  = "redis"
	brokerNATS   = "nats"
)

// storeTarget is a parsed RELAY_DATABASE_URL.
type storeTarget struct {
	kind string
	// dsn is the driver-level address: the URL for postgres, the path or file: URI for sqlite and the
	// directory for badger.
	dsn string
}

func parseStoreURL(raw string) (storeTarget, error) {
	raw = strings.TrimSpace(raw)
	lower := strings.ToLower(raw)
	switch {
	case raw == "":
		return storeTarget{kind: storeMemory}, nil
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return storeTarget{kind: storePostgres, dsn: raw}, nil
	case strings.HasPrefix(lower, "sqlite:"):
		path := strings.TrimPrefix(raw[len("sqlite:"):], "//")
		if path == "" {
			return storeTarget{}, errors.New("sqlite store: empty path")
		}
		return storeTarget{kind: storeSQLite, dsn: path}, nil
	case strings.HasPrefix(lower, "file:"):
		return storeTarget{kind: storeSQLite, dsn: raw}, nil
	case strings.HasPrefix(lower, "badger:"):
		dir := strings.TrimPrefix(raw[len("badger:"):], "//")
		if dir == "" {
			return storeTarget{}, errors.New("badger store: empty directory")
		}
		return storeTarget{kind: storeBadger, dsn: dir}, nil
	default:
		return storeTarget{}, fmt.Errorf("unsupported RELAY_DATABASE_URL scheme in %q", redactURL(raw))
	}
}

func parseBrokerKind(raw string) (string, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	scheme, _, _ := strings.Cut(raw, "://")
	switch {
	case raw == "":
		return brokerMemory, nil
	case scheme == "amqp" || scheme == "amqps":
		return brokerAMQP, nil
	case scheme == "redis" || scheme == "rediss":
		return brokerRedis, nil
	case scheme == "nats" || scheme == "tls":
		return brokerNATS, nil
	default:
		return "", fmt.Errorf("unsupported RELAY_BROKER_URL scheme in %q", redactURL(raw))
	}
}

// redactURL drops userinfo so credentials never reach logs or errors.
func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = "***@" + rest[at+1:]
	}
	return scheme + "://" + rest
}

// Backends is the relay core and identity directory opened from Config. It owns every connection it
// opened; Close releases them.
type Backends struct {
	Relay     *relay.Relay
	Directory identity.Directory

	StoreKind  string
	BrokerKind string

	log     *slog.Logger
	store   relay.Store
	broker  relay.Broker
	dbPool  *pgxpool.Pool
	closers []func() error
}

// Durable reports whether history survives a restart.
func (b *Backends) Durable() bool { return b.StoreKind != storeMemory }

// OpenBackends connects the configured store and broker, builds the relay and picks the directory:
// Postgres-backed (seeded with the demo users) when the store is Postgres, static otherwise.
// reg may be nil to skip metrics registration.
func OpenBackends(ctx context.Context, cfg Config, log *slog.Logger, reg prometheus.Registerer) (_ *Backends, err error) {
	if log == nil {
		log = slog.Default()
	}
	b := &Backends{log: log}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	target, err := parseStoreURL(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	brokerKind, err := parseBrokerKind(cfg.BrokerURL)
	if err != nil {
		return nil, err
	}
	b.StoreKind, b.BrokerKind = target.kind, brokerKind

	if err := b.openStore(ctx, cfg, target); err != nil {
		return nil, fmt.Errorf("open %s store: %w", target.kind, err)
	}
	if err := b.openBroker(ctx, cfg, brokerKind); err != nil {
		return nil, fmt.Errorf("open %s broker: %w", brokerKind, err)
	}
	if err := b.openDirectory(ctx, cfg); err != nil {
		return nil, fmt.Errorf("open directory: %w", err)
	}

	b.Relay, err = relay.New(b.store, b.broker,
		relay.WithLogger(log),
		relay.WithHistoryLimit(cfg.HistoryLimit),
		relay.WithMetrics(relay.NewMetrics(reg)),
	)
	if err != nil {
		return nil, err
	}

	log.Info("relay.backends.open", "store", b.StoreKind, "broker", b.BrokerKind,
		"history_limit", b.Relay.HistoryLimit(), "guests", cfg.GuestsAllowed)
	return b, nil
}

func (b *Backends) openStore(ctx context.Context, cfg Config, t storeTarget) error {
	switch t.kind {
	case storeMemory:
		b.log.Info("db.disabled.inmemory_store")
		b.store = relay.NewInMemoryStore()

	case storePostgres:
		pcfg := cfg
		pcfg.DatabaseURL = t.dsn
		pool, err := NewDBPool(ctx, pcfg)
		if err != nil {
			return err
		}
		b.dbPool = pool
		b.closers = append(b.closers, func() error { pool.Close(); return nil })

		st, err := relay.NewPostgresStore(pool)
		if err != nil {
			return err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			return err
		}
		b.store = st

	case storeSQLite:
		st, err := relay.OpenSQLiteStore(ctx, t.dsn)
		if err != nil {
			return err
		}
		b.store = st

	case storeBadger:
		st, err := relay.OpenBadgerStore(t.dsn, b.log)
		if err != nil {
			return err
		}
		b.store = st
	}

	b.closers = append(b.closers, b.store.Close)
	return nil
}

func (b *Backends) openBroker(ctx context.Context, cfg Config, kind string) error {
	var err error
	switch kind {
	case brokerMemory:
		b.broker = relay.NewMemoryBroker(b.log, relay.WithMemoryBuffer(cfg.ChannelBuffer))
	case brokerAMQP:
		b.broker, err = relay.DialAMQP(ctx, cfg.BrokerURL, b.log, relay.WithAMQPBuffer(cfg.ChannelBuffer))
	case brokerRedis:
		b.broker, err = relay.DialRedis(ctx, cfg.BrokerURL, cfg.ChannelBuffer)
	case brokerNATS:
		b.broker, err = relay.DialNATS(cfg.BrokerURL, b.log, cfg.ChannelBuffer)
	}
	if err != nil {
		return err
	}
	b.closers = append(b.closers, b.broker.Close)
	return nil
}

func (b *Backends) openDirectory(ctx context.Context, cfg Config) error {
	if b.dbPool == nil {
		dir, err := identity.NewStaticDirectory(cfg.GuestsAllowed, identity.DemoProfiles()...)
		if err != nil {
			return err
		}
		b.Directory = dir
		return nil
	}

	dir, err := identity.NewPostgresDirectory(b.dbPool, identity.WithGuests(cfg.GuestsAllowed))
	if err != nil {
		return err
	}
	if err := dir.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := dir.Seed(ctx, identity.DemoProfiles()...); err != nil {
		return err
	}
	b.Directory = dir
	return nil
}

// Ready checks the relay backends; with requireDurable, an in-memory store is reported unready.
func (b *Backends) Ready(ctx context.Context, requireDurable bool) error {
	if requireDurable && !b.Durable() {
		return errors.New("durable store not configured")
	}
	return b.Relay.Ready(ctx)
}

// Close releases the broker first so no delivery races a closing store, then the store and pool.
func (b *Backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
