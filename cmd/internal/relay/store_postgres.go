package relay

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"roomrelay/cmd/identity/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Uses per-room transactional advisory locks so that seq allocation and the monotonic
//   timestamp clamp are serialized per room across processes.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "relay").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("relay: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("relay: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "relay",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("relay: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Ping checks that a connection can be acquired.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the schema and tables when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	schema := pgx.Identifier{s.schema}.Sanitize()
	cursors := pgIdent(s.schema, "room_cursors")
	messages := pgIdent(s.schema, "messages")

	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + schema,
		`CREATE TABLE IF NOT EXISTS ` + cursors + ` (
		     room       text        PRIMARY KEY,
		     next_seq   bigint      NOT NULL,
		     last_ts    timestamptz NOT NULL DEFAULT 'epoch',
		     updated_at timestamptz NOT NULL DEFAULT now()
		 )`,
		`CREATE TABLE IF NOT EXISTS ` + messages + ` (
		     room         text        NOT NULL,
		     seq          bigint      NOT NULL,
		     id           text        NOT NULL UNIQUE,
		     sender       text        NOT NULL,
		     display_name text        NOT NULL,
		     body         text        NOT NULL,
		     sent_at      timestamptz NOT NULL,
		     PRIMARY KEY (room, seq)
		 )`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Append appends a message with monotonic per-room seq and timestamp allocation.
func (s *PostgresStore) Append(ctx context.Context, in AppendInput) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("relay: nil store")
	}
	if err := in.validate(); err != nil {
		return Message{}, fmt.Errorf("postgres store: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cursors := pgIdent(s.schema, "room_cursors")
	messages := pgIdent(s.schema, "messages")

	// Serialize all writes per room.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.Room); err != nil {
		return Message{}, fmt.Errorf("advisory lock: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (room, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (room) DO NOTHING`,
		in.Room,
	); err != nil {
		return Message{}, err
	}

	var (
		seq  int64
		last time.Time
	)
	if err := tx.QueryRow(ctx,
		`SELECT next_seq, last_ts FROM `+cursors+` WHERE room = $1`,
		in.Room,
	).Scan(&seq, &last); err != nil {
		return Message{}, err
	}

	ts := monotonic(time.Now().UTC(), last)
	id, err := ids.NewULID(ts)
	if err != nil {
		return Message{}, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        last_ts = $2,
		        updated_at = now()
		  WHERE room = $1`,
		in.Room, ts,
	); err != nil {
		return Message{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (room, seq, id, sender, display_name, body, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		in.Room, seq, id, in.Sender, in.DisplayName, in.Body, ts,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}

	return Message{
		ID:          id,
		Room:        in.Room,
		Seq:         seq,
		Sender:      in.Sender,
		DisplayName: in.DisplayName,
		Body:        in.Body,
		Timestamp:   ts,
	}, nil
}

// Recent returns the newest limit messages of room ordered by seq ASC.
func (s *PostgresStore) Recent(ctx context.Context, room string, limit int) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("relay: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT room, seq, id, sender, display_name, body, sent_at
		   FROM (
		         SELECT room, seq, id, sender, display_name, body, sent_at
		           FROM `+messages+`
		          WHERE room = $1
		          ORDER BY seq DESC
		          LIMIT $2
		        ) newest
		  ORDER BY seq ASC`,
		room, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Room, &m.Seq, &m.ID, &m.Sender, &m.DisplayName, &m.Body, &m.Timestamp); err != nil {
			return nil, err
		}
		m.Timestamp = m.Timestamp.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
