package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"roomrelay/cmd/identity/ids"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a Store backed by a SQLite file (pure Go driver).
//
// Seq and the timestamp clamp are computed inside a single INSERT ... SELECT statement,
// which SQLite executes atomically, so several processes may share one database file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at path and applies the schema.
// path may be a plain file path or a "file:" URI.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("relay: empty sqlite path")
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, err
	}
	// One writer connection avoids SQLITE_BUSY churn inside this process.
	db.SetMaxOpenConns(1)

	st := &SQLiteStore{db: db}
	if err := st.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
		     id           TEXT    PRIMARY KEY,
		     room         TEXT    NOT NULL,
		     seq          INTEGER NOT NULL,
		     sender       TEXT    NOT NULL,
		     display_name TEXT    NOT NULL,
		     body         TEXT    NOT NULL,
		     sent_at      INTEGER NOT NULL,
		     UNIQUE (room, seq)
		 )`,
		`CREATE INDEX IF NOT EXISTS messages_room_seq ON messages (room, seq DESC)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sqlite schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Append inserts one message; seq and sent_at are derived from the room's newest row.
func (s *SQLiteStore) Append(ctx context.Context, in AppendInput) (Message, error) {
	if err := in.validate(); err != nil {
		return Message{}, fmt.Errorf("sqlite store: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	var seq, sentAt int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO messages (id, room, seq, sender, display_name, body, sent_at)
		 SELECT ?, ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, MAX(?, COALESCE(MAX(sent_at), 0))
		   FROM messages
		  WHERE room = ?
		 RETURNING seq, sent_at`,
		id, in.Room, in.Sender, in.DisplayName, in.Body, now.UnixNano(), in.Room,
	).Scan(&seq, &sentAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	return Message{
		ID:          id,
		Room:        in.Room,
		Seq:         seq,
		Sender:      in.Sender,
		DisplayName: in.DisplayName,
		Body:        in.Body,
		Timestamp:   time.Unix(0, sentAt).UTC(),
	}, nil
}

// Recent returns the newest limit messages of room, oldest first.
func (s *SQLiteStore) Recent(ctx context.Context, room string, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room, seq, sender, display_name, body, sent_at
		   FROM (
		         SELECT id, room, seq, sender, display_name, body, sent_at
		           FROM messages
		          WHERE room = ?
		          ORDER BY seq DESC
		          LIMIT ?
		        )
		  ORDER BY seq ASC`,
		room, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var (
			m      Message
			sentAt int64
		)
		if err := rows.Scan(&m.ID, &m.Room, &m.Seq, &m.Sender, &m.DisplayName, &m.Body, &sentAt); err != nil {
			return nil, err
		}
		m.Timestamp = time.Unix(0, sentAt).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
