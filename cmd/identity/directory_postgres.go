package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory implements Directory over PostgreSQL.
//
// The pgx pool is owned by the caller; this directory must NOT close it.
// Schema/table identifiers are safely quoted to avoid SQL injection via identifiers.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
	guests bool
}

// PostgresOption configures the directory.
type PostgresOption func(*PostgresDirectory) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema (default "relay").
func WithSchema(schema string) PostgresOption {
	return func(d *PostgresDirectory) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		d.schema = schema
		return nil
	}
}

// WithGuests admits unknown usernames as guest profiles.
func WithGuests(allow bool) PostgresOption {
	return func(d *PostgresDirectory) error {
		d.guests = allow
		return nil
	}
}

// NewPostgresDirectory constructs a PostgresDirectory.
func NewPostgresDirectory(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresDirectory, error) {
	d := &PostgresDirectory{pool: pool, schema: "relay"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return d, nil
}

// EnsureSchema creates the users table when missing.
func (d *PostgresDirectory) EnsureSchema(ctx context.Context) error {
	users := pgIdent(d.schema, "users")
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{d.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + users + ` (
		   username_norm TEXT PRIMARY KEY,
		   display_name  TEXT NOT NULL DEFAULT '',
		   created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		   CONSTRAINT chk_users_username_len CHECK (char_length(username_norm) BETWEEN 1 AND 64)
		 )`,
	}
	for _, q := range stmts {
		if _, err := d.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("identity: ensure schema: %w", err)
		}
	}
	return nil
}

// Register inserts p. An existing username is a ConflictError.
func (d *PostgresDirectory) Register(ctx context.Context, p Profile) error {
	const op = "identity.Register"

	name, err := ValidateUsername(op, p.Username)
	if err != nil {
		return err
	}
	_, err = d.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(d.schema, "users")+` (username_norm, display_name, created_at)
		 VALUES ($1, $2, $3)`,
		name, strings.TrimSpace(p.DisplayName), time.Now().UTC(),
	)
	if err != nil {
		if pgIsUniqueViolation(err) {
			return ConflictError{Op: op, Field: "username"}
		}
		return err
	}
	return nil
}

// Seed registers profiles, skipping usernames that already exist.
func (d *PostgresDirectory) Seed(ctx context.Context, profiles ...Profile) error {
	for _, p := range profiles {
		if err := d.Register(ctx, p); err != nil && !IsConflict(err) {
			return err
		}
	}
	return nil
}

// Lookup implements Directory.
func (d *PostgresDirectory) Lookup(ctx context.Context, username string) (Profile, error) {
	const op = "identity.Lookup"

	name, err := ValidateUsername(op, username)
	if err != nil {
		return Profile{}, err
	}

	var p Profile
	err = d.pool.QueryRow(ctx,
		`SELECT username_norm, display_name FROM `+pgIdent(d.schema, "users")+` WHERE username_norm = $1`,
		name,
	).Scan(&p.Username, &p.DisplayName)
	switch {
	case err == nil:
		return p, nil
	case errors.Is(err, pgx.ErrNoRows):
		if d.guests {
			return guest(name), nil
		}
		return Profile{}, NotFoundError{Op: op, Resource: "user"}
	default:
		return Profile{}, err
	}
}

// List implements Directory.
func (d *PostgresDirectory) List(ctx context.Context) ([]Profile, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT username_norm, display_name FROM `+pgIdent(d.schema, "users")+` ORDER BY username_norm`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Profile, 0, 16)
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.Username, &p.DisplayName); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func pgIsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" // unique_violation
}
