package profile

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSchema is the DDL for the voice_profiles table. It is applied by
// [PostgresBackend.Migrate].
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS voice_profiles (
    user_id      TEXT PRIMARY KEY,
    voice_id     BIGINT NOT NULL,
    display_name TEXT NOT NULL DEFAULT '',
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [PostgresBackend]. Both *pgxpool.Pool
// and *pgx.Conn satisfy it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresBackend stores profiles in PostgreSQL.
type PostgresBackend struct {
	db    DB
	close func()
	ping  func(context.Context) error
}

var _ Backend = (*PostgresBackend)(nil)

// NewPostgresBackend wraps an existing connection or pool. The caller keeps
// ownership of db.
func NewPostgresBackend(db DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

// OpenPostgres connects a pool to dsn, applies the schema and returns a
// backend that owns the pool.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, &PersistenceError{Op: "open", Backend: "postgres", Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &PersistenceError{Op: "open", Backend: "postgres", Err: err}
	}
	b := &PostgresBackend{db: pool, close: pool.Close, ping: pool.Ping}
	if err := b.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

// Migrate applies [PostgresSchema].
func (b *PostgresBackend) Migrate(ctx context.Context) error {
	if _, err := b.db.Exec(ctx, PostgresSchema); err != nil {
		return &PersistenceError{Op: "migrate", Backend: "postgres", Err: err}
	}
	return nil
}

// Load implements [Backend].
func (b *PostgresBackend) Load(ctx context.Context) ([]Profile, error) {
	rows, err := b.db.Query(ctx, `SELECT user_id, voice_id, display_name FROM voice_profiles ORDER BY user_id`)
	if err != nil {
		return nil, &PersistenceError{Op: "load", Backend: "postgres", Err: err}
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		var p Profile
		var voiceID int64
		if err := rows.Scan(&p.UserID, &voiceID, &p.DisplayName); err != nil {
			return nil, &PersistenceError{Op: "load", Backend: "postgres", Err: fmt.Errorf("scan: %w", err)}
		}
		p.VoiceID = int(voiceID)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "load", Backend: "postgres", Err: err}
	}
	return out, nil
}

// Save implements [Backend] by upserting every profile.
func (b *PostgresBackend) Save(ctx context.Context, profiles []Profile) error {
	const query = `
		INSERT INTO voice_profiles (user_id, voice_id, display_name, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id) DO UPDATE
		SET voice_id = EXCLUDED.voice_id,
		    display_name = EXCLUDED.display_name,
		    updated_at = now()
		WHERE voice_profiles.voice_id <> EXCLUDED.voice_id
		   OR voice_profiles.display_name <> EXCLUDED.display_name`

	for _, p := range profiles {
		if _, err := b.db.Exec(ctx, query, p.UserID, int64(p.VoiceID), p.DisplayName); err != nil {
			return &PersistenceError{Op: "save", Backend: "postgres", Err: fmt.Errorf("user %s: %w", p.UserID, err)}
		}
	}
	return nil
}

// Ping implements [Backend].
func (b *PostgresBackend) Ping(ctx context.Context) error {
	var err error
	if b.ping != nil {
		err = b.ping(ctx)
	} else {
		_, err = b.db.Exec(ctx, "SELECT 1")
	}
	if err != nil {
		return &PersistenceError{Op: "ping", Backend: "postgres", Err: err}
	}
	return nil
}

// Close releases the pool when the backend owns it.
func (b *PostgresBackend) Close() error {
	if b.close != nil {
		b.close()
	}
	return nil
}
