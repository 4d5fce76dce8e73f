package profile

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS voice_profiles (
    user_id      TEXT PRIMARY KEY,
    voice_id     INTEGER NOT NULL,
    display_name TEXT NOT NULL DEFAULT '',
    updated_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// SQLiteBackend stores profiles in an embedded SQLite database.
type SQLiteBackend struct {
	db *sql.DB
}

var _ Backend = (*SQLiteBackend)(nil)

// OpenSQLite opens (and creates if needed) the database file at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteBackend, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &PersistenceError{Op: "open", Backend: "sqlite", Err: fmt.Errorf("create data dir: %w", err)}
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &PersistenceError{Op: "open", Backend: "sqlite", Err: err}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &PersistenceError{Op: "open", Backend: "sqlite", Err: err}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, &PersistenceError{Op: "migrate", Backend: "sqlite", Err: err}
	}
	return &SQLiteBackend{db: db}, nil
}

// Load implements [Backend].
func (b *SQLiteBackend) Load(ctx context.Context) ([]Profile, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT user_id, voice_id, display_name FROM voice_profiles ORDER BY user_id`)
	if err != nil {
		return nil, &PersistenceError{Op: "load", Backend: "sqlite", Err: err}
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.UserID, &p.VoiceID, &p.DisplayName); err != nil {
			return nil, &PersistenceError{Op: "load", Backend: "sqlite", Err: fmt.Errorf("scan: %w", err)}
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "load", Backend: "sqlite", Err: err}
	}
	return out, nil
}

// Save implements [Backend]. All rows are upserted in one transaction.
func (b *SQLiteBackend) Save(ctx context.Context, profiles []Profile) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "save", Backend: "sqlite", Err: err}
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO voice_profiles (user_id, voice_id, display_name, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			voice_id = excluded.voice_id,
			display_name = excluded.display_name,
			updated_at = CURRENT_TIMESTAMP`)
	if err != nil {
		return &PersistenceError{Op: "save", Backend: "sqlite", Err: err}
	}
	defer stmt.Close()

	for _, p := range profiles {
		if _, err := stmt.ExecContext(ctx, p.UserID, p.VoiceID, p.DisplayName); err != nil {
			return &PersistenceError{Op: "save", Backend: "sqlite", Err: fmt.Errorf("user %s: %w", p.UserID, err)}
		}
	}
	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "save", Backend: "sqlite", Err: err}
	}
	return nil
}

// Ping implements [Backend].
func (b *SQLiteBackend) Ping(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return &PersistenceError{Op: "ping", Backend: "sqlite", Err: err}
	}
	return nil
}

// Close implements [Backend].
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
