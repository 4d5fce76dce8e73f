// Package profile remembers which voice every user speaks with.
//
// A [Store] keeps all profiles in memory and writes them back through a
// [Backend] after a short debounce, so a burst of updates costs one write.
// Three backends exist: a YAML file compatible with the legacy mapping
// format, PostgreSQL and SQLite.
package profile

import (
	"context"
	"fmt"
)

// Profile is the voice assignment of one user.
type Profile struct {
	UserID      string
	VoiceID     int
	DisplayName string

	// Legacy marks a record read from the old bare-integer format. It is
	// never persisted.
	Legacy bool
}

// Backend is durable storage for profiles.
//
// Save receives the complete set of profiles and replaces or upserts them.
// Implementations must be safe for concurrent use.
type Backend interface {
	Load(ctx context.Context) ([]Profile, error)
	Save(ctx context.Context, profiles []Profile) error
	Ping(ctx context.Context) error
	Close() error
}

// PersistenceError reports a profile backend that could not be read or
// written.
type PersistenceError struct {
	Op      string // "load" or "save"
	Backend string
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("profile: %s %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *PersistenceError) Unwrap() error { return e.Err }
