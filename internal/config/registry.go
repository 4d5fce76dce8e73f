package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"

	"github.com/MrWong99/yomiage/pkg/provider/tts"
)

// ErrBackendNotRegistered is returned by [Registry.Create] when no factory has
// been registered under the requested backend kind.
var ErrBackendNotRegistered = errors.New("config: backend kind not registered")

// BackendFactory constructs a synthesis backend from its config entry.
type BackendFactory func(BackendEntry) (tts.Provider, error)

// Registry maps backend kinds to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]BackendFactory)}
}

// Register registers a backend factory under kind.
// Subsequent calls with the same kind overwrite the previous registration.
func (r *Registry) Register(kind string, factory BackendFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}

// Create instantiates the backend described by entry. It returns an error
// wrapping [ErrBackendNotRegistered] if entry.Kind is unknown.
func (r *Registry) Create(entry BackendEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[entry.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, entry.Kind)
	}
	p, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create backend %q: %w", entry.Name, err)
	}
	return p, nil
}

// ── Option accessors ──────────────────────────────────────────────────────────

// OptString returns the string option key, or "" if it is absent or not a
// string.
func (e BackendEntry) OptString(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// OptBool returns the boolean option key and whether it was set.
func (e BackendEntry) OptBool(key string) (value, ok bool) {
	value, ok = e.Options[key].(bool)
	return value, ok
}

// OptInt returns the integer option key, or 0 if it is absent or not a whole
// number.
func (e BackendEntry) OptInt(key string) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		if v == float64(int(v)) {
			return int(v)
		}
	}
	return 0
}

// OptVoiceMap returns the option key as a map from catalog voice id to a
// backend-specific identifier. YAML maps with integer or numeric string keys
// are both accepted; entries that do not fit are skipped.
func (e BackendEntry) OptVoiceMap(key string) map[int]string {
	out := make(map[int]string)
	put := func(k any, v any) {
		id, ok := voiceKey(k)
		if !ok {
			return
		}
		switch s := v.(type) {
		case string:
			out[id] = s
		case int:
			out[id] = strconv.Itoa(s)
		}
	}
	switch m := e.Options[key].(type) {
	case map[string]any:
		for k, v := range m {
			put(k, v)
		}
	case map[any]any:
		for k, v := range m {
			put(k, v)
		}
	case map[int]any:
		for k, v := range m {
			put(k, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func voiceKey(k any) (int, bool) {
	switch v := k.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case string:
		id, err := strconv.Atoi(v)
		return id, err == nil
	}
	return 0, false
}
