// Package config provides the configuration schema, loader, hot-reload watcher
// and synthesis backend registry for the yomiage relay.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ProfileBackend selects where user voice profiles are persisted.
type ProfileBackend string

const (
	// ProfileBackendFile stores profiles in a YAML mapping file.
	ProfileBackendFile ProfileBackend = "file"

	// ProfileBackendPostgres stores profiles in a PostgreSQL table.
	ProfileBackendPostgres ProfileBackend = "postgres"

	// ProfileBackendSQLite stores profiles in an embedded SQLite database.
	ProfileBackendSQLite ProfileBackend = "sqlite"
)

// IsValid reports whether b is a recognised profile backend.
func (b ProfileBackend) IsValid() bool {
	switch b {
	case ProfileBackendFile, ProfileBackendPostgres, ProfileBackendSQLite:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Discord   DiscordConfig   `yaml:"discord"`
	Synthesis SynthesisConfig `yaml:"synthesis"`
	Voices    VoicesConfig    `yaml:"voices"`
	Profiles  ProfilesConfig  `yaml:"profiles"`
	Audio     AudioConfig     `yaml:"audio"`
	Text      TextConfig      `yaml:"text"`
	Voice     VoiceConfig     `yaml:"voice"`
}

// ServerConfig holds the operations HTTP server and logging settings.
type ServerConfig struct {
	// ListenAddr is the address of the ops server serving /healthz, /readyz
	// and /metrics (e.g. ":9090"). Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TraceSampleRatio is the fraction of message and presence traces
	// sampled, in (0, 1]. Zero samples everything.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// DiscordConfig holds the bot credentials and command registration scope.
type DiscordConfig struct {
	// Token is the bot token. YOMIAGE_DISCORD_TOKEN overrides it.
	Token string `yaml:"token"`

	// ApplicationID is the application the slash commands belong to. When
	// empty, the id of the logged-in bot user is used.
	ApplicationID string `yaml:"application_id"`

	// GuildID restricts command registration to a single guild. Empty
	// registers global commands.
	GuildID string `yaml:"guild_id"`

	// AdminRoleID is the role allowed to run /vrestart. Empty allows everyone.
	AdminRoleID string `yaml:"admin_role_id"`
}

// SynthesisConfig configures the backend race.
type SynthesisConfig struct {
	// PerRequestTimeout bounds each backend's attempt.
	PerRequestTimeout time.Duration `yaml:"per_request_timeout"`

	// OverallTimeout bounds the whole race.
	OverallTimeout time.Duration `yaml:"overall_timeout"`

	// CircuitBreaker configures the breaker placed in front of every backend.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`

	// Backends lists the synthesis servers raced for every utterance.
	Backends []BackendEntry `yaml:"backends"`
}

// CircuitBreakerConfig holds per-backend breaker thresholds.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// BackendEntry is one synthesis server. The Kind field is used to look up
// the constructor in the [Registry].
type BackendEntry struct {
	// Name labels the backend in logs and metrics. Must be unique.
	Name string `yaml:"name"`

	// Kind selects the registered implementation (e.g. "voicevox").
	Kind string `yaml:"kind"`

	// BaseURL is the server address.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates against hosted backends.
	APIKey string `yaml:"api_key"`

	// Options holds kind-specific values not covered by the fields above.
	// Values may be strings, numbers, booleans or nested maps.
	Options map[string]any `yaml:"options"`
}

// VoicesConfig configures the voice catalog.
type VoicesConfig struct {
	// DefaultVoiceID is used when a stored profile names an unknown voice.
	DefaultVoiceID int `yaml:"default_voice_id"`

	// NotificationVoiceID speaks join and leave notifications. Hot-reloadable.
	NotificationVoiceID int `yaml:"notification_voice_id"`

	// Catalog lists the selectable voices. Empty selects the built-in list.
	Catalog []VoiceEntry `yaml:"catalog"`
}

// VoiceEntry is one catalog voice.
type VoiceEntry struct {
	Name string `yaml:"name"`
	ID   int    `yaml:"id"`
}

// ProfilesConfig selects and configures profile persistence.
type ProfilesConfig struct {
	Backend ProfileBackend `yaml:"backend"`

	// Path is the mapping file of the file backend.
	Path string `yaml:"path"`

	// DSN is the PostgreSQL connection string, or the database file of the
	// sqlite backend. YOMIAGE_POSTGRES_DSN overrides it for postgres.
	DSN string `yaml:"dsn"`

	// Debounce is the write-back delay after a profile change.
	Debounce time.Duration `yaml:"debounce"`
}

// AudioConfig locates fixed clips and the notification cache.
type AudioConfig struct {
	ClipsDir             string `yaml:"clips_dir"`
	NotificationCacheDir string `yaml:"notification_cache_dir"`
}

// TextConfig controls message sanitizing. Hot-reloadable.
type TextConfig struct {
	MaxLength        int      `yaml:"max_length"`
	TruncationSuffix string   `yaml:"truncation_suffix"`
	IgnorePrefixes   []string `yaml:"ignore_prefixes"`
}

// VoiceConfig tunes voice connection handling.
type VoiceConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// ConnectRetries is the number of extra connect attempts during a
	// restart. Zero selects the default; a negative value disables retries.
	ConnectRetries int `yaml:"connect_retries"`

	MaxBackoff   time.Duration `yaml:"max_backoff"`
	BackoffDecay time.Duration `yaml:"backoff_decay"`
}
