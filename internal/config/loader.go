package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/yomiage/internal/profile"
	"github.com/MrWong99/yomiage/internal/textnorm"
)

// Environment variables that override file values.
const (
	EnvDiscordToken = "YOMIAGE_DISCORD_TOKEN"
	EnvPostgresDSN  = "YOMIAGE_POSTGRES_DSN"
)

// ValidBackendKinds lists the synthesis backend kinds that ship with yomiage.
// Used by [Validate] to warn about unrecognised kinds.
var ValidBackendKinds = []string{"voicevox", "coqui", "elevenlabs"}

// DefaultBackends are raced when the config names no backend: the local
// engine and the LAN fallback.
var DefaultBackends = []BackendEntry{
	{Name: "local", Kind: "voicevox", BaseURL: "http://localhost:10101"},
	{Name: "lan", Kind: "voicevox", BaseURL: "http://192.168.0.246:10101"},
}

// LoadDotEnv loads KEY=value pairs from path into the process environment.
// Variables that are already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: load %q: %w", path, err)
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// environment overrides, and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	ApplyEnv(cfg, os.LookupEnv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	s := &cfg.Synthesis
	setDuration(&s.PerRequestTimeout, 10*time.Second)
	setDuration(&s.OverallTimeout, 15*time.Second)
	if s.CircuitBreaker.MaxFailures == 0 {
		s.CircuitBreaker.MaxFailures = 5
	}
	setDuration(&s.CircuitBreaker.ResetTimeout, 30*time.Second)
	if len(s.Backends) == 0 {
		s.Backends = slices.Clone(DefaultBackends)
	}

	v := &cfg.Voices
	if v.DefaultVoiceID == 0 {
		v.DefaultVoiceID = profile.DefaultVoiceID
	}
	if v.NotificationVoiceID == 0 {
		v.NotificationVoiceID = profile.DefaultVoiceID
	}
	if len(v.Catalog) == 0 {
		for _, voice := range profile.BuiltinVoices() {
			v.Catalog = append(v.Catalog, VoiceEntry{Name: voice.Name, ID: voice.ID})
		}
	}

	p := &cfg.Profiles
	if p.Backend == "" {
		p.Backend = ProfileBackendFile
	}
	if p.Backend == ProfileBackendFile && p.Path == "" {
		p.Path = "voice_mapping.yaml"
	}
	setDuration(&p.Debounce, profile.DefaultDebounce)

	if cfg.Audio.ClipsDir == "" {
		cfg.Audio.ClipsDir = "saved_wav"
	}
	if cfg.Audio.NotificationCacheDir == "" {
		cfg.Audio.NotificationCacheDir = cfg.Audio.ClipsDir
	}

	t := &cfg.Text
	if t.MaxLength == 0 {
		t.MaxLength = textnorm.DefaultMaxLength
	}
	if t.TruncationSuffix == "" {
		t.TruncationSuffix = textnorm.DefaultTruncationSuffix
	}
	if t.IgnorePrefixes == nil {
		t.IgnorePrefixes = []string{"neko!"}
	}

	vc := &cfg.Voice
	setDuration(&vc.ConnectTimeout, 8*time.Second)
	if vc.ConnectRetries == 0 {
		vc.ConnectRetries = 2
	}
	setDuration(&vc.MaxBackoff, 30*time.Second)
	setDuration(&vc.BackoffDecay, 120*time.Second)
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// ApplyEnv overrides secrets with values found through lookup, typically
// [os.LookupEnv].
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvDiscordToken); ok && v != "" {
		cfg.Discord.Token = v
	}
	if v, ok := lookup(EnvPostgresDSN); ok && v != "" && cfg.Profiles.Backend == ProfileBackendPostgres {
		cfg.Profiles.DSN = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v must be between 0 and 1", r))
	}

	// Discord
	if cfg.Discord.Token == "" {
		errs = append(errs, fmt.Errorf("discord.token is required (or set %s)", EnvDiscordToken))
	}

	// Synthesis
	s := cfg.Synthesis
	if s.PerRequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("synthesis.per_request_timeout %s must be positive", s.PerRequestTimeout))
	}
	if s.OverallTimeout < 0 {
		errs = append(errs, fmt.Errorf("synthesis.overall_timeout %s must be positive", s.OverallTimeout))
	}
	if s.PerRequestTimeout > s.OverallTimeout {
		slog.Warn("synthesis.per_request_timeout exceeds synthesis.overall_timeout; the overall ceiling wins",
			"per_request_timeout", s.PerRequestTimeout,
			"overall_timeout", s.OverallTimeout,
		)
	}
	if s.CircuitBreaker.MaxFailures < 1 {
		errs = append(errs, fmt.Errorf("synthesis.circuit_breaker.max_failures %d must be at least 1", s.CircuitBreaker.MaxFailures))
	}
	if s.CircuitBreaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("synthesis.circuit_breaker.reset_timeout %s must be positive", s.CircuitBreaker.ResetTimeout))
	}
	backendsSeen := make(map[string]int, len(s.Backends))
	for i, b := range s.Backends {
		prefix := fmt.Sprintf("synthesis.backends[%d]", i)
		if b.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := backendsSeen[b.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of synthesis.backends[%d]", prefix, b.Name, prev))
			}
			backendsSeen[b.Name] = i
		}
		switch b.Kind {
		case "":
			errs = append(errs, fmt.Errorf("%s.kind is required", prefix))
		case "voicevox", "coqui":
			if b.BaseURL == "" {
				errs = append(errs, fmt.Errorf("%s.base_url is required for kind %q", prefix, b.Kind))
			}
		case "elevenlabs":
			if b.APIKey == "" {
				errs = append(errs, fmt.Errorf("%s.api_key is required for kind %q", prefix, b.Kind))
			}
		default:
			validateBackendKind(b.Kind)
		}
	}

	// Voices
	v := cfg.Voices
	ids := make(map[int]int, len(v.Catalog))
	for i, e := range v.Catalog {
		prefix := fmt.Sprintf("voices.catalog[%d]", i)
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if e.ID < 0 {
			errs = append(errs, fmt.Errorf("%s.id %d must not be negative", prefix, e.ID))
		}
		if prev, ok := ids[e.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %d is a duplicate of voices.catalog[%d]", prefix, e.ID, prev))
		}
		ids[e.ID] = i
	}
	if len(v.Catalog) > 0 {
		if _, ok := ids[v.DefaultVoiceID]; !ok {
			errs = append(errs, fmt.Errorf("voices.default_voice_id %d is not in the catalog", v.DefaultVoiceID))
		}
		if _, ok := ids[v.NotificationVoiceID]; !ok {
			errs = append(errs, fmt.Errorf("voices.notification_voice_id %d is not in the catalog", v.NotificationVoiceID))
		}
	}

	// Profiles
	p := cfg.Profiles
	switch {
	case !p.Backend.IsValid():
		errs = append(errs, fmt.Errorf("profiles.backend %q is invalid; valid values: file, postgres, sqlite", p.Backend))
	case p.Backend == ProfileBackendFile && p.Path == "":
		errs = append(errs, errors.New("profiles.path is required for the file backend"))
	case p.Backend == ProfileBackendPostgres && p.DSN == "":
		errs = append(errs, fmt.Errorf("profiles.dsn is required for the postgres backend (or set %s)", EnvPostgresDSN))
	case p.Backend == ProfileBackendSQLite && p.DSN == "":
		errs = append(errs, errors.New("profiles.dsn is required for the sqlite backend"))
	}
	if p.Debounce < 0 {
		errs = append(errs, fmt.Errorf("profiles.debounce %s must not be negative", p.Debounce))
	}

	// Text
	if cfg.Text.MaxLength < 1 {
		errs = append(errs, fmt.Errorf("text.max_length %d must be at least 1", cfg.Text.MaxLength))
	}

	// Voice connection
	vc := cfg.Voice
	if vc.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("voice.connect_timeout %s must be positive", vc.ConnectTimeout))
	}
	if vc.MaxBackoff < 0 {
		errs = append(errs, fmt.Errorf("voice.max_backoff %s must be positive", vc.MaxBackoff))
	}
	if vc.BackoffDecay < 0 {
		errs = append(errs, fmt.Errorf("voice.backoff_decay %s must be positive", vc.BackoffDecay))
	}

	return errors.Join(errs...)
}

// validateBackendKind logs a warning if kind is not one of
// [ValidBackendKinds].
func validateBackendKind(kind string) {
	if slices.Contains(ValidBackendKinds, kind) {
		return
	}
	slog.Warn("unknown synthesis backend kind, may be a typo or third-party backend",
		"kind", kind,
		"known", ValidBackendKinds,
	)
}
