package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/yomiage/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{Discord: config.DiscordConfig{Token: "t"}}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if d.Changed() {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %q", d.RestartRequired)
	}
}

func TestDiff_TextChanged(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.TextConfig)
	}{
		{"max length", func(tc *config.TextConfig) { tc.MaxLength = 80 }},
		{"suffix", func(tc *config.TextConfig) { tc.TruncationSuffix = "..." }},
		{"ignore prefixes", func(tc *config.TextConfig) { tc.IgnorePrefixes = append(tc.IgnorePrefixes, "!") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tt.mutate(&new.Text)

			d := config.Diff(old, new)
			if !d.TextChanged {
				t.Fatal("expected TextChanged=true")
			}
			if d.NewText.MaxLength != new.Text.MaxLength || !slices.Equal(d.NewText.IgnorePrefixes, new.Text.IgnorePrefixes) {
				t.Errorf("NewText = %+v, want %+v", d.NewText, new.Text)
			}
		})
	}
}

func TestDiff_NotificationVoiceChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Voices.NotificationVoiceID = 1388823424

	d := config.Diff(old, new)
	if !d.NotificationVoiceChanged || d.NewNotificationVoiceID != 1388823424 {
		t.Errorf("got %+v", d)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Discord.Token = "other"
	new.Synthesis.Backends[0].Options = map[string]any{"output_stereo": true}
	new.Voice.ConnectRetries = 5

	d := config.Diff(old, new)
	want := []string{"discord", "synthesis", "voice"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %q, want %q", d.RestartRequired, want)
	}
	if d.LogLevelChanged || d.TextChanged || d.NotificationVoiceChanged {
		t.Errorf("unexpected hot-reload changes: %+v", d)
	}
	if !d.Changed() {
		t.Error("Changed() = false")
	}
}
