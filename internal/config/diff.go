package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded carry new values; everything
// else is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	TextChanged bool
	NewText     TextConfig

	NotificationVoiceChanged bool
	NewNotificationVoiceID   int

	// RestartRequired names the changed sections that only take effect
	// after a restart.
	RestartRequired []string
}

// Changed reports whether the diff contains anything at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.TextChanged || d.NotificationVoiceChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Text.MaxLength != new.Text.MaxLength ||
		old.Text.TruncationSuffix != new.Text.TruncationSuffix ||
		!slices.Equal(old.Text.IgnorePrefixes, new.Text.IgnorePrefixes) {
		d.TextChanged = true
		d.NewText = new.Text
		d.NewText.IgnorePrefixes = slices.Clone(new.Text.IgnorePrefixes)
	}

	if old.Voices.NotificationVoiceID != new.Voices.NotificationVoiceID {
		d.NotificationVoiceChanged = true
		d.NewNotificationVoiceID = new.Voices.NotificationVoiceID
	}

	restart := []struct {
		name     string
		old, new any
	}{
		{"server.listen_addr", old.Server.ListenAddr, new.Server.ListenAddr},
		{"server.trace_sample_ratio", old.Server.TraceSampleRatio, new.Server.TraceSampleRatio},
		{"discord", old.Discord, new.Discord},
		{"synthesis", old.Synthesis, new.Synthesis},
		{"voices.default_voice_id", old.Voices.DefaultVoiceID, new.Voices.DefaultVoiceID},
		{"voices.catalog", old.Voices.Catalog, new.Voices.Catalog},
		{"profiles", old.Profiles, new.Profiles},
		{"audio", old.Audio, new.Audio},
		{"voice", old.Voice, new.Voice},
	}
	for _, r := range restart {
		if !reflect.DeepEqual(r.old, r.new) {
			d.RestartRequired = append(d.RestartRequired, r.name)
		}
	}

	return d
}
