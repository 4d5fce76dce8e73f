// Command yomiage reads the text chat of a Discord voice channel aloud.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/yomiage/internal/app"
	"github.com/MrWong99/yomiage/internal/clips"
	"github.com/MrWong99/yomiage/internal/config"
	"github.com/MrWong99/yomiage/internal/discord"
	"github.com/MrWong99/yomiage/internal/discord/commands"
	"github.com/MrWong99/yomiage/internal/health"
	"github.com/MrWong99/yomiage/internal/observe"
	"github.com/MrWong99/yomiage/internal/playback"
	"github.com/MrWong99/yomiage/internal/profile"
	"github.com/MrWong99/yomiage/internal/session"
	"github.com/MrWong99/yomiage/internal/synth"
	"github.com/MrWong99/yomiage/internal/textnorm"
	"github.com/MrWong99/yomiage/pkg/provider/tts"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "optional dotenv file with secrets")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "yomiage: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "yomiage: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "yomiage: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("yomiage starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		SampleRatio:    cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Synthesis ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	backends, err := buildBackends(cfg.Synthesis, reg, metrics)
	if err != nil {
		slog.Error("failed to build synthesis backends", "err", err)
		return 1
	}
	racer, err := synth.New(backends,
		synth.WithPerRequestTimeout(cfg.Synthesis.PerRequestTimeout),
		synth.WithOverallTimeout(cfg.Synthesis.OverallTimeout),
		synth.WithMetrics(metrics),
	)
	if err != nil {
		slog.Error("failed to create synthesis race", "err", err)
		return 1
	}
	stats := discord.NewSynthesisStats(200)
	synthesizer := stats.Instrument(racer)

	// ── Voice profiles ────────────────────────────────────────────────────────
	catalog, err := buildCatalog(cfg.Voices)
	if err != nil {
		slog.Error("invalid voice catalog", "err", err)
		return 1
	}
	backend, err := openProfileBackend(ctx, cfg.Profiles)
	if err != nil {
		slog.Error("failed to open profile backend", "backend", cfg.Profiles.Backend, "err", err)
		return 1
	}
	profiles := profile.NewStore(backend, catalog,
		profile.WithDebounce(cfg.Profiles.Debounce),
		profile.WithMetrics(metrics),
	)
	defer func() {
		if err := profiles.Close(); err != nil {
			slog.Error("profile store close error", "err", err)
		}
	}()
	if err := profiles.Load(ctx); err != nil {
		slog.Error("failed to load voice profiles", "err", err)
		return 1
	}
	slog.Info("voice profiles loaded", "backend", cfg.Profiles.Backend, "profiles", profiles.Len(), "voices", catalog.Len())

	// ── Clips ─────────────────────────────────────────────────────────────────
	library := clips.New(cfg.Audio.ClipsDir, cfg.Audio.NotificationCacheDir, synthesizer,
		clips.WithNotificationVoice(catalog.Voice(cfg.Voices.NotificationVoiceID)),
	)
	if err := library.Verify(ctx); err != nil {
		slog.Error("clip library is incomplete", "dir", cfg.Audio.ClipsDir, "err", err)
		return 1
	}

	// ── Discord ───────────────────────────────────────────────────────────────
	bot, err := discord.New(discord.Config{
		Token:         cfg.Discord.Token,
		ApplicationID: cfg.Discord.ApplicationID,
		GuildID:       cfg.Discord.GuildID,
		AdminRoleID:   cfg.Discord.AdminRoleID,
	})
	if err != nil {
		slog.Error("failed to create Discord bot", "err", err)
		return 1
	}

	guard := session.NewGuard(session.GuardConfig{
		Platform:       bot.Platform(),
		ConnectTimeout: cfg.Voice.ConnectTimeout,
		ConnectRetries: cfg.Voice.ConnectRetries,
		MaxBackoff:     cfg.Voice.MaxBackoff,
		BackoffDecay:   cfg.Voice.BackoffDecay,
		Metrics:        metrics,
	})
	queues := playback.NewManager(playback.WithMetrics(metrics))
	normalizer := textnorm.New(textConfig(cfg.Text))

	relay, err := app.New(app.Config{
		Guard:    guard,
		Queues:   queues,
		Synth:    synthesizer,
		Profiles: profiles,
		Text:     normalizer,
		Clips:    library,
		Members:  bot.Members(),
	})
	if err != nil {
		slog.Error("failed to initialise relay", "err", err)
		return 1
	}

	bot.Bind(relay)
	commands.NewVoiceCommands(bot.Router(), relay, bot.Members(), bot.Permissions())
	commands.NewVoiceProfileCommands(bot.Router(), profiles, catalog)
	commands.NewStatusCommand(bot.Router(), relay, racer.Backends(), stats, profiles)

	if err := bot.Open(ctx); err != nil {
		slog.Error("failed to open Discord session", "err", err)
		return 1
	}

	// ── Ops HTTP server ───────────────────────────────────────────────────────
	var srv *http.Server
	if cfg.Server.ListenAddr != "" {
		srv = newOpsServer(cfg.Server.ListenAddr, metrics,
			health.Checker{Name: "discord", Check: bot.Ready},
			health.Checker{Name: "profiles", Check: profiles.Ping},
			health.Checker{Name: "synthesis", Check: anyBreakerClosed(backends)},
		)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("ops server error", "err", err)
				stop()
			}
		}()
		slog.Info("ops server listening", "addr", cfg.Server.ListenAddr)
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(config.Diff(old, new), &level, normalizer, library, catalog)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	}

	slog.Info("yomiage ready, press Ctrl+C to shut down")
	<-ctx.Done()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if watcher != nil {
		watcher.Stop()
	}
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("ops server shutdown error", "err", err)
		}
	}
	if err := guard.Close(shutdownCtx); err != nil {
		slog.Warn("voice disconnect error", "err", err)
	}
	if err := queues.Close(); err != nil {
		slog.Warn("playback shutdown error", "err", err)
	}
	if err := bot.Close(); err != nil {
		slog.Warn("discord bot close error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// newOpsServer serves the health probes and Prometheus metrics.
func newOpsServer(addr string, metrics *observe.Metrics, checkers ...health.Checker) *http.Server {
	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// applyReload applies the hot-reloadable part of a config change.
func applyReload(d config.ConfigDiff, level *slog.LevelVar, text *textnorm.Normalizer, library *clips.Library, catalog *profile.Catalog) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.TextChanged {
		text.Update(textConfig(d.NewText))
		slog.Info("text settings reloaded", "max_length", d.NewText.MaxLength, "ignore_prefixes", d.NewText.IgnorePrefixes)
	}
	if d.NotificationVoiceChanged {
		v := catalog.Voice(d.NewNotificationVoiceID)
		library.SetNotificationVoice(v)
		slog.Info("notification voice changed", "voice", v)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

func buildCatalog(cfg config.VoicesConfig) (*profile.Catalog, error) {
	voices := make([]tts.Voice, 0, len(cfg.Catalog))
	for _, v := range cfg.Catalog {
		voices = append(voices, tts.Voice{ID: v.ID, Name: v.Name})
	}
	return profile.NewCatalog(voices, cfg.DefaultVoiceID)
}

func openProfileBackend(ctx context.Context, cfg config.ProfilesConfig) (profile.Backend, error) {
	switch cfg.Backend {
	case config.ProfileBackendPostgres:
		return profile.OpenPostgres(ctx, cfg.DSN)
	case config.ProfileBackendSQLite:
		return profile.OpenSQLite(ctx, cfg.DSN)
	default:
		return profile.NewFileBackend(cfg.Path), nil
	}
}

func textConfig(t config.TextConfig) textnorm.Config {
	return textnorm.Config{
		MaxLength:        t.MaxLength,
		TruncationSuffix: t.TruncationSuffix,
		IgnorePrefixes:   t.IgnorePrefixes,
	}
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
