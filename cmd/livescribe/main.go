// Command livescribe captures the microphone, streams it to AssemblyAI for
// live transcription and serves the session over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livescribe/internal/app"
	"github.com/MrWong99/livescribe/internal/config"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/audio/portaudio"
	"github.com/MrWong99/livescribe/pkg/provider/llm"
	"github.com/MrWong99/livescribe/pkg/provider/llm/anyllm"
	"github.com/MrWong99/livescribe/pkg/provider/llm/openai"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/provider/stt/assemblyai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "livescribe: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "livescribe: %v\n", err)
		}
		return 1
	}

	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("livescribe starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	application, err := app.New(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	watcher, err := config.NewWatcher(*configPath, func(_ *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if len(d.RestartRequired) > 0 {
			slog.Warn("config changed, restart to apply", "sections", strings.Join(d.RestartRequired, ","), "keyterms_changed", d.KeytermsChanged)
		}
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}

	slog.Info("server ready, press Ctrl+C to shut down")
	runErr := g.Wait()

	slog.Info("shutdown signal received, stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	code := 0
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
		code = 1
	}
	if watcher != nil {
		watcher.Stop()
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	slog.Info("goodbye")
	return code
}

// registerBuiltinProviders wires the implementations that ship with
// livescribe into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// openai uses the official SDK; every other backend goes through
	// any-llm-go, which reads the usual environment variables when no key is
	// configured.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		apiKey := entry.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		return openai.New(apiKey, entry.Model, opts...)
	})

	for _, name := range anyllm.Backends {
		if name == "openai" {
			continue
		}
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	reg.RegisterTranscription("assemblyai", func(tc config.TranscriptionConfig) (stt.Client, error) {
		opts := []assemblyai.Option{
			assemblyai.WithSampleRate(audio.TargetSampleRate),
			assemblyai.WithKeyterms(tc.Keyterms),
		}
		if tc.Endpoint != "" {
			opts = append(opts, assemblyai.WithEndpoint(tc.Endpoint))
		}
		if tc.TokenURL != "" {
			opts = append(opts, assemblyai.WithTokenURL(tc.TokenURL))
		}
		if tc.TokenExpiry > 0 {
			opts = append(opts, assemblyai.WithTokenExpiry(tc.TokenExpiry))
		}
		if tc.TokenTimeout > 0 {
			opts = append(opts, assemblyai.WithTokenTimeout(tc.TokenTimeout))
		}
		if tc.EndOfTurnConfidenceThreshold > 0 {
			opts = append(opts, assemblyai.WithEndOfTurnConfidenceThreshold(tc.EndOfTurnConfidenceThreshold))
		}
		if tc.MinEndOfTurnSilenceWhenConfident > 0 {
			opts = append(opts, assemblyai.WithMinEndOfTurnSilenceWhenConfident(tc.MinEndOfTurnSilenceWhenConfident))
		}
		if tc.MaxTurnSilence > 0 {
			opts = append(opts, assemblyai.WithMaxTurnSilence(tc.MaxTurnSilence))
		}
		if tc.CloseTimeout > 0 {
			opts = append(opts, assemblyai.WithCloseTimeout(tc.CloseTimeout))
		}
		if tc.WriteTimeout > 0 {
			opts = append(opts, assemblyai.WithWriteTimeout(tc.WriteTimeout))
		}
		if tc.DialTimeout > 0 {
			opts = append(opts, assemblyai.WithDialTimeout(tc.DialTimeout))
		}
		return assemblyai.New(tc.APIKey, opts...)
	})

	reg.RegisterCapture("portaudio", func(cc config.CaptureConfig) (audio.Device, error) {
		var opts []portaudio.Option
		if cc.SampleRate > 0 {
			opts = append(opts, portaudio.WithSampleRate(cc.SampleRate))
		}
		if cc.Channels > 0 {
			opts = append(opts, portaudio.WithChannels(cc.Channels))
		}
		if cc.FramesPerBuffer > 0 {
			opts = append(opts, portaudio.WithFramesPerBuffer(cc.FramesPerBuffer))
		}
		return portaudio.New(opts...), nil
	})

	for kind, names := range reg.Names() {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
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

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optDuration parses a duration string such as "30s" from a provider Options
// map. Returns 0 when absent or malformed.
func optDuration(opts map[string]any, key string) time.Duration {
	s := optString(opts, key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring malformed provider option", "key", key, "value", s, "err", err)
		return 0
	}
	return d
}
