package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr         = ":8080"
	DefaultTranscription      = "assemblyai"
	DefaultAPIKeyEnv          = "ASSEMBLYAI_API_KEY"
	DefaultCaptureDevice      = "portaudio"
	DefaultMinSamples         = 800
	DefaultFlushInterval      = 200 * time.Millisecond
	DefaultMaxQueuedSamples   = 32000
	DefaultAnalysisTimeout    = 2 * time.Minute
	DefaultAnalysisTemp       = 0.3
	DefaultMaxRestarts        = 10
	DefaultRestartBackoff     = time.Second
	maxTokenExpiry            = 10 * time.Minute
	maxEndOfTurnConfThreshold = 1.0
)

// ValidProviderNames lists known implementation names per kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"llm":           {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"transcription": {"assemblyai"},
	"capture":       {"portaudio"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
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

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their defaults and resolves the
// transcription API key from the environment when it is not set inline.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	t := &cfg.Transcription
	if t.Provider == "" {
		t.Provider = DefaultTranscription
	}
	if t.APIKeyEnv == "" {
		t.APIKeyEnv = DefaultAPIKeyEnv
	}
	if t.APIKey == "" {
		t.APIKey = os.Getenv(t.APIKeyEnv)
	}

	if cfg.Capture.Device == "" {
		cfg.Capture.Device = DefaultCaptureDevice
	}

	p := &cfg.Pacer
	if p.MinSamples == 0 {
		p.MinSamples = DefaultMinSamples
	}
	if p.FlushInterval == 0 {
		p.FlushInterval = DefaultFlushInterval
	}
	if p.MaxQueuedSamples == 0 {
		p.MaxQueuedSamples = DefaultMaxQueuedSamples
	}

	if cfg.Analysis.Timeout == 0 {
		cfg.Analysis.Timeout = DefaultAnalysisTimeout
	}
	if cfg.Analysis.Temperature == 0 {
		cfg.Analysis.Temperature = DefaultAnalysisTemp
	}

	if cfg.Session.MaxRestarts == 0 {
		cfg.Session.MaxRestarts = DefaultMaxRestarts
	}
	if cfg.Session.RestartBackoff == 0 {
		cfg.Session.RestartBackoff = DefaultRestartBackoff
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
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Transcription
	t := cfg.Transcription
	validateProviderName("transcription", t.Provider)
	if t.APIKey == "" {
		env := t.APIKeyEnv
		if env == "" {
			env = DefaultAPIKeyEnv
		}
		errs = append(errs, fmt.Errorf("transcription.api_key is required (or set $%s)", env))
	}
	if t.TokenExpiry < 0 || t.TokenExpiry > maxTokenExpiry {
		errs = append(errs, fmt.Errorf("transcription.token_expiry %s is out of range (0, %s]", t.TokenExpiry, maxTokenExpiry))
	}
	if t.EndOfTurnConfidenceThreshold < 0 || t.EndOfTurnConfidenceThreshold > maxEndOfTurnConfThreshold {
		errs = append(errs, fmt.Errorf("transcription.end_of_turn_confidence_threshold %.2f is out of range [0, 1]", t.EndOfTurnConfidenceThreshold))
	}
	for name, d := range map[string]time.Duration{
		"token_timeout":                          t.TokenTimeout,
		"min_end_of_turn_silence_when_confident": t.MinEndOfTurnSilenceWhenConfident,
		"max_turn_silence":                       t.MaxTurnSilence,
		"close_timeout":                          t.CloseTimeout,
		"write_timeout":                          t.WriteTimeout,
		"dial_timeout":                           t.DialTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("transcription.%s must not be negative", name))
		}
	}
	for i, term := range t.Keyterms {
		if term == "" {
			errs = append(errs, fmt.Errorf("transcription.keyterms[%d] is empty", i))
		}
	}

	// Capture
	validateProviderName("capture", cfg.Capture.Device)
	if cfg.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must not be negative", cfg.Capture.SampleRate))
	}
	if cfg.Capture.Channels < 0 {
		errs = append(errs, fmt.Errorf("capture.channels %d must not be negative", cfg.Capture.Channels))
	}
	if cfg.Capture.FramesPerBuffer < 0 || cfg.Capture.BlockQueue < 0 {
		errs = append(errs, errors.New("capture.frames_per_buffer and capture.block_queue must not be negative"))
	}

	// Pacer
	p := cfg.Pacer
	if p.MinSamples < 0 {
		errs = append(errs, fmt.Errorf("pacer.min_samples %d must not be negative", p.MinSamples))
	}
	if p.FlushInterval < 0 {
		errs = append(errs, errors.New("pacer.flush_interval must not be negative"))
	}
	if p.MaxQueuedSamples > 0 && p.MaxQueuedSamples < p.MinSamples {
		errs = append(errs, fmt.Errorf("pacer.max_queued_samples %d is below pacer.min_samples %d", p.MaxQueuedSamples, p.MinSamples))
	}

	// Analysis
	a := cfg.Analysis
	for i, entry := range a.Providers {
		prefix := fmt.Sprintf("analysis.providers[%d]", i)
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName("llm", entry.Name)
		if entry.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required", prefix))
		}
	}
	if a.Temperature < 0 || a.Temperature > 2 {
		errs = append(errs, fmt.Errorf("analysis.temperature %.2f is out of range [0, 2]", a.Temperature))
	}
	if a.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("analysis.max_tokens %d must not be negative", a.MaxTokens))
	}
	if a.Timeout < 0 {
		errs = append(errs, errors.New("analysis.timeout must not be negative"))
	}
	if len(a.Providers) == 0 {
		slog.Debug("analysis.providers is empty; finalized sessions will not be analysed")
	}

	// Storage
	if cfg.Storage.PostgresDSN == "" {
		slog.Debug("storage.postgres_dsn is empty; sessions are kept in memory only")
	}

	// Session
	if cfg.Session.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("session.max_restarts %d must not be negative", cfg.Session.MaxRestarts))
	}
	if cfg.Session.RestartBackoff < 0 {
		errs = append(errs, errors.New("session.restart_backoff must not be negative"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
