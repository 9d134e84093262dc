package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config].
//
// A .env file next to path is loaded into the process environment first, if
// present; variables that are already set win. ${VAR} and ${VAR:-default}
// references in the file are then expanded from the environment.
func Load(path string) (*Config, error) {
	if err := LoadEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}
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

// LoadEnv loads the given dotenv files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadEnv(files ...string) error {
	for _, f := range files {
		err := godotenv.Load(f)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("config: load env %q: %w", f, err)
		}
		slog.Debug("config: loaded environment file", "path", f)
	}
	return nil
}

// LoadFromReader expands environment references in r, decodes the YAML,
// applies defaults and validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	// Set before decoding so that an explicit max_attempts: 0 survives.
	cfg := &Config{Session: SessionConfig{MaxAttempts: DefaultMaxAttempts}}
	dec := yaml.NewDecoder(bytes.NewReader(ExpandEnv(raw, os.LookupEnv)))
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

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default} in b using lookup. Unset
// variables without a default expand to the empty string and are logged.
// A bare $VAR is left alone so that passwords may contain dollar signs.
func ExpandEnv(b []byte, lookup func(string) (string, bool)) []byte {
	return envRef.ReplaceAllFunc(b, func(m []byte) []byte {
		sub := envRef.FindSubmatch(m)
		name := string(sub[1])
		if v, ok := lookup(name); ok && v != "" {
			return []byte(v)
		}
		if bytes.Contains(m, []byte(":-")) {
			return sub[2]
		}
		slog.Warn("config: environment variable not set", "name", name)
		return nil
	})
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	switch cfg.Server.LogFormat {
	case "", LogText, LogJSON:
	default:
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Speech
	switch cfg.Speech.Mode {
	case "", SpeechRemote:
	case SpeechPCM:
		if cfg.Providers.STT.Name == "" {
			errs = append(errs, errors.New("speech.mode pcm requires providers.stt"))
		}
		if cfg.Providers.TTS.Name == "" {
			errs = append(errs, errors.New("speech.mode pcm requires providers.tts"))
		}
	default:
		errs = append(errs, fmt.Errorf("speech.mode %q is invalid; valid values: remote, pcm", cfg.Speech.Mode))
	}
	errs = append(errs, validateEntry("providers.stt", cfg.Providers.STT)...)
	errs = append(errs, validateEntry("providers.tts", cfg.Providers.TTS)...)
	errs = append(errs, validateEntry("providers.vad", cfg.Providers.VAD)...)

	if cfg.Speech.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("speech.sample_rate %d must be positive", cfg.Speech.SampleRate))
	}
	if cfg.Speech.PlaybackRate < 0 {
		errs = append(errs, fmt.Errorf("speech.playback_rate %d must be positive", cfg.Speech.PlaybackRate))
	}
	if t := cfg.Speech.SilenceThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("speech.silence_threshold %.3f is out of range [0, 1]", t))
	}
	if cfg.Speech.SilenceDuration < 0 || cfg.Speech.MaxDuration < 0 {
		errs = append(errs, errors.New("speech durations must not be negative"))
	}
	if cfg.Speech.MaxDuration > 0 && cfg.Speech.SilenceDuration > cfg.Speech.MaxDuration {
		errs = append(errs, fmt.Errorf("speech.silence_duration %s exceeds speech.max_duration %s", cfg.Speech.SilenceDuration, cfg.Speech.MaxDuration))
	}

	// Session
	if cfg.Session.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("session.max_attempts %d must not be negative", cfg.Session.MaxAttempts))
	}
	if cfg.Session.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("session.max_sessions %d must not be negative", cfg.Session.MaxSessions))
	}
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %g must be between 0 and 1", r))
	}
	seen := make(map[string]int, len(cfg.Session.ToolFiles))
	for i, path := range cfg.Session.ToolFiles {
		if prev, ok := seen[path]; ok {
			errs = append(errs, fmt.Errorf("session.tool_files[%d] %q is a duplicate of session.tool_files[%d]", i, path, prev))
		}
		seen[path] = i
	}

	// Store
	switch cfg.Store.Backend {
	case "", StoreMemory:
	case StorePostgres:
		if cfg.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres backend"))
		}
	case StoreRedis:
		if cfg.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: memory, postgres, redis", cfg.Store.Backend))
	}
	if cfg.Store.TTL < 0 {
		errs = append(errs, fmt.Errorf("store.ttl %s must not be negative", cfg.Store.TTL))
	}

	// Handoff
	switch cfg.Handoff.History {
	case "", HistoryMemory:
	case HistoryRedis:
		if cfg.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis handoff history"))
		}
	default:
		errs = append(errs, fmt.Errorf("handoff.history %q is invalid; valid values: memory, redis", cfg.Handoff.History))
	}
	if cfg.Handoff.RateLimit < 0 || cfg.Handoff.Burst < 0 {
		errs = append(errs, errors.New("handoff.rate_limit and handoff.burst must not be negative"))
	}
	if cfg.Handoff.Timeout < 0 {
		errs = append(errs, fmt.Errorf("handoff.timeout %s must not be negative", cfg.Handoff.Timeout))
	}

	return errors.Join(errs...)
}

func validateEntry(prefix string, e ProviderEntry) []error {
	var errs []error
	if e.Name == "" && len(e.Fallbacks) > 0 {
		errs = append(errs, fmt.Errorf("%s.fallbacks are set but %s.name is empty", prefix, prefix))
	}
	for i, fb := range e.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.fallbacks[%d].name is required", prefix, i))
		}
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("%s.fallbacks[%d] must not declare its own fallbacks", prefix, i))
		}
	}
	return errs
}
