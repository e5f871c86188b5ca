package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const secretService = "gencore"

type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Ollama       OllamaConfig
	Remote       RemoteConfig
	Nostr        NostrConfig
	Orchestrator OrchestratorConfig
	Storage      StorageConfig
	Telemetry    TelemetryConfig
	Providers    ProvidersConfig
}

type ServerConfig struct {
	Port int
	// APIToken, when set, is required as a bearer token by the HTTP API.
	APIToken string
}

type LogConfig struct {
	Level string
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type RemoteConfig struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
}

type NostrConfig struct {
	Relays         []string
	JobTimeout     time.Duration
	PublishTimeout time.Duration
	Encrypt        bool
	// SOCKSProxy routes relay connections through a SOCKS5 proxy (host:port).
	SOCKSProxy string
	// RedisURL switches the relay transport to a Redis bus.
	RedisURL string
	// SecretKey is a fixed hex identity; empty means one ephemeral key per job.
	SecretKey string
}

type OrchestratorConfig struct {
	Attempts        int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	Fallbacks       []string
	DefaultProvider string
}

type StorageConfig struct {
	DataDir string
}

type TelemetryConfig struct {
	Persist   bool
	Retention time.Duration
}

type ProvidersConfig struct {
	// File is the providers.yaml path; empty means the built-in set.
	File string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{Port: 4000},
		Log:    LogConfig{Level: "info"},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
			Model:   "llama3.2",
		},
		Remote: RemoteConfig{
			BaseURL:      "https://openrouter.ai/api/v1",
			DefaultModel: "anthropic/claude-sonnet-4",
		},
		Nostr: NostrConfig{
			Relays:         []string{"wss://relay.damus.io", "wss://nos.lol", "wss://relay.nostr.band"},
			JobTimeout:     60 * time.Second,
			PublishTimeout: 10 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			Attempts:        3,
			BackoffBase:     250 * time.Millisecond,
			BackoffMax:      5 * time.Second,
			Fallbacks:       []string{"remote", "dvm"},
			DefaultProvider: "local",
		},
		Storage:   StorageConfig{DataDir: defaultDataDir()},
		Telemetry: TelemetryConfig{Persist: true, Retention: 7 * 24 * time.Hour},
		Providers: ProvidersConfig{File: defaultProvidersFile()},
	}
}

// Load reads configuration from a .env file in the working directory, the
// platform-native backend, environment variables and the platform secret
// store, in increasing order of precedence for everything but secrets.
//
// On macOS the backend is UserDefaults (domain: com.gencore.app) and secrets
// fall back to the macOS Keychain (service: gencore).
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/gencore/config.json
// and secrets fall back to $XDG_DATA_HOME/gencore/secrets.json.
//
// Environment variables (GENCORE_*) override backend values on all platforms.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret-store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg).(string) != "" {
			continue
		}
		if v, err := kc.Get(secretService, s.account); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges and formats.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if c.Orchestrator.Attempts < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.attempts must be at least 1"))
	}
	if c.Orchestrator.BackoffBase <= 0 || c.Orchestrator.BackoffMax < c.Orchestrator.BackoffBase {
		errs = append(errs, fmt.Errorf("orchestrator backoff: need 0 < backoff_base <= backoff_max"))
	}
	if c.Nostr.JobTimeout <= 0 || c.Nostr.PublishTimeout <= 0 {
		errs = append(errs, fmt.Errorf("nostr timeouts must be positive"))
	}
	if c.Nostr.RedisURL == "" {
		for _, r := range c.Nostr.Relays {
			u, err := url.Parse(r)
			if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
				errs = append(errs, fmt.Errorf("nostr.relays: %q is not a ws:// or wss:// url", r))
			}
		}
	}
	return errors.Join(errs...)
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
