package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
	kList
)

type keySpec struct {
	key    string
	typ    keyType
	env    string
	secret bool
	// account names the secret in the platform secret store.
	account string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "GENCORE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "GENCORE_API_TOKEN",
		secret: true, account: "api_token",
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "log.level", typ: kString, env: "GENCORE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "ollama.base_url", typ: kString, env: "GENCORE_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.model", typ: kString, env: "GENCORE_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Model },
	},
	{
		key: "remote.base_url", typ: kString, env: "GENCORE_REMOTE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Remote.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.BaseURL },
	},
	{
		key: "remote.openrouter_api_key", typ: kString, env: "GENCORE_OPENROUTER_API_KEY",
		secret: true, account: "openrouter_api_key",
		apply:   func(cfg *Config, v any) { cfg.Remote.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.APIKey },
	},
	{
		key: "remote.default_model", typ: kString, env: "GENCORE_REMOTE_DEFAULT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Remote.DefaultModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.DefaultModel },
	},
	{
		key: "nostr.relays", typ: kList, env: "GENCORE_NOSTR_RELAYS",
		apply:   func(cfg *Config, v any) { cfg.Nostr.Relays = v.([]string) },
		extract: func(cfg Config) any { return cfg.Nostr.Relays },
	},
	{
		key: "nostr.job_timeout", typ: kDuration, env: "GENCORE_NOSTR_JOB_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Nostr.JobTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Nostr.JobTimeout },
	},
	{
		key: "nostr.publish_timeout", typ: kDuration, env: "GENCORE_NOSTR_PUBLISH_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Nostr.PublishTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Nostr.PublishTimeout },
	},
	{
		key: "nostr.encrypt", typ: kBool, env: "GENCORE_NOSTR_ENCRYPT",
		apply:   func(cfg *Config, v any) { cfg.Nostr.Encrypt = v.(bool) },
		extract: func(cfg Config) any { return cfg.Nostr.Encrypt },
	},
	{
		key: "nostr.socks_proxy", typ: kString, env: "GENCORE_NOSTR_SOCKS_PROXY",
		apply:   func(cfg *Config, v any) { cfg.Nostr.SOCKSProxy = v.(string) },
		extract: func(cfg Config) any { return cfg.Nostr.SOCKSProxy },
	},
	{
		key: "nostr.redis_url", typ: kString, env: "GENCORE_NOSTR_REDIS_URL",
		apply:   func(cfg *Config, v any) { cfg.Nostr.RedisURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Nostr.RedisURL },
	},
	{
		key: "nostr.secret_key", typ: kString, env: "GENCORE_NOSTR_SECRET_KEY",
		secret: true, account: "nostr_secret_key",
		apply:   func(cfg *Config, v any) { cfg.Nostr.SecretKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Nostr.SecretKey },
	},
	{
		key: "orchestrator.attempts", typ: kInt, env: "GENCORE_ORCHESTRATOR_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Orchestrator.Attempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Orchestrator.Attempts },
	},
	{
		key: "orchestrator.backoff_base", typ: kDuration, env: "GENCORE_ORCHESTRATOR_BACKOFF_BASE",
		apply:   func(cfg *Config, v any) { cfg.Orchestrator.BackoffBase = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Orchestrator.BackoffBase },
	},
	{
		key: "orchestrator.backoff_max", typ: kDuration, env: "GENCORE_ORCHESTRATOR_BACKOFF_MAX",
		apply:   func(cfg *Config, v any) { cfg.Orchestrator.BackoffMax = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Orchestrator.BackoffMax },
	},
	{
		key: "orchestrator.fallbacks", typ: kList, env: "GENCORE_ORCHESTRATOR_FALLBACKS",
		apply:   func(cfg *Config, v any) { cfg.Orchestrator.Fallbacks = v.([]string) },
		extract: func(cfg Config) any { return cfg.Orchestrator.Fallbacks },
	},
	{
		key: "orchestrator.default_provider", typ: kString, env: "GENCORE_ORCHESTRATOR_DEFAULT_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Orchestrator.DefaultProvider = v.(string) },
		extract: func(cfg Config) any { return cfg.Orchestrator.DefaultProvider },
	},
	{
		key: "storage.data_dir", typ: kString, env: "GENCORE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "telemetry.persist", typ: kBool, env: "GENCORE_TELEMETRY_PERSIST",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.Persist = v.(bool) },
		extract: func(cfg Config) any { return cfg.Telemetry.Persist },
	},
	{
		key: "telemetry.retention", typ: kDuration, env: "GENCORE_TELEMETRY_RETENTION",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.Retention = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Telemetry.Retention },
	},
	{
		key: "providers.file", typ: kString, env: "GENCORE_PROVIDERS_FILE",
		apply:   func(cfg *Config, v any) { cfg.Providers.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.File },
	},
}

// parse converts a raw string to the key's type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		return d, nil
	case kList:
		var out []string
		for _, part := range strings.Split(raw, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	}
	return raw, nil
}

// format renders a value the way parse reads it back.
func (s keySpec) format(v any) string {
	if l, ok := v.([]string); ok {
		return strings.Join(l, ",")
	}
	return fmt.Sprintf("%v", v)
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
