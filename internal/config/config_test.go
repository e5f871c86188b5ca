package config

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/gencore/internal/provider"
)

// mockKeychain is a test double for the keychain interface.
type mockKeychain map[string]string

func (m mockKeychain) Get(service, account string) (string, error) {
	if service != secretService {
		return "", errors.New("wrong service")
	}
	v, ok := m[account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

// memBackend is an in-memory ConfigBackend.
type memBackend struct {
	strs map[string]string
	ints map[string]int
}

func newMemBackend() *memBackend {
	return &memBackend{strs: map[string]string{}, ints: map[string]int{}}
}

func (b *memBackend) GetString(key string) (string, bool, error) {
	v, ok := b.strs[key]
	return v, ok, nil
}

func (b *memBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.ints[key]
	return v, ok, nil
}

func (b *memBackend) SetString(key, val string) error { b.strs[key] = val; return nil }
func (b *memBackend) SetInt(key string, val int) error { b.ints[key] = val; return nil }

func (b *memBackend) Delete(key string) error {
	delete(b.strs, key)
	delete(b.ints, key)
	return nil
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(newMemBackend(), mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d, want 4000", cfg.Server.Port)
	}
	if cfg.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("Ollama.BaseURL = %q", cfg.Ollama.BaseURL)
	}
	if cfg.Orchestrator.Attempts != 3 || cfg.Orchestrator.DefaultProvider != "local" {
		t.Errorf("Orchestrator = %+v", cfg.Orchestrator)
	}
	if !slices.Equal(cfg.Orchestrator.Fallbacks, []string{"remote", "dvm"}) {
		t.Errorf("Fallbacks = %v", cfg.Orchestrator.Fallbacks)
	}
	if cfg.Nostr.JobTimeout != 60*time.Second {
		t.Errorf("JobTimeout = %v", cfg.Nostr.JobTimeout)
	}
	if cfg.Remote.APIKey != "" {
		t.Errorf("APIKey = %q, want empty", cfg.Remote.APIKey)
	}
}

func TestBackendValues(t *testing.T) {
	clearEnv(t)

	b := newMemBackend()
	b.ints["server.port"] = 5000
	b.strs["ollama.model"] = "qwen2.5"
	b.strs["nostr.relays"] = "wss://a.example, wss://b.example"
	b.strs["nostr.job_timeout"] = "90s"
	b.strs["nostr.encrypt"] = "true"
	b.strs["orchestrator.fallbacks"] = "dvm"

	cfg, err := loadWith(b, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.Ollama.Model != "qwen2.5" {
		t.Errorf("Ollama.Model = %q", cfg.Ollama.Model)
	}
	if !slices.Equal(cfg.Nostr.Relays, []string{"wss://a.example", "wss://b.example"}) {
		t.Errorf("Relays = %v", cfg.Nostr.Relays)
	}
	if cfg.Nostr.JobTimeout != 90*time.Second || !cfg.Nostr.Encrypt {
		t.Errorf("Nostr = %+v", cfg.Nostr)
	}
	if !slices.Equal(cfg.Orchestrator.Fallbacks, []string{"dvm"}) {
		t.Errorf("Fallbacks = %v", cfg.Orchestrator.Fallbacks)
	}
}

func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("GENCORE_SERVER_PORT", "6000")
	t.Setenv("GENCORE_OPENROUTER_API_KEY", "env-key")
	t.Setenv("GENCORE_ORCHESTRATOR_DEFAULT_PROVIDER", "remote")

	b := newMemBackend()
	b.ints["server.port"] = 5000

	cfg, err := loadWith(b, mockKeychain{"openrouter_api_key": "keychain-key"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want env value 6000", cfg.Server.Port)
	}
	if cfg.Remote.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want env-key", cfg.Remote.APIKey)
	}
	if cfg.Orchestrator.DefaultProvider != "remote" {
		t.Errorf("DefaultProvider = %q", cfg.Orchestrator.DefaultProvider)
	}
}

func TestBadValueKeepsDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("GENCORE_NOSTR_JOB_TIMEOUT", "soon")

	cfg, err := loadWith(newMemBackend(), mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Nostr.JobTimeout != 60*time.Second {
		t.Errorf("JobTimeout = %v, want default", cfg.Nostr.JobTimeout)
	}
}

func TestKeychainFallback(t *testing.T) {
	clearEnv(t)

	kc := mockKeychain{
		"openrouter_api_key": "keychain-secret",
		"nostr_secret_key":   "ab",
		"api_token":          "tok",
	}
	cfg, err := loadWith(newMemBackend(), kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Remote.APIKey != "keychain-secret" {
		t.Errorf("APIKey = %q", cfg.Remote.APIKey)
	}
	if cfg.Nostr.SecretKey != "ab" || cfg.Server.APIToken != "tok" {
		t.Errorf("secrets not filled: %q %q", cfg.Nostr.SecretKey, cfg.Server.APIToken)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"attempts", func(c *Config) { c.Orchestrator.Attempts = 0 }, "orchestrator.attempts"},
		{"backoff", func(c *Config) { c.Orchestrator.BackoffMax = time.Millisecond }, "backoff"},
		{"relay scheme", func(c *Config) { c.Nostr.Relays = []string{"https://relay.example"} }, "nostr.relays"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}

	cfg := defaults()
	cfg.Nostr.Relays = []string{"not a url"}
	cfg.Nostr.RedisURL = "redis://localhost:6379"
	if err := cfg.Validate(); err != nil {
		t.Errorf("relays are ignored with a redis bus, got %v", err)
	}
}

func TestSetKey(t *testing.T) {
	b := newMemBackend()
	if err := setKey(b, "server.port", "4100"); err != nil {
		t.Fatal(err)
	}
	if b.ints["server.port"] != 4100 {
		t.Errorf("port = %d", b.ints["server.port"])
	}
	if err := setKey(b, "nostr.relays", "wss://a.example ,wss://b.example"); err != nil {
		t.Fatal(err)
	}
	if b.strs["nostr.relays"] != "wss://a.example,wss://b.example" {
		t.Errorf("relays = %q", b.strs["nostr.relays"])
	}
	if err := setKey(b, "server.port", "many"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := setKey(b, "remote.openrouter_api_key", "x"); err == nil {
		t.Error("expected error for secret key")
	}
	if err := setKey(b, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestUnsetKey(t *testing.T) {
	clearEnv(t)
	b := newMemBackend()
	if err := setKey(b, "orchestrator.attempts", "5"); err != nil {
		t.Fatal(err)
	}
	if err := unsetKey(b, "orchestrator.attempts"); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadWith(b, mockKeychain{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Orchestrator.Attempts != 3 {
		t.Errorf("Attempts = %d, want default 3", cfg.Orchestrator.Attempts)
	}
	if err := unsetKey(b, "nostr.secret_key"); err == nil {
		t.Error("expected error for secret key")
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Remote.APIKey = "sk-secret"
	for _, ki := range ShowAll(cfg) {
		if strings.Contains(ki.Key, "api_key") || ki.Value == "sk-secret" {
			t.Errorf("secret listed: %+v", ki)
		}
	}
	if slices.Contains(ValidKeys(), "nostr.secret_key") {
		t.Error("ValidKeys lists a secret")
	}
}

func writeProviders(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "providers.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadProviders_File(t *testing.T) {
	cfg := defaults()
	cfg.Providers.File = writeProviders(t, `
providers:
  - key: fast
    kind: local
    model: phi3.5
  - key: claude
    kind: remote
    model: anthropic/claude-sonnet-4
    attempts: 2
    timeout: 45s
  - key: market
    kind: decentralized
    streaming: false
    enabled: false
    relays: [wss://relay.example]
`)

	p, err := LoadProviders(cfg, nil)
	if err != nil {
		t.Fatalf("LoadProviders: %v", err)
	}
	list := p.List()
	if len(list) != 3 {
		t.Fatalf("got %d providers, want 3", len(list))
	}
	if list[0].Key != "fast" || !list[0].Enabled || !list[0].Capabilities.Structured {
		t.Errorf("fast = %+v", list[0])
	}
	if list[1].Attempts != 2 || list[1].Timeout != 45*time.Second {
		t.Errorf("claude = %+v", list[1])
	}
	m := list[2]
	if m.Kind != provider.KindDecentralized || m.Enabled || m.Capabilities.Streaming {
		t.Errorf("market = %+v", m)
	}
}

func TestLoadProviders_Invalid(t *testing.T) {
	tests := map[string]string{
		"duplicate":    "providers:\n  - {key: a, kind: local}\n  - {key: a, kind: remote}\n",
		"unknown kind": "providers:\n  - {key: a, kind: quantum}\n",
		"no key":       "providers:\n  - {kind: local}\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := defaults()
			cfg.Providers.File = writeProviders(t, content)
			if _, err := LoadProviders(cfg, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadProviders_MissingFileUsesDefaults(t *testing.T) {
	cfg := defaults()
	cfg.Providers.File = filepath.Join(t.TempDir(), "absent.yaml")

	p, err := LoadProviders(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	var keys []string
	for _, d := range p.List() {
		keys = append(keys, d.Key)
	}
	if !slices.Equal(keys, []string{"local", "remote", "dvm"}) {
		t.Errorf("keys = %v", keys)
	}
	p.Watch()
}

func TestProviders_Reload(t *testing.T) {
	cfg := defaults()
	path := writeProviders(t, "providers:\n  - {key: a, kind: local, model: m}\n")
	cfg.Providers.File = path

	p, err := LoadProviders(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := make(chan []provider.Descriptor, 1)
	p.OnChange(func(list []provider.Descriptor) { got <- list })

	if err := os.WriteFile(path, []byte("providers:\n  - {key: b, kind: remote}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	p.reload()

	select {
	case list := <-got:
		if len(list) != 1 || list[0].Key != "b" {
			t.Errorf("reloaded = %+v", list)
		}
	case <-time.After(time.Second):
		t.Fatal("OnChange not called")
	}

	// An invalid edit keeps the previous list.
	if err := os.WriteFile(path, []byte("providers:\n  - {key: c, kind: nope}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	p.reload()
	if list := p.List(); list[0].Key != "b" {
		t.Errorf("list after bad edit = %+v", list)
	}
}
