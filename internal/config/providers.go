package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/kalambet/gencore/internal/provider"
)

// providerEntry is one item of the providers list in providers.yaml.
// Pointer fields distinguish "absent" from an explicit false.
type providerEntry struct {
	Key          string        `mapstructure:"key"`
	Name         string        `mapstructure:"name"`
	Kind         string        `mapstructure:"kind"`
	Model        string        `mapstructure:"model"`
	Enabled      *bool         `mapstructure:"enabled"`
	Streaming    *bool         `mapstructure:"streaming"`
	Structured   *bool         `mapstructure:"structured"`
	BaseURL      string        `mapstructure:"base_url"`
	Relays       []string      `mapstructure:"relays"`
	TargetPubkey string        `mapstructure:"target_pubkey"`
	Encrypt      bool          `mapstructure:"encrypt"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Attempts     int           `mapstructure:"attempts"`
}

type providersFile struct {
	Providers []providerEntry `mapstructure:"providers"`
}

func (e providerEntry) descriptor() provider.Descriptor {
	kind := provider.Kind(strings.ToLower(strings.TrimSpace(e.Kind)))
	caps := provider.DefaultCapabilities(kind)
	if e.Streaming != nil {
		caps.Streaming = *e.Streaming
	}
	if e.Structured != nil {
		caps.Structured = *e.Structured
	}
	return provider.Descriptor{
		Key:          strings.TrimSpace(e.Key),
		Name:         e.Name,
		Kind:         kind,
		Model:        e.Model,
		Capabilities: caps,
		Enabled:      e.Enabled == nil || *e.Enabled,
		BaseURL:      e.BaseURL,
		Relays:       e.Relays,
		TargetPubkey: e.TargetPubkey,
		Encrypt:      e.Encrypt,
		Timeout:      e.Timeout,
		Attempts:     e.Attempts,
	}
}

// DefaultProviders is the provider set used when no providers.yaml exists:
// the local Ollama model, the remote API and the public DVM marketplace.
func DefaultProviders(cfg Config) []provider.Descriptor {
	return []provider.Descriptor{
		{
			Key:          "local",
			Name:         "Ollama",
			Kind:         provider.KindLocal,
			Model:        cfg.Ollama.Model,
			BaseURL:      cfg.Ollama.BaseURL,
			Capabilities: provider.DefaultCapabilities(provider.KindLocal),
			Enabled:      true,
		},
		{
			Key:          "remote",
			Name:         "OpenRouter",
			Kind:         provider.KindRemote,
			Model:        cfg.Remote.DefaultModel,
			BaseURL:      cfg.Remote.BaseURL,
			Capabilities: provider.DefaultCapabilities(provider.KindRemote),
			Enabled:      true,
		},
		{
			Key:          "dvm",
			Name:         "Nostr DVM",
			Kind:         provider.KindDecentralized,
			Relays:       cfg.Nostr.Relays,
			Capabilities: provider.DefaultCapabilities(provider.KindDecentralized),
			Enabled:      true,
			Timeout:      cfg.Nostr.JobTimeout,
		},
	}
}

// Providers holds the current provider descriptors and, when backed by a
// file, reloads them on change.
type Providers struct {
	v      *viper.Viper
	logger *slog.Logger

	mu       sync.RWMutex
	list     []provider.Descriptor
	watchers []func([]provider.Descriptor)
}

// LoadProviders reads cfg.Providers.File. A missing file yields
// DefaultProviders(cfg).
func LoadProviders(cfg Config, logger *slog.Logger) (*Providers, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Providers{logger: logger}

	path := cfg.Providers.File
	if path == "" {
		p.list = DefaultProviders(cfg)
		return p, nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		p.list = DefaultProviders(cfg)
		return p, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	list, err := readProviders(v)
	if err != nil {
		return nil, fmt.Errorf("loading providers from %s: %w", path, err)
	}
	p.v = v
	p.list = list
	return p, nil
}

func readProviders(v *viper.Viper) ([]provider.Descriptor, error) {
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var f providersFile
	if err := v.Unmarshal(&f); err != nil {
		return nil, err
	}
	return parseEntries(f.Providers)
}

func parseEntries(entries []providerEntry) ([]provider.Descriptor, error) {
	var (
		out  []provider.Descriptor
		errs []error
		seen = make(map[string]bool)
	)
	for i, e := range entries {
		d := e.descriptor()
		if err := d.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("providers[%d]: %w", i, err))
			continue
		}
		if seen[d.Key] {
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate key %q", i, d.Key))
			continue
		}
		seen[d.Key] = true
		out = append(out, d)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

// List returns a copy of the current descriptors.
func (p *Providers) List() []provider.Descriptor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]provider.Descriptor, len(p.list))
	copy(out, p.list)
	return out
}

// OnChange registers fn to run with the new list after each successful reload.
func (p *Providers) OnChange(fn func([]provider.Descriptor)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.watchers = append(p.watchers, fn)
}

// Watch starts watching the providers file. It does nothing for the
// built-in set. Invalid edits are logged and the previous list is kept.
func (p *Providers) Watch() {
	if p.v == nil {
		return
	}
	var (
		debounceTimer *time.Timer
		debounceMu    sync.Mutex
	)
	p.v.OnConfigChange(func(_ fsnotify.Event) {
		debounceMu.Lock()
		defer debounceMu.Unlock()
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		debounceTimer = time.AfterFunc(100*time.Millisecond, p.reload)
	})
	p.v.WatchConfig()
}

func (p *Providers) reload() {
	list, err := readProviders(p.v)
	if err != nil {
		p.logger.Warn("providers reload failed, keeping previous list", "file", p.v.ConfigFileUsed(), "error", err)
		return
	}

	p.mu.Lock()
	if reflect.DeepEqual(p.list, list) {
		p.mu.Unlock()
		return
	}
	p.list = list
	watchers := make([]func([]provider.Descriptor), len(p.watchers))
	copy(watchers, p.watchers)
	p.mu.Unlock()

	p.logger.Info("providers reloaded", "file", p.v.ConfigFileUsed(), "count", len(list))
	for _, fn := range watchers {
		fn(p.List())
	}
}
