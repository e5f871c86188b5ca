// Package provider adapts the concrete generation backends (a local Ollama
// server, an OpenAI-compatible HTTP API, and the NIP-90 job marketplace) to
// llm.LanguageModel.
package provider

import (
	"fmt"
	"time"

	"github.com/kalambet/gencore/internal/dvm"
	"github.com/kalambet/gencore/internal/llm"
	"github.com/kalambet/gencore/internal/nostr"
	"github.com/kalambet/gencore/internal/ollama"
	"github.com/kalambet/gencore/internal/proxy"
)

type Kind string

const (
	KindLocal         Kind = "local"
	KindRemote        Kind = "remote"
	KindDecentralized Kind = "decentralized"
)

// Capabilities lists the optional features a provider supports.
type Capabilities struct {
	Streaming  bool `json:"streaming"`
	Structured bool `json:"structured"`
}

// DefaultCapabilities returns what adapters of kind k can do.
func DefaultCapabilities(k Kind) Capabilities {
	switch k {
	case KindLocal, KindRemote:
		return Capabilities{Streaming: true, Structured: true}
	case KindDecentralized:
		return Capabilities{Streaming: true}
	}
	return Capabilities{}
}

// Descriptor is the static description of one configured provider.
type Descriptor struct {
	Key          string        `json:"key"`
	Name         string        `json:"name,omitempty"`
	Kind         Kind          `json:"kind"`
	Model        string        `json:"model,omitempty"`
	Capabilities Capabilities  `json:"capabilities"`
	Enabled      bool          `json:"enabled"`
	BaseURL      string        `json:"base_url,omitempty"`
	Relays       []string      `json:"relays,omitempty"`
	TargetPubkey string        `json:"target_pubkey,omitempty"`
	Encrypt      bool          `json:"encrypt,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`
	Attempts     int           `json:"attempts,omitempty"`
}

// DisplayName returns Name, falling back to Key.
func (d Descriptor) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Key
}

// Validate reports descriptor problems as configuration errors.
func (d Descriptor) Validate() error {
	if d.Key == "" {
		return llm.NewConfigurationError("provider has no key")
	}
	fail := func(format string, args ...any) error {
		err := llm.NewConfigurationError(fmt.Sprintf(format, args...))
		err.Provider = d.Key
		return err
	}
	switch d.Kind {
	case KindLocal, KindRemote:
	case KindDecentralized:
		if d.Encrypt && d.TargetPubkey == "" {
			return fail("encryption requires target_pubkey")
		}
	default:
		return fail("unknown provider kind %q", d.Kind)
	}
	if d.Timeout < 0 {
		return fail("negative timeout")
	}
	if d.Attempts < 0 {
		return fail("negative attempts")
	}
	return nil
}

// structuredDisabled is returned by adapters whose descriptor turns
// structured output off.
func (d Descriptor) structuredDisabled() error {
	return llm.NewProviderError(
		fmt.Sprintf("structured output is not supported by provider %q", d.Key), d.Key, false, nil, llm.WithModel(d.Model))
}

// Deps carries the shared clients adapters are built from.
type Deps struct {
	// OllamaBaseURL is used by local providers without a BaseURL.
	OllamaBaseURL string
	// RemoteBaseURL is used by remote providers without a BaseURL.
	RemoteBaseURL string
	RemoteAPIKey  string
	// DefaultModel is used by remote providers without a Model.
	DefaultModel string

	Jobs *dvm.Engine
	// Relays are used by decentralized providers without their own.
	Relays []string
	// Identity signs job requests; nil means an ephemeral key per job.
	Identity *nostr.Keys
	Encrypt  bool
}

// New builds the adapter for d. Missing prerequisites are configuration
// errors.
func New(d Descriptor, deps Deps) (llm.LanguageModel, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	cfgErr := func(msg string) error {
		err := llm.NewConfigurationError(msg)
		err.Provider = d.Key
		return err
	}

	switch d.Kind {
	case KindLocal:
		base := firstNonEmpty(d.BaseURL, deps.OllamaBaseURL)
		if base == "" {
			return nil, cfgErr("ollama base url not configured")
		}
		if d.Model == "" {
			return nil, cfgErr("local provider has no model")
		}
		return NewLocal(d, ollama.New(base)), nil

	case KindRemote:
		if deps.RemoteAPIKey == "" {
			return nil, cfgErr("remote API key not configured")
		}
		if d.Model == "" && deps.DefaultModel == "" {
			return nil, cfgErr("remote provider has no model")
		}
		if d.Model == "" {
			d.Model = deps.DefaultModel
		}
		var client *proxy.Client
		if base := firstNonEmpty(d.BaseURL, deps.RemoteBaseURL); base != "" {
			client = proxy.NewClientWithBaseURL(deps.RemoteAPIKey, base)
		} else {
			client = proxy.NewClient(deps.RemoteAPIKey)
		}
		return NewRemote(d, client), nil

	case KindDecentralized:
		if deps.Jobs == nil {
			return nil, cfgErr("job engine not configured")
		}
		if len(d.Relays) == 0 {
			d.Relays = deps.Relays
		}
		if len(d.Relays) == 0 {
			return nil, cfgErr("no relays configured")
		}
		if !d.Encrypt && deps.Encrypt && d.TargetPubkey != "" {
			d.Encrypt = true
		}
		return NewDecentralized(d, deps.Jobs, deps.Identity), nil
	}
	return nil, cfgErr(fmt.Sprintf("unknown provider kind %q", d.Kind))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
