package provider

import (
	"context"

	"github.com/kalambet/gencore/internal/dvm"
	"github.com/kalambet/gencore/internal/llm"
	"github.com/kalambet/gencore/internal/nostr"
)

// Decentralized serves generations by posting NIP-90 jobs to relays.
type Decentralized struct {
	desc     Descriptor
	jobs     *dvm.Engine
	identity *nostr.Keys
}

func NewDecentralized(d Descriptor, jobs *dvm.Engine, identity *nostr.Keys) *Decentralized {
	return &Decentralized{desc: d, jobs: jobs, identity: identity}
}

func (d *Decentralized) StreamText(ctx context.Context, prompt llm.Prompt, opts llm.Options) (*llm.Stream, error) {
	return d.jobs.Submit(ctx, d.spec(prompt, opts))
}

func (d *Decentralized) GenerateText(ctx context.Context, prompt llm.Prompt, opts llm.Options) (llm.ResponseChunk, error) {
	stream, err := d.StreamText(ctx, prompt, opts)
	if err != nil {
		return llm.ResponseChunk{}, err
	}
	chunk, err := llm.Collect(stream)
	if err != nil {
		return llm.ResponseChunk{}, err
	}
	if fin, _ := chunk.Finish(); fin.FinishReason == llm.FinishReasonUnknown && ctx.Err() != nil {
		return llm.ResponseChunk{}, llm.FromUnknown(ctx.Err(), d.desc.Key, d.desc.Model, false)
	}
	return chunk, nil
}

// GenerateStructured is unsupported: job results are free text.
func (d *Decentralized) GenerateStructured(context.Context, llm.Prompt, llm.Schema, llm.Options) (llm.ResponseChunk, error) {
	return llm.ResponseChunk{}, llm.NewProviderError(
		"structured output is not supported by decentralized providers", d.desc.Key, false, nil, llm.WithModel(d.desc.Model))
}

func (d *Decentralized) spec(prompt llm.Prompt, opts llm.Options) dvm.RequestSpec {
	return dvm.RequestSpec{
		Provider: d.desc.Key,
		Identity: d.identity,
		Target:   d.desc.TargetPubkey,
		Input:    prompt.Text(),
		Params:   dvm.ParamsFromOptions(d.desc.Model, opts),
		Relays:   d.desc.Relays,
		Encrypt:  d.desc.Encrypt,
		Timeout:  d.desc.Timeout,
	}
}
