package provider

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/kalambet/gencore/internal/llm"
	"github.com/kalambet/gencore/internal/proxy"
)

// Remote serves generations from an OpenAI-compatible HTTP API.
type Remote struct {
	desc   Descriptor
	client *proxy.Client
}

func NewRemote(d Descriptor, client *proxy.Client) *Remote {
	return &Remote{desc: d, client: client}
}

func (r *Remote) GenerateText(ctx context.Context, prompt llm.Prompt, opts llm.Options) (llm.ResponseChunk, error) {
	req, err := r.request(prompt, opts)
	if err != nil {
		return llm.ResponseChunk{}, err
	}
	return r.complete(ctx, req)
}

func (r *Remote) GenerateStructured(ctx context.Context, prompt llm.Prompt, schema llm.Schema, opts llm.Options) (llm.ResponseChunk, error) {
	if !r.desc.Capabilities.Structured {
		return llm.ResponseChunk{}, r.desc.structuredDisabled()
	}
	req, err := r.request(prompt, opts)
	if err != nil {
		return llm.ResponseChunk{}, err
	}
	format := map[string]any{"type": "json_object"}
	if len(schema.Schema) > 0 {
		name := schema.Name
		if name == "" {
			name = "response"
		}
		format = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   name,
				"schema": schema.Schema,
				"strict": true,
			},
		}
	}
	if err := req.Set("response_format", format); err != nil {
		return llm.ResponseChunk{}, llm.NewConfigurationError("encoding response_format: "+err.Error(), llm.WithModel(r.desc.Model))
	}
	return r.complete(ctx, req)
}

func (r *Remote) StreamText(ctx context.Context, prompt llm.Prompt, opts llm.Options) (*llm.Stream, error) {
	req, err := r.request(prompt, opts)
	if err != nil {
		return nil, err
	}
	stream, sink := llm.NewStream(ctx, streamBuffer)

	go func() {
		var usage *llm.Usage
		var calls toolCallBuilder
		finish := llm.FinishReasonUnknown
		err := r.client.Stream(sink.Context(), req, func(c proxy.StreamChunk) error {
			if c.Usage != nil {
				usage = toUsage(c.Usage)
			}
			for _, choice := range c.Choices {
				if choice.FinishReason != nil {
					finish = remoteFinish(*choice.FinishReason)
				}
				calls.add(choice.Delta.ToolCalls)
				if choice.Delta.Content == "" {
					continue
				}
				if err := sink.Send(llm.Fragment(choice.Delta.Content)); err != nil {
					return err
				}
			}
			return nil
		})
		switch {
		case err == nil:
			last, cerr := llm.ChunkFromParts(append(calls.parts(), llm.FinishPart(finish, usage))...)
			if cerr != nil {
				sink.Fail(llm.NewProviderError("assembling final chunk", r.desc.Key, false, cerr, llm.WithModel(r.desc.Model)))
				return
			}
			sink.Send(last)
			sink.Close()
		case errors.Is(err, llm.ErrStreamClosed) || sink.Context().Err() != nil:
			sink.Close()
		default:
			sink.Fail(r.wrap(err))
		}
	}()
	return stream, nil
}

// toolCallBuilder joins streamed tool call fragments. The first fragment of
// a call carries its id and name; later ones append to the arguments.
type toolCallBuilder struct {
	order []int
	calls map[int]*llm.ToolCall
	args  map[int]*strings.Builder
}

func (b *toolCallBuilder) add(deltas []proxy.ToolCallDelta) {
	for _, d := range deltas {
		if b.calls == nil {
			b.calls = make(map[int]*llm.ToolCall)
			b.args = make(map[int]*strings.Builder)
		}
		tc, ok := b.calls[d.Index]
		if !ok {
			tc = &llm.ToolCall{}
			b.calls[d.Index] = tc
			b.args[d.Index] = &strings.Builder{}
			b.order = append(b.order, d.Index)
		}
		if d.ID != "" {
			tc.ID = d.ID
		}
		if d.Function.Name != "" {
			tc.Name = d.Function.Name
		}
		b.args[d.Index].WriteString(d.Function.Arguments)
	}
}

func (b *toolCallBuilder) parts() []llm.Part {
	parts := make([]llm.Part, 0, len(b.order))
	for _, i := range b.order {
		tc := *b.calls[i]
		if args := b.args[i].String(); args != "" {
			tc.Arguments = json.RawMessage(args)
		}
		parts = append(parts, llm.ToolCallPart(tc))
	}
	return parts
}

func (r *Remote) complete(ctx context.Context, req proxy.ChatRequest) (llm.ResponseChunk, error) {
	out, err := r.client.Complete(ctx, req)
	if err != nil {
		return llm.ResponseChunk{}, r.wrap(err)
	}
	choice := out.Choices[0]
	parts := make([]llm.Part, 0, 2+len(choice.Message.ToolCalls))
	if choice.Message.Content != "" {
		parts = append(parts, llm.TextPart(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		parts = append(parts, llm.ToolCallPart(llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		}))
	}
	parts = append(parts, llm.FinishPart(remoteFinish(choice.FinishReason), toUsage(out.Usage)))
	return llm.ChunkFromParts(parts...)
}

func (r *Remote) request(prompt llm.Prompt, opts llm.Options) (proxy.ChatRequest, error) {
	msgs := make([]proxy.Message, len(prompt.Messages))
	for i, m := range prompt.Messages {
		msgs[i] = proxy.Message{Role: string(m.Role), Content: m.Content}
	}
	raw, err := json.Marshal(msgs)
	if err != nil {
		return proxy.ChatRequest{}, llm.NewProviderError("encoding messages", r.desc.Key, false, err)
	}
	req := proxy.ChatRequest{Model: r.desc.Model, Messages: raw}
	if opts.Temperature != nil {
		req.Set("temperature", *opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		req.Set("max_tokens", opts.MaxTokens)
	}
	if len(opts.Stop) > 0 {
		req.Set("stop", opts.Stop)
	}
	return req, nil
}

// wrap maps client failures into the error taxonomy. Errors without an
// HTTP status are transport failures and worth retrying.
func (r *Remote) wrap(err error) error {
	return llm.FromUnknown(err, r.desc.Key, r.desc.Model, true)
}

func toUsage(u *proxy.Usage) *llm.Usage {
	if u == nil {
		return nil
	}
	return &llm.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func remoteFinish(reason string) llm.FinishReason {
	switch reason {
	case "stop":
		return llm.FinishReasonStop
	case "length":
		return llm.FinishReasonLength
	case "tool_calls":
		return llm.FinishReasonToolCalls
	case "error":
		return llm.FinishReasonError
	}
	return llm.FinishReasonUnknown
}
