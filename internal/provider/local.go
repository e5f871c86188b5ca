package provider

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/kalambet/gencore/internal/llm"
	"github.com/kalambet/gencore/internal/ollama"
)

const streamBuffer = 16

// Local serves generations from an Ollama server.
type Local struct {
	desc   Descriptor
	client *ollama.Client
}

func NewLocal(d Descriptor, client *ollama.Client) *Local {
	return &Local{desc: d, client: client}
}

func (l *Local) GenerateText(ctx context.Context, prompt llm.Prompt, opts llm.Options) (llm.ResponseChunk, error) {
	resp, err := l.client.Chat(ctx, l.request(prompt, opts, nil))
	if err != nil {
		return llm.ResponseChunk{}, l.wrap(err)
	}
	return llm.NewChunk(llm.SimpleChunk{
		Text:         resp.Message.Content,
		Usage:        ollamaUsage(resp),
		FinishReason: ollamaFinish(resp.DoneReason),
	}), nil
}

func (l *Local) GenerateStructured(ctx context.Context, prompt llm.Prompt, schema llm.Schema, opts llm.Options) (llm.ResponseChunk, error) {
	if !l.desc.Capabilities.Structured {
		return llm.ResponseChunk{}, l.desc.structuredDisabled()
	}
	format := schema.Schema
	if len(format) == 0 {
		format = []byte(`"json"`)
	}
	resp, err := l.client.Chat(ctx, l.request(prompt, opts, format))
	if err != nil {
		return llm.ResponseChunk{}, l.wrap(err)
	}
	return llm.NewChunk(llm.SimpleChunk{
		Text:         resp.Message.Content,
		Usage:        ollamaUsage(resp),
		FinishReason: ollamaFinish(resp.DoneReason),
	}), nil
}

// StreamText bridges the client's push callback onto a bounded stream. The
// bridge is torn down exactly once, whichever side stops first.
func (l *Local) StreamText(ctx context.Context, prompt llm.Prompt, opts llm.Options) (*llm.Stream, error) {
	stream, sink := llm.NewStream(ctx, streamBuffer)
	req := l.request(prompt, opts, nil)

	var teardown sync.Once
	done := func(err error) {
		teardown.Do(func() {
			if err != nil && !errors.Is(err, llm.ErrStreamClosed) && sink.Context().Err() == nil {
				sink.Fail(l.wrap(err))
				return
			}
			sink.Close()
		})
	}

	go func() {
		err := l.client.ChatStream(sink.Context(), req, func(part ollama.ChatResponse) error {
			if part.Message.Content != "" {
				if err := sink.Send(llm.Fragment(part.Message.Content)); err != nil {
					return err
				}
			}
			if part.Done {
				return sink.Send(llm.NewChunk(llm.SimpleChunk{
					Usage:        ollamaUsage(part),
					FinishReason: ollamaFinish(part.DoneReason),
				}))
			}
			return nil
		})
		done(err)
	}()
	return stream, nil
}

func (l *Local) request(prompt llm.Prompt, opts llm.Options, format []byte) ollama.ChatRequest {
	msgs := make([]ollama.Message, len(prompt.Messages))
	for i, m := range prompt.Messages {
		msgs[i] = ollama.Message{Role: string(m.Role), Content: m.Content}
	}
	req := ollama.ChatRequest{Model: l.desc.Model, Messages: msgs, Format: format}
	if opts.Temperature != nil || opts.MaxTokens > 0 || len(opts.Stop) > 0 {
		req.Options = &ollama.Options{
			Temperature: opts.Temperature,
			NumPredict:  opts.MaxTokens,
			Stop:        opts.Stop,
		}
	}
	return req
}

// wrap maps client failures into the error taxonomy. HTTP statuses decide
// for themselves; otherwise only transport failures (refused or dropped
// connections, timeouts) are retried. Malformed responses are not.
func (l *Local) wrap(err error) error {
	return llm.FromUnknown(err, l.desc.Key, l.desc.Model, isTransportError(err))
}

func isTransportError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

func ollamaUsage(r ollama.ChatResponse) *llm.Usage {
	if r.PromptEvalCount == 0 && r.EvalCount == 0 {
		return nil
	}
	return &llm.Usage{
		PromptTokens:     r.PromptEvalCount,
		CompletionTokens: r.EvalCount,
		TotalTokens:      r.PromptEvalCount + r.EvalCount,
	}
}

func ollamaFinish(reason string) llm.FinishReason {
	switch reason {
	case "stop", "":
		return llm.FinishReasonStop
	case "length":
		return llm.FinishReasonLength
	}
	return llm.FinishReasonUnknown
}
