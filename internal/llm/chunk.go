package llm

import (
	"encoding/json"
	"errors"
	"strings"
)

type FinishReason string

const (
	FinishReasonStop      FinishReason = "stop"
	FinishReasonLength    FinishReason = "length"
	FinishReasonToolCalls FinishReason = "tool_calls"
	FinishReasonError     FinishReason = "error"
	FinishReasonUnknown   FinishReason = "unknown"
)

type PartType string

const (
	PartText     PartType = "text"
	PartToolCall PartType = "tool_call"
	PartFinish   PartType = "finish"
)

// Usage reports token accounting for one generation.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToolCall is a (possibly partial) tool invocation emitted by a backend.
type ToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Part is one segment of a ResponseChunk.
type Part struct {
	Type PartType `json:"type"`

	// Text is set for PartText.
	Text string `json:"text,omitempty"`

	// ToolCall is set for PartToolCall.
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	// FinishReason and Usage are set for PartFinish.
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Usage        *Usage       `json:"usage,omitempty"`
}

func TextPart(text string) Part { return Part{Type: PartText, Text: text} }

func ToolCallPart(tc ToolCall) Part { return Part{Type: PartToolCall, ToolCall: &tc} }

func FinishPart(reason FinishReason, usage *Usage) Part {
	if reason == "" {
		reason = FinishReasonUnknown
	}
	return Part{Type: PartFinish, FinishReason: reason, Usage: usage}
}

// ResponseChunk is the canonical unit of generated output. A complete
// response is a chunk terminated by a Finish part; stream fragments usually
// carry a single text part.
type ResponseChunk struct {
	Parts []Part `json:"parts"`
}

// SimpleChunk is the shorthand shape accepted by NewChunk.
type SimpleChunk struct {
	Text         string
	Usage        *Usage
	FinishReason FinishReason
}

// ErrPartAfterFinish is returned when a part list places anything after its
// Finish part.
var ErrPartAfterFinish = errors.New("llm: part after finish")

// NewChunk builds a complete chunk: the text (when non-empty) followed by
// exactly one Finish part.
func NewChunk(s SimpleChunk) ResponseChunk {
	parts := make([]Part, 0, 2)
	if s.Text != "" {
		parts = append(parts, TextPart(s.Text))
	}
	parts = append(parts, FinishPart(s.FinishReason, s.Usage))
	return ResponseChunk{Parts: parts}
}

// ChunkFromParts builds a chunk from a pre-structured part list.
func ChunkFromParts(parts ...Part) (ResponseChunk, error) {
	finished := false
	for _, p := range parts {
		if finished {
			return ResponseChunk{}, ErrPartAfterFinish
		}
		if p.Type == PartFinish {
			finished = true
		}
	}
	return ResponseChunk{Parts: append([]Part(nil), parts...)}, nil
}

// Fragment builds a stream fragment holding a single text part.
func Fragment(text string) ResponseChunk {
	return ResponseChunk{Parts: []Part{TextPart(text)}}
}

// Text concatenates all text parts in order.
func (c ResponseChunk) Text() string {
	var b strings.Builder
	for _, p := range c.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ToolCalls returns the tool-call parts in order.
func (c ResponseChunk) ToolCalls() []ToolCall {
	var out []ToolCall
	for _, p := range c.Parts {
		if p.Type == PartToolCall && p.ToolCall != nil {
			out = append(out, *p.ToolCall)
		}
	}
	return out
}

// Finish returns the Finish part, if present.
func (c ResponseChunk) Finish() (Part, bool) {
	for _, p := range c.Parts {
		if p.Type == PartFinish {
			return p, true
		}
	}
	return Part{}, false
}

// IsFinal reports whether the chunk carries a Finish part.
func (c ResponseChunk) IsFinal() bool {
	_, ok := c.Finish()
	return ok
}

// Accumulator folds streamed chunks into a single complete chunk.
type Accumulator struct {
	text      strings.Builder
	toolCalls []ToolCall
	finish    *Part
}

func (a *Accumulator) Apply(c ResponseChunk) {
	if a.finish != nil {
		return
	}
	for _, p := range c.Parts {
		switch p.Type {
		case PartText:
			a.text.WriteString(p.Text)
		case PartToolCall:
			if p.ToolCall != nil {
				a.toolCalls = append(a.toolCalls, *p.ToolCall)
			}
		case PartFinish:
			fp := p
			a.finish = &fp
			return
		}
	}
}

// Chunk returns the accumulated response. A Finish part with reason
// "unknown" is synthesized when none was applied.
func (a *Accumulator) Chunk() ResponseChunk {
	var parts []Part
	if a.text.Len() > 0 {
		parts = append(parts, TextPart(a.text.String()))
	}
	for _, tc := range a.toolCalls {
		parts = append(parts, ToolCallPart(tc))
	}
	if a.finish != nil {
		parts = append(parts, *a.finish)
	} else {
		parts = append(parts, FinishPart(FinishReasonUnknown, nil))
	}
	return ResponseChunk{Parts: parts}
}
