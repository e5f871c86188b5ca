package llm

import (
	"context"
	"encoding/json"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Prompt is the backend-neutral input of a generation call.
type Prompt struct {
	Messages []Message
}

// UserPrompt builds a single-turn prompt.
func UserPrompt(text string) Prompt {
	return Prompt{Messages: []Message{{Role: RoleUser, Content: text}}}
}

// Text flattens the prompt for backends that accept a single input string.
// A lone user message is returned verbatim; longer conversations are
// rendered as a role-prefixed transcript.
func (p Prompt) Text() string {
	if len(p.Messages) == 1 && p.Messages[0].Role == RoleUser {
		return p.Messages[0].Content
	}
	var b strings.Builder
	for i, m := range p.Messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

// Options tunes a generation call. Zero values mean backend defaults.
type Options struct {
	Temperature *float64
	MaxTokens   int
	Stop        []string
}

// Schema is a JSON Schema hint for structured output.
type Schema struct {
	Name   string
	Schema json.RawMessage
}

// LanguageModel is the capability every backend adapter implements. All
// errors returned, directly or through a Stream, are *Error values.
type LanguageModel interface {
	// GenerateText returns one complete chunk terminated by a Finish part.
	GenerateText(ctx context.Context, prompt Prompt, opts Options) (ResponseChunk, error)

	// StreamText returns a stream of fragments; the last one carries Finish.
	// Cancelling ctx or closing the stream ends it without an error.
	StreamText(ctx context.Context, prompt Prompt, opts Options) (*Stream, error)

	// GenerateStructured asks for output conforming to schema. Backends that
	// cannot honour it fail with a non-retryable provider error.
	GenerateStructured(ctx context.Context, prompt Prompt, schema Schema, opts Options) (ResponseChunk, error)
}
