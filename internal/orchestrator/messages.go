package orchestrator

import (
	"fmt"
	"strings"

	"github.com/kalambet/gencore/internal/llm"
)

// normalize validates a caller's conversation and converts it to a prompt.
// Blank messages are dropped; at least one user message must remain.
func normalize(msgs []llm.Message) (llm.Prompt, error) {
	out := make([]llm.Message, 0, len(msgs))
	hasUser := false
	for i, m := range msgs {
		role := llm.Role(strings.ToLower(strings.TrimSpace(string(m.Role))))
		switch role {
		case llm.RoleSystem, llm.RoleAssistant:
		case llm.RoleUser:
			hasUser = hasUser || strings.TrimSpace(m.Content) != ""
		default:
			return llm.Prompt{}, llm.NewConfigurationError(fmt.Sprintf("message %d has unsupported role %q", i, m.Role))
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	if !hasUser {
		return llm.Prompt{}, llm.NewConfigurationError("conversation has no user message")
	}
	return llm.Prompt{Messages: out}, nil
}
