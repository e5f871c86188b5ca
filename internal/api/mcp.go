package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/gencore/internal/llm"
	"github.com/kalambet/gencore/internal/orchestrator"
)

// NewMCPServer creates an MCP server exposing generation tools backed by g.
func NewMCPServer(g Generator, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"gencore",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("gencore routes generation requests across local, remote and Nostr DVM providers with retry and fallback."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("generate",
			mcp.WithDescription("Generate a text response. Providers are tried in order with retries until one succeeds."),
			mcp.WithString("prompt", mcp.Description("User message"), mcp.Required()),
			mcp.WithString("system", mcp.Description("Optional system instruction")),
			mcp.WithString("provider", mcp.Description("Preferred provider key (see list_providers)")),
			mcp.WithNumber("max_tokens", mcp.Description("Maximum tokens to generate")),
			mcp.WithNumber("temperature", mcp.Description("Sampling temperature")),
		),
		mcpGenerate(g),
	)

	s.AddTool(
		mcp.NewTool("list_providers",
			mcp.WithDescription("List configured providers with their kind, model and capabilities."),
		),
		mcpListProviders(g),
	)

	return s
}

func mcpGenerate(g Generator) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}

		var msgs []llm.Message
		if system := req.GetString("system", ""); system != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: system})
		}
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: prompt})

		opts := llm.Options{MaxTokens: req.GetInt("max_tokens", 0)}
		args := req.GetArguments()
		if _, ok := args["temperature"]; ok {
			t := req.GetFloat("temperature", 0)
			opts.Temperature = &t
		}

		chunk, err := g.Generate(ctx, orchestrator.Request{
			Messages:          msgs,
			PreferredProvider: req.GetString("provider", ""),
			Options:           opts,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("generation failed: %v", err)), nil
		}
		return mcpText(chunk.Text()), nil
	}
}

func mcpListProviders(g Generator) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		type providerResult struct {
			Key        string `json:"key"`
			Name       string `json:"name"`
			Kind       string `json:"kind"`
			Model      string `json:"model,omitempty"`
			Enabled    bool   `json:"enabled"`
			Streaming  bool   `json:"streaming"`
			Structured bool   `json:"structured"`
		}

		descs := g.Providers()
		results := make([]providerResult, len(descs))
		for i, d := range descs {
			results[i] = providerResult{
				Key:        d.Key,
				Name:       d.DisplayName(),
				Kind:       string(d.Kind),
				Model:      d.Model,
				Enabled:    d.Enabled,
				Streaming:  d.Capabilities.Streaming,
				Structured: d.Capabilities.Structured,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal providers: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
