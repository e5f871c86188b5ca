package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/gencore/internal/llm"
	"github.com/kalambet/gencore/internal/orchestrator"
	"github.com/kalambet/gencore/internal/provider"
	"github.com/kalambet/gencore/internal/proxy"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Generator is the orchestrator surface served over HTTP and MCP.
type Generator interface {
	StreamConversation(ctx context.Context, req orchestrator.Request) (*llm.Stream, error)
	Generate(ctx context.Context, req orchestrator.Request) (llm.ResponseChunk, error)
	Providers() []provider.Descriptor
}

// NewOpenAIHandler returns an http.Handler implementing the OpenAI-compatible
// chat API on top of g. The request's model field selects the preferred
// provider by key; any other value uses the default plan.
func NewOpenAIHandler(g Generator) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Get("/v1/models", handleModels(g))
	r.Post("/v1/chat/completions", handleChatCompletions(g))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleModels(g Generator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models := []proxy.Model{}
		for _, d := range g.Providers() {
			if !d.Enabled {
				continue
			}
			models = append(models, proxy.Model{ID: d.Key, Object: "model", OwnedBy: string(d.Kind)})
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(proxy.ModelList{Object: "list", Data: models})
	}
}

// stopList accepts the OpenAI "stop" field as a string or an array.
type stopList []string

func (s *stopList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		if one != "" {
			*s = stopList{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("stop must be a string or an array of strings")
	}
	*s = many
	return nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stop        stopList      `json:"stop,omitempty"`
}

func (c chatRequest) toRequest(g Generator) orchestrator.Request {
	req := orchestrator.Request{
		Messages: c.Messages,
		Options: llm.Options{
			Temperature: c.Temperature,
			MaxTokens:   c.MaxTokens,
			Stop:        c.Stop,
		},
	}
	for _, d := range g.Providers() {
		if d.Key == c.Model {
			req.PreferredProvider = d.Key
			break
		}
	}
	return req
}

type completionMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []llm.ToolCall `json:"tool_calls,omitempty"`
}

type completionChoice struct {
	Index        int                `json:"index"`
	Message      *completionMessage `json:"message,omitempty"`
	Delta        *completionMessage `json:"delta,omitempty"`
	FinishReason *string            `json:"finish_reason"`
}

type completion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   *llm.Usage         `json:"usage,omitempty"`
}

func finishOf(c llm.ResponseChunk) (*string, *llm.Usage) {
	p, ok := c.Finish()
	if !ok {
		return nil, nil
	}
	reason := string(p.FinishReason)
	return &reason, p.Usage
}

func handleChatCompletions(g Generator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var body chatRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(body.Messages) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "messages is required and must not be empty")
			return
		}

		req := body.toRequest(g)
		model := body.Model
		if req.PreferredProvider == "" {
			model = "gencore"
		}
		base := completion{
			ID:      "chatcmpl-" + uuid.NewString(),
			Created: time.Now().Unix(),
			Model:   model,
		}

		if body.Stream {
			streamCompletion(w, r, g, req, base)
			return
		}

		chunk, err := g.Generate(r.Context(), req)
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			generationError(w, err)
			return
		}

		reason, usage := finishOf(chunk)
		base.Object = "chat.completion"
		base.Usage = usage
		base.Choices = []completionChoice{{
			Message: &completionMessage{
				Role:      string(llm.RoleAssistant),
				Content:   chunk.Text(),
				ToolCalls: chunk.ToolCalls(),
			},
			FinishReason: reason,
		}}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(base)
	}
}

// streamCompletion relays the orchestrator stream as OpenAI SSE frames.
// Failures before the first chunk are reported as a normal HTTP error.
func streamCompletion(w http.ResponseWriter, r *http.Request, g Generator, req orchestrator.Request, base completion) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	stream, err := g.StreamConversation(r.Context(), req)
	if err != nil {
		generationError(w, err)
		return
	}
	defer stream.Close()

	base.Object = "chat.completion.chunk"
	started := false
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if !started {
				generationError(w, err)
				return
			}
			slog.Warn("stream failed after first chunk", "id", base.ID, "error", err)
			writeSSE(w, map[string]any{"error": errorBody(err)})
			flusher.Flush()
			return
		}

		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			started = true
		}

		reason, usage := finishOf(chunk)
		frame := base
		frame.Usage = usage
		frame.Choices = []completionChoice{{
			Delta:        &completionMessage{Role: string(llm.RoleAssistant), Content: chunk.Text(), ToolCalls: chunk.ToolCalls()},
			FinishReason: reason,
		}}
		writeSSE(w, frame)
		flusher.Flush()
	}

	if !started {
		// Cancelled before any output.
		return
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func writeSSE(w io.Writer, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal stream frame", "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

func errorBody(err error) map[string]any {
	body := map[string]any{
		"message": err.Error(),
		"type":    "api_error",
	}
	var le *llm.Error
	if errors.As(err, &le) {
		body["code"] = string(le.Kind)
		if le.Provider != "" {
			body["provider"] = le.Provider
		}
	}
	return body
}

// generationError maps the error taxonomy onto HTTP statuses: configuration
// problems are the caller's, everything else is an upstream failure.
func generationError(w http.ResponseWriter, err error) {
	var le *llm.Error
	if !errors.As(err, &le) {
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
		return
	}
	switch {
	case le.Kind == llm.KindConfiguration:
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case le.StatusCode == http.StatusTooManyRequests:
		if le.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int((le.RetryAfter+time.Second-1)/time.Second)))
		}
		httpError(w, http.StatusTooManyRequests, "rate_limit_error", "%v", err)
	default:
		httpError(w, http.StatusBadGateway, "api_error", "%v", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
