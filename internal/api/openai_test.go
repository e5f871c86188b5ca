package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/gencore/internal/llm"
	"github.com/kalambet/gencore/internal/orchestrator"
	"github.com/kalambet/gencore/internal/provider"
)

// scriptedModel replies with fixed fragments, or fails with err.
type scriptedModel struct {
	fragments []string
	err       error

	mu      sync.Mutex
	prompts []llm.Prompt
	opts    []llm.Options
}

func (m *scriptedModel) record(p llm.Prompt, o llm.Options) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, p)
	m.opts = append(m.opts, o)
}

func (m *scriptedModel) GenerateText(_ context.Context, p llm.Prompt, o llm.Options) (llm.ResponseChunk, error) {
	m.record(p, o)
	if m.err != nil {
		return llm.ResponseChunk{}, m.err
	}
	return llm.NewChunk(llm.SimpleChunk{
		Text:         strings.Join(m.fragments, ""),
		FinishReason: llm.FinishReasonStop,
		Usage:        &llm.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	}), nil
}

func (m *scriptedModel) StreamText(ctx context.Context, p llm.Prompt, o llm.Options) (*llm.Stream, error) {
	m.record(p, o)
	if m.err != nil {
		return nil, m.err
	}
	stream, sink := llm.NewStream(ctx, len(m.fragments)+1)
	go func() {
		for _, f := range m.fragments {
			if sink.Send(llm.Fragment(f)) != nil {
				return
			}
		}
		sink.Send(llm.NewChunk(llm.SimpleChunk{FinishReason: llm.FinishReasonStop}))
		sink.Close()
	}()
	return stream, nil
}

func (m *scriptedModel) GenerateStructured(ctx context.Context, p llm.Prompt, _ llm.Schema, o llm.Options) (llm.ResponseChunk, error) {
	return m.GenerateText(ctx, p, o)
}

func localDesc(key string) provider.Descriptor {
	return provider.Descriptor{
		Key:          key,
		Kind:         provider.KindLocal,
		Model:        "m",
		Enabled:      true,
		Capabilities: provider.DefaultCapabilities(provider.KindLocal),
	}
}

// newTestGenerator wires an orchestrator over models keyed by provider key.
// The first key is the default provider.
func newTestGenerator(t *testing.T, keys []string, models map[string]*scriptedModel) *orchestrator.Orchestrator {
	t.Helper()
	var descs []provider.Descriptor
	for _, k := range keys {
		descs = append(descs, localDesc(k))
	}
	return orchestrator.New(orchestrator.Config{
		Providers:       descs,
		DefaultProvider: keys[0],
		Fallbacks:       keys[1:],
		Attempts:        1,
	}, func(d provider.Descriptor) (llm.LanguageModel, error) {
		return models[d.Key], nil
	})
}

func postChat(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	h := NewOpenAIHandler(newTestGenerator(t, []string{"local"}, nil))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status=ok", body)
	}
}

func TestModels(t *testing.T) {
	g := newTestGenerator(t, []string{"local", "remote"}, nil)
	off := localDesc("off")
	off.Enabled = false
	g.SetProviders(append(g.Providers(), off))
	h := NewOpenAIHandler(g)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	var list struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if list.Object != "list" || len(list.Data) != 2 {
		t.Fatalf("models = %+v, want 2 enabled providers", list)
	}
	if list.Data[0].ID != "local" || list.Data[0].OwnedBy != "local" {
		t.Errorf("first model = %+v", list.Data[0])
	}
}

func TestChatCompletions_NonStreaming(t *testing.T) {
	m := &scriptedModel{fragments: []string{"Hel", "lo!"}}
	h := NewOpenAIHandler(newTestGenerator(t, []string{"local"}, map[string]*scriptedModel{"local": m}))

	rr := postChat(t, h, `{"model":"whatever","messages":[{"role":"user","content":"hi"}],"temperature":0.2,"max_tokens":64,"stop":"END"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body)
	}

	var resp completion
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Object != "chat.completion" || !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Errorf("envelope = %+v", resp)
	}
	if resp.Model != "gencore" {
		t.Errorf("model = %q, want gencore for an unknown model", resp.Model)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "Hello!" {
		t.Fatalf("choices = %+v", resp.Choices)
	}
	if fr := resp.Choices[0].FinishReason; fr == nil || *fr != "stop" {
		t.Errorf("finish_reason = %v", fr)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 5 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	opts := m.opts[0]
	if opts.Temperature == nil || *opts.Temperature != 0.2 || opts.MaxTokens != 64 || len(opts.Stop) != 1 || opts.Stop[0] != "END" {
		t.Errorf("options = %+v", opts)
	}
}

func TestChatCompletions_ModelSelectsProvider(t *testing.T) {
	a := &scriptedModel{fragments: []string{"from a"}}
	b := &scriptedModel{fragments: []string{"from b"}}
	h := NewOpenAIHandler(newTestGenerator(t, []string{"a", "b"}, map[string]*scriptedModel{"a": a, "b": b}))

	rr := postChat(t, h, `{"model":"b","messages":[{"role":"user","content":"hi"}]}`)
	var resp completion
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Model != "b" || resp.Choices[0].Message.Content != "from b" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestChatCompletions_Streaming(t *testing.T) {
	m := &scriptedModel{fragments: []string{"Hel", "lo"}}
	h := NewOpenAIHandler(newTestGenerator(t, []string{"local"}, map[string]*scriptedModel{"local": m}))

	rr := postChat(t, h, `{"model":"local","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	var text strings.Builder
	var finish string
	var done bool
	for _, line := range strings.Split(rr.Body.String(), "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			done = true
			continue
		}
		var frame completion
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			t.Fatalf("bad frame %q: %v", data, err)
		}
		if frame.Object != "chat.completion.chunk" {
			t.Errorf("object = %q", frame.Object)
		}
		text.WriteString(frame.Choices[0].Delta.Content)
		if fr := frame.Choices[0].FinishReason; fr != nil {
			finish = *fr
		}
	}
	if text.String() != "Hello" || finish != "stop" || !done {
		t.Errorf("text = %q, finish = %q, done = %v", text.String(), finish, done)
	}
}

func TestChatCompletions_Errors(t *testing.T) {
	rateLimited := llm.NewProviderError("slow down", "local", true, nil, llm.WithStatus(429), llm.WithRetryAfter(1500*time.Millisecond))
	tests := []struct {
		name   string
		body   string
		model  *scriptedModel
		status int
	}{
		{"bad json", `{`, &scriptedModel{}, http.StatusBadRequest},
		{"no messages", `{"model":"x","messages":[]}`, &scriptedModel{}, http.StatusBadRequest},
		{"no user message", `{"messages":[{"role":"system","content":"x"}]}`, &scriptedModel{}, http.StatusBadRequest},
		{"bad stop", `{"messages":[{"role":"user","content":"x"}],"stop":5}`, &scriptedModel{}, http.StatusBadRequest},
		{"provider failure", `{"messages":[{"role":"user","content":"x"}]}`, &scriptedModel{err: llm.NewProviderError("down", "local", false, nil)}, http.StatusBadGateway},
		{"stream provider failure", `{"messages":[{"role":"user","content":"x"}],"stream":true}`, &scriptedModel{err: llm.NewProviderError("down", "local", false, nil)}, http.StatusBadGateway},
		{"rate limited", `{"messages":[{"role":"user","content":"x"}]}`, &scriptedModel{err: rateLimited}, http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewOpenAIHandler(newTestGenerator(t, []string{"local"}, map[string]*scriptedModel{"local": tt.model}))
			rr := postChat(t, h, tt.body)
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", rr.Code, tt.status, rr.Body)
			}
			var body struct {
				Error struct {
					Message string `json:"message"`
				} `json:"error"`
			}
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil || body.Error.Message == "" {
				t.Errorf("error body missing: %v", err)
			}
		})
	}
}

func TestBearerAuth(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := BearerAuth("secret", "/health")(inner)

	tests := []struct {
		path, auth string
		want       int
	}{
		{"/v1/models", "Bearer secret", http.StatusNoContent},
		{"/v1/models", "Bearer wrong", http.StatusUnauthorized},
		{"/v1/models", "", http.StatusUnauthorized},
		{"/health", "", http.StatusNoContent},
	}
	for _, tt := range tests {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, tt.path, nil)
		if tt.auth != "" {
			req.Header.Set("Authorization", tt.auth)
		}
		h.ServeHTTP(rr, req)
		if rr.Code != tt.want {
			t.Errorf("%s with %q: status = %d, want %d", tt.path, tt.auth, rr.Code, tt.want)
		}
	}

	rr := httptest.NewRecorder()
	BearerAuth("")(inner).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	if rr.Code != http.StatusNoContent {
		t.Errorf("empty token should disable auth, got %d", rr.Code)
	}
}
