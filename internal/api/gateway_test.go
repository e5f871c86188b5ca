package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/gencore/internal/llm"
	"github.com/kalambet/gencore/internal/orchestrator"
	"github.com/kalambet/gencore/internal/provider"
)

// TestGateway_FallsBackToRemote routes a streaming request through the
// orchestrator: the local Ollama fake is down, so the remote OpenRouter
// fake answers.
func TestGateway_FallsBackToRemote(t *testing.T) {
	var ollamaCalls atomic.Int32
	ollamaSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ollamaCalls.Add(1)
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	t.Cleanup(ollamaSrv.Close)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\" world\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(upstream.Close)

	deps := provider.Deps{
		OllamaBaseURL: ollamaSrv.URL,
		RemoteBaseURL: upstream.URL,
		RemoteAPIKey:  "test-key",
		DefaultModel:  "openai/gpt-4o-mini",
	}
	descs := []provider.Descriptor{
		{Key: "local", Kind: provider.KindLocal, Model: "llama3.2", Enabled: true, Capabilities: provider.DefaultCapabilities(provider.KindLocal)},
		{Key: "remote", Kind: provider.KindRemote, Enabled: true, Capabilities: provider.DefaultCapabilities(provider.KindRemote)},
	}
	orch := orchestrator.New(orchestrator.Config{
		Providers:       descs,
		DefaultProvider: "local",
		Fallbacks:       []string{"remote"},
		Attempts:        2,
	}, func(d provider.Descriptor) (llm.LanguageModel, error) {
		return provider.New(d, deps)
	})

	r := chi.NewRouter()
	r.Use(BearerAuth("gateway-token", "/health"))
	r.Mount("/", NewOpenAIHandler(orch))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	body := `{"messages":[{"role":"user","content":"hi"}],"stream":true}`
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer gateway-token")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body = %s", resp.StatusCode, b)
	}
	raw, _ := io.ReadAll(resp.Body)

	var text strings.Builder
	for _, line := range strings.Split(string(raw), "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "[DONE]" {
			continue
		}
		var frame completion
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			t.Fatalf("bad frame %q: %v", data, err)
		}
		text.WriteString(frame.Choices[0].Delta.Content)
	}
	if text.String() != "Hello world" {
		t.Errorf("text = %q, want %q", text.String(), "Hello world")
	}
	// 404 is not retryable, so local is tried exactly once.
	if n := ollamaCalls.Load(); n != 1 {
		t.Errorf("ollama calls = %d, want 1", n)
	}
	if !strings.HasSuffix(string(raw), "data: [DONE]\n\n") {
		t.Errorf("stream not terminated with [DONE]: %q", raw)
	}
}
