package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL   = "https://openrouter.ai/api/v1"
	defaultTimeout   = 60 * time.Second
	streamingTimeout = 300 * time.Second
)

// StatusError is returned for any non-200 response. Retrying is left to
// the caller.
type StatusError struct {
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Message)
}

func (e *StatusError) HTTPStatus() int { return e.Code }

func (e *StatusError) RetryAfterHint() time.Duration { return e.RetryAfter }

// Client communicates with an OpenAI-compatible API (OpenRouter by default).
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	referer    string
	title      string
}

// NewClient creates an OpenRouter client with the given API key.
func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		// Per-request deadlines are applied in doChat so streams can outlive
		// the default timeout.
		httpClient: &http.Client{},
		referer:    "https://github.com/kalambet/gencore",
		title:      "gencore",
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL.
func NewClientWithBaseURL(apiKey, baseURL string) *Client {
	c := NewClient(apiKey)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// Chat sends a chat completion request and returns the response body. For
// streaming requests the body carries SSE events. The caller closes it.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	timeout := defaultTimeout
	if req.Stream {
		timeout = streamingTimeout
	}
	return c.doChat(ctx, body, timeout)
}

// Complete sends a non-streaming request and decodes the completion.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (ChatCompletion, error) {
	req.Stream = false
	rc, err := c.Chat(ctx, req)
	if err != nil {
		return ChatCompletion{}, err
	}
	defer rc.Close()

	var out ChatCompletion
	if err := json.NewDecoder(rc).Decode(&out); err != nil {
		return ChatCompletion{}, fmt.Errorf("decoding completion: %w", err)
	}
	if len(out.Choices) == 0 {
		return ChatCompletion{}, fmt.Errorf("completion %s has no choices", out.ID)
	}
	return out, nil
}

// Stream sends a streaming request and calls fn for every SSE chunk until
// [DONE], the end of the body, or an error from fn.
func (c *Client) Stream(ctx context.Context, req ChatRequest, fn func(StreamChunk) error) error {
	req.Stream = true
	rc, err := c.Chat(ctx, req)
	if err != nil {
		return err
	}
	defer rc.Close()

	dec := newSSEDecoder(rc)
	for {
		data, err := dec.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading stream: %w", err)
		}
		if bytes.Equal(bytes.TrimSpace(data), []byte("[DONE]")) {
			return nil
		}
		var chunk StreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return fmt.Errorf("decoding stream chunk: %w", err)
		}
		if chunk.Error != nil {
			return &StatusError{Code: chunk.Error.statusCode(), Message: chunk.Error.Message}
		}
		if err := fn(chunk); err != nil {
			return err
		}
	}
}

func (c *Client) doChat(ctx context.Context, body []byte, timeout time.Duration) (io.ReadCloser, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("executing request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer resp.Body.Close()
		return nil, statusError(resp)
	}

	// The deadline context lives until the caller closes the body.
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// ListModels returns the models offered by the API.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var list ModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding models: %w", err)
	}
	if list.Data == nil {
		return []Model{}, nil
	}
	return list.Data, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", c.referer)
	req.Header.Set("X-Title", c.title)
}

func statusError(resp *http.Response) *StatusError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	se := &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(raw))}

	var env struct {
		Error *apiError `json:"error"`
	}
	if json.Unmarshal(raw, &env) == nil && env.Error != nil && env.Error.Message != "" {
		se.Message = env.Error.Message
	}
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			se.RetryAfter = time.Duration(secs) * time.Second
		} else if at, err := http.ParseTime(v); err == nil {
			se.RetryAfter = time.Until(at)
		}
	}
	return se
}
