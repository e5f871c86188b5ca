// Package orchestrator runs conversations against an ordered plan of
// providers, retrying and falling back according to the error taxonomy.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/gencore/internal/llm"
	"github.com/kalambet/gencore/internal/provider"
	"github.com/kalambet/gencore/internal/telemetry"
)

const (
	streamBuffer         = 16
	defaultMaxRetryAfter = 30 * time.Second
)

// Resolver builds the adapter for a descriptor.
type Resolver func(provider.Descriptor) (llm.LanguageModel, error)

// Config is the provider set and retry policy. Descriptors are treated as
// read-only.
type Config struct {
	Providers       []provider.Descriptor
	Fallbacks       []string
	DefaultProvider string
	Attempts        int
	Backoff         Backoff
	// MaxRetryAfter caps backend Retry-After hints.
	MaxRetryAfter time.Duration
}

// Request is one conversation call.
type Request struct {
	Messages          []llm.Message
	PreferredProvider string
	Options           llm.Options
}

type Orchestrator struct {
	mu  sync.RWMutex
	cfg Config

	resolve  Resolver
	recorder telemetry.Recorder
	logger   *slog.Logger
	sleep    func(context.Context, time.Duration) error
}

type Option func(*Orchestrator)

func WithRecorder(r telemetry.Recorder) Option { return func(o *Orchestrator) { o.recorder = r } }

func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

func New(cfg Config, resolve Resolver, opts ...Option) *Orchestrator {
	if cfg.MaxRetryAfter <= 0 {
		cfg.MaxRetryAfter = defaultMaxRetryAfter
	}
	o := &Orchestrator{
		cfg:      cfg,
		resolve:  resolve,
		recorder: telemetry.Nop{},
		logger:   slog.Default(),
		sleep:    sleep,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetProviders replaces the provider list. Calls already in flight keep the
// plan they started with.
func (o *Orchestrator) SetProviders(descs []provider.Descriptor) {
	o.mu.Lock()
	o.cfg.Providers = append([]provider.Descriptor(nil), descs...)
	o.mu.Unlock()
	o.logger.Info("provider list updated", "providers", len(descs))
}

// Providers returns a copy of the configured provider list.
func (o *Orchestrator) Providers() []provider.Descriptor {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]provider.Descriptor(nil), o.cfg.Providers...)
}

// Plan builds the retry plan for a call preferring the given provider key.
func (o *Orchestrator) Plan(preferred string) (RetryPlan, error) {
	o.mu.RLock()
	cfg := o.cfg
	o.mu.RUnlock()
	return BuildPlan(preferred, cfg.Providers, cfg.Fallbacks, PlanDefaults{
		DefaultProvider: cfg.DefaultProvider,
		Attempts:        cfg.Attempts,
		Backoff:         cfg.Backoff,
	})
}

// StreamConversation streams the reply to req. Setup errors are returned
// directly; failures after that arrive through the stream. Once a chunk has
// reached the caller the call is never restarted.
func (o *Orchestrator) StreamConversation(ctx context.Context, req Request) (*llm.Stream, error) {
	prompt, err := normalize(req.Messages)
	if err != nil {
		return nil, err
	}
	plan, err := o.Plan(req.PreferredProvider)
	if err != nil {
		return nil, err
	}

	stream, sink := llm.NewStream(ctx, streamBuffer)
	go func() {
		var delivered bool
		err := o.execute(sink.Context(), plan, func(ctx context.Context, m llm.LanguageModel, entry PlanEntry) error {
			var err error
			delivered, err = o.streamAttempt(ctx, sink, m, entry, prompt, req.Options)
			if delivered && err != nil {
				return &deliveredError{err: err}
			}
			return err
		})
		var de *deliveredError
		if errors.As(err, &de) {
			err = de.err
		}
		if err != nil {
			sink.Fail(err)
			return
		}
		sink.Close()
	}()
	return stream, nil
}

// Generate runs req to completion and returns the full response.
func (o *Orchestrator) Generate(ctx context.Context, req Request) (llm.ResponseChunk, error) {
	prompt, err := normalize(req.Messages)
	if err != nil {
		return llm.ResponseChunk{}, err
	}
	plan, err := o.Plan(req.PreferredProvider)
	if err != nil {
		return llm.ResponseChunk{}, err
	}

	var out llm.ResponseChunk
	err = o.execute(ctx, plan, func(ctx context.Context, m llm.LanguageModel, entry PlanEntry) error {
		if t := entry.Descriptor.Timeout; t > 0 {
			actx, cancel := context.WithTimeout(ctx, t)
			defer cancel()
			c, err := m.GenerateText(actx, prompt, req.Options)
			if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return timeoutError(entry, t, err)
			}
			out = c
			return err
		}
		c, err := m.GenerateText(ctx, prompt, req.Options)
		out = c
		return err
	})
	if err != nil {
		return llm.ResponseChunk{}, err
	}
	if ctx.Err() != nil {
		return llm.ResponseChunk{}, llm.NewProviderError("generation cancelled", "", false, ctx.Err())
	}
	return out, nil
}

// GenerateConversationResponse returns the text of the full reply to req.
func (o *Orchestrator) GenerateConversationResponse(ctx context.Context, req Request) (string, error) {
	c, err := o.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	return c.Text(), nil
}

// deliveredError marks a failure after output reached the caller; it ends
// the plan without further attempts.
type deliveredError struct{ err error }

func (e *deliveredError) Error() string { return e.err.Error() }
func (e *deliveredError) Unwrap() error { return e.err }

type attemptFunc func(ctx context.Context, m llm.LanguageModel, entry PlanEntry) error

// execute walks the plan. Retryable provider errors retry the same entry
// after a backoff; every other error moves on to the next entry at once.
// A cancelled ctx ends the walk with a nil error.
func (o *Orchestrator) execute(ctx context.Context, plan RetryPlan, attempt attemptFunc) error {
	var last error
	for _, entry := range plan.Entries {
		key := entry.Descriptor.Key
		log := o.logger.With("provider", key)

		model, err := o.resolve(entry.Descriptor)
		if err != nil {
			last = llm.FromUnknown(err, key, entry.Descriptor.Model, false)
			log.Warn("provider unavailable", "error", err)
			o.recorder.Record(telemetry.Event{Name: telemetry.AttemptError, Provider: key, Error: last.Error()})
			continue
		}

		for n := 1; n <= entry.Attempts; n++ {
			o.recorder.Record(telemetry.Event{Name: telemetry.AttemptStart, Provider: key, Attempt: n})
			start := time.Now()
			err := attempt(ctx, model, entry)
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				o.recorder.Record(telemetry.Event{Name: telemetry.AttemptSuccess, Provider: key, Attempt: n, Duration: time.Since(start)})
				return nil
			}

			var de *deliveredError
			if errors.As(err, &de) {
				last = llm.FromUnknown(de.err, key, entry.Descriptor.Model, false)
				o.recordError(key, n, start, last)
				log.Warn("stream failed after output was delivered", "attempt", n, "error", last)
				return &deliveredError{err: last}
			}

			perr := llm.FromUnknown(err, key, entry.Descriptor.Model, false)
			last = perr
			o.recordError(key, n, start, perr)

			if !perr.Retryable || perr.Kind != llm.KindProvider {
				log.Warn("attempt failed, advancing", "attempt", n, "kind", perr.Kind, "error", perr)
				break
			}
			if n == entry.Attempts {
				log.Warn("attempts exhausted, advancing", "attempts", n, "error", perr)
				break
			}
			wait := delay(plan.Backoff, n, perr.RetryAfter, o.cfg.MaxRetryAfter)
			log.Info("attempt failed, retrying", "attempt", n, "backoff", wait, "error", perr)
			if err := o.sleep(ctx, wait); err != nil {
				return nil
			}
		}
	}

	o.recorder.Record(telemetry.Event{Name: telemetry.PlanExhausted, Error: errString(last)})
	if last == nil {
		return llm.NewConfigurationError("retry plan is empty")
	}
	return last
}

func (o *Orchestrator) recordError(key string, n int, start time.Time, err error) {
	o.recorder.Record(telemetry.Event{
		Name:     telemetry.AttemptError,
		Provider: key,
		Attempt:  n,
		Error:    err.Error(),
		Duration: time.Since(start),
	})
}

// streamAttempt copies one provider stream to sink. delivered reports
// whether any chunk reached the caller. The descriptor timeout applies to
// the gap between chunks.
func (o *Orchestrator) streamAttempt(ctx context.Context, sink *llm.Sink, m llm.LanguageModel, entry PlanEntry, prompt llm.Prompt, opts llm.Options) (delivered bool, err error) {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timedOut atomic.Bool
	timeout := entry.Descriptor.Timeout
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			timedOut.Store(true)
			cancel()
		})
		defer timer.Stop()
	}
	expired := func(cause error) error {
		if timedOut.Load() && ctx.Err() == nil {
			return timeoutError(entry, timeout, cause)
		}
		return cause
	}

	if !entry.Descriptor.Capabilities.Streaming {
		c, err := m.GenerateText(actx, prompt, opts)
		if err != nil {
			return false, expired(err)
		}
		if timedOut.Load() {
			return false, expired(context.DeadlineExceeded)
		}
		if sink.Send(c) != nil {
			return false, nil
		}
		return true, nil
	}

	stream, err := m.StreamText(actx, prompt, opts)
	if err != nil {
		return false, expired(err)
	}
	defer stream.Close()

	finished := false
	for {
		c, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return delivered, expired(err)
		}
		if timer != nil {
			timer.Reset(timeout)
		}
		if sink.Send(c) != nil {
			return delivered, nil
		}
		delivered = true
		if c.IsFinal() {
			finished = true
			break
		}
	}
	if ctx.Err() != nil {
		return delivered, nil
	}
	if timedOut.Load() {
		return delivered, expired(context.DeadlineExceeded)
	}
	if !finished {
		if sink.Send(llm.NewChunk(llm.SimpleChunk{FinishReason: llm.FinishReasonUnknown})) == nil {
			delivered = true
		}
	}
	return delivered, nil
}

func timeoutError(entry PlanEntry, d time.Duration, cause error) error {
	return llm.NewProviderError(
		fmt.Sprintf("attempt timed out after %s", d),
		entry.Descriptor.Key, true, cause, llm.WithModel(entry.Descriptor.Model),
	)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
