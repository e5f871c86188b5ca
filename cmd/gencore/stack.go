package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/kalambet/gencore/internal/config"
	"github.com/kalambet/gencore/internal/dvm"
	"github.com/kalambet/gencore/internal/llm"
	"github.com/kalambet/gencore/internal/nostr"
	"github.com/kalambet/gencore/internal/orchestrator"
	"github.com/kalambet/gencore/internal/provider"
	"github.com/kalambet/gencore/internal/relay"
	"github.com/kalambet/gencore/internal/storage"
	"github.com/kalambet/gencore/internal/telemetry"
)

// stack is the in-process generation stack shared by serve and ask.
type stack struct {
	cfg       config.Config
	orch      *orchestrator.Orchestrator
	providers *config.Providers

	store    *storage.Store
	recorder *telemetry.StoreRecorder

	transport io.Closer
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(logOutput, &slog.HandlerOptions{Level: lvl})))
}

func newTransport(cfg config.NostrConfig, logger *slog.Logger) (dvm.Transport, io.Closer, error) {
	if cfg.RedisURL != "" {
		bus, err := relay.NewRedisBus(cfg.RedisURL, logger)
		if err != nil {
			return nil, nil, err
		}
		return bus, bus, nil
	}
	opts := []relay.PoolOption{relay.WithLogger(logger)}
	if cfg.SOCKSProxy != "" {
		opts = append(opts, relay.WithSOCKS5(cfg.SOCKSProxy))
	}
	pool, err := relay.NewPool(opts...)
	if err != nil {
		return nil, nil, err
	}
	return pool, pool, nil
}

// newStack builds the orchestrator and everything behind it. Call start
// before use and Close when done.
func newStack(cfg config.Config) (*stack, error) {
	logger := slog.Default()
	rt := &stack{cfg: cfg}

	recorders := telemetry.Multi{telemetry.NewLogger(logger)}
	if cfg.Telemetry.Persist {
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		rt.store = store
		rt.recorder = telemetry.NewStoreRecorder(store, 0, cfg.Telemetry.Retention)
		recorders = append(recorders, rt.recorder)
	}

	transport, closer, err := newTransport(cfg.Nostr, logger)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("creating relay transport: %w", err)
	}
	rt.transport = closer

	var identity *nostr.Keys
	if cfg.Nostr.SecretKey != "" {
		identity, err = nostr.KeysFromHex(cfg.Nostr.SecretKey)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("nostr.secret_key: %w", err)
		}
	}

	jobs := dvm.NewEngine(transport,
		dvm.WithRecorder(recorders),
		dvm.WithLogger(logger),
		dvm.WithJobTimeout(cfg.Nostr.JobTimeout),
		dvm.WithPublishTimeout(cfg.Nostr.PublishTimeout),
	)

	providers, err := config.LoadProviders(cfg, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.providers = providers

	deps := provider.Deps{
		OllamaBaseURL: cfg.Ollama.BaseURL,
		RemoteBaseURL: cfg.Remote.BaseURL,
		RemoteAPIKey:  cfg.Remote.APIKey,
		DefaultModel:  cfg.Remote.DefaultModel,
		Jobs:          jobs,
		Relays:        cfg.Nostr.Relays,
		Identity:      identity,
		Encrypt:       cfg.Nostr.Encrypt,
	}
	rt.orch = orchestrator.New(orchestrator.Config{
		Providers:       providers.List(),
		Fallbacks:       cfg.Orchestrator.Fallbacks,
		DefaultProvider: cfg.Orchestrator.DefaultProvider,
		Attempts:        cfg.Orchestrator.Attempts,
		Backoff: orchestrator.ExponentialBackoff{
			Base:   cfg.Orchestrator.BackoffBase,
			Max:    cfg.Orchestrator.BackoffMax,
			Jitter: 0.2,
		},
	}, func(d provider.Descriptor) (llm.LanguageModel, error) {
		return provider.New(d, deps)
	},
		orchestrator.WithRecorder(recorders),
		orchestrator.WithLogger(logger),
	)
	providers.OnChange(rt.orch.SetProviders)
	return rt, nil
}

// start launches the telemetry writer and, when watch is set, the
// providers file watcher.
func (rt *stack) start(ctx context.Context, watch bool) {
	ctx, rt.cancel = context.WithCancel(ctx)
	if rt.recorder != nil {
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			rt.recorder.Run(ctx)
		}()
	}
	if watch {
		rt.providers.Watch()
	}
}

// Close flushes telemetry and releases the store and relay connections.
func (rt *stack) Close() error {
	if rt.cancel != nil {
		rt.cancel()
	}
	rt.wg.Wait()

	var errs []error
	if rt.transport != nil {
		errs = append(errs, rt.transport.Close())
	}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	return errors.Join(errs...)
}
