package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/kalambet/gencore/internal/nostr"
)

const (
	redisPrefix = "gencore:relay:"
	// historySize is how many recent events each relay channel retains so a
	// subscription opened after a publish still sees the reply.
	historySize = 500
)

// RedisBus carries events over Redis pub/sub. Each relay name maps to a
// channel plus a short event history list.
type RedisBus struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisBus connects to the Redis server at url (redis://host:port/db).
func NewRedisBus(url string, logger *slog.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{client: redis.NewClient(opts), logger: logger}, nil
}

// Ping checks connectivity.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Close() error { return b.client.Close() }

func channelName(relay string) string { return redisPrefix + relay }
func historyKey(relay string) string  { return redisPrefix + relay + ":history" }

// Publish appends ev to the relay history and broadcasts it.
func (b *RedisBus) Publish(ctx context.Context, relay string, ev *nostr.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, historyKey(relay), data)
		pipe.LTrim(ctx, historyKey(relay), -historySize, -1)
		pipe.Publish(ctx, channelName(relay), data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", relay, err)
	}
	return nil
}

// Subscribe listens on every relay channel, replaying matching history
// first. Replayed and live copies of the same event may both be delivered.
func (b *RedisBus) Subscribe(ctx context.Context, relays []string, f nostr.Filter) (nostr.Subscription, error) {
	if len(relays) == 0 {
		return nil, errors.New("no relays to subscribe on")
	}
	channels := make([]string, len(relays))
	byChannel := make(map[string]string, len(relays))
	for i, r := range relays {
		channels[i] = channelName(r)
		byChannel[channels[i]] = r
	}

	ps := b.client.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribing to %d relays: %w", len(relays), err)
	}

	s := &redisSubscription{
		ps:     ps,
		events: make(chan nostr.IncomingEvent, subBuffer),
		done:   make(chan struct{}),
	}

	var history []nostr.IncomingEvent
	for _, r := range relays {
		items, err := b.client.LRange(ctx, historyKey(r), 0, -1).Result()
		if err != nil {
			b.logger.Warn("reading relay history failed", "relay", r, "error", err)
			continue
		}
		for _, item := range items {
			if ev := b.decode(item, f); ev != nil {
				history = append(history, nostr.IncomingEvent{Relay: r, Event: ev})
			}
		}
	}

	go s.run(ps.Channel(), history, func(msg *redis.Message) (nostr.IncomingEvent, bool) {
		ev := b.decode(msg.Payload, f)
		if ev == nil {
			return nostr.IncomingEvent{}, false
		}
		return nostr.IncomingEvent{Relay: byChannel[msg.Channel], Event: ev}, true
	})
	return s, nil
}

func (b *RedisBus) decode(payload string, f nostr.Filter) *nostr.Event {
	var ev nostr.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		b.logger.Debug("dropping undecodable bus message", "error", err)
		return nil
	}
	if !f.Matches(&ev) {
		return nil
	}
	return &ev
}

type redisSubscription struct {
	ps     *redis.PubSub
	events chan nostr.IncomingEvent
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) Events() <-chan nostr.IncomingEvent { return s.events }

func (s *redisSubscription) run(msgs <-chan *redis.Message, history []nostr.IncomingEvent, convert func(*redis.Message) (nostr.IncomingEvent, bool)) {
	defer close(s.events)
	for _, in := range history {
		select {
		case s.events <- in:
		case <-s.done:
			return
		}
	}
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			in, ok := convert(msg)
			if !ok {
				continue
			}
			select {
			case s.events <- in:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.ps.Close()
	})
}
