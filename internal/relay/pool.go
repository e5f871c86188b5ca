package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/gencore/internal/nostr"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	subBuffer        = 64
	// maxPending bounds the events queued for a subscription whose
	// consumer is not keeping up; beyond it events are dropped.
	maxPending = 4096
)

var errConnClosed = errors.New("relay connection closed")

// Pool keeps one websocket per relay URL and multiplexes publishes and
// subscriptions of many concurrent jobs over it.
type Pool struct {
	dialer *websocket.Dialer
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*conn
	dials singleflight.Group
}

// PoolOption configures a Pool.
type PoolOption func(*Pool) error

// WithSOCKS5 routes relay connections through a SOCKS5 proxy (e.g. Tor at
// 127.0.0.1:9050).
func WithSOCKS5(addr string) PoolOption {
	return func(p *Pool) error {
		d, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
		if err != nil {
			return fmt.Errorf("configuring socks5 proxy %s: %w", addr, err)
		}
		if cd, ok := d.(proxy.ContextDialer); ok {
			p.dialer.NetDialContext = cd.DialContext
		} else {
			p.dialer.NetDial = d.Dial
		}
		return nil
	}
}

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) error {
		p.logger = l
		return nil
	}
}

// NewPool creates an empty pool. Connections are dialed lazily.
func NewPool(opts ...PoolOption) (*Pool, error) {
	p := &Pool{
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		logger: slog.Default(),
		conns:  make(map[string]*conn),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Publish sends ev to one relay and waits for its OK acknowledgement.
func (p *Pool) Publish(ctx context.Context, relayURL string, ev *nostr.Event) error {
	c, err := p.connect(ctx, relayURL)
	if err != nil {
		return err
	}
	return c.publish(ctx, ev)
}

// Subscribe opens one subscription across relays. It succeeds if at least
// one relay accepted the REQ.
func (p *Pool) Subscribe(ctx context.Context, relays []string, f nostr.Filter) (nostr.Subscription, error) {
	if len(relays) == 0 {
		return nil, errors.New("no relays to subscribe on")
	}

	conns := make([]*conn, len(relays))
	errs := make([]error, len(relays))
	var g errgroup.Group
	for i, url := range relays {
		g.Go(func() error {
			conns[i], errs[i] = p.connect(ctx, url)
			return nil
		})
	}
	_ = g.Wait()

	s := newSubscription(uuid.NewString(), f, p.logger)
	for i, c := range conns {
		if c != nil {
			s.conns[relays[i]] = c
		}
	}
	live := 0
	for i, c := range conns {
		if c == nil {
			p.logger.Warn("relay unavailable for subscription", "relay", relays[i], "error", errs[i])
			continue
		}
		if err := c.subscribe(s); err != nil {
			errs[i] = err
			p.logger.Warn("subscribing on relay failed", "relay", relays[i], "error", err)
			s.relayGone(relays[i])
			continue
		}
		live++
	}
	if live == 0 {
		s.Close()
		return nil, fmt.Errorf("subscribing on %d relays: %w", len(relays), errors.Join(errs...))
	}
	return s, nil
}

// Close disconnects every relay.
func (p *Pool) Close() error {
	p.mu.Lock()
	conns := make([]*conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()
	for _, c := range conns {
		c.shutdown()
	}
	return nil
}

func (p *Pool) connect(ctx context.Context, url string) (*conn, error) {
	if c := p.lookup(url); c != nil {
		return c, nil
	}
	v, err, _ := p.dials.Do(url, func() (any, error) {
		if c := p.lookup(url); c != nil {
			return c, nil
		}
		ws, _, err := p.dialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("dialing relay %s: %w", url, err)
		}
		c := &conn{
			url:    url,
			ws:     ws,
			logger: p.logger.With("relay", url),
			subs:   make(map[string]*subscription),
			acks:   make(map[string]chan envelope),
			done:   make(chan struct{}),
		}
		c.onClose = func() { p.forget(url, c) }

		p.mu.Lock()
		p.conns[url] = c
		p.mu.Unlock()

		go c.readLoop()
		p.logger.Debug("relay connected", "relay", url)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*conn), nil
}

func (p *Pool) lookup(url string) *conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[url]; ok && !c.isClosed() {
		return c
	}
	return nil
}

func (p *Pool) forget(url string, c *conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[url] == c {
		delete(p.conns, url)
	}
}

// conn is a single relay connection.
type conn struct {
	url     string
	ws      *websocket.Conn
	logger  *slog.Logger
	onClose func()

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[string]*subscription
	acks   map[string]chan envelope
	closed bool
	done   chan struct{}
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) readLoop() {
	defer c.shutdown()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.logger.Debug("relay read ended", "error", err)
			return
		}
		env, err := decodeEnvelope(data)
		if err != nil {
			c.logger.Debug("dropping relay message", "error", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *conn) dispatch(env envelope) {
	switch env.Label {
	case labelEvent:
		c.mu.Lock()
		s := c.subs[env.SubID]
		c.mu.Unlock()
		if s != nil {
			s.deliver(nostr.IncomingEvent{Relay: c.url, Event: env.Event})
		}
	case labelOK:
		c.mu.Lock()
		ch := c.acks[env.EventID]
		delete(c.acks, env.EventID)
		c.mu.Unlock()
		if ch != nil {
			ch <- env
		}
	case labelEOSE:
		c.logger.Debug("end of stored events", "sub", env.SubID)
	case labelNotice:
		c.logger.Warn("relay notice", "message", env.Message)
	case labelClosed:
		c.mu.Lock()
		s := c.subs[env.SubID]
		delete(c.subs, env.SubID)
		c.mu.Unlock()
		c.logger.Warn("relay closed subscription", "sub", env.SubID, "message", env.Message)
		if s != nil {
			s.relayGone(c.url)
		}
	}
}

func (c *conn) publish(ctx context.Context, ev *nostr.Event) error {
	data, err := encodeEvent(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	ch := make(chan envelope, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errConnClosed
	}
	c.acks[ev.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.acks[ev.ID] == ch {
			delete(c.acks, ev.ID)
		}
		c.mu.Unlock()
	}()

	if err := c.write(data); err != nil {
		c.shutdown()
		return fmt.Errorf("writing to relay %s: %w", c.url, err)
	}

	select {
	case env := <-ch:
		if !env.OK {
			return fmt.Errorf("relay %s rejected event: %s", c.url, env.Message)
		}
		return nil
	case <-c.done:
		return fmt.Errorf("relay %s disconnected before acknowledging", c.url)
	case <-ctx.Done():
		return fmt.Errorf("waiting for relay %s: %w", c.url, ctx.Err())
	}
}

func (c *conn) subscribe(s *subscription) error {
	data, err := encodeReq(s.id, s.filter)
	if err != nil {
		return fmt.Errorf("encoding filter: %w", err)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errConnClosed
	}
	c.subs[s.id] = s
	c.mu.Unlock()

	if err := c.write(data); err != nil {
		c.mu.Lock()
		delete(c.subs, s.id)
		c.mu.Unlock()
		return fmt.Errorf("writing REQ to relay %s: %w", c.url, err)
	}
	return nil
}

func (c *conn) unsubscribe(id string) {
	c.mu.Lock()
	_, ok := c.subs[id]
	delete(c.subs, id)
	closed := c.closed
	c.mu.Unlock()
	if !ok || closed {
		return
	}
	data, err := encodeClose(id)
	if err != nil {
		return
	}
	if err := c.write(data); err != nil {
		c.logger.Debug("sending CLOSE failed", "sub", id, "error", err)
	}
}

func (c *conn) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	subs := c.subs
	c.subs = make(map[string]*subscription)
	c.acks = make(map[string]chan envelope)
	c.mu.Unlock()

	_ = c.ws.Close()
	if c.onClose != nil {
		c.onClose()
	}
	for _, s := range subs {
		s.relayGone(c.url)
	}
}

// subscription fans events from several relay connections into one channel.
// Relay read loops only append to queue; forward moves events to the
// consumer, so a slow consumer never stalls a shared connection.
type subscription struct {
	id     string
	filter nostr.Filter
	logger *slog.Logger
	events chan nostr.IncomingEvent
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	closed  bool
	conns   map[string]*conn
	queue   []nostr.IncomingEvent
	dropped int
}

func newSubscription(id string, f nostr.Filter, logger *slog.Logger) *subscription {
	s := &subscription{
		id:     id,
		filter: f,
		logger: logger.With("sub", id),
		events: make(chan nostr.IncomingEvent, subBuffer),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		conns:  make(map[string]*conn),
	}
	go s.forward()
	return s
}

func (s *subscription) Events() <-chan nostr.IncomingEvent { return s.events }

// deliver queues a matching event without blocking.
func (s *subscription) deliver(in nostr.IncomingEvent) {
	if !s.filter.Matches(in.Event) {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= maxPending {
		s.dropped++
		dropped := s.dropped
		s.mu.Unlock()
		s.logger.Warn("subscription consumer too slow, dropping event", "relay", in.Relay, "dropped", dropped)
		return
	}
	s.queue = append(s.queue, in)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) forward() {
	defer close(s.events)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, in := range batch {
			select {
			case s.events <- in:
			case <-s.done:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

// relayGone removes a relay; the subscription closes when none are left.
func (s *subscription) relayGone(url string) {
	s.mu.Lock()
	delete(s.conns, url)
	empty := len(s.conns) == 0 && !s.closed
	s.mu.Unlock()
	if empty {
		s.Close()
	}
}

func (s *subscription) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		conns := s.conns
		s.conns = nil
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
		for _, c := range conns {
			c.unsubscribe(s.id)
		}
	})
}
