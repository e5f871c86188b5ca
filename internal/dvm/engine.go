package dvm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/gencore/internal/llm"
	"github.com/kalambet/gencore/internal/nostr"
	"github.com/kalambet/gencore/internal/telemetry"
)

const (
	defaultJobTimeout     = 60 * time.Second
	defaultPublishTimeout = 10 * time.Second
	streamBuffer          = 16
)

// Transport publishes events to relays and subscribes to them.
type Transport interface {
	Publish(ctx context.Context, relay string, ev *nostr.Event) error
	Subscribe(ctx context.Context, relays []string, f nostr.Filter) (nostr.Subscription, error)
}

// Wallet pays Lightning invoices requested by service providers.
type Wallet interface {
	PayInvoice(ctx context.Context, bolt11 string, amountMsats int64) error
}

// State is the lifecycle stage of a job.
type State int

const (
	StateCreated State = iota
	StatePublished
	StateAwaitingFeedback
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StatePublished:
		return "published"
	case StateAwaitingFeedback:
		return "awaiting_feedback"
	case StateTerminal:
		return "terminal"
	}
	return "unknown"
}

// Engine submits jobs and follows them to completion. It is safe for
// concurrent use; every job owns its subscription and identity.
type Engine struct {
	transport      Transport
	cipher         nostr.Cipher
	wallet         Wallet
	recorder       telemetry.Recorder
	logger         *slog.Logger
	jobTimeout     time.Duration
	publishTimeout time.Duration
	now            func() time.Time
}

type Option func(*Engine)

func WithCipher(c nostr.Cipher) Option { return func(e *Engine) { e.cipher = c } }

func WithWallet(w Wallet) Option { return func(e *Engine) { e.wallet = w } }

func WithRecorder(r telemetry.Recorder) Option { return func(e *Engine) { e.recorder = r } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithJobTimeout sets the default idle timeout between job events.
func WithJobTimeout(d time.Duration) Option { return func(e *Engine) { e.jobTimeout = d } }

// WithPublishTimeout bounds how long a single relay may take to acknowledge
// the request.
func WithPublishTimeout(d time.Duration) Option { return func(e *Engine) { e.publishTimeout = d } }

func NewEngine(t Transport, opts ...Option) *Engine {
	e := &Engine{
		transport:      t,
		cipher:         nostr.NIP04{},
		recorder:       telemetry.Nop{},
		logger:         slog.Default(),
		jobTimeout:     defaultJobTimeout,
		publishTimeout: defaultPublishTimeout,
		now:            time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewRequest validates spec and builds the signed job request.
func (e *Engine) NewRequest(spec RequestSpec) (*JobRequest, error) {
	cfgErr := func(msg string) error {
		err := llm.NewConfigurationError(msg)
		err.Provider = spec.Provider
		return err
	}
	if len(spec.Relays) == 0 {
		return nil, cfgErr("no relays configured")
	}
	if spec.Input == "" {
		return nil, cfgErr("job input is empty")
	}
	if spec.Encrypt && spec.Target == "" {
		return nil, cfgErr("encrypted jobs require a target provider public key")
	}
	if spec.Kind == 0 {
		spec.Kind = KindTextGeneration
	}
	if spec.Output == "" {
		spec.Output = "text/plain"
	}
	if spec.Timeout <= 0 {
		spec.Timeout = e.jobTimeout
	}

	keys := spec.Identity
	if keys == nil {
		var err error
		if keys, err = nostr.GenerateKeys(); err != nil {
			return nil, llm.NewProviderError("generating job identity", spec.Provider, false, err)
		}
	}

	createdAt := e.now()
	ev, err := e.buildEvent(spec, keys, createdAt)
	if err != nil {
		return nil, llm.NewProviderError("building job request", spec.Provider, false, err)
	}

	return &JobRequest{
		ID:        ev.ID,
		Provider:  spec.Provider,
		Requester: keys,
		Target:    spec.Target,
		Kind:      spec.Kind,
		Input:     spec.Input,
		Output:    spec.Output,
		Params:    append([]Param(nil), spec.Params...),
		Relays:    append([]string(nil), spec.Relays...),
		Encrypted: spec.Encrypt,
		CreatedAt: createdAt,
		Timeout:   spec.Timeout,
		event:     ev,
	}, nil
}

// Submit builds, publishes and follows a job.
func (e *Engine) Submit(ctx context.Context, spec RequestSpec) (*llm.Stream, error) {
	req, err := e.NewRequest(spec)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, req)
}

// Execute publishes req to its relays, opens the job subscription and
// returns the stream of job output. The stream ends after the first result,
// a job error, the idle timeout, or cancellation of ctx or the stream.
func (e *Engine) Execute(ctx context.Context, req *JobRequest) (*llm.Stream, error) {
	j := &job{engine: e, req: req, seen: make(map[string]struct{}), state: StateCreated}
	j.log = e.logger.With("job_id", req.ID, "provider", req.Provider)

	if err := j.publish(ctx); err != nil {
		return nil, err
	}

	sub, err := e.transport.Subscribe(ctx, req.Relays, nostr.Filter{
		Kinds: []int{req.ResultKind(), KindFeedback},
		Tags:  map[string][]string{"e": {req.ID}},
	})
	if err != nil {
		return nil, llm.NewProviderError("subscribing to job events", req.Provider, true, err, llm.WithJobID(req.ID))
	}
	j.setState(StateAwaitingFeedback)

	stream, sink := llm.NewStream(ctx, streamBuffer)
	j.sub, j.sink = sub, sink
	go j.run()
	return stream, nil
}

type job struct {
	engine *Engine
	req    *JobRequest
	log    *slog.Logger
	sub    nostr.Subscription
	sink   *llm.Sink
	seen   map[string]struct{}
	state  State
	paid   bool
}

func (j *job) setState(s State) {
	j.log.Debug("job state", "from", j.state, "to", s)
	j.state = s
}

func (j *job) record(name string, mod func(*telemetry.Event)) {
	ev := telemetry.Event{Name: name, Provider: j.req.Provider, JobID: j.req.ID}
	if mod != nil {
		mod(&ev)
	}
	j.engine.recorder.Record(ev)
}

// publish fans the request out to every relay concurrently and returns as
// soon as one relay accepts it. The remaining publishes finish in the
// background under their own timeout; their failures are still recorded.
func (j *job) publish(ctx context.Context) error {
	e := j.engine
	errs := make([]error, len(j.req.Relays))
	accepted := make(chan string, 1)

	var g errgroup.Group
	for i, relay := range j.req.Relays {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, e.publishTimeout)
			defer cancel()
			ev := j.req.Event()
			if err := e.transport.Publish(pctx, relay, &ev); err != nil {
				errs[i] = fmt.Errorf("%s: %w", relay, err)
				j.log.Warn("publishing job request failed", "relay", relay, "error", err)
				j.record(telemetry.RelayPublishErr, func(t *telemetry.Event) {
					t.Relay = relay
					t.Error = err.Error()
				})
				return nil
			}
			select {
			case accepted <- relay:
			default:
			}
			return nil
		})
	}
	finished := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(finished)
	}()

	var first string
	select {
	case first = <-accepted:
	case <-finished:
		select {
		case first = <-accepted:
		default:
		}
	case <-ctx.Done():
	}

	if first == "" {
		if ctx.Err() != nil {
			return llm.NewProviderError("job cancelled before publish", j.req.Provider, false, ctx.Err(), llm.WithJobID(j.req.ID))
		}
		return llm.NewProviderError(
			fmt.Sprintf("publishing job request failed on all %d relays", len(j.req.Relays)),
			j.req.Provider, true, errors.Join(errs...), llm.WithJobID(j.req.ID),
		)
	}
	j.setState(StatePublished)
	j.record(telemetry.JobPublished, func(t *telemetry.Event) { t.Relay = first })
	j.log.Info("job published", "relay", first, "relays", len(j.req.Relays))
	return nil
}

func (j *job) run() {
	defer j.sub.Close()
	defer j.sink.Close()

	ctx := j.sink.Context()
	timer := time.NewTimer(j.req.Timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			j.setState(StateTerminal)
			j.record(telemetry.JobCancelled, nil)
			return
		case <-timer.C:
			j.fail(llm.NewProviderError(
				fmt.Sprintf("no job events within %s", j.req.Timeout),
				j.req.Provider, true, context.DeadlineExceeded, llm.WithJobID(j.req.ID),
			))
			return
		case in, ok := <-j.sub.Events():
			if !ok {
				j.fail(llm.NewProviderError("job subscription closed by all relays", j.req.Provider, true, nil, llm.WithJobID(j.req.ID)))
				return
			}
			accepted, done := j.handle(ctx, in)
			if done {
				return
			}
			if accepted {
				timer.Reset(j.req.Timeout)
			}
		}
	}
}

func (j *job) fail(err *llm.Error) {
	j.setState(StateTerminal)
	j.record(telemetry.JobFailed, func(t *telemetry.Event) { t.Error = err.Error() })
	j.sink.Fail(err)
}

func (j *job) drop(in nostr.IncomingEvent, reason string, err error) {
	attrs := []any{"relay", in.Relay, "reason", reason}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	j.log.Warn("dropping job event", attrs...)
	j.record(telemetry.MessageDropped, func(t *telemetry.Event) {
		t.Relay = in.Relay
		t.Error = reason
	})
}

// handle processes one incoming event. accepted reports whether the event
// was a valid event for this job; done reports that the job is terminal.
func (j *job) handle(ctx context.Context, in nostr.IncomingEvent) (accepted, done bool) {
	ev := in.Event
	if ev == nil {
		return false, false
	}
	if _, dup := j.seen[ev.ID]; dup {
		return false, false
	}
	if err := ev.Verify(); err != nil {
		j.drop(in, "invalid event", err)
		return false, false
	}
	j.seen[ev.ID] = struct{}{}

	if j.req.Target != "" && ev.PubKey != j.req.Target {
		j.drop(in, "event not from target provider", nil)
		return false, false
	}
	if ref, _ := ev.Tags.Find("e"); ref.Value() != j.req.ID {
		j.drop(in, "event does not reference job", nil)
		return false, false
	}

	content, err := j.content(ev)
	if err != nil {
		j.drop(in, "undecryptable payload", err)
		return false, false
	}

	switch ev.Kind {
	case j.req.ResultKind():
		return true, j.result(in, content)
	case KindFeedback:
		return true, j.feedback(ctx, in, content)
	default:
		j.drop(in, "unexpected kind "+strconv.Itoa(ev.Kind), nil)
		return false, false
	}
}

func (j *job) content(ev *nostr.Event) (string, error) {
	if _, enc := ev.Tags.Find("encrypted"); !enc {
		return ev.Content, nil
	}
	if ev.Content == "" {
		return "", nil
	}
	return j.engine.cipher.Decrypt(j.req.Requester, ev.PubKey, ev.Content)
}

func (j *job) result(in nostr.IncomingEvent, content string) bool {
	j.setState(StateTerminal)
	j.record(telemetry.JobResult, func(t *telemetry.Event) {
		t.Relay = in.Relay
		t.Duration = time.Since(j.req.CreatedAt)
	})
	_ = j.sink.Send(llm.NewChunk(llm.SimpleChunk{Text: content, FinishReason: llm.FinishReasonStop}))
	return true
}

func (j *job) feedback(ctx context.Context, in nostr.IncomingEvent, content string) bool {
	status, _ := in.Event.Tags.Find("status")
	switch status.Value() {
	case StatusPartial:
		if content == "" {
			return false
		}
		return j.sink.Send(llm.Fragment(content)) != nil
	case StatusError:
		msg := content
		if msg == "" && len(status) > 2 {
			msg = status[2]
		}
		if msg == "" {
			msg = "service provider reported an error"
		}
		perr := llm.NewProtocolError(msg, j.req.ID, nil)
		perr.Provider = j.req.Provider
		j.fail(perr)
		return true
	case StatusSuccess, StatusProcessing:
		return false
	case StatusPaymentRequired:
		return j.pay(ctx, in)
	default:
		j.drop(in, "unknown feedback status "+strconv.Quote(status.Value()), nil)
		return false
	}
}

// pay settles the first payment request of the job through the wallet.
func (j *job) pay(ctx context.Context, in nostr.IncomingEvent) bool {
	if j.paid {
		return false
	}
	amount, _ := in.Event.Tags.Find("amount")
	if len(amount) < 3 || amount[2] == "" {
		j.drop(in, "payment request without invoice", nil)
		return false
	}
	msats, err := strconv.ParseInt(amount.Value(), 10, 64)
	if err != nil {
		j.drop(in, "payment request with invalid amount", err)
		return false
	}
	if j.engine.wallet == nil {
		j.fail(llm.NewProviderError(
			fmt.Sprintf("service provider requires payment of %d msats and no wallet is configured", msats),
			j.req.Provider, false, nil, llm.WithJobID(j.req.ID),
		))
		return true
	}
	if err := j.engine.wallet.PayInvoice(ctx, amount[2], msats); err != nil {
		if ctx.Err() != nil {
			return true
		}
		j.fail(llm.NewProviderError("paying job invoice", j.req.Provider, false, err, llm.WithJobID(j.req.ID)))
		return true
	}
	j.paid = true
	j.record(telemetry.PaymentSent, func(t *telemetry.Event) { t.Relay = in.Relay })
	return false
}
