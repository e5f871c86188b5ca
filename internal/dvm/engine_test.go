package dvm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/gencore/internal/llm"
	"github.com/kalambet/gencore/internal/nostr"
	"github.com/kalambet/gencore/internal/telemetry"
)

// --- fakes ---

type fakeSub struct {
	mu     sync.Mutex
	events chan nostr.IncomingEvent
	closed bool
	filter nostr.Filter
	relays []string
}

func (s *fakeSub) Events() <-chan nostr.IncomingEvent { return s.events }

func (s *fakeSub) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSub) push(relay string, ev *nostr.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.events <- nostr.IncomingEvent{Relay: relay, Event: ev}
	}
}

type fakeTransport struct {
	mu        sync.Mutex
	fail      map[string]error
	block     map[string]bool
	published map[string]*nostr.Event
	subs      []*fakeSub
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{fail: make(map[string]error), block: make(map[string]bool), published: make(map[string]*nostr.Event)}
}

// Publish blocks until ctx ends for relays marked in block.
func (f *fakeTransport) Publish(ctx context.Context, relay string, ev *nostr.Event) error {
	f.mu.Lock()
	blocked := f.block[relay]
	f.mu.Unlock()
	if blocked {
		<-ctx.Done()
		return ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[relay]; err != nil {
		return err
	}
	f.published[relay] = ev
	return nil
}

func (f *fakeTransport) Subscribe(_ context.Context, relays []string, filter nostr.Filter) (nostr.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSub{events: make(chan nostr.IncomingEvent, 64), filter: filter, relays: relays}
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *fakeTransport) isPublished(relay string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.published[relay]
	return ok
}

func (f *fakeTransport) lastSub(t *testing.T) *fakeSub {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		t.Fatal("no subscription opened")
	}
	return f.subs[len(f.subs)-1]
}

type memRecorder struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (m *memRecorder) Record(e telemetry.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

// waitCount waits until name has been recorded want times.
func (m *memRecorder) waitCount(t *testing.T, name string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.count(name) != want {
		if time.Now().After(deadline) {
			t.Fatalf("recorded %d %s events, want %d", m.count(name), name, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (m *memRecorder) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Name == name {
			n++
		}
	}
	return n
}

type fakeWallet struct {
	mu       sync.Mutex
	invoices []string
	err      error
}

func (w *fakeWallet) PayInvoice(_ context.Context, bolt11 string, _ int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.invoices = append(w.invoices, bolt11)
	return w.err
}

// serviceProvider signs feedback and results the way a DVM would.
type serviceProvider struct {
	t    *testing.T
	keys *nostr.Keys
}

func newServiceProvider(t *testing.T) *serviceProvider {
	t.Helper()
	k, err := nostr.GenerateKeys()
	if err != nil {
		t.Fatal(err)
	}
	return &serviceProvider{t: t, keys: k}
}

func (p *serviceProvider) sign(ev *nostr.Event) *nostr.Event {
	p.t.Helper()
	if ev.CreatedAt == 0 {
		ev.CreatedAt = nostr.Now()
	}
	if err := p.keys.Sign(ev); err != nil {
		p.t.Fatal(err)
	}
	return ev
}

func (p *serviceProvider) feedback(req *JobRequest, status, content string, extra ...nostr.Tag) *nostr.Event {
	tags := nostr.Tags{{"status", status}, {"e", req.ID}, {"p", req.Requester.PublicKey()}}
	tags = append(tags, extra...)
	return p.sign(&nostr.Event{Kind: KindFeedback, Tags: tags, Content: content})
}

func (p *serviceProvider) result(req *JobRequest, content string) *nostr.Event {
	return p.sign(&nostr.Event{
		Kind:    req.ResultKind(),
		Tags:    nostr.Tags{{"e", req.ID}, {"p", req.Requester.PublicKey()}},
		Content: content,
	})
}

// --- helpers ---

func newTestEngine(tr Transport, opts ...Option) *Engine {
	opts = append([]Option{WithJobTimeout(2 * time.Second), WithPublishTimeout(time.Second)}, opts...)
	return NewEngine(tr, opts...)
}

func testSpec(relays ...string) RequestSpec {
	if len(relays) == 0 {
		relays = []string{"wss://r1"}
	}
	return RequestSpec{Provider: "dvm", Input: "Say hi", Params: []Param{{"model", "llama3"}}, Relays: relays}
}

func start(t *testing.T, e *Engine, spec RequestSpec) (*JobRequest, *llm.Stream) {
	t.Helper()
	req, err := e.NewRequest(spec)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	s, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return req, s
}

type recvResult struct {
	chunk llm.ResponseChunk
	err   error
}

func recv(t *testing.T, s *llm.Stream) (llm.ResponseChunk, error) {
	t.Helper()
	ch := make(chan recvResult, 1)
	go func() {
		c, err := s.Recv()
		ch <- recvResult{c, err}
	}()
	select {
	case r := <-ch:
		return r.chunk, r.err
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for stream")
	}
	return llm.ResponseChunk{}, nil
}

func waitClosed(t *testing.T, s *fakeSub) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !s.isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("subscription was not closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// --- request building ---

func TestNewRequest_DeterministicAndUniqueID(t *testing.T) {
	identity, err := nostr.GenerateKeys()
	if err != nil {
		t.Fatal(err)
	}
	fixed := time.Unix(1700000000, 0)
	e := newTestEngine(newFakeTransport())
	e.now = func() time.Time { return fixed }

	spec := testSpec()
	spec.Identity = identity
	a, err := e.NewRequest(spec)
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.NewRequest(spec)
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID {
		t.Errorf("identical signed content gave ids %s and %s", a.ID, b.ID)
	}
	ev := a.Event()
	if ev.ComputeID() != a.ID {
		t.Error("id is not derived from the signed content")
	}

	spec.Input = "Say bye"
	c, _ := e.NewRequest(spec)
	if c.ID == a.ID {
		t.Error("different input produced the same id")
	}

	spec.Identity = nil
	d1, _ := e.NewRequest(spec)
	d2, _ := e.NewRequest(spec)
	if d1.ID == d2.ID || d1.Requester.PublicKey() == d2.Requester.PublicKey() {
		t.Error("ephemeral identities must differ per job")
	}
}

func TestNewRequest_Tags(t *testing.T) {
	target := newServiceProvider(t)
	e := newTestEngine(newFakeTransport())
	temp := 0.7
	spec := RequestSpec{
		Provider: "dvm",
		Target:   target.keys.PublicKey(),
		Input:    "hello",
		Params:   ParamsFromOptions("llama3", llm.Options{Temperature: &temp, MaxTokens: 128}),
		Relays:   []string{"wss://a", "wss://b"},
	}
	req, err := e.NewRequest(spec)
	if err != nil {
		t.Fatal(err)
	}
	ev := req.Event()
	if ev.Kind != KindTextGeneration {
		t.Errorf("kind = %d", ev.Kind)
	}
	if err := ev.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}

	var got []string
	for _, tag := range ev.Tags {
		got = append(got, strings.Join(tag, "|"))
	}
	want := []string{
		"i|hello|text",
		"param|model|llama3",
		"param|temperature|0.7",
		"param|max_tokens|128",
		"output|text/plain",
		"relays|wss://a|wss://b",
		"p|" + target.keys.PublicKey(),
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("tags = %v\nwant %v", got, want)
	}
}

func TestNewRequest_Validation(t *testing.T) {
	e := newTestEngine(newFakeTransport())
	tests := []struct {
		name string
		mod  func(*RequestSpec)
	}{
		{"no relays", func(s *RequestSpec) { s.Relays = nil }},
		{"empty input", func(s *RequestSpec) { s.Input = "" }},
		{"encrypt without target", func(s *RequestSpec) { s.Encrypt = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := testSpec()
			tt.mod(&spec)
			_, err := e.NewRequest(spec)
			if llm.KindOf(err) != llm.KindConfiguration {
				t.Errorf("err = %v, want configuration error", err)
			}
		})
	}
}

func TestNewRequest_EncryptedPayload(t *testing.T) {
	sp := newServiceProvider(t)
	e := newTestEngine(newFakeTransport())
	spec := testSpec()
	spec.Target = sp.keys.PublicKey()
	spec.Encrypt = true

	req, err := e.NewRequest(spec)
	if err != nil {
		t.Fatal(err)
	}
	ev := req.Event()
	if _, ok := ev.Tags.Find("i"); ok {
		t.Error("encrypted request leaks the input tag")
	}
	if _, ok := ev.Tags.Find("encrypted"); !ok {
		t.Error("encrypted tag missing")
	}

	plain, err := nostr.NIP04{}.Decrypt(sp.keys, ev.PubKey, ev.Content)
	if err != nil {
		t.Fatalf("provider cannot decrypt request: %v", err)
	}
	var tags nostr.Tags
	if err := json.Unmarshal([]byte(plain), &tags); err != nil {
		t.Fatal(err)
	}
	if in, _ := tags.Find("i"); in.Value() != "Say hi" {
		t.Errorf("decrypted input = %v", in)
	}
}

// --- job lifecycle ---

func TestEngine_StreamsFeedbackThenResult(t *testing.T) {
	tr := newFakeTransport()
	sp := newServiceProvider(t)
	req, s := start(t, newTestEngine(tr), testSpec())

	sub := tr.lastSub(t)
	if len(sub.filter.Kinds) != 2 || sub.filter.Tags["e"][0] != req.ID {
		t.Errorf("subscription filter = %+v", sub.filter)
	}

	sub.push("wss://r1", sp.feedback(req, StatusPartial, "First"))
	sub.push("wss://r1", sp.feedback(req, StatusPartial, "Second"))
	sub.push("wss://r1", sp.result(req, "Final"))

	want := []string{"First", "Second", "Final"}
	for i, w := range want {
		c, err := recv(t, s)
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		if c.Text() != w {
			t.Errorf("chunk %d = %q, want %q", i, c.Text(), w)
		}
		_, fin := c.Finish()
		if fin != (i == 2) {
			t.Errorf("chunk %d finish = %v", i, fin)
		}
	}
	if _, err := recv(t, s); err != io.EOF {
		t.Errorf("after result: %v, want io.EOF", err)
	}
	waitClosed(t, sub)
}

func TestEngine_PublishSurvivesFailingRelays(t *testing.T) {
	tr := newFakeTransport()
	tr.fail["wss://down1"] = errors.New("connection refused")
	tr.fail["wss://down2"] = errors.New("rejected")
	rec := &memRecorder{}
	sp := newServiceProvider(t)

	req, s := start(t, newTestEngine(tr, WithRecorder(rec)), testSpec("wss://down1", "wss://up", "wss://down2"))

	if !tr.isPublished("wss://up") {
		t.Fatal("request not published to healthy relay")
	}
	rec.waitCount(t, telemetry.RelayPublishErr, 2)
	if n := rec.count(telemetry.JobPublished); n != 1 {
		t.Errorf("recorded %d publish events, want 1", n)
	}

	tr.lastSub(t).push("wss://up", sp.result(req, "done"))
	c, err := recv(t, s)
	if err != nil || c.Text() != "done" || !c.IsFinal() {
		t.Fatalf("got %q, %v", c.Text(), err)
	}
}

func TestEngine_PublishReturnsOnFirstAccept(t *testing.T) {
	tr := newFakeTransport()
	tr.block["wss://slow"] = true
	rec := &memRecorder{}
	e := newTestEngine(tr, WithRecorder(rec), WithPublishTimeout(time.Second))

	begin := time.Now()
	s, err := e.Submit(context.Background(), testSpec("wss://slow", "wss://fast"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if d := time.Since(begin); d > 500*time.Millisecond {
		t.Errorf("Submit took %v although wss://fast accepted at once", d)
	}
	if !tr.isPublished("wss://fast") {
		t.Error("request not published to wss://fast")
	}

	// The slow relay still times out in the background and is recorded.
	rec.waitCount(t, telemetry.RelayPublishErr, 1)
}

func TestEngine_PublishFailsOnAllRelays(t *testing.T) {
	tr := newFakeTransport()
	tr.fail["wss://a"] = errors.New("down")
	tr.fail["wss://b"] = errors.New("down")
	e := newTestEngine(tr)

	_, err := e.Submit(context.Background(), testSpec("wss://a", "wss://b"))
	var perr *llm.Error
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *llm.Error", err)
	}
	if perr.Kind != llm.KindProvider || !perr.Retryable || perr.JobID == "" {
		t.Errorf("err = %+v, want retryable provider error with job id", perr)
	}
	if len(tr.subs) != 0 {
		t.Error("subscription opened for unpublished job")
	}
}

func TestEngine_ErrorFeedbackTerminates(t *testing.T) {
	tr := newFakeTransport()
	sp := newServiceProvider(t)
	req, s := start(t, newTestEngine(tr), testSpec())
	sub := tr.lastSub(t)

	sub.push("wss://r1", sp.feedback(req, StatusPartial, "partial output"))
	sub.push("wss://r1", sp.feedback(req, StatusError, "DVM specific error"))
	sub.push("wss://r1", sp.feedback(req, StatusPartial, "late"))

	if c, err := recv(t, s); err != nil || c.Text() != "partial output" {
		t.Fatalf("first = %q, %v", c.Text(), err)
	}
	_, err := recv(t, s)
	var perr *llm.Error
	if !errors.As(err, &perr) || perr.Kind != llm.KindProtocol {
		t.Fatalf("err = %v, want protocol error", err)
	}
	if !strings.Contains(perr.Message, "DVM specific error") || perr.JobID != req.ID {
		t.Errorf("err = %+v", perr)
	}
	if _, err := recv(t, s); err != io.EOF {
		t.Errorf("after error: %v, want io.EOF", err)
	}
	waitClosed(t, sub)
}

func TestEngine_DuplicateAndLateEventsIgnored(t *testing.T) {
	tr := newFakeTransport()
	sp := newServiceProvider(t)
	req, s := start(t, newTestEngine(tr), testSpec("wss://r1", "wss://r2"))
	sub := tr.lastSub(t)

	partial := sp.feedback(req, StatusPartial, "once")
	res := sp.result(req, "final")
	sub.push("wss://r1", partial)
	sub.push("wss://r2", partial)
	sub.push("wss://r2", res)
	sub.push("wss://r1", res)
	sub.push("wss://r1", sp.result(req, "second result"))
	sub.push("wss://r1", sp.feedback(req, StatusPartial, "after terminal"))

	var texts []string
	for {
		c, err := recv(t, s)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		texts = append(texts, c.Text())
	}
	if strings.Join(texts, ",") != "once,final" {
		t.Errorf("chunks = %q, want [once final]", texts)
	}
}

func TestEngine_CancelAfterOneChunk(t *testing.T) {
	tr := newFakeTransport()
	sp := newServiceProvider(t)
	rec := &memRecorder{}
	req, s := start(t, newTestEngine(tr, WithRecorder(rec)), testSpec())
	sub := tr.lastSub(t)

	sub.push("wss://r1", sp.feedback(req, StatusPartial, "one"))
	if c, err := recv(t, s); err != nil || c.Text() != "one" {
		t.Fatalf("first = %q, %v", c.Text(), err)
	}

	s.Close()
	sub.push("wss://r1", sp.feedback(req, StatusPartial, "two"))
	sub.push("wss://r1", sp.result(req, "three"))

	if c, err := recv(t, s); err != io.EOF {
		t.Errorf("after cancel: %q, %v, want io.EOF", c.Text(), err)
	}
	waitClosed(t, sub)
	if len(tr.published) != 1 {
		t.Errorf("cancellation published %d extra events", len(tr.published)-1)
	}
}

func TestEngine_ContextCancellation(t *testing.T) {
	tr := newFakeTransport()
	e := newTestEngine(tr)
	ctx, cancel := context.WithCancel(context.Background())
	req, err := e.NewRequest(testSpec())
	if err != nil {
		t.Fatal(err)
	}
	s, err := e.Execute(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	if _, err := recv(t, s); err != io.EOF {
		t.Errorf("Recv after cancel = %v, want io.EOF", err)
	}
	waitClosed(t, tr.lastSub(t))
}

func TestEngine_IdleTimeout(t *testing.T) {
	tr := newFakeTransport()
	e := newTestEngine(tr, WithJobTimeout(50*time.Millisecond))
	_, s := start(t, e, testSpec())

	_, err := recv(t, s)
	if !llm.IsRetryable(err) {
		t.Fatalf("err = %v, want retryable provider error", err)
	}
	waitClosed(t, tr.lastSub(t))
}

func TestEngine_DropsUntrustedEvents(t *testing.T) {
	tr := newFakeTransport()
	sp := newServiceProvider(t)
	impostor := newServiceProvider(t)
	rec := &memRecorder{}

	spec := testSpec()
	spec.Target = sp.keys.PublicKey()
	req, s := start(t, newTestEngine(tr, WithRecorder(rec)), spec)
	sub := tr.lastSub(t)

	tampered := sp.feedback(req, StatusPartial, "original")
	tampered.Content = "tampered"
	sub.push("wss://r1", tampered)
	sub.push("wss://r1", impostor.result(req, "not the target"))

	other := *req
	other.ID = strings.Repeat("0", 64)
	sub.push("wss://r1", sp.result(&other, "other job"))

	bad := sp.result(req, "garbage")
	bad.Tags = append(bad.Tags, nostr.Tag{"encrypted"})
	bad.Content = "not-ciphertext"
	sp.sign(bad)
	sub.push("wss://r1", bad)

	sub.push("wss://r1", sp.result(req, "genuine"))

	c, err := recv(t, s)
	if err != nil || c.Text() != "genuine" {
		t.Fatalf("got %q, %v, want genuine result", c.Text(), err)
	}
	if n := rec.count(telemetry.MessageDropped); n != 4 {
		t.Errorf("dropped %d messages, want 4", n)
	}
}

func TestEngine_EncryptedJob(t *testing.T) {
	tr := newFakeTransport()
	sp := newServiceProvider(t)
	spec := testSpec()
	spec.Target = sp.keys.PublicKey()
	spec.Encrypt = true
	req, s := start(t, newTestEngine(tr), spec)

	encrypt := func(text string) string {
		ct, err := nostr.NIP04{}.Encrypt(sp.keys, req.Requester.PublicKey(), text)
		if err != nil {
			t.Fatal(err)
		}
		return ct
	}

	sub := tr.lastSub(t)
	fb := sp.feedback(req, StatusPartial, encrypt("secret "), nostr.Tag{"encrypted"})
	sub.push("wss://r1", fb)
	res := &nostr.Event{
		Kind:    req.ResultKind(),
		Tags:    nostr.Tags{{"e", req.ID}, {"p", req.Requester.PublicKey()}, {"encrypted"}},
		Content: encrypt("answer"),
	}
	sub.push("wss://r1", sp.sign(res))

	got, err := llm.Collect(s)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got.Text() != "secret answer" {
		t.Errorf("text = %q", got.Text())
	}
}

func TestEngine_AcknowledgementsAreNoops(t *testing.T) {
	tr := newFakeTransport()
	sp := newServiceProvider(t)
	req, s := start(t, newTestEngine(tr), testSpec())
	sub := tr.lastSub(t)

	sub.push("wss://r1", sp.feedback(req, StatusProcessing, ""))
	sub.push("wss://r1", sp.feedback(req, StatusSuccess, ""))
	sub.push("wss://r1", sp.feedback(req, StatusPartial, ""))
	sub.push("wss://r1", sp.result(req, "result"))

	c, err := recv(t, s)
	if err != nil || c.Text() != "result" {
		t.Fatalf("first chunk = %q, %v, want the result", c.Text(), err)
	}
}

func TestEngine_PaymentRequiredWithoutWallet(t *testing.T) {
	tr := newFakeTransport()
	sp := newServiceProvider(t)
	req, s := start(t, newTestEngine(tr), testSpec())

	tr.lastSub(t).push("wss://r1", sp.feedback(req, StatusPaymentRequired, "", nostr.Tag{"amount", "21000", "lnbc210n1..."}))

	_, err := recv(t, s)
	var perr *llm.Error
	if !errors.As(err, &perr) || perr.Kind != llm.KindProvider || perr.Retryable {
		t.Fatalf("err = %v, want non-retryable provider error", err)
	}
}

func TestEngine_PaymentRequiredWithWallet(t *testing.T) {
	tr := newFakeTransport()
	sp := newServiceProvider(t)
	w := &fakeWallet{}
	req, s := start(t, newTestEngine(tr, WithWallet(w)), testSpec())
	sub := tr.lastSub(t)

	sub.push("wss://r1", sp.feedback(req, StatusPaymentRequired, "", nostr.Tag{"amount", "21000", "lnbc1"}))
	sub.push("wss://r1", sp.feedback(req, StatusPaymentRequired, "", nostr.Tag{"amount", "21000", "lnbc2"}))
	sub.push("wss://r1", sp.result(req, "paid result"))

	c, err := recv(t, s)
	if err != nil || c.Text() != "paid result" {
		t.Fatalf("got %q, %v", c.Text(), err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.invoices) != 1 || w.invoices[0] != "lnbc1" {
		t.Errorf("paid invoices = %v, want [lnbc1]", w.invoices)
	}
}

func TestParamsFromOptions(t *testing.T) {
	temp := 0.2
	got := ParamsFromOptions("m", llm.Options{Temperature: &temp, MaxTokens: 10, Stop: []string{"a", "b"}})
	want := []Param{{"model", "m"}, {"temperature", "0.2"}, {"max_tokens", "10"}, {"stop", "a\nb"}}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("param %d = %v, want %v", i, got[i], want[i])
		}
	}
	if len(ParamsFromOptions("", llm.Options{})) != 0 {
		t.Error("expected no params for empty options")
	}
}
