package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawlane/internal/agent"
	"github.com/nextlevelbuilder/clawlane/internal/bus"
	"github.com/nextlevelbuilder/clawlane/internal/channels"
	"github.com/nextlevelbuilder/clawlane/internal/config"
	"github.com/nextlevelbuilder/clawlane/internal/delivery"
	"github.com/nextlevelbuilder/clawlane/internal/providers"
	"github.com/nextlevelbuilder/clawlane/internal/routing"
	"github.com/nextlevelbuilder/clawlane/internal/scheduler"
	"github.com/nextlevelbuilder/clawlane/internal/store"
)

type scriptedProvider struct {
	chunks  []string
	block   bool
	started chan struct{}
	calls   atomic.Int32
}

func (s *scriptedProvider) Name() string         { return "fake" }
func (s *scriptedProvider) DefaultModel() string { return "fake-model" }

func (s *scriptedProvider) Chat(context.Context, providers.ChatRequest) (*providers.ChatResponse, error) {
	return &providers.ChatResponse{Content: "summary"}, nil
}

func (s *scriptedProvider) ChatStream(ctx context.Context, _ providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	s.calls.Add(1)
	if s.started != nil {
		select {
		case s.started <- struct{}{}:
		default:
		}
	}
	for _, c := range s.chunks {
		onChunk(providers.StreamChunk{Content: c})
	}
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &providers.ChatResponse{
		Content: strings.Join(s.chunks, ""),
		Usage:   &providers.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	}, nil
}

type recordingSender struct {
	mu   sync.Mutex
	sent []channels.Outbound
}

func (r *recordingSender) Capabilities() channels.Capabilities {
	return channels.Capabilities{Format: channels.FormatPlain, MaxChars: 4000}
}

func (r *recordingSender) Send(_ context.Context, msg channels.Outbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingSender) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.sent {
		out = append(out, m.Text)
	}
	return out
}

type harness struct {
	p      *Pipeline
	sched  *scheduler.Scheduler
	hub    *delivery.Hub
	sender *recordingSender
}

func newHarness(t *testing.T, prov providers.Provider) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Agents.Defaults.Provider = "fake"
	cfg.Agents.Defaults.Fallbacks = nil

	reg := providers.NewRegistry()
	if prov != nil {
		reg.Register(prov)
	}
	st := store.NewMemoryStore()
	sched := scheduler.New(scheduler.Config{MaxConcurrent: 4})
	hub := delivery.NewHub()
	sender := &recordingSender{}
	dispatcher := delivery.NewDispatcher(delivery.Config{MaxAttempts: 1})
	dispatcher.Register("telegram", sender)

	p := New(Config{
		Resolver:     routing.NewResolver(routing.NewTable(nil, "main")),
		DMScope:      "per-channel-peer",
		Scheduler:    sched,
		Orchestrator: agent.NewOrchestrator(agent.OrchestratorConfig{Config: cfg, Providers: reg, Store: st}),
		Runner:       agent.NewRunner(agent.RunnerConfig{Store: st}),
		Dispatcher:   dispatcher,
		Hub:          hub,
	})
	t.Cleanup(hub.Close)
	return &harness{p: p, sched: sched, hub: hub, sender: sender}
}

// drain waits for every running turn to finish.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.sched.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func telegramDM(id, content string) bus.MessageContext {
	return bus.MessageContext{
		Channel:   "telegram",
		AccountID: "bot",
		PeerID:    "42",
		PeerKind:  bus.PeerDirect,
		SenderID:  "7",
		Content:   content,
		MessageID: id,
	}
}

func nextEvent(t *testing.T, ch <-chan agent.Event) agent.Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return agent.Event{}
	}
}

func waitStarted(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("provider never called")
	}
}

// assertNoEvents fails if anything was published to ch.
func assertNoEvents(t *testing.T, ch <-chan agent.Event) {
	t.Helper()
	select {
	case e, ok := <-ch:
		if ok {
			t.Errorf("hub published %s event for turn %s, want none", e.Phase, e.TurnID)
		}
	default:
	}
}

func TestChannelTurnUsesOnlyChannelDelivery(t *testing.T) {
	h := newHarness(t, &scriptedProvider{chunks: []string{"Hello", " wor", "ld"}})
	msg := telegramDM("m1", "hi")

	key, err := h.p.SessionKey(msg, SubmitOptions{})
	if err != nil {
		t.Fatal(err)
	}
	events, _ := h.hub.Subscribe(context.Background(), key.String())

	h.p.Handle(context.Background(), msg)
	h.drain(t)

	assertNoEvents(t, events)
	got := h.sender.texts()
	if len(got) != 1 || got[0] != "Hello world" {
		t.Fatalf("channel received %q, want exactly the final reply", got)
	}
	if h.sender.sent[0].ReplyTo != "" {
		t.Errorf("DM reply quoted message %q", h.sender.sent[0].ReplyTo)
	}
}

func TestGatewayTurnStreamsThroughHub(t *testing.T) {
	h := newHarness(t, &scriptedProvider{chunks: []string{"Hello", " wor", "ld"}})
	msg := bus.MessageContext{Channel: channels.GatewayChannel, PeerID: "client-1", SenderID: "client-1", Content: "hi"}

	key, err := h.p.SessionKey(msg, SubmitOptions{})
	if err != nil {
		t.Fatal(err)
	}
	events, _ := h.hub.Subscribe(context.Background(), key.String())
	if _, err := h.p.Submit(msg, SubmitOptions{}); err != nil {
		t.Fatal(err)
	}

	var deltas int
	for {
		e := nextEvent(t, events)
		if !e.Terminal() {
			deltas++
			continue
		}
		if e.Phase != agent.PhaseFinal || e.Payload.Text() != "Hello world" {
			t.Fatalf("terminal = %s %q", e.Phase, e.Payload.Text())
		}
		break
	}
	if deltas == 0 {
		t.Error("hub saw no deltas")
	}
	h.drain(t)
	if got := h.sender.texts(); len(got) != 0 {
		t.Errorf("gateway turn reached a channel: %q", got)
	}
}

func TestStopCommandCancelsRunningTurn(t *testing.T) {
	prov := &scriptedProvider{block: true, started: make(chan struct{}, 1)}
	h := newHarness(t, prov)

	h.p.Handle(context.Background(), telegramDM("m1", "write a novel"))
	waitStarted(t, prov.started)

	h.p.Handle(context.Background(), telegramDM("m2", "/STOP@clawbot"))
	h.drain(t)

	if got := h.sender.texts(); len(got) != 1 || got[0] != "Task stopped." {
		t.Errorf("channel received %q, want only the stop confirmation", got)
	}
}

func TestStopWithNothingRunning(t *testing.T) {
	h := newHarness(t, &scriptedProvider{})
	stopAll := telegramDM("m1", "hello")
	stopAll.Metadata = map[string]string{"command": "stopall"}

	h.p.Handle(context.Background(), stopAll)
	h.drain(t)

	if got := h.sender.texts(); len(got) != 1 || got[0] != "No active tasks to stop." {
		t.Errorf("channel received %q", got)
	}
}

func TestDroppedTurnEmitsAbortedEvent(t *testing.T) {
	prov := &scriptedProvider{block: true, started: make(chan struct{}, 1)}
	h := newHarness(t, prov)

	msg := bus.MessageContext{Channel: channels.GatewayChannel, PeerID: "client-1", SenderID: "client-1", Content: "one"}
	first, err := h.p.Submit(msg, SubmitOptions{})
	if err != nil {
		t.Fatal(err)
	}
	events, _ := h.hub.Subscribe(context.Background(), first.SessionKey)
	waitStarted(t, prov.started)

	msg.Content = "two"
	second, err := h.p.Submit(msg, SubmitOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if second.SessionKey != first.SessionKey {
		t.Fatalf("lanes differ: %s vs %s", first.SessionKey, second.SessionKey)
	}

	if n := h.p.AbortSession(first.SessionKey); n != 2 {
		t.Fatalf("AbortSession = %d, want 2", n)
	}

	phases := map[string]agent.Phase{}
	for len(phases) < 2 {
		if e := nextEvent(t, events); e.Terminal() {
			phases[e.TurnID] = e.Phase
		}
	}
	for _, id := range []string{first.TurnID, second.TurnID} {
		if phases[id] != agent.PhaseAborted {
			t.Errorf("turn %s phase = %s, want aborted", id, phases[id])
		}
	}
	h.drain(t)
	if got := h.sender.texts(); len(got) != 0 {
		t.Errorf("gateway turn reached a channel: %q", got)
	}
}

func TestPrepareFailureNotifiesChannel(t *testing.T) {
	h := newHarness(t, nil)
	msg := telegramDM("m1", "hi")
	key, _ := h.p.SessionKey(msg, SubmitOptions{})
	events, _ := h.hub.Subscribe(context.Background(), key.String())

	h.p.Handle(context.Background(), msg)
	h.drain(t)

	assertNoEvents(t, events)
	if got := h.sender.texts(); len(got) != 1 || !strings.Contains(got[0], "providers are unavailable") {
		t.Errorf("channel received %q", got)
	}
}

func TestPrepareFailurePublishesGatewayError(t *testing.T) {
	h := newHarness(t, nil)
	msg := bus.MessageContext{Channel: channels.GatewayChannel, PeerID: "client-1", SenderID: "client-1", Content: "hi"}
	key, _ := h.p.SessionKey(msg, SubmitOptions{})
	events, _ := h.hub.Subscribe(context.Background(), key.String())

	if _, err := h.p.Submit(msg, SubmitOptions{}); err != nil {
		t.Fatal(err)
	}

	e := nextEvent(t, events)
	if e.Phase != agent.PhaseError || !errors.Is(e.Err, agent.ErrNoProviders) {
		t.Errorf("event = %s %v, want error with ErrNoProviders", e.Phase, e.Err)
	}
	h.drain(t)
}

func TestDuplicateMessageDropped(t *testing.T) {
	prov := &scriptedProvider{chunks: []string{"ok"}}
	h := newHarness(t, prov)

	h.p.Handle(context.Background(), telegramDM("m1", "hi"))
	h.p.Handle(context.Background(), telegramDM("m1", "hi"))
	h.drain(t)

	if n := prov.calls.Load(); n != 1 {
		t.Errorf("provider calls = %d, want 1", n)
	}
}

func TestSubmitExplicitSessionKey(t *testing.T) {
	h := newHarness(t, &scriptedProvider{chunks: []string{"ok"}})
	msg := bus.MessageContext{Channel: channels.GatewayChannel, PeerID: "c", Content: "hi"}

	want := "agent:ops:telegram:bot:group:-100"
	sub, err := h.p.Submit(msg, SubmitOptions{SessionKey: want})
	if err != nil {
		t.Fatal(err)
	}
	if sub.SessionKey != want || sub.AgentID != "ops" {
		t.Errorf("submission = %+v", sub)
	}

	if _, err := h.p.Submit(msg, SubmitOptions{SessionKey: "nonsense"}); !errors.Is(err, ErrInvalidSessionKey) {
		t.Errorf("bad key err = %v, want ErrInvalidSessionKey", err)
	}

	sub, err = h.p.Submit(msg, SubmitOptions{AgentID: "research"})
	if err != nil || sub.AgentID != "research" {
		t.Errorf("agent override = %+v, %v", sub, err)
	}
	h.drain(t)
}

func TestStopCommandParsing(t *testing.T) {
	tests := []struct {
		content string
		meta    map[string]string
		want    string
	}{
		{"/stop", nil, "stop"},
		{"/stopall", nil, "stopall"},
		{"/Stop@clawbot", nil, "stop"},
		{"  /stopall now", nil, "stopall"},
		{"stop", nil, ""},
		{"/stopper", nil, ""},
		{"[From: Ann]\n/stop", map[string]string{"command": "stop"}, "stop"},
		{"hello", map[string]string{"command": "help"}, ""},
	}
	for _, tt := range tests {
		msg := bus.MessageContext{Content: tt.content, Metadata: tt.meta}
		if got := stopCommand(msg); got != tt.want {
			t.Errorf("stopCommand(%q) = %q, want %q", tt.content, got, tt.want)
		}
	}
}

func TestTargetQuotesOnlyInGroups(t *testing.T) {
	dm := telegramDM("m1", "hi")
	if got := targetFor(dm); got.ReplyTo != "" || got.PeerID != "42" {
		t.Errorf("dm target = %+v", got)
	}
	group := dm
	group.PeerKind = bus.PeerGroup
	group.ThreadID = "9"
	if got := targetFor(group); got.ReplyTo != "m1" || got.ThreadID != "9" {
		t.Errorf("group target = %+v", got)
	}
}

func TestUserNotice(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{agent.ErrExhausted, "providers are unavailable"},
		{agent.ErrContextOverflow, "too long"},
		{agent.ErrMaxIterations, "tool steps"},
		{errors.New("boom"), "something went wrong"},
	}
	for _, tt := range tests {
		if got := userNotice(tt.err); !strings.Contains(got, tt.want) {
			t.Errorf("userNotice(%v) = %q, want it to mention %q", tt.err, got, tt.want)
		}
	}
}
