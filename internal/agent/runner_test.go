package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawlane/internal/providers"
	"github.com/nextlevelbuilder/clawlane/internal/store"
	"github.com/nextlevelbuilder/clawlane/internal/tools"
)

// step scripts one ChatStream call.
type step struct {
	chunks    []string
	err       error
	toolCalls []providers.ToolCall
	block     bool // after chunks, wait for ctx cancellation
}

type fakeProvider struct {
	name    string
	summary string

	mu        sync.Mutex
	steps     []step
	creds     []string
	requests  []providers.ChatRequest
	chatCalls int
}

func (f *fakeProvider) Name() string         { return f.name }
func (f *fakeProvider) DefaultModel() string { return f.name + "-model" }

func (f *fakeProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	f.mu.Lock()
	f.chatCalls++
	f.mu.Unlock()
	if f.summary == "" {
		return nil, &providers.Error{Provider: f.name, Kind: providers.KindTransport, Message: "down"}
	}
	return &providers.ChatResponse{Content: f.summary}, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	f.mu.Lock()
	f.creds = append(f.creds, req.Credential)
	f.requests = append(f.requests, req)
	var s step
	if len(f.steps) > 0 {
		s = f.steps[0]
		if len(f.steps) > 1 {
			f.steps = f.steps[1:]
		}
	}
	f.mu.Unlock()

	for _, c := range s.chunks {
		onChunk(providers.StreamChunk{Content: c})
	}
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return &providers.ChatResponse{
		Content:   strings.Join(s.chunks, ""),
		ToolCalls: s.toolCalls,
		Usage:     &providers.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (f *fakeProvider) streamCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func providerErr(name string, kind providers.Kind) error {
	return &providers.Error{Provider: name, Kind: kind, Message: kind.String()}
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	onEmit func(Event)
}

func (s *recordingSink) Emit(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	if s.onEmit != nil {
		s.onEmit(e)
	}
}

func (s *recordingSink) deltas() string {
	var sb strings.Builder
	for _, e := range s.events {
		if e.Phase == PhaseDelta {
			sb.WriteString(e.Delta)
		}
	}
	return sb.String()
}

func (s *recordingSink) terminals() []Event {
	var out []Event
	for _, e := range s.events {
		if e.Terminal() {
			out = append(out, e)
		}
	}
	return out
}

func testTurn(entries ...BindingEntry) *TurnContext {
	return &TurnContext{
		TurnID:            "turn-1",
		SessionKey:        "agent:a:ws:acc:per-account-channel-peer:p1",
		AgentID:           "a",
		Input:             providers.Message{Role: "user", Content: "hi"},
		SystemPrompt:      "sys",
		Transcript:        &store.Transcript{},
		Binding:           Binding{Entries: entries},
		MaxToolIterations: 5,
		ContextWindow:     200000,
		MaxTokens:         1000,
		AttemptTimeout:    5 * time.Second,
		HistoryShare:      0.75,
		KeepLastTurns:     2,
	}
}

func entry(p *fakeProvider, creds ...string) BindingEntry {
	return BindingEntry{Provider: p, Credentials: creds, Model: p.DefaultModel()}
}

func checkSingleTerminal(t *testing.T, sink *recordingSink, want Phase) Event {
	t.Helper()
	terms := sink.terminals()
	if len(terms) != 1 {
		t.Fatalf("terminal events = %d, want 1", len(terms))
	}
	last := sink.events[len(sink.events)-1]
	if !last.Terminal() {
		t.Fatalf("last event phase = %s, want terminal", last.Phase)
	}
	if last.Phase != want {
		t.Fatalf("terminal phase = %s, want %s", last.Phase, want)
	}
	for i, e := range sink.events {
		if e.Seq != i+1 {
			t.Errorf("event %d seq = %d, want %d", i, e.Seq, i+1)
		}
	}
	return last
}

func TestRunStreamsAndPersistsFinal(t *testing.T) {
	p := &fakeProvider{name: "a", steps: []step{{chunks: []string{"Hel", "lo"}}}}
	st := store.NewMemoryStore()
	r := NewRunner(RunnerConfig{Store: st})
	sink := &recordingSink{}

	tc := testTurn(entry(p))
	out := r.Run(context.Background(), tc, sink)

	if out.Kind != store.OutcomeFinal || out.Err != nil {
		t.Fatalf("outcome = %s, %v; want final, nil", out.Kind, out.Err)
	}
	term := checkSingleTerminal(t, sink, PhaseFinal)
	if got := term.Payload.Text(); got != "Hello" {
		t.Errorf("payload = %q, want Hello", got)
	}
	if !term.Payload.Frozen() {
		t.Error("terminal payload not frozen")
	}
	if err := out.Payload.AppendText("x"); !errors.Is(err, ErrPayloadFrozen) {
		t.Errorf("append after finish = %v, want ErrPayloadFrozen", err)
	}
	if sink.deltas() != "Hello" {
		t.Errorf("deltas = %q, want Hello", sink.deltas())
	}
	if out.Usage.TotalTokens != 15 || out.Provider != "a" {
		t.Errorf("usage/provider = %d/%q, want 15/a", out.Usage.TotalTokens, out.Provider)
	}

	tr, err := st.LoadTranscript(context.Background(), tc.SessionKey)
	if err != nil {
		t.Fatalf("LoadTranscript: %v", err)
	}
	turns := tr.Turns()
	if len(turns) != 1 || turns[0].Reply != "Hello" || turns[0].User != "hi" || turns[0].Outcome != store.OutcomeFinal {
		t.Errorf("persisted = %+v", turns)
	}
}

func TestRateLimitRotatesWithoutDuplicatedContent(t *testing.T) {
	a := &fakeProvider{name: "a", steps: []step{{err: providerErr("a", providers.KindRateLimited)}}}
	b := &fakeProvider{name: "b", steps: []step{{chunks: []string{"from ", "b"}}}}
	r := NewRunner(RunnerConfig{})
	sink := &recordingSink{}

	out := r.Run(context.Background(), testTurn(entry(a), entry(b)), sink)

	if out.Kind != store.OutcomeFinal {
		t.Fatalf("outcome = %s (%v), want final", out.Kind, out.Err)
	}
	if got := sink.deltas(); got != "from b" {
		t.Errorf("deltas = %q, want %q", got, "from b")
	}
	if got := out.Payload.Text(); got != "from b" {
		t.Errorf("payload = %q, want %q", got, "from b")
	}
	if out.Provider != "b" {
		t.Errorf("provider = %q, want b", out.Provider)
	}
	if a.streamCalls() != 1 || b.streamCalls() != 1 {
		t.Errorf("calls a=%d b=%d, want 1 and 1", a.streamCalls(), b.streamCalls())
	}
	checkSingleTerminal(t, sink, PhaseFinal)
}

func TestRotationTriesCredentialsBeforeNextProvider(t *testing.T) {
	a := &fakeProvider{name: "a", steps: []step{{err: providerErr("a", providers.KindTransport)}}}
	b := &fakeProvider{name: "b", steps: []step{{chunks: []string{"ok"}}}}
	r := NewRunner(RunnerConfig{})

	out := r.Run(context.Background(), testTurn(entry(a, "k1", "k2", "k3"), entry(b, "kb")), nil)

	if out.Kind != store.OutcomeFinal {
		t.Fatalf("outcome = %s (%v), want final", out.Kind, out.Err)
	}
	if got := strings.Join(a.creds, ","); got != "k1,k2,k3" {
		t.Errorf("a credentials = %s, want k1,k2,k3", got)
	}
	if got := strings.Join(b.creds, ","); got != "kb" {
		t.Errorf("b credentials = %s, want kb", got)
	}
}

func TestExhaustedBinding(t *testing.T) {
	a := &fakeProvider{name: "a", steps: []step{{err: providerErr("a", providers.KindTransport)}}}
	b := &fakeProvider{name: "b", steps: []step{{err: providerErr("b", providers.KindRateLimited)}}}
	sink := &recordingSink{}

	out := NewRunner(RunnerConfig{}).Run(context.Background(), testTurn(entry(a), entry(b)), sink)

	if out.Kind != store.OutcomeError || !errors.Is(out.Err, ErrExhausted) {
		t.Fatalf("outcome = %s, %v; want error wrapping ErrExhausted", out.Kind, out.Err)
	}
	if providers.KindOf(out.Err) != providers.KindRateLimited {
		t.Errorf("last error kind = %s, want rate_limited", providers.KindOf(out.Err))
	}
	checkSingleTerminal(t, sink, PhaseError)
}

func TestFatalErrorDoesNotRotate(t *testing.T) {
	a := &fakeProvider{name: "a", steps: []step{{err: providerErr("a", providers.KindBadRequest)}}}
	b := &fakeProvider{name: "b", steps: []step{{chunks: []string{"unused"}}}}

	out := NewRunner(RunnerConfig{}).Run(context.Background(), testTurn(entry(a), entry(b)), nil)

	if out.Kind != store.OutcomeError || providers.KindOf(out.Err) != providers.KindBadRequest {
		t.Fatalf("outcome = %s, %v; want bad request error", out.Kind, out.Err)
	}
	if b.streamCalls() != 0 {
		t.Errorf("b called %d times, want 0", b.streamCalls())
	}
}

func TestFailureAfterContentKeepsPartial(t *testing.T) {
	a := &fakeProvider{name: "a", steps: []step{{chunks: []string{"par"}, err: providerErr("a", providers.KindTransport)}}}
	b := &fakeProvider{name: "b", steps: []step{{chunks: []string{"unused"}}}}
	st := store.NewMemoryStore()
	sink := &recordingSink{}
	tc := testTurn(entry(a), entry(b))

	out := NewRunner(RunnerConfig{Store: st}).Run(context.Background(), tc, sink)

	if out.Kind != store.OutcomeError || !errors.Is(out.Err, ErrPartialFailure) {
		t.Fatalf("outcome = %s, %v; want partial failure", out.Kind, out.Err)
	}
	if b.streamCalls() != 0 {
		t.Errorf("b called %d times after content was emitted", b.streamCalls())
	}
	term := checkSingleTerminal(t, sink, PhaseError)
	if term.Payload.Text() != "par" {
		t.Errorf("partial payload = %q, want par", term.Payload.Text())
	}
	tr, _ := st.LoadTranscript(context.Background(), tc.SessionKey)
	if turns := tr.Turns(); len(turns) != 1 || turns[0].Outcome != store.OutcomeError || turns[0].Reply != "par" {
		t.Errorf("persisted = %+v, want one error turn with partial reply", turns)
	}
}

func TestFailureAfterToolStepDoesNotRotate(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(sleepTool{name: "lookup"})
	a := &fakeProvider{name: "a", steps: []step{
		{chunks: []string{"A says hi. "}, toolCalls: []providers.ToolCall{{ID: "c1", Name: "lookup"}}},
		{err: providerErr("a", providers.KindRateLimited)},
	}}
	b := &fakeProvider{name: "b", steps: []step{{chunks: []string{"B finishes."}}}}
	sink := &recordingSink{}

	out := NewRunner(RunnerConfig{Tools: reg}).Run(context.Background(), testTurn(entry(a), entry(b)), sink)

	if out.Kind != store.OutcomeError || !errors.Is(out.Err, ErrPartialFailure) {
		t.Fatalf("outcome = %s, %v; want partial failure", out.Kind, out.Err)
	}
	if b.streamCalls() != 0 {
		t.Errorf("b called %d times after a earlier step emitted content", b.streamCalls())
	}
	term := checkSingleTerminal(t, sink, PhaseError)
	if got := term.Payload.Text(); got != "A says hi. " {
		t.Errorf("partial payload = %q, want only a's output", got)
	}
}

func TestAbortBeforeStream(t *testing.T) {
	p := &fakeProvider{name: "a", steps: []step{{chunks: []string{"never"}}}}
	st := store.NewMemoryStore()
	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tc := testTurn(entry(p))

	out := NewRunner(RunnerConfig{Store: st}).Run(ctx, tc, sink)

	if out.Kind != store.OutcomeAborted || !errors.Is(out.Err, ErrCancelled) {
		t.Fatalf("outcome = %s, %v; want aborted", out.Kind, out.Err)
	}
	if len(sink.events) != 1 {
		t.Fatalf("events = %d, want only the aborted terminal", len(sink.events))
	}
	term := checkSingleTerminal(t, sink, PhaseAborted)
	if !term.Payload.Empty() {
		t.Errorf("payload = %q, want empty", term.Payload.Text())
	}
	if p.streamCalls() != 0 {
		t.Errorf("provider called %d times, want 0", p.streamCalls())
	}
	if _, err := st.LoadTranscript(context.Background(), tc.SessionKey); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("LoadTranscript err = %v, want ErrNotFound (nothing persisted)", err)
	}
}

func TestAbortMidStream(t *testing.T) {
	p := &fakeProvider{name: "a", steps: []step{{chunks: []string{"first"}, block: true}}}
	st := store.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &recordingSink{onEmit: func(e Event) {
		if e.Phase == PhaseDelta {
			cancel()
		}
	}}
	tc := testTurn(entry(p))

	out := NewRunner(RunnerConfig{Store: st}).Run(ctx, tc, sink)

	if out.Kind != store.OutcomeAborted {
		t.Fatalf("outcome = %s (%v), want aborted", out.Kind, out.Err)
	}
	if len(sink.events) != 2 || sink.events[0].Delta != "first" {
		t.Fatalf("events = %+v, want one delta then aborted", sink.events)
	}
	checkSingleTerminal(t, sink, PhaseAborted)
	tr, err := st.LoadTranscript(context.Background(), tc.SessionKey)
	if err != nil {
		t.Fatalf("LoadTranscript: %v", err)
	}
	if turns := tr.Turns(); len(turns) != 1 || turns[0].Outcome != store.OutcomeAborted || turns[0].Reply != "first" {
		t.Errorf("persisted = %+v, want aborted partial", turns)
	}
}

func TestAttemptTimeoutRotates(t *testing.T) {
	a := &fakeProvider{name: "a", steps: []step{{block: true}}}
	b := &fakeProvider{name: "b", steps: []step{{chunks: []string{"late but fine"}}}}
	tc := testTurn(entry(a), entry(b))
	tc.AttemptTimeout = 50 * time.Millisecond

	out := NewRunner(RunnerConfig{}).Run(context.Background(), tc, nil)

	if out.Kind != store.OutcomeFinal || out.Payload.Text() != "late but fine" {
		t.Fatalf("outcome = %s %q (%v), want final from b", out.Kind, out.Payload.Text(), out.Err)
	}
}

func seedTurns(t *testing.T, st store.TranscriptStore, key string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		rec := store.TurnRecord{
			TurnID:  "old-" + string(rune('a'+i)),
			User:    "question " + string(rune('a'+i)),
			Reply:   "answer " + string(rune('a'+i)),
			Outcome: store.OutcomeFinal,
		}
		if err := st.AppendTurn(context.Background(), key, rec); err != nil {
			t.Fatalf("AppendTurn: %v", err)
		}
	}
}

func TestOverflowCompactsOnceAndKeepsOriginals(t *testing.T) {
	st := store.NewMemoryStore()
	tc := testTurn()
	seedTurns(t, st, tc.SessionKey, 5)
	tr, err := st.LoadTranscript(context.Background(), tc.SessionKey)
	if err != nil {
		t.Fatalf("LoadTranscript: %v", err)
	}
	tc.Transcript = tr

	p := &fakeProvider{
		name:    "a",
		summary: "they asked five questions",
		steps: []step{
			{err: providerErr("a", providers.KindContextOverflow)},
			{chunks: []string{"answer f"}},
		},
	}
	tc.Binding = Binding{Entries: []BindingEntry{entry(p)}}

	out := NewRunner(RunnerConfig{Store: st}).Run(context.Background(), tc, nil)
	if out.Kind != store.OutcomeFinal {
		t.Fatalf("outcome = %s (%v), want final", out.Kind, out.Err)
	}
	if p.chatCalls != 1 {
		t.Errorf("summary calls = %d, want 1", p.chatCalls)
	}

	after, _ := st.LoadTranscript(context.Background(), tc.SessionKey)
	var summaries []store.SummaryRecord
	for _, e := range after.Entries {
		if e.Type == store.EntrySummary {
			summaries = append(summaries, *e.Summary)
		}
	}
	if len(summaries) != 1 {
		t.Fatalf("summary entries = %d, want 1", len(summaries))
	}
	if summaries[0].Covers != 3 || summaries[0].Text != "they asked five questions" {
		t.Errorf("summary = %+v, want covers 3", summaries[0])
	}
	if got := len(after.Turns()); got != 6 {
		t.Errorf("turn records = %d, want 5 originals + 1 new", got)
	}
	if after.Turns()[0].User != "question a" {
		t.Errorf("first original turn changed: %+v", after.Turns()[0])
	}

	// The retried request carries the summary and only the kept turns.
	retry := p.requests[1].Messages
	if !strings.Contains(retry[1].Content, "they asked five questions") {
		t.Errorf("retry message[1] = %q, want summary", retry[1].Content)
	}
	var users []string
	for _, m := range retry[3:] {
		if m.Role == "user" {
			users = append(users, m.Content)
		}
	}
	if got := strings.Join(users, "|"); got != "question d|question e|hi" {
		t.Errorf("retry user messages = %s", got)
	}
}

func TestSecondOverflowFails(t *testing.T) {
	st := store.NewMemoryStore()
	tc := testTurn()
	seedTurns(t, st, tc.SessionKey, 3)
	tc.Transcript, _ = st.LoadTranscript(context.Background(), tc.SessionKey)

	p := &fakeProvider{name: "a", steps: []step{{err: providerErr("a", providers.KindContextOverflow)}}}
	tc.Binding = Binding{Entries: []BindingEntry{entry(p)}}
	sink := &recordingSink{}

	out := NewRunner(RunnerConfig{Store: st}).Run(context.Background(), tc, sink)

	if out.Kind != store.OutcomeError || !errors.Is(out.Err, ErrContextOverflow) {
		t.Fatalf("outcome = %s, %v; want ContextOverflow error", out.Kind, out.Err)
	}
	if p.streamCalls() != 2 {
		t.Errorf("stream calls = %d, want 2 (original + one retry)", p.streamCalls())
	}
	after, _ := st.LoadTranscript(context.Background(), tc.SessionKey)
	n := 0
	for _, e := range after.Entries {
		if e.Type == store.EntrySummary {
			n++
		}
	}
	if n != 1 {
		t.Errorf("summary entries = %d, want 1", n)
	}
	// Summarizer failed, so the extractive fallback was used.
	_, active := after.Active()
	if len(active) != 2 {
		t.Errorf("active turns = %d, want 2 kept", len(active))
	}
	checkSingleTerminal(t, sink, PhaseError)
}

func TestEstimatedOverflowWithoutHistoryFails(t *testing.T) {
	p := &fakeProvider{name: "a", steps: []step{{chunks: []string{"unused"}}}}
	tc := testTurn(entry(p))
	tc.ContextWindow = 10
	tc.Input.Content = strings.Repeat("long prompt ", 50)

	out := NewRunner(RunnerConfig{}).Run(context.Background(), tc, nil)

	if !errors.Is(out.Err, ErrContextOverflow) {
		t.Fatalf("err = %v, want ErrContextOverflow", out.Err)
	}
	if p.streamCalls() != 0 {
		t.Errorf("provider called %d times, want 0", p.streamCalls())
	}
}

type sleepTool struct {
	name  string
	delay time.Duration
	fail  bool
}

func (s sleepTool) Name() string        { return s.name }
func (s sleepTool) Description() string { return "test tool" }
func (s sleepTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (s sleepTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	time.Sleep(s.delay)
	if s.fail {
		return tools.ErrorResult(s.name + " broke")
	}
	return tools.NewResult(s.name + " done")
}

func TestToolCallsRunInParallelAndKeepOrder(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(sleepTool{name: "slow", delay: 60 * time.Millisecond})
	reg.Register(sleepTool{name: "fast"})
	reg.Register(sleepTool{name: "broken", fail: true})

	p := &fakeProvider{name: "a", steps: []step{
		{chunks: []string{"checking. "}, toolCalls: []providers.ToolCall{
			{ID: "c1", Name: "slow"},
			{ID: "c2", Name: "fast"},
			{ID: "c3", Name: "broken"},
			{ID: "c4", Name: "missing"},
		}},
		{chunks: []string{"all done"}},
	}}
	sink := &recordingSink{}

	out := NewRunner(RunnerConfig{Tools: reg}).Run(context.Background(), testTurn(entry(p)), sink)

	if out.Kind != store.OutcomeFinal {
		t.Fatalf("outcome = %s (%v), want final", out.Kind, out.Err)
	}
	if got := out.Payload.Text(); got != "checking. all done" {
		t.Errorf("payload = %q", got)
	}
	if len(p.requests[0].Tools) != 3 {
		t.Errorf("tool definitions sent = %d, want 3", len(p.requests[0].Tools))
	}

	msgs := p.requests[1].Messages
	results := msgs[len(msgs)-4:]
	want := []struct{ id, content string }{
		{"c1", "slow done"},
		{"c2", "fast done"},
		{"c3", "broken broke"},
		{"c4", "unknown tool"},
	}
	for i, w := range want {
		if results[i].Role != "tool" || results[i].ToolCallID != w.id || !strings.Contains(results[i].Content, w.content) {
			t.Errorf("result %d = %+v, want %s containing %q", i, results[i], w.id, w.content)
		}
	}
	if prev := msgs[len(msgs)-5]; prev.Role != "assistant" || len(prev.ToolCalls) != 4 {
		t.Errorf("assistant tool-call message = %+v", prev)
	}
}

func TestToolIterationLimit(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(sleepTool{name: "loop"})
	p := &fakeProvider{name: "a", steps: []step{
		{toolCalls: []providers.ToolCall{{ID: "x", Name: "loop"}}},
	}}
	tc := testTurn(entry(p))
	tc.MaxToolIterations = 2

	out := NewRunner(RunnerConfig{Tools: reg}).Run(context.Background(), tc, nil)

	if !errors.Is(out.Err, ErrMaxIterations) {
		t.Fatalf("err = %v, want ErrMaxIterations", out.Err)
	}
	if p.streamCalls() != 3 {
		t.Errorf("stream calls = %d, want 3", p.streamCalls())
	}
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from runState
		on   runEvent
		want runState
		ok   bool
	}{
		{stateAttempting, evCallOK, stateStreaming, true},
		{stateAttempting, evRateLimited, stateRotateNext, true},
		{stateAttempting, evOverflow, stateCompacting, true},
		{stateStreaming, evCallOK, stateTerminated, true},
		{stateStreaming, evToolCalls, stateTooling, true},
		{stateStreaming, evPartialFailure, stateTerminated, true},
		{stateCompacting, evCompacted, stateAttempting, true},
		{stateCompacting, evOverflow, stateTerminated, true},
		{stateRotateNext, evRotated, stateAttempting, true},
		{stateRotateNext, evExhausted, stateTerminated, true},
		{stateTooling, evToolsDone, stateAttempting, true},
		{stateAttempting, evPartialFailure, stateTerminated, true},
		{stateAttempting, evToolsDone, stateTerminated, false},
		{stateTooling, evRotated, stateTerminated, false},
		{stateTerminated, evCallOK, stateTerminated, false},
	}
	for _, tt := range tests {
		got, err := nextState(tt.from, tt.on)
		if tt.ok && (err != nil || got != tt.want) {
			t.Errorf("nextState(%s, %s) = %s, %v; want %s", tt.from, tt.on, got, err, tt.want)
		}
		if !tt.ok && !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("nextState(%s, %s) err = %v, want ErrIllegalTransition", tt.from, tt.on, err)
		}
	}
}

type chartTool struct{}

func (chartTool) Name() string        { return "chart" }
func (chartTool) Description() string { return "test tool" }
func (chartTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (chartTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	return tools.MediaResult("rendered\nMEDIA:https://cdn.example/chart.png")
}

func TestToolMediaJoinsPayload(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(chartTool{})
	p := &fakeProvider{name: "a", steps: []step{
		{chunks: []string{"here it is. "}, toolCalls: []providers.ToolCall{{ID: "c1", Name: "chart"}}},
		{chunks: []string{"done"}},
	}}

	out := NewRunner(RunnerConfig{Tools: reg}).Run(context.Background(), testTurn(entry(p)), nil)

	if out.Kind != store.OutcomeFinal {
		t.Fatalf("outcome = %s (%v), want final", out.Kind, out.Err)
	}
	var media []string
	for _, b := range out.Payload.Blocks() {
		if b.Kind == BlockMedia {
			media = append(media, b.Media.URL)
		}
	}
	if len(media) != 1 || media[0] != "https://cdn.example/chart.png" {
		t.Errorf("media blocks = %v", media)
	}
	msgs := p.requests[1].Messages
	if last := msgs[len(msgs)-1]; last.Content != "rendered" {
		t.Errorf("tool result sent to model = %q, want %q", last.Content, "rendered")
	}
}

// gateTool signals when it starts, then runs until released or its own
// context ends, reporting which happened.
type gateTool struct {
	started  chan struct{}
	release  chan struct{}
	finished chan error
}

func (g *gateTool) Name() string        { return "gate" }
func (g *gateTool) Description() string { return "test tool" }
func (g *gateTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (g *gateTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	close(g.started)
	select {
	case <-g.release:
		g.finished <- nil
	case <-ctx.Done():
		g.finished <- ctx.Err()
	}
	return tools.NewResult("gate done")
}

func TestAbortLetsDispatchedToolFinish(t *testing.T) {
	gate := &gateTool{started: make(chan struct{}), release: make(chan struct{}), finished: make(chan error, 1)}
	reg := tools.NewRegistry()
	reg.Register(gate)
	p := &fakeProvider{name: "a", steps: []step{
		{toolCalls: []providers.ToolCall{{ID: "c1", Name: "gate"}}},
		{chunks: []string{"never"}},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-gate.started
		cancel()
	}()

	out := NewRunner(RunnerConfig{Tools: reg}).Run(ctx, testTurn(entry(p)), nil)

	if out.Kind != store.OutcomeAborted {
		t.Fatalf("outcome = %s (%v), want aborted", out.Kind, out.Err)
	}
	if p.streamCalls() != 1 {
		t.Errorf("stream calls = %d, want 1", p.streamCalls())
	}
	close(gate.release)
	select {
	case err := <-gate.finished:
		if err != nil {
			t.Errorf("tool context ended with %v, want it to run to completion", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tool never finished")
	}
}
