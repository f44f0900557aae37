package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/clawlane/internal/bus"
	"github.com/nextlevelbuilder/clawlane/internal/metrics"
	"github.com/nextlevelbuilder/clawlane/internal/providers"
	"github.com/nextlevelbuilder/clawlane/internal/store"
	"github.com/nextlevelbuilder/clawlane/internal/tools"
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/clawlane/internal/agent")

const (
	defaultPersistTimeout = 10 * time.Second
	defaultToolTimeout    = 5 * time.Minute
)

type RunnerConfig struct {
	Tools           *tools.Registry
	Store           store.TranscriptStore
	Tokens          *TokenCounter // nil = DefaultTokenCounter()
	PersistTimeout  time.Duration // bound on transcript writes after the turn ends
	ToolTimeout     time.Duration // bound on one step's tool calls, which an abort does not cut short
	ToolConcurrency int           // parallel tool calls per step; 0 = unlimited
}

// Outcome is the single terminal result of a turn.
type Outcome struct {
	Kind     store.Outcome
	Payload  *ReplyPayload // frozen
	Usage    providers.Usage
	Err      error
	Provider string // provider that produced the payload, if any
}

// Runner executes turns. It holds no per-turn state and is safe for
// concurrent use by turns of different sessions.
type Runner struct {
	tools           *tools.Registry
	store           store.TranscriptStore
	tokens          *TokenCounter
	persistTimeout  time.Duration
	toolTimeout     time.Duration
	toolConcurrency int
}

func NewRunner(cfg RunnerConfig) *Runner {
	r := &Runner{
		tools:           cfg.Tools,
		store:           cfg.Store,
		tokens:          cfg.Tokens,
		persistTimeout:  cfg.PersistTimeout,
		toolTimeout:     cfg.ToolTimeout,
		toolConcurrency: cfg.ToolConcurrency,
	}
	if r.tokens == nil {
		r.tokens = DefaultTokenCounter()
	}
	if r.persistTimeout <= 0 {
		r.persistTimeout = defaultPersistTimeout
	}
	if r.toolTimeout <= 0 {
		r.toolTimeout = defaultToolTimeout
	}
	return r
}

// Run drives the turn state machine to completion. Events reach sink in
// generation order from the calling goroutine, ending with exactly one
// terminal event.
func (r *Runner) Run(ctx context.Context, tc *TurnContext, sink EventSink) Outcome {
	ctx, span := tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("turn.id", tc.TurnID),
		attribute.String("session.key", tc.SessionKey),
		attribute.String("agent.id", tc.AgentID),
	))
	defer span.End()

	t := newTurnRun(ctx, r, tc, sink)
	state := stateAttempting
	for state != stateTerminated {
		var ev runEvent
		switch state {
		case stateAttempting:
			ev = t.attempt()
		case stateStreaming:
			ev = t.stream()
		case stateCompacting:
			ev = t.compact()
		case stateRotateNext:
			ev = t.rotate()
		case stateTooling:
			ev = t.runTools()
		}
		next, err := nextState(state, ev)
		if err != nil {
			slog.Error("runner.illegal_transition", "turn", tc.TurnID, "error", err)
			t.terminate(store.OutcomeError, err)
		}
		slog.Debug("runner.transition", "turn", tc.TurnID, "from", state, "event", ev, "to", next)
		state = next
	}
	t.closeAttempt(nil)

	out := t.finish()
	span.SetAttributes(attribute.String("turn.outcome", string(out.Kind)))
	if out.Err != nil && out.Kind == store.OutcomeError {
		span.SetStatus(codes.Error, out.Err.Error())
	}
	return out
}

// turnRun is the mutable state of one turn. Only the turn's goroutine
// touches it.
type turnRun struct {
	r    *Runner
	tc   *TurnContext
	ctx  context.Context
	sink EventSink

	payload *ReplyPayload
	seq     int

	summary       string
	history       []store.TurnRecord
	coveredBefore int
	working       []providers.Message // this turn's user message, tool calls and results
	toolDefs      []providers.ToolDefinition
	pendingCalls  []providers.ToolCall

	provIdx, credIdx int
	compacted        bool
	iterations       int
	lastErr          error
	usage            providers.Usage
	producer         string

	call          *callStream
	emitted       bool // content emitted during the current attempt
	emittedAny    bool // content emitted anywhere in the turn
	attemptCancel context.CancelFunc
	attemptSpan   trace.Span

	kind store.Outcome
	err  error
}

func newTurnRun(ctx context.Context, r *Runner, tc *TurnContext, sink EventSink) *turnRun {
	if sink == nil {
		sink = SinkFunc(func(Event) {})
	}
	t := &turnRun{
		r:       r,
		tc:      tc,
		ctx:     ctx,
		sink:    sink,
		payload: NewReplyPayload(),
		working: []providers.Message{tc.Input},
	}
	t.summary, t.history = tc.Transcript.Active()
	t.coveredBefore = len(tc.Transcript.Turns()) - len(t.history)
	if r.tools != nil {
		t.toolDefs = r.tools.Definitions()
	}
	return t
}

func (t *turnRun) entry() BindingEntry { return t.tc.Binding.Entries[t.provIdx] }

func (t *turnRun) requestMessages() []providers.Message {
	msgs := buildMessages(t.tc.SystemPrompt, t.summary, t.history, t.working[0])
	return append(msgs, t.working[1:]...)
}

// budget is the prompt size that triggers compaction.
func (t *turnRun) budget() int {
	return int(float64(t.tc.ContextWindow) * t.tc.HistoryShare)
}

func (t *turnRun) terminate(kind store.Outcome, err error) {
	if t.kind != "" {
		return
	}
	t.kind, t.err = kind, err
}

func (t *turnRun) cancelled() runEvent {
	t.terminate(store.OutcomeAborted, ErrCancelled)
	return evCancelled
}

func (t *turnRun) emitDelta(s string) {
	if err := t.payload.AppendText(s); err != nil {
		return
	}
	t.emitted = true
	t.emittedAny = true
	t.producer = t.entry().Provider.Name()
	t.seq++
	t.sink.Emit(Event{TurnID: t.tc.TurnID, SessionKey: t.tc.SessionKey, Seq: t.seq, Phase: PhaseDelta, Delta: s})
}

// attempt runs pre-call checks, opens a provider call and waits for its
// first content chunk or its completion.
func (t *turnRun) attempt() runEvent {
	if t.ctx.Err() != nil {
		return t.cancelled()
	}
	msgs := t.requestMessages()
	if est := t.r.tokens.CountMessages(msgs); est > t.budget() {
		t.lastErr = fmt.Errorf("estimated prompt of %d tokens exceeds budget %d", est, t.budget())
		slog.Info("runner.overflow_estimate", "turn", t.tc.TurnID, "tokens", est, "budget", t.budget())
		return evOverflow
	}

	e := t.entry()
	req := providers.ChatRequest{
		Messages:   msgs,
		Tools:      t.toolDefs,
		Model:      e.Model,
		Options:    t.tc.Options,
		Credential: t.tc.Binding.credential(t.provIdx, t.credIdx),
	}
	actx, cancel := context.WithTimeout(t.ctx, t.tc.AttemptTimeout)
	actx, span := tracer.Start(actx, "provider.attempt", trace.WithAttributes(
		attribute.String("provider", e.Provider.Name()),
		attribute.String("model", e.Model),
		attribute.Int("credential.index", t.credIdx),
		attribute.Int("iteration", t.iterations),
	))
	t.attemptCancel, t.attemptSpan = cancel, span
	t.emitted = false
	t.call = startCall(actx, e.Provider, req)

	for {
		select {
		case c, ok := <-t.call.chunks:
			if !ok {
				if t.call.err != nil {
					return t.callFailed(t.call.err)
				}
				return evCallOK
			}
			if t.ctx.Err() != nil {
				return t.cancelled()
			}
			if c.Content == "" {
				continue
			}
			t.emitDelta(c.Content)
			return evCallOK
		case <-t.ctx.Done():
			return t.cancelled()
		}
	}
}

// stream consumes the remainder of the call.
func (t *turnRun) stream() runEvent {
	for {
		select {
		case c, ok := <-t.call.chunks:
			if !ok {
				return t.callDone()
			}
			if t.ctx.Err() != nil {
				return t.cancelled()
			}
			if c.Content != "" {
				t.emitDelta(c.Content)
			}
		case <-t.ctx.Done():
			return t.cancelled()
		}
	}
}

func (t *turnRun) callDone() runEvent {
	resp, err := t.call.resp, t.call.err
	if err != nil {
		if t.emitted && t.ctx.Err() == nil {
			t.closeAttempt(err)
			t.lastErr = err
			t.terminate(store.OutcomeError, fmt.Errorf("%w: %w", ErrPartialFailure, err))
			return evPartialFailure
		}
		return t.callFailed(err)
	}
	t.closeAttempt(nil)
	t.usage.Add(resp.Usage)
	if !t.emitted && resp.Content != "" {
		t.emitDelta(resp.Content)
	}
	if len(resp.ToolCalls) > 0 {
		t.pendingCalls = resp.ToolCalls
		t.working = append(t.working, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		return evToolCalls
	}
	t.terminate(store.OutcomeFinal, nil)
	return evCallOK
}

// callFailed classifies a failure that happened before any content of the
// attempt was emitted. Once an earlier step of the turn has emitted content,
// failures that would rotate end the turn instead: another provider cannot
// continue output it did not start.
func (t *turnRun) callFailed(err error) runEvent {
	t.closeAttempt(err)
	if t.ctx.Err() != nil {
		return t.cancelled()
	}
	t.lastErr = err
	ev := evFatal
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		ev = evTransportError
	case providers.KindOf(err) == providers.KindRateLimited:
		ev = evRateLimited
	case providers.KindOf(err) == providers.KindTransport, providers.KindOf(err) == providers.KindAuth:
		ev = evTransportError
	case providers.KindOf(err) == providers.KindContextOverflow:
		return evOverflow
	}
	if ev == evFatal {
		t.terminate(store.OutcomeError, err)
		return evFatal
	}
	if t.emittedAny {
		t.terminate(store.OutcomeError, fmt.Errorf("%w: %w", ErrPartialFailure, err))
		return evPartialFailure
	}
	return ev
}

// closeAttempt ends the current provider call, if any, and records it.
func (t *turnRun) closeAttempt(err error) {
	if t.attemptCancel == nil {
		return
	}
	t.attemptCancel()
	result := "ok"
	switch {
	case t.ctx.Err() != nil:
		result = "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		result = "timeout"
	case err != nil:
		result = providers.KindOf(err).String()
	}
	if err != nil {
		t.attemptSpan.RecordError(err)
		t.attemptSpan.SetStatus(codes.Error, result)
	}
	t.attemptSpan.SetAttributes(attribute.String("result", result))
	t.attemptSpan.End()
	metrics.ProviderAttempts.WithLabelValues(t.entry().Provider.Name(), result).Inc()
	t.attemptCancel, t.attemptSpan = nil, nil
}

// rotate moves the cursor to the next credential of the same provider, then
// to the first credential of the next provider.
func (t *turnRun) rotate() runEvent {
	if t.ctx.Err() != nil {
		return t.cancelled()
	}
	b := t.tc.Binding
	from := t.entry().Provider.Name()
	if t.credIdx+1 < b.credentialCount(t.provIdx) {
		t.credIdx++
	} else {
		t.provIdx++
		t.credIdx = 0
	}
	if t.provIdx >= len(b.Entries) {
		t.provIdx = len(b.Entries) - 1
		t.terminate(store.OutcomeError, fmt.Errorf("%w: %w", ErrExhausted, t.lastErr))
		return evExhausted
	}
	slog.Warn("runner.rotate", "turn", t.tc.TurnID,
		"from", from, "to", t.entry().Provider.Name(),
		"credential", t.credIdx, "error", t.lastErr)
	return evRotated
}

type indexedResult struct {
	idx    int
	call   providers.ToolCall
	result *tools.Result
}

// runTools executes one step's tool calls in parallel. Results are appended
// in call order. If the turn is cancelled meanwhile, in-flight calls finish
// and their results are dropped.
func (t *turnRun) runTools() runEvent {
	if t.ctx.Err() != nil {
		return t.cancelled()
	}
	t.iterations++
	if t.iterations > t.tc.MaxToolIterations {
		t.terminate(store.OutcomeError, ErrMaxIterations)
		return evFatal
	}

	calls := t.pendingCalls
	t.pendingCalls = nil

	// Dispatched calls outlive an abort, bounded by the tool timeout.
	toolCtx, cancel := context.WithTimeout(context.WithoutCancel(t.ctx), t.r.toolTimeout)
	toolCtx = tools.WithToolSessionKey(toolCtx, t.tc.SessionKey)
	toolCtx = tools.WithToolAgentID(toolCtx, t.tc.AgentID)
	toolCtx = tools.WithToolChannel(toolCtx, t.tc.Message.Channel)
	toolCtx = tools.WithToolChatID(toolCtx, t.tc.Message.PeerID)

	resultCh := make(chan indexedResult, len(calls))
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		var g errgroup.Group
		if t.r.toolConcurrency > 0 {
			g.SetLimit(t.r.toolConcurrency)
		}
		for i, call := range calls {
			g.Go(func() error {
				start := time.Now()
				sctx, span := tracer.Start(toolCtx, "tool."+call.Name)
				var res *tools.Result
				if t.r.tools == nil {
					res = tools.ErrorResult("no tools are available")
				} else {
					res = t.r.tools.Execute(sctx, call.Name, call.Arguments)
				}
				if res.IsError {
					span.SetStatus(codes.Error, truncateStr(res.ForLLM, 200))
					slog.Warn("tool error", "turn", t.tc.TurnID, "tool", call.Name, "result", truncateStr(res.ForLLM, 200))
				}
				span.End()
				slog.Info("tool call", "turn", t.tc.TurnID, "tool", call.Name, "id", call.ID,
					"duration_ms", time.Since(start).Milliseconds())
				resultCh <- indexedResult{idx: i, call: call, result: res}
				return nil
			})
		}
		_ = g.Wait()
		close(resultCh)
	}()

	select {
	case <-done:
	case <-t.ctx.Done():
		slog.Info("runner.tools_detached", "turn", t.tc.TurnID, "calls", len(calls))
		return t.cancelled()
	}
	if t.ctx.Err() != nil {
		return t.cancelled()
	}

	collected := make([]indexedResult, 0, len(calls))
	for r := range resultCh {
		collected = append(collected, r)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })
	for _, r := range collected {
		content := r.result.ForLLM
		if r.result.IsError && content == "" {
			content = "tool failed"
		}
		t.working = append(t.working, providers.Message{
			Role:       "tool",
			Content:    content,
			ToolCallID: r.call.ID,
		})
		for _, ref := range r.result.Media {
			_ = t.payload.AppendMedia(mediaRef(ref))
		}
	}
	return evToolsDone
}

func mediaRef(ref string) bus.MediaRef {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return bus.MediaRef{URL: ref}
	}
	return bus.MediaRef{Path: ref}
}

// finish persists the turn, then emits its terminal event.
func (t *turnRun) finish() Outcome {
	if t.kind == "" {
		t.terminate(store.OutcomeError, ErrIllegalTransition)
	}
	t.payload.Freeze()
	out := Outcome{Kind: t.kind, Payload: t.payload, Usage: t.usage, Err: t.err, Provider: t.producer}

	if t.kind == store.OutcomeFinal || !t.payload.Empty() {
		t.persist(out)
	}
	metrics.TurnsTotal.WithLabelValues(string(out.Kind)).Inc()

	t.seq++
	t.sink.Emit(Event{
		TurnID:     t.tc.TurnID,
		SessionKey: t.tc.SessionKey,
		Seq:        t.seq,
		Phase:      PhaseFor(out.Kind),
		Payload:    t.payload,
		Err:        out.Err,
	})
	slog.Info("runner.turn_done", "turn", t.tc.TurnID, "session", t.tc.SessionKey,
		"outcome", out.Kind, "provider", out.Provider, "tool_steps", t.iterations,
		"prompt_tokens", out.Usage.PromptTokens, "completion_tokens", out.Usage.CompletionTokens,
		"error", out.Err)
	return out
}

// persist writes the turn even when the turn context is already cancelled,
// so an aborted partial reply is still available for resync.
func (t *turnRun) persist(out Outcome) {
	if t.r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(t.ctx), t.r.persistTimeout)
	defer cancel()
	usage := out.Usage
	rec := store.TurnRecord{
		TurnID:  t.tc.TurnID,
		User:    t.tc.Input.Content,
		Reply:   out.Payload.Text(),
		Outcome: out.Kind,
		Usage:   &usage,
	}
	if err := t.r.store.AppendTurn(ctx, t.tc.SessionKey, rec); err != nil {
		slog.Error("runner.persist_failed", "turn", t.tc.TurnID, "session", t.tc.SessionKey, "error", err)
	}
}

// callStream adapts a blocking ChatStream into a channel of chunks so the
// runner can observe cancellation between chunks.
type callStream struct {
	chunks chan providers.StreamChunk
	resp   *providers.ChatResponse
	err    error
}

func startCall(ctx context.Context, p providers.Provider, req providers.ChatRequest) *callStream {
	cs := &callStream{chunks: make(chan providers.StreamChunk, 16)}
	go func() {
		defer close(cs.chunks)
		defer func() {
			if rec := recover(); rec != nil {
				cs.err = fmt.Errorf("provider %s panicked: %v", p.Name(), rec)
			}
		}()
		resp, err := p.ChatStream(ctx, req, func(c providers.StreamChunk) {
			select {
			case cs.chunks <- c:
			case <-ctx.Done():
			}
		})
		if err == nil && resp == nil {
			err = fmt.Errorf("provider %s returned no response", p.Name())
		}
		cs.resp, cs.err = resp, err
	}()
	return cs
}

func truncateStr(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
