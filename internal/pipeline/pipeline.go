// Package pipeline wires inbound messages to turns: it routes a message to
// an agent, derives its session lane, schedules the turn and hands the
// outcome to delivery.
//
// Each turn takes exactly one delivery path. Gateway turns stream their
// events through the Hub. Channel turns never touch the Hub: only the
// finalized payload is passed to the Dispatcher once the turn ends.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawlane/internal/agent"
	"github.com/nextlevelbuilder/clawlane/internal/bus"
	"github.com/nextlevelbuilder/clawlane/internal/channels"
	"github.com/nextlevelbuilder/clawlane/internal/delivery"
	"github.com/nextlevelbuilder/clawlane/internal/routing"
	"github.com/nextlevelbuilder/clawlane/internal/scheduler"
	"github.com/nextlevelbuilder/clawlane/internal/sessions"
	"github.com/nextlevelbuilder/clawlane/internal/store"
)

// ErrInvalidSessionKey is returned when an explicit session key does not parse.
var ErrInvalidSessionKey = errors.New("invalid session key")

const (
	defaultDeliveryTimeout = 2 * time.Minute
	dedupeTTL              = 20 * time.Minute
	dedupeMaxEntries       = 5000
	mediaTempPrefix        = "clawlane_media_"
)

type Config struct {
	Resolver     *routing.Resolver
	DMScope      string
	Scheduler    *scheduler.Scheduler
	Orchestrator *agent.Orchestrator
	Runner       *agent.Runner
	Dispatcher   *delivery.Dispatcher // nil drops channel replies
	Hub          *delivery.Hub        // nil disables event streaming

	// DeliveryTimeout bounds sending a finished reply. Delivery is not tied to
	// the turn context, so an abort that races a finished turn cannot cut the
	// reply off halfway.
	DeliveryTimeout time.Duration
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	resolver        *routing.Resolver
	dmScope         string
	sched           *scheduler.Scheduler
	orch            *agent.Orchestrator
	runner          *agent.Runner
	dispatcher      *delivery.Dispatcher
	hub             *delivery.Hub
	deliveryTimeout time.Duration
	dedupe          *bus.DedupeCache
}

func New(cfg Config) *Pipeline {
	p := &Pipeline{
		resolver:        cfg.Resolver,
		dmScope:         cfg.DMScope,
		sched:           cfg.Scheduler,
		orch:            cfg.Orchestrator,
		runner:          cfg.Runner,
		dispatcher:      cfg.Dispatcher,
		hub:             cfg.Hub,
		deliveryTimeout: cfg.DeliveryTimeout,
		dedupe:          bus.NewDedupeCache(dedupeTTL, dedupeMaxEntries),
	}
	if p.deliveryTimeout <= 0 {
		p.deliveryTimeout = defaultDeliveryTimeout
	}
	return p
}

// Submission identifies an accepted turn.
type Submission struct {
	TurnID     string `json:"turnId"`
	SessionKey string `json:"sessionKey"`
	AgentID    string `json:"agentId"`
}

// SubmitOptions override routing for callers that already know their lane.
type SubmitOptions struct {
	SessionKey string // canonical key; wins over AgentID
	AgentID    string // skips binding resolution
}

// Submit schedules msg as a new turn and returns without waiting for it.
func (p *Pipeline) Submit(msg bus.MessageContext, opts SubmitOptions) (Submission, error) {
	key, err := p.sessionKey(msg, opts)
	if err != nil {
		return Submission{}, err
	}
	if msg.ArrivedAt.IsZero() {
		msg.ArrivedAt = time.Now()
	}

	turnID := uuid.NewString()
	turn := &scheduler.Turn{
		ID:        turnID,
		Key:       key.String(),
		ArrivedAt: msg.ArrivedAt,
		Run:       p.runTurn(turnID, key, msg),
		Dropped:   p.dropTurn(turnID, key, msg),
	}
	if err := p.sched.Enqueue(turn); err != nil {
		return Submission{}, err
	}

	slog.Info("pipeline.turn_queued",
		"turn", turnID,
		"session", turn.Key,
		"channel", msg.Channel,
		"peer_kind", msg.PeerKind,
	)
	return Submission{TurnID: turnID, SessionKey: turn.Key, AgentID: key.AgentID}, nil
}

// SessionKey resolves the lane msg would be scheduled on.
func (p *Pipeline) SessionKey(msg bus.MessageContext, opts SubmitOptions) (sessions.Key, error) {
	return p.sessionKey(msg, opts)
}

func (p *Pipeline) sessionKey(msg bus.MessageContext, opts SubmitOptions) (sessions.Key, error) {
	if opts.SessionKey != "" {
		key, err := sessions.ParseKey(opts.SessionKey)
		if err != nil {
			return sessions.Key{}, fmt.Errorf("%w: %v", ErrInvalidSessionKey, err)
		}
		return key, nil
	}
	agentID := opts.AgentID
	if agentID == "" {
		route, err := p.resolver.Resolve(msg)
		if err != nil {
			return sessions.Key{}, err
		}
		agentID = route.AgentID
	}
	return sessions.BuildKey(agentID, msg, p.dmScope), nil
}

// Abort cancels one turn, running or queued.
func (p *Pipeline) Abort(turnID string) bool {
	return p.sched.Cancel(turnID)
}

// AbortSession cancels the running turn of a session and drops its queue.
func (p *Pipeline) AbortSession(sessionKey string) int {
	return p.sched.CancelSession(sessionKey)
}

// Run consumes channel messages until ctx is done.
func (p *Pipeline) Run(ctx context.Context, queue bus.InboundQueue) {
	slog.Info("pipeline.consumer_started")
	for {
		msg, ok := queue.ConsumeInbound(ctx)
		if !ok {
			slog.Info("pipeline.consumer_stopped")
			return
		}
		p.Handle(ctx, msg)
	}
}

// Handle processes one message from a channel adapter: duplicates are
// dropped, stop commands cancel work, everything else becomes a turn.
func (p *Pipeline) Handle(ctx context.Context, msg bus.MessageContext) {
	if msg.MessageID != "" {
		id := strings.Join([]string{msg.Channel, msg.AccountID, msg.PeerID, msg.MessageID}, "|")
		if p.dedupe.IsDuplicate(id) {
			slog.Debug("pipeline.duplicate_dropped", "channel", msg.Channel, "message_id", msg.MessageID)
			return
		}
	}

	if cmd := stopCommand(msg); cmd != "" {
		p.stop(ctx, msg, cmd)
		return
	}

	if _, err := p.Submit(msg, SubmitOptions{}); err != nil {
		slog.Warn("pipeline.submit_failed", "channel", msg.Channel, "peer", msg.PeerID, "error", err)
		cleanupMedia(msg.Media)
		if errors.Is(err, scheduler.ErrLaneFull) {
			p.notify(ctx, msg, "I'm still working through your earlier messages. Please wait a moment.")
		}
	}
}

// stopCommand returns "stop" or "stopall" when msg asks to cancel work.
// Adapters may flag commands in metadata; plain text is parsed as a
// fallback, accepting "/stop@botname" forms.
func stopCommand(msg bus.MessageContext) string {
	if cmd := msg.Metadata["command"]; cmd == "stop" || cmd == "stopall" {
		return cmd
	}
	fields := strings.Fields(msg.Content)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return ""
	}
	cmd := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	switch cmd = strings.ToLower(cmd); cmd {
	case "stop", "stopall":
		return cmd
	}
	return ""
}

func (p *Pipeline) stop(ctx context.Context, msg bus.MessageContext, cmd string) {
	key, err := p.sessionKey(msg, SubmitOptions{})
	if err != nil {
		slog.Warn("pipeline.stop_unrouted", "channel", msg.Channel, "error", err)
		return
	}

	var cancelled int
	if cmd == "stopall" {
		cancelled = p.sched.CancelSession(key.String())
	} else if id, ok := p.sched.RunningTurn(key.String()); ok && p.sched.Cancel(id) {
		cancelled = 1
	}
	slog.Info("pipeline.stop_command", "command", cmd, "session", key.String(), "cancelled", cancelled)

	var feedback string
	switch {
	case cancelled > 0 && cmd == "stopall":
		feedback = "All tasks stopped."
	case cancelled > 0:
		feedback = "Task stopped."
	case cmd == "stopall":
		feedback = "No active tasks to stop."
	default:
		feedback = "No active task to stop."
	}
	p.notify(ctx, msg, feedback)
}

func (p *Pipeline) runTurn(turnID string, key sessions.Key, msg bus.MessageContext) func(context.Context) error {
	return func(ctx context.Context) error {
		defer cleanupMedia(msg.Media)

		tc, err := p.orch.Prepare(ctx, agent.TurnRequest{TurnID: turnID, Key: key, Message: msg})
		if err != nil {
			return p.prepareFailed(ctx, turnID, key, msg, err)
		}

		out := p.runner.Run(ctx, tc, p.sink(msg))
		switch out.Kind {
		case store.OutcomeFinal:
			if !channels.IsInternalChannel(msg.Channel) {
				p.deliver(ctx, msg, out.Payload)
			}
			return nil
		case store.OutcomeAborted:
			slog.Info("pipeline.turn_aborted", "turn", turnID, "session", tc.SessionKey)
			return nil
		default:
			if !channels.IsInternalChannel(msg.Channel) {
				p.notify(ctx, msg, userNotice(out.Err))
			}
			return out.Err
		}
	}
}

// prepareFailed ends a turn that never reached the runner. It emits the
// turn's single terminal event itself.
func (p *Pipeline) prepareFailed(ctx context.Context, turnID string, key sessions.Key, msg bus.MessageContext, err error) error {
	phase := agent.PhaseError
	if ctx.Err() != nil {
		phase = agent.PhaseAborted
		err = agent.ErrCancelled
	}
	p.publishTerminal(turnID, key, msg, phase, err)
	if phase == agent.PhaseAborted {
		return nil
	}
	slog.Error("pipeline.prepare_failed", "turn", turnID, "session", key.String(), "error", err)
	if !channels.IsInternalChannel(msg.Channel) {
		p.notify(ctx, msg, userNotice(err))
	}
	return err
}

// dropTurn reports a turn removed from its queue before it ran. Gateway
// turns still get a terminal event on the Hub.
func (p *Pipeline) dropTurn(turnID string, key sessions.Key, msg bus.MessageContext) func(error) {
	return func(err error) {
		cleanupMedia(msg.Media)
		slog.Info("pipeline.turn_dropped", "turn", turnID, "session", key.String(), "reason", err)
		p.publishTerminal(turnID, key, msg, agent.PhaseAborted, err)
	}
}

func (p *Pipeline) publishTerminal(turnID string, key sessions.Key, msg bus.MessageContext, phase agent.Phase, err error) {
	if p.hub == nil || !channels.IsInternalChannel(msg.Channel) {
		return
	}
	payload := agent.NewReplyPayload()
	payload.Freeze()
	p.hub.Publish(agent.Event{
		TurnID:     turnID,
		SessionKey: key.String(),
		Seq:        1,
		Phase:      phase,
		Payload:    payload,
		Err:        err,
	})
}

// sink picks the event path of a turn. Only gateway turns stream.
func (p *Pipeline) sink(msg bus.MessageContext) agent.EventSink {
	if p.hub == nil || !channels.IsInternalChannel(msg.Channel) {
		return agent.SinkFunc(func(agent.Event) {})
	}
	return p.hub
}

func (p *Pipeline) deliver(ctx context.Context, msg bus.MessageContext, payload *agent.ReplyPayload) {
	if p.dispatcher == nil {
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.deliveryTimeout)
	defer cancel()

	res := p.dispatcher.Deliver(dctx, targetFor(msg), payload)
	if res.Skipped {
		slog.Info("pipeline.reply_suppressed", "channel", msg.Channel, "peer", msg.PeerID)
	}
}

// notify sends a short system reply outside any turn.
func (p *Pipeline) notify(ctx context.Context, msg bus.MessageContext, text string) {
	if channels.IsInternalChannel(msg.Channel) {
		return
	}
	payload := agent.NewReplyPayload()
	if err := payload.AppendText(text); err != nil {
		return
	}
	payload.Freeze()
	p.deliver(ctx, msg, payload)
}

func targetFor(msg bus.MessageContext) delivery.Target {
	t := delivery.Target{
		Channel:   msg.Channel,
		AccountID: msg.AccountID,
		PeerID:    msg.PeerID,
		ThreadID:  msg.ThreadID,
	}
	// In groups the reply quotes the message it answers.
	if msg.IsGroup() {
		t.ReplyTo = msg.MessageID
	}
	return t
}

// userNotice maps a turn failure to text safe to show a chat user.
func userNotice(err error) string {
	switch {
	case errors.Is(err, agent.ErrNoProviders), errors.Is(err, agent.ErrExhausted):
		return "All model providers are unavailable right now. Please try again later."
	case errors.Is(err, agent.ErrContextOverflow):
		return "This conversation is too long for the model. Try a shorter message."
	case errors.Is(err, agent.ErrMaxIterations):
		return "I stopped after too many tool steps. Try a narrower request."
	case errors.Is(err, agent.ErrPartialFailure):
		return "The reply was interrupted. Please try again."
	default:
		return "Sorry, something went wrong while generating a reply."
	}
}

// cleanupMedia removes files adapters downloaded for this message.
func cleanupMedia(media []bus.MediaRef) {
	for _, m := range media {
		if m.Path == "" || !strings.HasPrefix(filepath.Base(m.Path), mediaTempPrefix) {
			continue
		}
		if err := os.Remove(m.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Debug("pipeline.media_cleanup_failed", "path", m.Path, "error", err)
		}
	}
}
