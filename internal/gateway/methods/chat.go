package methods

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/clawlane/internal/bus"
	"github.com/nextlevelbuilder/clawlane/internal/channels"
	"github.com/nextlevelbuilder/clawlane/internal/gateway"
	"github.com/nextlevelbuilder/clawlane/internal/pipeline"
	"github.com/nextlevelbuilder/clawlane/internal/routing"
	"github.com/nextlevelbuilder/clawlane/internal/scheduler"
	"github.com/nextlevelbuilder/clawlane/internal/sessions"
	"github.com/nextlevelbuilder/clawlane/internal/store"
	"github.com/nextlevelbuilder/clawlane/pkg/protocol"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// TurnSubmitter is the slice of the pipeline chat methods need.
type TurnSubmitter interface {
	SessionKey(msg bus.MessageContext, opts pipeline.SubmitOptions) (sessions.Key, error)
	Submit(msg bus.MessageContext, opts pipeline.SubmitOptions) (pipeline.Submission, error)
	Abort(turnID string) bool
	AbortSession(sessionKey string) int
}

// ChatMethods handles chat.send, chat.abort and chat.history.
type ChatMethods struct {
	turns    TurnSubmitter
	store    store.TranscriptStore
	maxChars int
}

func NewChatMethods(turns TurnSubmitter, st store.TranscriptStore, maxChars int) *ChatMethods {
	return &ChatMethods{turns: turns, store: st, maxChars: maxChars}
}

func (m *ChatMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodChatSend, m.handleSend)
	router.Register(protocol.MethodChatAbort, m.handleAbort)
	router.Register(protocol.MethodChatHistory, m.handleHistory)
}

func (m *ChatMethods) handleSend(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params protocol.ChatSendParams
	if err := req.DecodeParams(&params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error()))
		return
	}
	if strings.TrimSpace(params.Message) == "" && len(params.Attachments) == 0 {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "message is required"))
		return
	}
	if m.maxChars > 0 && utf8.RuneCountInString(params.Message) > m.maxChars {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "message too long"))
		return
	}

	peer := params.Peer
	if peer == "" {
		peer = client.Principal()
	}
	msg := bus.MessageContext{
		Channel:   channels.GatewayChannel,
		PeerID:    peer,
		PeerKind:  bus.PeerDirect,
		SenderID:  client.Principal(),
		Content:   params.Message,
		ArrivedAt: time.Now(),
		MessageID: req.ID,
	}
	for _, a := range params.Attachments {
		msg.Media = append(msg.Media, bus.MediaRef{URL: a.URL, Path: a.Path, MimeType: a.MimeType})
	}

	opts := pipeline.SubmitOptions{SessionKey: params.SessionKey, AgentID: params.AgentID}
	key, err := m.turns.SessionKey(msg, opts)
	if err != nil {
		client.SendResponse(submitError(req.ID, err))
		return
	}

	// Subscribe before the turn exists so its first delta cannot be missed.
	client.Subscribe(key.String())
	sub, err := m.turns.Submit(msg, pipeline.SubmitOptions{SessionKey: key.String()})
	if err != nil {
		client.SendResponse(submitError(req.ID, err))
		return
	}

	client.SendResponse(protocol.NewOKResponse(req.ID, protocol.ChatSendResult{
		TurnID:     sub.TurnID,
		SessionKey: sub.SessionKey,
	}))
}

func submitError(id string, err error) *protocol.ResponseFrame {
	switch {
	case errors.Is(err, routing.ErrNoAgentConfigured):
		return protocol.NewErrorResponse(id, protocol.ErrNoAgent, err.Error())
	case errors.Is(err, pipeline.ErrInvalidSessionKey):
		return protocol.NewErrorResponse(id, protocol.ErrInvalidRequest, err.Error())
	case errors.Is(err, scheduler.ErrLaneFull):
		return protocol.NewErrorResponse(id, protocol.ErrRateLimited, err.Error())
	case errors.Is(err, scheduler.ErrClosed):
		return protocol.NewErrorResponse(id, protocol.ErrUnavailable, err.Error())
	default:
		slog.Error("chat.send", "error", err)
		return protocol.NewErrorResponse(id, protocol.ErrInternal, "failed to schedule turn")
	}
}

func (m *ChatMethods) handleAbort(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params protocol.ChatAbortParams
	if err := req.DecodeParams(&params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error()))
		return
	}

	var res protocol.ChatAbortResult
	switch {
	case params.TurnID != "":
		res.Aborted = m.turns.Abort(params.TurnID)
		if res.Aborted {
			res.Count = 1
		}
	case params.SessionKey != "":
		res.Count = m.turns.AbortSession(params.SessionKey)
		res.Aborted = res.Count > 0
	default:
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "turnId or sessionKey is required"))
		return
	}
	slog.Info("chat.abort", "client", client.ID(), "turn", params.TurnID, "session", params.SessionKey, "count", res.Count)
	client.SendResponse(protocol.NewOKResponse(req.ID, res))
}

// handleHistory returns the persisted transcript of a session. It doubles
// as resync: the client is subscribed first, so nothing falls between the
// snapshot and the live stream except deltas of a turn still running.
func (m *ChatMethods) handleHistory(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params protocol.ChatHistoryParams
	if err := req.DecodeParams(&params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error()))
		return
	}
	if _, err := sessions.ParseKey(params.SessionKey); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error()))
		return
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	client.Subscribe(params.SessionKey)

	res := protocol.ChatHistoryResult{SessionKey: params.SessionKey, Turns: []protocol.HistoryTurn{}}
	transcript, err := m.store.LoadTranscript(ctx, params.SessionKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
		client.SendResponse(protocol.NewOKResponse(req.ID, res))
		return
	case err != nil && !errors.Is(err, store.ErrCorrupt):
		slog.Error("chat.history", "session", params.SessionKey, "error", err)
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnavailable, "failed to load transcript"))
		return
	case err != nil:
		slog.Warn("chat.history_degraded", "session", params.SessionKey, "error", err)
	}

	res.Summary, _ = transcript.Active()
	for _, t := range transcript.Last(limit) {
		res.Turns = append(res.Turns, protocol.HistoryTurn{
			TurnID:    t.TurnID,
			User:      t.User,
			Reply:     t.Reply,
			Outcome:   string(t.Outcome),
			CreatedAt: t.CreatedAt.UnixMilli(),
		})
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, res))
}
