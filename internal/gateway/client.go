package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/clawlane/internal/agent"
	"github.com/nextlevelbuilder/clawlane/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxFrameBytes  = 1 << 20
	limiterBurst   = 5
	defaultConnect = 10 * time.Second
)

// ConnState is the lifecycle of one connection.
type ConnState int32

const (
	StateAwaitingChallenge ConnState = iota
	StateAwaitingConnect
	StateAuthenticated
	StateClosed
)

var stateNames = [...]string{"awaiting_challenge", "awaiting_connect", "authenticated", "closed"}

func (s ConnState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Client is one WebSocket connection. Writes are serialized by a mutex; a
// client that stops reading eventually blocks its hub forwarders, and the
// hub then drops those subscriptions.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	state     atomic.Int32
	nonce     string
	principal string
	limiter   *rate.Limiter

	writeMu sync.Mutex

	subMu sync.Mutex
	subs  map[string]string // sessionKey -> hub subscription id
	ctx   context.Context

	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, s *Server) *Client {
	c := &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
		nonce:  uuid.NewString(),
		subs:   make(map[string]string),
	}
	if rpm := s.cfg.RateLimitRPM; rpm > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60), limiterBurst)
	}
	return c
}

func (c *Client) ID() string           { return c.id }
func (c *Client) Principal() string    { return c.principal }
func (c *Client) State() ConnState     { return ConnState(c.state.Load()) }
func (c *Client) setState(s ConnState) { c.state.Store(int32(s)) }

// Run serves the connection until the peer leaves, ctx ends or the
// connect deadline passes.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.subMu.Lock()
	c.ctx = ctx
	c.subMu.Unlock()

	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.SendEvent(protocol.NewEvent(protocol.EventConnectChallenge, protocol.ConnectChallengePayload{
		Nonce:     c.nonce,
		Timestamp: time.Now().UnixMilli(),
	}))
	c.setState(StateAwaitingConnect)

	timer := time.AfterFunc(c.server.connectTimeout, func() {
		if c.State() == StateAwaitingConnect {
			slog.Info("gateway.connect_timeout", "client", c.id)
			c.Close()
		}
	})
	defer timer.Stop()

	go c.pingLoop(ctx)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("gateway.read_failed", "client", c.id, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		req, err := protocol.ParseRequest(data)
		if err != nil {
			c.SendResponse(protocol.NewErrorResponse(requestID(data), protocol.ErrInvalidRequest, err.Error()))
			continue
		}
		if !c.handle(ctx, req) {
			return
		}
	}
}

// handle applies the connection state machine to one request. Returns
// false when the connection must close.
func (c *Client) handle(ctx context.Context, req *protocol.RequestFrame) bool {
	switch c.State() {
	case StateAwaitingConnect:
		if req.Method != protocol.MethodConnect {
			c.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotAuthenticated, "send connect first"))
			return true
		}
		return c.connect(req)

	case StateAuthenticated:
		if req.Method == protocol.MethodConnect {
			c.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "already connected"))
			return true
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrRateLimited, "too many requests"))
			return true
		}
		c.server.router.Handle(ctx, c, req)
		return true

	default:
		return false
	}
}

func (c *Client) connect(req *protocol.RequestFrame) bool {
	var params protocol.ConnectParams
	if err := req.DecodeParams(&params); err != nil {
		c.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error()))
		return true
	}

	principal, err := c.server.auth.Authenticate(params, c.nonce)
	if err != nil {
		slog.Warn("gateway.auth_failed", "client", c.id, "error", err)
		c.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrAuthFailure, "authentication failed"))
		c.Close()
		return false
	}

	c.principal = principal
	c.setState(StateAuthenticated)
	slog.Info("gateway.client_authenticated", "client", c.id, "principal", principal, "agent", params.Client)
	c.SendResponse(protocol.NewOKResponse(req.ID, protocol.ConnectResult{
		Protocol:  protocol.ProtocolVersion,
		ClientID:  c.id,
		Principal: principal,
	}))
	return true
}

// Subscribe streams chat events of sessionKey to this client. Subscribing
// twice to the same session is a no-op.
func (c *Client) Subscribe(sessionKey string) {
	c.subMu.Lock()
	if _, ok := c.subs[sessionKey]; ok || c.ctx == nil || c.State() == StateClosed {
		c.subMu.Unlock()
		return
	}
	events, subID := c.server.hub.Subscribe(c.ctx, sessionKey)
	c.subs[sessionKey] = subID
	c.subMu.Unlock()

	go c.forward(sessionKey, subID, events)
}

// forward relays hub events until the subscription ends. If the hub cut
// the subscription while the client is still connected, the client is told
// to resync.
func (c *Client) forward(sessionKey, subID string, events <-chan agent.Event) {
	for e := range events {
		c.SendEvent(protocol.NewEvent(protocol.EventChat, ChatEventPayload(e)))
	}

	c.subMu.Lock()
	cut := c.subs[sessionKey] == subID && c.ctx.Err() == nil
	if cut {
		delete(c.subs, sessionKey)
	}
	c.subMu.Unlock()

	if cut && c.State() == StateAuthenticated {
		slog.Info("gateway.resync_required", "client", c.id, "session", sessionKey)
		c.SendEvent(protocol.NewEvent(protocol.EventChatResync, protocol.ChatResyncPayload{SessionKey: sessionKey}))
	}
}

// Subscriptions returns the session keys this client watches.
func (c *Client) Subscriptions() []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	out := make([]string, 0, len(c.subs))
	for k := range c.subs {
		out = append(out, k)
	}
	return out
}

func (c *Client) SendResponse(res *protocol.ResponseFrame) { c.writeJSON(res) }

func (c *Client) SendEvent(ev *protocol.EventFrame) { c.writeJSON(ev) }

func (c *Client) writeJSON(v interface{}) {
	if c.State() == StateClosed {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(v); err != nil {
		slog.Debug("gateway.write_failed", "client", c.id, "error", err)
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Close ends the connection and its hub subscriptions. Turns the client
// started keep running.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)

		c.subMu.Lock()
		subs := c.subs
		c.subs = make(map[string]string)
		c.subMu.Unlock()
		for key, id := range subs {
			c.server.hub.Unsubscribe(key, id)
		}

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		c.conn.Close()
	})
}

// ChatEventPayload converts a turn event to its wire form.
func ChatEventPayload(e agent.Event) protocol.ChatEventPayload {
	out := protocol.ChatEventPayload{
		TurnID:     e.TurnID,
		SessionKey: e.SessionKey,
		Seq:        int64(e.Seq),
		Phase:      string(e.Phase),
		Delta:      e.Delta,
	}
	if e.Terminal() && e.Payload != nil {
		for _, b := range e.Payload.Blocks() {
			switch b.Kind {
			case agent.BlockText:
				out.Blocks = append(out.Blocks, protocol.ChatBlock{Type: "text", Text: agent.SanitizeReply(b.Text)})
			case agent.BlockMedia:
				if b.Media != nil {
					out.Blocks = append(out.Blocks, protocol.ChatBlock{Type: "media", URL: b.Media.URL, MimeType: b.Media.MimeType})
				}
			}
		}
	}
	if e.Phase == agent.PhaseError && e.Err != nil {
		out.Error = &protocol.ErrorShape{Code: errorCode(e.Err), Message: e.Err.Error()}
	}
	return out
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, agent.ErrNoProviders), errors.Is(err, agent.ErrExhausted):
		return protocol.ErrUnavailable
	default:
		return protocol.ErrInternal
	}
}

// requestID recovers the id of a frame that failed validation so the error
// can still be correlated.
func requestID(data []byte) string {
	var probe struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(data, &probe)
	return probe.ID
}
