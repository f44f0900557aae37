// Package channels connects external messaging platforms (Telegram, Discord)
// to the gateway. Adapters normalize platform updates into bus.MessageContext
// on the inbound side and accept finalized, pre-chunked Outbound messages on
// the delivery side.
package channels

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/clawlane/internal/bus"
)

// GatewayChannel is the channel name used for turns originating from
// native WebSocket clients. Their output is broadcast, never sent.
const GatewayChannel = "gateway"

// InternalChannels are not platform adapters and never receive Outbound sends.
var InternalChannels = map[string]bool{
	GatewayChannel: true,
	"cli":          true,
	"system":       true,
}

// IsInternalChannel checks if a channel name is internal.
func IsInternalChannel(name string) bool {
	return InternalChannels[name]
}

// TextFormat is the richest text formatting a channel accepts.
type TextFormat string

const (
	FormatMarkdown TextFormat = "markdown"
	FormatHTML     TextFormat = "html"
	FormatPlain    TextFormat = "plain"
)

// Capabilities describe what a channel can render.
type Capabilities struct {
	Format   TextFormat
	MaxChars int // per-message limit; 0 means no limit
	Media    bool
}

// Outbound is a single platform message. Text is already formatted for the
// channel and within its MaxChars limit.
type Outbound struct {
	Channel   string
	AccountID string
	PeerID    string
	ThreadID  string
	ReplyTo   string // platform message id to reply to, if any
	Text      string
	Media     []bus.MediaRef
	Format    TextFormat
}

// Channel defines the interface that all channel implementations must satisfy.
type Channel interface {
	// Name returns the channel identifier (e.g., "telegram", "discord").
	Name() string

	// Start begins listening for messages. Should be non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Send delivers one outbound message. Errors wrapped with Permanent are
	// not retried.
	Send(ctx context.Context, msg Outbound) error

	Capabilities() Capabilities

	IsRunning() bool

	// IsAllowed checks if a sender is permitted by the channel's allowlist.
	IsAllowed(senderID string) bool
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a send error as non-retryable (unknown chat, forbidden,
// malformed request).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// BaseChannel provides shared functionality for all channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	name      string
	accountID string
	queue     bus.InboundQueue
	running   atomic.Bool
	allowList []string
	limiter   *SenderLimiter
}

// NewBaseChannel creates a new BaseChannel with the given parameters.
func NewBaseChannel(name string, queue bus.InboundQueue, allowList []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		queue:     queue,
		allowList: allowList,
		limiter:   NewSenderLimiter(DefaultSenderRate, DefaultSenderBurst),
	}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// AccountID is the bot account this adapter is logged in as. Set once the
// platform handshake reveals it.
func (c *BaseChannel) AccountID() string { return c.accountID }

func (c *BaseChannel) SetAccountID(id string) { c.accountID = id }

func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// HasAllowList returns true if an allowlist is configured (non-empty).
func (c *BaseChannel) HasAllowList() bool { return len(c.allowList) > 0 }

// IsAllowed checks if a sender is permitted by the allowlist.
// Supports compound senderID format: "123456|username".
// Empty allowlist means all senders are allowed.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	idPart, userPart := senderID, ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		trimmed := strings.TrimPrefix(allowed, "@")
		allowedID, allowedUser := trimmed, ""
		if idx := strings.Index(trimmed, "|"); idx > 0 {
			allowedID = trimmed[:idx]
			allowedUser = trimmed[idx+1:]
		}

		if senderID == trimmed || idPart == trimmed || idPart == allowedID ||
			(allowedUser != "" && senderID == allowedUser) ||
			(userPart != "" && (userPart == trimmed || userPart == allowedUser)) {
			return true
		}
	}
	return false
}

// HandleMessage stamps channel identity onto msg and queues it for the
// pipeline. Messages from senders outside the allowlist, or from senders
// flooding the adapter, are dropped. Returns whether msg was queued.
func (c *BaseChannel) HandleMessage(msg bus.MessageContext) bool {
	if !c.IsAllowed(msg.SenderID) {
		slog.Debug("channel.sender_denied", "channel", c.name, "sender", msg.SenderID)
		return false
	}
	if !c.limiter.Allow(c.name + ":" + msg.SenderID) {
		slog.Warn("channel.sender_rate_limited", "channel", c.name, "sender", msg.SenderID)
		return false
	}

	msg.Channel = c.name
	if msg.AccountID == "" {
		msg.AccountID = c.accountID
	}
	if msg.PeerKind == "" {
		msg.PeerKind = bus.PeerDirect
	}
	if msg.ArrivedAt.IsZero() {
		msg.ArrivedAt = time.Now()
	}
	// Sender ids carry "|username" for allowlist matching only.
	if idx := strings.IndexByte(msg.SenderID, '|'); idx > 0 {
		msg.SenderID = msg.SenderID[:idx]
	}

	c.queue.PublishInbound(msg)
	return true
}
