package bus

import (
	"context"
	"time"
)

// Peer kinds.
const (
	PeerDirect = "direct"
	PeerGroup  = "group"
)

// MediaRef points at media attached to an inbound message. Path is a local
// file (downloaded by the channel adapter), URL a remote location.
type MediaRef struct {
	Path     string `json:"path,omitempty"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// MessageContext is a normalized inbound message from any channel (Telegram,
// Discord, the WebSocket gateway). Adapters build it once; downstream code
// passes it by value and never mutates it.
type MessageContext struct {
	Channel      string            `json:"channel"`
	AccountID    string            `json:"account_id,omitempty"` // bot/account the message arrived on
	PeerID       string            `json:"peer_id"`              // chat, DM or channel id
	PeerKind     string            `json:"peer_kind,omitempty"`  // "direct" or "group"
	ThreadID     string            `json:"thread_id,omitempty"`
	ParentPeerID string            `json:"parent_peer_id,omitempty"` // conversation the thread hangs off
	GuildID      string            `json:"guild_id,omitempty"`
	SenderID     string            `json:"sender_id"`
	Content      string            `json:"content"`
	Media        []MediaRef        `json:"media,omitempty"`
	ArrivedAt    time.Time         `json:"arrived_at"`
	MessageID    string            `json:"message_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// IsGroup reports whether the message came from a multi-party conversation.
func (m MessageContext) IsGroup() bool { return m.PeerKind == PeerGroup }

// Event represents a server-side event to broadcast to WebSocket clients.
type Event struct {
	Name    string      `json:"name"` // event name (e.g. "health", "shutdown")
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by the gateway server to decouple from the concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// InboundQueue abstracts the hand-off between channel adapters and the
// pipeline consumer.
type InboundQueue interface {
	PublishInbound(msg MessageContext)
	ConsumeInbound(ctx context.Context) (MessageContext, bool)
}
