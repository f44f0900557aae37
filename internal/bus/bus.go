package bus

import (
	"context"
	"log/slog"
	"sync"
)

const defaultInboundBuffer = 256

// MessageBus carries normalized inbound messages from channel adapters to the
// pipeline consumer and fans server events out to subscribers.
type MessageBus struct {
	inbound chan MessageContext

	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// New creates a bus with the default inbound buffer.
func New() *MessageBus {
	return NewWithBuffer(defaultInboundBuffer)
}

func NewWithBuffer(size int) *MessageBus {
	if size <= 0 {
		size = defaultInboundBuffer
	}
	return &MessageBus{
		inbound:  make(chan MessageContext, size),
		handlers: make(map[string]EventHandler),
	}
}

// PublishInbound queues a message. Blocks when the buffer is full so that
// slow consumers apply back-pressure to channel pollers.
func (b *MessageBus) PublishInbound(msg MessageContext) {
	b.inbound <- msg
}

// TryPublishInbound queues a message without blocking. Returns false when
// the buffer is full.
func (b *MessageBus) TryPublishInbound(msg MessageContext) bool {
	select {
	case b.inbound <- msg:
		return true
	default:
		slog.Warn("bus.inbound_full", "channel", msg.Channel, "peer", msg.PeerID)
		return false
	}
}

// ConsumeInbound blocks until a message is available or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (MessageContext, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return MessageContext{}, false
	}
}

func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	b.handlers[id] = handler
	b.mu.Unlock()
}

func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
}

// Broadcast delivers the event to every subscriber synchronously. Handlers
// must not block.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
