package delivery

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawlane/internal/agent"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Hub fans turn events out to the gateway connections watching a session.
// Events for one session arrive in the order the runner emitted them. A
// subscriber that falls a full buffer behind is removed and its channel
// closed; it must resynchronize from the transcript.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]map[string]chan agent.Event // sessionKey -> subID -> ch
	closed      bool
	bufferSize  int
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[string]chan agent.Event),
		bufferSize:  subscriberBufferSize,
	}
}

// Subscribe registers for events of sessionKey. The subscription ends when
// ctx is cancelled, on Unsubscribe, or when the subscriber is dropped; in all
// cases the returned channel is closed.
func (h *Hub) Subscribe(ctx context.Context, sessionKey string) (<-chan agent.Event, string) {
	subID := uuid.NewString()
	ch := make(chan agent.Event, h.bufferSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := h.subscribers[sessionKey]; !ok {
		h.subscribers[sessionKey] = make(map[string]chan agent.Event)
	}
	h.subscribers[sessionKey][subID] = ch
	h.mu.Unlock()

	slog.Debug("hub.subscribed", "session", sessionKey, "sub_id", subID)

	go func() {
		<-ctx.Done()
		h.Unsubscribe(sessionKey, subID)
	}()
	return ch, subID
}

// Publish delivers e to every subscriber of its session without blocking.
// Sends happen under the lock so a concurrent Unsubscribe cannot close a
// channel mid-send.
func (h *Hub) Publish(e agent.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[e.SessionKey]
	for id, ch := range subs {
		select {
		case ch <- e:
		default:
			delete(subs, id)
			close(ch)
			slog.Warn("hub.subscriber_dropped", "session", e.SessionKey, "sub_id", id, "turn_id", e.TurnID)
		}
	}
	if subs != nil && len(subs) == 0 {
		delete(h.subscribers, e.SessionKey)
	}
}

// Emit lets the hub serve directly as a runner event sink.
func (h *Hub) Emit(e agent.Event) { h.Publish(e) }

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(sessionKey, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscribers[sessionKey]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(h.subscribers, sessionKey)
	}
}

// Subscribers returns the number of live subscriptions for sessionKey.
func (h *Hub) Subscribers(sessionKey string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[sessionKey])
}

// Close shuts down the hub and closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for key, subs := range h.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(h.subscribers, key)
	}
	h.closed = true
}
