package gateway

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/clawlane/pkg/protocol"
)

// MethodHandler answers one authenticated request. It must send exactly one
// response through client.SendResponse.
type MethodHandler func(ctx context.Context, client *Client, req *protocol.RequestFrame)

// MethodRouter dispatches RPC requests by method name.
type MethodRouter struct {
	mu       sync.RWMutex
	handlers map[string]MethodHandler
}

func NewMethodRouter() *MethodRouter {
	return &MethodRouter{handlers: make(map[string]MethodHandler)}
}

// Register binds a handler to a method name, replacing any earlier one.
func (r *MethodRouter) Register(method string, h MethodHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// Handle routes req. Unknown methods get UNKNOWN_METHOD.
func (r *MethodRouter) Handle(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	r.mu.RLock()
	h, ok := r.handlers[req.Method]
	r.mu.RUnlock()

	if !ok {
		slog.Debug("gateway.unknown_method", "client", client.ID(), "method", req.Method)
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnknownMethod, "unknown method: "+req.Method))
		return
	}
	h(ctx, client, req)
}

// Methods lists registered method names.
func (r *MethodRouter) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
