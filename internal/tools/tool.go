package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawlane/internal/providers"
)

// Tool is a function the model can call during a turn.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Registry holds the tools available to agents. Safe for concurrent use;
// the MCP bridge registers and removes tools while turns are running.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definitions returns provider-facing schemas for every tool, sorted by name
// so prompts are stable across calls.
func (r *Registry) Definitions() []providers.ToolDefinition {
	var defs []providers.ToolDefinition
	for _, name := range r.List() {
		t, ok := r.Get(name)
		if !ok {
			continue
		}
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Execute runs a tool by name. Unknown tools, panics and failures all come
// back as error results so the model can see what went wrong.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (result *Result) {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool.panic", "tool", name, "session", ToolSessionKeyFromCtx(ctx), "panic", rec)
			result = ErrorResult(fmt.Sprintf("tool %s crashed: %v", name, rec))
		}
		if result == nil {
			result = ErrorResult(fmt.Sprintf("tool %s returned no result", name))
		}
		slog.Debug("tool.executed", "tool", name,
			"session", ToolSessionKeyFromCtx(ctx),
			"agent", ToolAgentIDFromCtx(ctx),
			"channel", ToolChannelFromCtx(ctx),
			"chat", ToolChatIDFromCtx(ctx),
			"media", len(result.Media),
			"error", result.IsError,
			"duration_ms", time.Since(start).Milliseconds())
	}()

	return t.Execute(ctx, args)
}

// FireAndForget wraps a tool so the call returns an "accepted" result
// immediately while the real execution continues detached from the turn.
type FireAndForget struct {
	Tool
	Timeout time.Duration // 0 = 5 minutes
}

func (f *FireAndForget) Execute(ctx context.Context, args map[string]interface{}) *Result {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	name := f.Name()
	session := ToolSessionKeyFromCtx(ctx)

	go func() {
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("tool.async_panic", "tool", name, "session", session, "panic", rec)
			}
		}()
		res := f.Tool.Execute(detached, args)
		if res != nil && res.IsError {
			slog.Warn("tool.async_failed", "tool", name, "session", session, "result", truncateStr(res.ForLLM, 200))
			return
		}
		slog.Debug("tool.async_done", "tool", name, "session", session)
	}()

	return AsyncResult(fmt.Sprintf("%s accepted; it runs in the background and its output will not appear in this reply.", name))
}
