// Package agent prepares and executes turns. The Orchestrator builds a
// TurnContext from a scheduled message; the Runner drives it through the
// provider chain, compaction and tool calls to exactly one outcome.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/clawlane/internal/bus"
	"github.com/nextlevelbuilder/clawlane/internal/config"
	"github.com/nextlevelbuilder/clawlane/internal/providers"
	"github.com/nextlevelbuilder/clawlane/internal/sessions"
	"github.com/nextlevelbuilder/clawlane/internal/store"
	"github.com/nextlevelbuilder/clawlane/internal/tools"
)

const (
	defaultMaxToolIterations = 20
	defaultContextWindow     = 200000
	defaultMaxTokens         = 8192
	defaultAttemptTimeout    = 120 * time.Second
	defaultHistoryShare      = 0.75
	defaultKeepLastTurns     = 4
)

// BindingEntry is one provider of a binding with the credentials the runner
// may rotate through. An empty credential list means the provider's own key.
type BindingEntry struct {
	Provider    providers.Provider
	Credentials []string
	Model       string
}

// Binding is the ordered provider chain for one turn.
type Binding struct {
	Entries []BindingEntry
}

func (b Binding) credentialCount(i int) int {
	if n := len(b.Entries[i].Credentials); n > 0 {
		return n
	}
	return 1
}

func (b Binding) credential(i, j int) string {
	if len(b.Entries[i].Credentials) == 0 {
		return ""
	}
	return b.Entries[i].Credentials[j]
}

// TurnRequest identifies a scheduled turn.
type TurnRequest struct {
	TurnID  string
	Key     sessions.Key
	Message bus.MessageContext
}

// TurnContext is everything the runner needs for one turn. It is built once
// at turn start and not shared with other turns.
type TurnContext struct {
	TurnID     string
	Key        sessions.Key
	SessionKey string
	AgentID    string
	Message    bus.MessageContext

	Directives   Directives
	Input        providers.Message // enriched user message, with images
	SystemPrompt string
	Skills       SkillSnapshot
	Transcript   *store.Transcript
	Degraded     bool

	Binding           Binding
	Options           map[string]interface{}
	MaxToolIterations int
	ContextWindow     int
	MaxTokens         int
	AttemptTimeout    time.Duration
	HistoryShare      float64
	KeepLastTurns     int
}

type OrchestratorConfig struct {
	Config    *config.Config
	Providers *providers.Registry
	Store     store.TranscriptStore
	Tools     *tools.Registry    // tool names listed in the prompt; optional
	Skills    *SkillSet          // optional
	Media     *MediaPreprocessor // optional; nil skips preprocessing
}

// Orchestrator turns a scheduled message into a TurnContext.
type Orchestrator struct {
	cfg       *config.Config
	providers *providers.Registry
	store     store.TranscriptStore
	tools     *tools.Registry
	skills    *SkillSet
	media     *MediaPreprocessor
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	c := cfg.Config
	if c == nil {
		c = config.Default()
	}
	return &Orchestrator{
		cfg:       c,
		providers: cfg.Providers,
		store:     cfg.Store,
		tools:     cfg.Tools,
		skills:    cfg.Skills,
		media:     cfg.Media,
	}
}

// Prepare loads the transcript, applies directives, preprocesses media and
// builds the prompt. A missing or corrupt transcript never fails the turn.
func (o *Orchestrator) Prepare(ctx context.Context, req TurnRequest) (*TurnContext, error) {
	agentID := req.Key.AgentID
	sessionKey := req.Key.String()

	transcript, degraded, err := o.loadTranscript(ctx, sessionKey)
	if err != nil {
		return nil, err
	}

	directives, text := ParseDirectives(req.Message.Content)
	agentCfg := o.cfg.ResolveAgent(agentID)

	binding, err := o.binding(agentCfg, directives)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", agentID, err)
	}

	enriched := o.media.Process(ctx, text, req.Message.Media)

	snapshot := o.skills.Snapshot().Filter(agentCfg.Skills)
	var toolNames []string
	if o.tools != nil {
		toolNames = o.tools.List()
	}
	displayName := o.cfg.ResolveDisplayName(agentID)
	if displayName == agentID {
		displayName = ""
	}

	prompt := BuildSystemPrompt(SystemPromptConfig{
		AgentID:     agentID,
		DisplayName: displayName,
		Persona:     agentCfg.Persona,
		Message:     req.Message,
		Skills:      snapshot,
		ToolNames:   toolNames,
		Verbosity:   directives.Verbosity,
		Degraded:    degraded,
	})

	tc := &TurnContext{
		TurnID:            req.TurnID,
		Key:               req.Key,
		SessionKey:        sessionKey,
		AgentID:           agentID,
		Message:           req.Message,
		Directives:        directives,
		Input:             providers.Message{Role: "user", Content: enriched.Text, Images: enriched.Images},
		SystemPrompt:      prompt,
		Skills:            snapshot,
		Transcript:        transcript,
		Degraded:          degraded,
		Binding:           binding,
		Options:           turnOptions(agentCfg, directives),
		MaxToolIterations: orInt(agentCfg.MaxToolIterations, defaultMaxToolIterations),
		ContextWindow:     orInt(agentCfg.ContextWindow, defaultContextWindow),
		MaxTokens:         orInt(agentCfg.MaxTokens, defaultMaxTokens),
		AttemptTimeout:    defaultAttemptTimeout,
		HistoryShare:      defaultHistoryShare,
		KeepLastTurns:     defaultKeepLastTurns,
	}
	if agentCfg.AttemptTimeoutSec > 0 {
		tc.AttemptTimeout = time.Duration(agentCfg.AttemptTimeoutSec) * time.Second
	}
	if c := agentCfg.Compaction; c != nil {
		if c.MaxHistoryShare > 0 && c.MaxHistoryShare <= 1 {
			tc.HistoryShare = c.MaxHistoryShare
		}
		if c.KeepLastTurns > 0 {
			tc.KeepLastTurns = c.KeepLastTurns
		}
	}
	return tc, nil
}

func (o *Orchestrator) loadTranscript(ctx context.Context, key string) (*store.Transcript, bool, error) {
	t, err := o.store.LoadTranscript(ctx, key)
	switch {
	case err == nil:
		return t, false, nil
	case errors.Is(err, store.ErrNotFound):
		return &store.Transcript{Key: key}, false, nil
	case errors.Is(err, store.ErrCorrupt):
		slog.Warn("orchestrator.transcript_degraded", "session", key, "error", err)
		if rerr := o.store.Reset(ctx, key); rerr != nil {
			slog.Error("orchestrator.transcript_reset_failed", "session", key, "error", rerr)
		}
		return &store.Transcript{Key: key}, true, nil
	default:
		return nil, false, fmt.Errorf("load transcript: %w", err)
	}
}

func (o *Orchestrator) binding(agentCfg config.AgentDefaults, d Directives) (Binding, error) {
	if o.providers == nil {
		return Binding{}, ErrNoProviders
	}
	chain := o.providers.Chain(agentCfg.Provider, agentCfg.Fallbacks)
	if len(chain) == 0 {
		return Binding{}, ErrNoProviders
	}
	b := Binding{Entries: make([]BindingEntry, len(chain))}
	for i, e := range chain {
		model := e.Provider.DefaultModel()
		if i == 0 {
			if agentCfg.Model != "" {
				model = agentCfg.Model
			}
			if d.Model != "" {
				model = d.Model
			}
		}
		b.Entries[i] = BindingEntry{Provider: e.Provider, Credentials: e.Credentials, Model: model}
	}
	return b, nil
}

func turnOptions(agentCfg config.AgentDefaults, d Directives) map[string]interface{} {
	opts := map[string]interface{}{
		providers.OptMaxTokens: orInt(agentCfg.MaxTokens, defaultMaxTokens),
	}
	if agentCfg.Temperature > 0 {
		opts[providers.OptTemperature] = agentCfg.Temperature
	}
	level := ThinkLevel(agentCfg.ThinkingLevel)
	if d.Think != "" {
		level = d.Think
	}
	if level != "" && level != ThinkOff {
		opts[providers.OptThinkingLevel] = string(level)
	}
	return opts
}

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
