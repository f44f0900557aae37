package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// DefaultAgentID is used when no agent in the list is marked as default.
const DefaultAgentID = "default"

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the clawlane gateway.
type Config struct {
	Agents     AgentsConfig                `json:"agents"`
	Providers  ProvidersConfig             `json:"providers"`
	Bindings   []AgentBinding              `json:"bindings,omitempty"`
	Gateway    GatewayConfig               `json:"gateway"`
	Sessions   SessionsConfig              `json:"sessions"`
	Scheduler  SchedulerConfig             `json:"scheduler"`
	Delivery   DeliveryConfig              `json:"delivery"`
	Channels   ChannelsConfig              `json:"channels"`
	Store      StoreConfig                 `json:"store"`
	Telemetry  TelemetryConfig             `json:"telemetry,omitempty"`
	MCPServers map[string]*MCPServerConfig `json:"mcp_servers,omitempty"`
	Skills     []SkillConfig               `json:"skills,omitempty"`
	mu         sync.RWMutex
}

// AgentBinding maps a channel/account/guild/peer pattern to a specific agent.
type AgentBinding struct {
	AgentID string       `json:"agentId"`
	Match   BindingMatch `json:"match"`
}

// BindingMatch specifies what messages this binding applies to. Empty fields
// are wildcards; the most specific populated field decides the binding kind.
type BindingMatch struct {
	Channel   string       `json:"channel,omitempty"`   // "telegram", "discord", "ws"
	AccountID string       `json:"accountId,omitempty"` // bot account ID
	Peer      *BindingPeer `json:"peer,omitempty"`      // specific DM/group
	GuildID   string       `json:"guildId,omitempty"`   // Discord guild
}

// BindingPeer specifies a specific chat target.
type BindingPeer struct {
	Kind string `json:"kind"` // "direct" or "group"
	ID   string `json:"id"`
}

// AgentsConfig contains agent defaults and per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
	// DisableDefault makes unmatched messages fail routing instead of
	// falling back to the default agent.
	DisableDefault bool `json:"disable_default,omitempty"`
}

// AgentDefaults are default settings for all agents.
type AgentDefaults struct {
	Provider          string            `json:"provider"`
	Fallbacks         []string          `json:"fallbacks,omitempty"` // providers tried in order after Provider
	Model             string            `json:"model"`
	MaxTokens         int               `json:"max_tokens"`
	Temperature       float64           `json:"temperature"`
	MaxToolIterations int               `json:"max_tool_iterations"`
	ContextWindow     int               `json:"context_window"`
	Persona           string            `json:"persona,omitempty"`
	ThinkingLevel     string            `json:"thinking_level,omitempty"`
	AttemptTimeoutSec int               `json:"attempt_timeout_sec,omitempty"` // per provider attempt (default 120)
	Skills            []string          `json:"skills,omitempty"`              // nil = all skills
	Compaction        *CompactionConfig `json:"compaction,omitempty"`
}

// CompactionConfig configures transcript compaction.
type CompactionConfig struct {
	MaxHistoryShare float64 `json:"maxHistoryShare,omitempty"` // share of the context window history may use (default 0.75)
	KeepLastTurns   int     `json:"keepLastTurns,omitempty"`   // turns kept verbatim after compaction (default 4)
}

// AgentSpec is the per-agent configuration override.
// All fields are optional; zero values inherit from defaults.
type AgentSpec struct {
	DisplayName       string            `json:"displayName,omitempty"`
	Provider          string            `json:"provider,omitempty"`
	Fallbacks         []string          `json:"fallbacks,omitempty"`
	Model             string            `json:"model,omitempty"`
	MaxTokens         int               `json:"max_tokens,omitempty"`
	Temperature       float64           `json:"temperature,omitempty"`
	MaxToolIterations int               `json:"max_tool_iterations,omitempty"`
	ContextWindow     int               `json:"context_window,omitempty"`
	Persona           string            `json:"persona,omitempty"`
	ThinkingLevel     string            `json:"thinking_level,omitempty"`
	AttemptTimeoutSec int               `json:"attempt_timeout_sec,omitempty"`
	Skills            []string          `json:"skills,omitempty"`
	Compaction        *CompactionConfig `json:"compaction,omitempty"`
	Default           bool              `json:"default,omitempty"`
}

// ProvidersConfig maps a provider name to its connection settings.
type ProvidersConfig map[string]ProviderConfig

// ProviderConfig describes one model provider. Type selects the wire dialect
// ("anthropic" or "openai" for any OpenAI-compatible endpoint).
type ProviderConfig struct {
	Type    string   `json:"type,omitempty"`
	APIKey  string   `json:"api_key,omitempty"`
	APIKeys []string `json:"api_keys,omitempty"` // extra credentials rotated after APIKey
	APIBase string   `json:"api_base,omitempty"`
	Model   string   `json:"model,omitempty"`
}

// Credentials returns APIKey followed by APIKeys, without blanks or repeats.
func (p ProviderConfig) Credentials() []string {
	seen := make(map[string]bool)
	var out []string
	for _, k := range append([]string{p.APIKey}, p.APIKeys...) {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// Names returns the configured provider names in sorted order.
func (pc ProvidersConfig) Names() []string {
	names := make([]string, 0, len(pc))
	for name := range pc {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SchedulerConfig bounds turn execution.
type SchedulerConfig struct {
	MaxConcurrent     int `json:"max_concurrent"`       // global running-turn cap
	MaxPendingPerLane int `json:"max_pending_per_lane"` // 0 = unbounded
}

// DeliveryConfig controls channel delivery retries.
type DeliveryConfig struct {
	MaxAttempts      int     `json:"max_attempts"`
	InitialBackoffMs int     `json:"initial_backoff_ms"`
	MaxBackoffMs     int     `json:"max_backoff_ms"`
	RatePerSecond    float64 `json:"rate_per_second,omitempty"` // per-channel send rate (0 = unlimited)
	Burst            int     `json:"burst,omitempty"`
}

// StoreConfig selects the transcript backend.
// PostgresDSN is never read from the config file, only from CLAWLANE_POSTGRES_DSN.
type StoreConfig struct {
	Backend     string `json:"backend"` // "file" (default), "sqlite", "postgres"
	Path        string `json:"path,omitempty"`
	PostgresDSN string `json:"-"`
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext transport for local collectors
	ServiceName string            `json:"service_name,omitempty"` // default "clawlane-gateway"
	Headers     map[string]string `json:"headers,omitempty"`
}

// MCPServerConfig describes an MCP server whose tools are exposed to agents.
type MCPServerConfig struct {
	Transport  string            `json:"transport"` // "stdio", "sse", "streamable-http"
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	ToolPrefix string            `json:"tool_prefix,omitempty"`
	TimeoutSec int               `json:"timeout_sec,omitempty"`
	ToolAllow  []string          `json:"tool_allow,omitempty"` // original tool names; empty = all
	ToolDeny   []string          `json:"tool_deny,omitempty"`
	ToolAsync  []string          `json:"tool_async,omitempty"` // original tool names that return at once and finish detached
	Enabled    *bool             `json:"enabled,omitempty"`
}

// IsEnabled defaults to true when Enabled is unset.
func (m *MCPServerConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// SkillConfig is a named prompt fragment made available to agents.
type SkillConfig struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	src.mu.RLock()
	defer src.mu.RUnlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Providers = src.Providers
	c.Bindings = src.Bindings
	c.Gateway = src.Gateway
	c.Sessions = src.Sessions
	c.Scheduler = src.Scheduler
	c.Delivery = src.Delivery
	c.Channels = src.Channels
	c.Store = src.Store
	c.Telemetry = src.Telemetry
	c.MCPServers = src.MCPServers
	c.Skills = src.Skills
}

// BindingsSnapshot returns a copy of the binding table.
func (c *Config) BindingsSnapshot() []AgentBinding {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]AgentBinding, len(c.Bindings))
	copy(out, c.Bindings)
	return out
}
