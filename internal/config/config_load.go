package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Provider:          "anthropic",
				Model:             "claude-sonnet-4-5-20250929",
				MaxTokens:         8192,
				Temperature:       0.7,
				MaxToolIterations: 20,
				ContextWindow:     200000,
				AttemptTimeoutSec: 120,
				Persona:           "You are a helpful assistant.",
			},
		},
		Providers: ProvidersConfig{},
		Gateway: GatewayConfig{
			Host:              "0.0.0.0",
			Port:              18790,
			MaxMessageChars:   32000,
			RateLimitRPM:      60,
			ConnectTimeoutSec: 10,
		},
		Sessions: SessionsConfig{
			DmScope: "per-account-channel-peer",
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent:     4,
			MaxPendingPerLane: 32,
		},
		Delivery: DeliveryConfig{
			MaxAttempts:      3,
			InitialBackoffMs: 500,
			MaxBackoffMs:     8000,
		},
		Store: StoreConfig{
			Backend: "file",
			Path:    "~/.clawlane/sessions",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	envProviderKey := func(key, name string) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		if c.Providers == nil {
			c.Providers = ProvidersConfig{}
		}
		p := c.Providers[name]
		if p.Type == "" {
			p.Type = name
		}
		p.APIKey = v
		c.Providers[name] = p
	}

	envProviderKey("CLAWLANE_ANTHROPIC_API_KEY", "anthropic")
	envProviderKey("CLAWLANE_OPENAI_API_KEY", "openai")

	envStr("CLAWLANE_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("CLAWLANE_JWT_SECRET", &c.Gateway.JWTSecret)
	envStr("CLAWLANE_HOST", &c.Gateway.Host)
	envInt("CLAWLANE_PORT", &c.Gateway.Port)
	if v := os.Getenv("CLAWLANE_ALLOWED_ORIGINS"); v != "" {
		c.Gateway.AllowedOrigins = SplitList(v)
	}

	envStr("CLAWLANE_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("CLAWLANE_DISCORD_TOKEN", &c.Channels.Discord.Token)
	// Auto-enable channels if credentials are provided via env
	if os.Getenv("CLAWLANE_TELEGRAM_TOKEN") != "" {
		c.Channels.Telegram.Enabled = true
	}
	if os.Getenv("CLAWLANE_DISCORD_TOKEN") != "" {
		c.Channels.Discord.Enabled = true
	}

	envStr("CLAWLANE_PROVIDER", &c.Agents.Defaults.Provider)
	envStr("CLAWLANE_MODEL", &c.Agents.Defaults.Model)

	envInt("CLAWLANE_MAX_CONCURRENT", &c.Scheduler.MaxConcurrent)

	envStr("CLAWLANE_STORE", &c.Store.Backend)
	envStr("CLAWLANE_STORE_PATH", &c.Store.Path)
	envStr("CLAWLANE_POSTGRES_DSN", &c.Store.PostgresDSN)

	envStr("CLAWLANE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CLAWLANE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	if v := os.Getenv("CLAWLANE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Hash returns a short SHA-256 hash of the config, used by the watcher to
// skip reloads that change nothing.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// ResolveAgent returns the effective config for a given agent ID,
// merging defaults with per-agent overrides.
func (c *Config) ResolveAgent(agentID string) AgentDefaults {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d := c.Agents.Defaults
	spec, ok := c.Agents.List[agentID]
	if !ok {
		return d
	}
	if spec.Provider != "" {
		d.Provider = spec.Provider
	}
	if spec.Fallbacks != nil {
		d.Fallbacks = spec.Fallbacks
	}
	if spec.Model != "" {
		d.Model = spec.Model
	}
	if spec.MaxTokens > 0 {
		d.MaxTokens = spec.MaxTokens
	}
	if spec.Temperature > 0 {
		d.Temperature = spec.Temperature
	}
	if spec.MaxToolIterations > 0 {
		d.MaxToolIterations = spec.MaxToolIterations
	}
	if spec.ContextWindow > 0 {
		d.ContextWindow = spec.ContextWindow
	}
	if spec.Persona != "" {
		d.Persona = spec.Persona
	}
	if spec.ThinkingLevel != "" {
		d.ThinkingLevel = spec.ThinkingLevel
	}
	if spec.AttemptTimeoutSec > 0 {
		d.AttemptTimeoutSec = spec.AttemptTimeoutSec
	}
	if spec.Skills != nil {
		d.Skills = spec.Skills
	}
	if spec.Compaction != nil {
		d.Compaction = spec.Compaction
	}
	return d
}

// HasAgent reports whether agentID is the default agent or listed explicitly.
func (c *Config) HasAgent(agentID string) bool {
	c.mu.RLock()
	_, ok := c.Agents.List[agentID]
	c.mu.RUnlock()
	return ok || agentID == c.ResolveDefaultAgentID()
}

// ResolveDefaultAgentID returns the ID of the agent marked as default,
// or "default" if none is explicitly marked.
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for id, spec := range c.Agents.List {
		if spec.Default {
			return id
		}
	}
	return DefaultAgentID
}

// ResolveDisplayName returns the display name for an agent.
func (c *Config) ResolveDisplayName(agentID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if spec, ok := c.Agents.List[agentID]; ok && spec.DisplayName != "" {
		return spec.DisplayName
	}
	return agentID
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields masked.
// Used by the status method and doctor output.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	data, err := json.Marshal(c)
	c.mu.RUnlock()
	if err != nil {
		return &Config{}
	}
	cp := &Config{}
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	for name, p := range cp.Providers {
		maskNonEmpty(&p.APIKey)
		for i := range p.APIKeys {
			maskNonEmpty(&p.APIKeys[i])
		}
		cp.Providers[name] = p
	}
	maskNonEmpty(&cp.Gateway.Token)
	maskNonEmpty(&cp.Gateway.JWTSecret)
	for id := range cp.Gateway.PairedDevices {
		cp.Gateway.PairedDevices[id] = secretMask
	}
	maskNonEmpty(&cp.Channels.Telegram.Token)
	maskNonEmpty(&cp.Channels.Discord.Token)
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// SplitList splits a comma-separated env value, trimming blanks.
func SplitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
