package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.MaxConcurrent != 4 {
		t.Errorf("MaxConcurrent = %d, want 4", cfg.Scheduler.MaxConcurrent)
	}
	if cfg.Sessions.DmScope != "per-account-channel-peer" {
		t.Errorf("DmScope = %q", cfg.Sessions.DmScope)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{
		// comments and trailing commas are fine
		agents: {
			defaults: { provider: "openai", model: "gpt-4o" },
			list: {
				support: { persona: "You handle support.", default: true },
			},
		},
		providers: {
			openai: { type: "openai", api_key: "k1", api_keys: ["k2", "k1", ""] },
		},
		bindings: [
			{ agentId: "support", match: { channel: "telegram", peer: { kind: "group", id: "-100" } } },
		],
		scheduler: { max_concurrent: 9 },
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.MaxConcurrent != 9 {
		t.Errorf("MaxConcurrent = %d, want 9", cfg.Scheduler.MaxConcurrent)
	}
	if got := cfg.Providers["openai"].Credentials(); !reflect.DeepEqual(got, []string{"k1", "k2"}) {
		t.Errorf("Credentials() = %v, want [k1 k2]", got)
	}
	if got := cfg.ResolveDefaultAgentID(); got != "support" {
		t.Errorf("ResolveDefaultAgentID() = %q, want support", got)
	}
	if len(cfg.Bindings) != 1 || cfg.Bindings[0].Match.Peer.ID != "-100" {
		t.Errorf("Bindings = %+v", cfg.Bindings)
	}

	a := cfg.ResolveAgent("support")
	if a.Persona != "You handle support." || a.Provider != "openai" || a.Model != "gpt-4o" {
		t.Errorf("ResolveAgent(support) = %+v", a)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CLAWLANE_ANTHROPIC_API_KEY", "sk-env")
	t.Setenv("CLAWLANE_PORT", "9999")
	t.Setenv("CLAWLANE_TELEGRAM_TOKEN", "tg")
	t.Setenv("CLAWLANE_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Providers["anthropic"].APIKey != "sk-env" || cfg.Providers["anthropic"].Type != "anthropic" {
		t.Errorf("anthropic provider = %+v", cfg.Providers["anthropic"])
	}
	if cfg.Gateway.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Gateway.Port)
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Error("telegram not auto-enabled by token env")
	}
	if want := []string{"https://a.example", "https://b.example"}; !reflect.DeepEqual(cfg.Gateway.AllowedOrigins, want) {
		t.Errorf("AllowedOrigins = %v, want %v", cfg.Gateway.AllowedOrigins, want)
	}
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Providers["openai"] = ProviderConfig{APIKey: "secret", APIKeys: []string{"s2"}}
	cfg.Gateway.Token = "tok"
	cfg.Gateway.PairedDevices = map[string]string{"phone": "dev-secret"}

	cp := cfg.MaskedCopy()
	if cp.Providers["openai"].APIKey != secretMask || cp.Providers["openai"].APIKeys[0] != secretMask {
		t.Errorf("provider keys not masked: %+v", cp.Providers["openai"])
	}
	if cp.Gateway.Token != secretMask || cp.Gateway.PairedDevices["phone"] != secretMask {
		t.Errorf("gateway secrets not masked: %+v", cp.Gateway)
	}
	if cfg.Providers["openai"].APIKey != "secret" {
		t.Error("MaskedCopy mutated the original")
	}
}

func TestWatchReloadsBindings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{bindings: []}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	go func() { _ = Watch(ctx, path, func(c *Config) { got <- c }) }()

	// Give the watcher time to register before writing.
	time.Sleep(200 * time.Millisecond)
	writeFile(t, path, `{bindings: [{agentId: "ops", match: {channel: "discord"}}]}`)

	select {
	case c := <-got:
		if len(c.Bindings) != 1 || c.Bindings[0].AgentID != "ops" {
			t.Errorf("reloaded bindings = %+v", c.Bindings)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload within 5s")
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	tests := []struct{ in, want string }{
		{"", ""},
		{"/abs", "/abs"},
		{"~", home},
		{"~/x", home + "/x"},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
