package providers

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/clawlane/internal/config"
)

// Entry is a registered provider plus the credentials the runner may
// rotate through, in order.
type Entry struct {
	Provider    Provider
	Credentials []string
}

// Registry holds providers by name.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds or replaces a provider. An empty credential list means the
// provider's own configured key is used.
func (r *Registry) Register(p Provider, credentials ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[p.Name()] = Entry{Provider: p, Credentials: credentials}
}

func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Chain resolves the primary provider followed by fallbacks, skipping
// names that are not registered.
func (r *Registry) Chain(primary string, fallbacks []string) []Entry {
	var out []Entry
	seen := make(map[string]bool)
	for _, name := range append([]string{primary}, fallbacks...) {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if e, ok := r.Get(name); ok {
			out = append(out, e)
		} else {
			slog.Warn("providers.unknown", "provider", name)
		}
	}
	return out
}

// RegistryFromConfig builds providers for every configured entry that has at
// least one credential.
func RegistryFromConfig(cfg config.ProvidersConfig) (*Registry, error) {
	r := NewRegistry()
	for _, name := range cfg.Names() {
		pc := cfg[name]
		creds := pc.Credentials()
		if len(creds) == 0 {
			slog.Debug("providers.skip_no_credentials", "provider", name)
			continue
		}
		kind := pc.Type
		if kind == "" {
			kind = name
		}
		switch kind {
		case "anthropic":
			p := NewAnthropicProvider(creds[0], WithAnthropicModel(pc.Model), WithAnthropicBaseURL(pc.APIBase))
			if name != "anthropic" {
				r.Register(named{Provider: p, name: name}, creds...)
				continue
			}
			r.Register(p, creds...)
		case "openai", "openai-compatible", "openrouter", "groq", "deepseek":
			r.Register(NewOpenAIProvider(name, creds[0], pc.APIBase, pc.Model), creds...)
		default:
			return nil, fmt.Errorf("provider %q: unknown type %q", name, kind)
		}
	}
	return r, nil
}

// named re-labels a provider so two entries of the same type can coexist.
type named struct {
	Provider
	name string
}

func (n named) Name() string { return n.name }
