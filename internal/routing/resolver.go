// Package routing maps a normalized inbound message to the agent that
// should handle it.
//
// Bindings are ranked by how specific they are, not by their position in
// the config file:
//
//	peer → thread parent → guild → account → channel → default agent
//
// Within one rank the first binding in config order wins.
package routing

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/nextlevelbuilder/clawlane/internal/bus"
	"github.com/nextlevelbuilder/clawlane/internal/config"
)

// ErrNoAgentConfigured is returned when no binding matches and no default
// agent exists.
var ErrNoAgentConfigured = errors.New("no agent configured for message")

// MatchKind names the binding rank that produced a route.
type MatchKind string

const (
	MatchPeer    MatchKind = "peer"
	MatchThread  MatchKind = "thread"
	MatchGuild   MatchKind = "guild"
	MatchAccount MatchKind = "account"
	MatchChannel MatchKind = "channel"
	MatchDefault MatchKind = "default"
)

// Route is the result of resolution.
type Route struct {
	AgentID   string
	MatchedBy MatchKind
}

// Table is an immutable, pre-ranked snapshot of the binding config.
type Table struct {
	peer         []config.AgentBinding
	guild        []config.AgentBinding
	account      []config.AgentBinding
	channel      []config.AgentBinding
	defaultAgent string
}

// NewTable ranks bindings once. Bindings without any match field are ignored.
// An empty defaultAgent means unmatched messages fail with ErrNoAgentConfigured.
func NewTable(bindings []config.AgentBinding, defaultAgent string) *Table {
	t := &Table{defaultAgent: defaultAgent}
	for _, b := range bindings {
		if b.AgentID == "" {
			slog.Warn("routing.binding_without_agent", "match", b.Match)
			continue
		}
		m := b.Match
		switch {
		case m.Peer != nil && m.Peer.ID != "":
			t.peer = append(t.peer, b)
		case m.GuildID != "":
			t.guild = append(t.guild, b)
		case m.AccountID != "":
			t.account = append(t.account, b)
		case m.Channel != "":
			t.channel = append(t.channel, b)
		default:
			slog.Warn("routing.binding_without_match", "agent", b.AgentID)
		}
	}
	return t
}

// Resolve picks the agent for msg. Pure and deterministic.
func Resolve(msg bus.MessageContext, t *Table) (Route, error) {
	if t == nil {
		return Route{}, ErrNoAgentConfigured
	}

	if b, ok := first(t.peer, msg, msg.PeerID); ok {
		return Route{AgentID: b.AgentID, MatchedBy: MatchPeer}, nil
	}
	if msg.ThreadID != "" && msg.ParentPeerID != "" {
		if b, ok := first(t.peer, msg, msg.ParentPeerID); ok {
			return Route{AgentID: b.AgentID, MatchedBy: MatchThread}, nil
		}
	}
	if b, ok := first(t.guild, msg, ""); ok {
		return Route{AgentID: b.AgentID, MatchedBy: MatchGuild}, nil
	}
	if b, ok := first(t.account, msg, ""); ok {
		return Route{AgentID: b.AgentID, MatchedBy: MatchAccount}, nil
	}
	if b, ok := first(t.channel, msg, ""); ok {
		return Route{AgentID: b.AgentID, MatchedBy: MatchChannel}, nil
	}
	if t.defaultAgent != "" {
		return Route{AgentID: t.defaultAgent, MatchedBy: MatchDefault}, nil
	}
	return Route{}, ErrNoAgentConfigured
}

func first(bindings []config.AgentBinding, msg bus.MessageContext, peerID string) (config.AgentBinding, bool) {
	for _, b := range bindings {
		if matches(b.Match, msg, peerID) {
			return b, true
		}
	}
	return config.AgentBinding{}, false
}

// matches requires every populated field of m to agree with msg. peerID is
// the conversation id the peer constraint is compared against.
func matches(m config.BindingMatch, msg bus.MessageContext, peerID string) bool {
	if m.Channel != "" && m.Channel != msg.Channel {
		return false
	}
	if m.AccountID != "" && m.AccountID != msg.AccountID {
		return false
	}
	if m.GuildID != "" && m.GuildID != msg.GuildID {
		return false
	}
	if m.Peer != nil && m.Peer.ID != "" {
		if peerID == "" || m.Peer.ID != peerID {
			return false
		}
		if m.Peer.Kind != "" && msg.PeerKind != "" && m.Peer.Kind != msg.PeerKind {
			return false
		}
	}
	return true
}

// Resolver holds the current table and lets config reloads swap it without
// blocking concurrent lookups.
type Resolver struct {
	table atomic.Pointer[Table]
}

func NewResolver(t *Table) *Resolver {
	r := &Resolver{}
	r.table.Store(t)
	return r
}

// Swap installs a new table. In-flight resolutions keep the one they loaded.
func (r *Resolver) Swap(t *Table) {
	r.table.Store(t)
}

func (r *Resolver) Resolve(msg bus.MessageContext) (Route, error) {
	return Resolve(msg, r.table.Load())
}

// TableFromConfig builds a table from the binding section and default agent
// of cfg.
func TableFromConfig(cfg *config.Config) *Table {
	def := cfg.ResolveDefaultAgentID()
	if cfg.Agents.DisableDefault {
		def = ""
	}
	return NewTable(cfg.BindingsSnapshot(), def)
}
