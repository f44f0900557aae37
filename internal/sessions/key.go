// Package sessions builds and parses session keys.
//
// A session key identifies one conversation lane. It is derived from five
// fields and rendered canonically as:
//
//	agent:{agentId}:{channel}:{accountId}:{scope}:{peer}
//
// scope records how the key was narrowed:
//
//	main                 all DMs of the agent share one session (channel, account blank, peer "main")
//	peer                 one session per DM peer across channels
//	channel-peer         one session per (channel, DM peer)
//	account-channel-peer one session per (channel, bot account, DM peer)
//	group                group chats; always keyed by channel, account and group id
//
// Thread messages use "{parent or peer}/thread/{threadId}" as the peer component,
// with "%" and "/" escaped inside both ids. Components are escaped ("%" → "%25",
// ":" → "%3A") so distinct inputs never render to the same string.
//
// Examples:
//
//	agent:default:telegram:mybot:account-channel-peer:386246614
//	agent:default:discord:app1:group:12345/thread/678
//	agent:default:::main:main
package sessions

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/clawlane/internal/bus"
)

// DM scope config values.
const (
	DMScopeMain                  = "main"
	DMScopePerPeer               = "per-peer"
	DMScopePerChannelPeer        = "per-channel-peer"
	DMScopePerAccountChannelPeer = "per-account-channel-peer"
)

// Scope tags stored in Key.DMScope.
const (
	ScopeMain               = "main"
	ScopePeer               = "peer"
	ScopeChannelPeer        = "channel-peer"
	ScopeAccountChannelPeer = "account-channel-peer"
	ScopeGroup              = "group"
)

const mainPeer = "main"

// Key is the immutable identity of a conversation lane. Two messages share a
// lane iff all five fields are equal.
type Key struct {
	AgentID   string
	Channel   string
	AccountID string
	Peer      string
	DMScope   string
}

var escaper = strings.NewReplacer("%", "%25", ":", "%3A")
var peerEscaper = strings.NewReplacer("%", "%25", "/", "%2F")
var unescaper = strings.NewReplacer("%3A", ":", "%25", "%")

// String renders the canonical key.
func (k Key) String() string {
	return fmt.Sprintf("agent:%s:%s:%s:%s:%s",
		escaper.Replace(k.AgentID),
		escaper.Replace(k.Channel),
		escaper.Replace(k.AccountID),
		escaper.Replace(k.DMScope),
		escaper.Replace(k.Peer))
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool { return k == Key{} }

// BuildKey derives the session key for a routed message.
//
// Groups always use the full (channel, account, group) identity. DMs are
// narrowed according to dmScope; unknown or empty values behave as
// per-account-channel-peer.
func BuildKey(agentID string, msg bus.MessageContext, dmScope string) Key {
	peer := peerEscaper.Replace(msg.PeerID)
	if msg.ThreadID != "" {
		base := msg.PeerID
		if msg.ParentPeerID != "" {
			base = msg.ParentPeerID
		}
		peer = peerEscaper.Replace(base) + "/thread/" + peerEscaper.Replace(msg.ThreadID)
	}

	if msg.IsGroup() {
		return Key{AgentID: agentID, Channel: msg.Channel, AccountID: msg.AccountID, Peer: peer, DMScope: ScopeGroup}
	}

	switch dmScope {
	case DMScopeMain:
		return Key{AgentID: agentID, Peer: mainPeer, DMScope: ScopeMain}
	case DMScopePerPeer:
		return Key{AgentID: agentID, Peer: peer, DMScope: ScopePeer}
	case DMScopePerChannelPeer:
		return Key{AgentID: agentID, Channel: msg.Channel, Peer: peer, DMScope: ScopeChannelPeer}
	default:
		return Key{AgentID: agentID, Channel: msg.Channel, AccountID: msg.AccountID, Peer: peer, DMScope: ScopeAccountChannelPeer}
	}
}

// ParseKey parses a canonical key produced by Key.String.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 6 || parts[0] != "agent" {
		return Key{}, fmt.Errorf("invalid session key %q", s)
	}
	k := Key{
		AgentID:   unescaper.Replace(parts[1]),
		Channel:   unescaper.Replace(parts[2]),
		AccountID: unescaper.Replace(parts[3]),
		DMScope:   unescaper.Replace(parts[4]),
		Peer:      unescaper.Replace(parts[5]),
	}
	if k.AgentID == "" || k.DMScope == "" || k.Peer == "" {
		return Key{}, fmt.Errorf("invalid session key %q: agent, scope and peer are required", s)
	}
	return k, nil
}

// AgentFromKey extracts the agent id from a canonical key string.
// Returns "" if the key is malformed.
func AgentFromKey(s string) string {
	k, err := ParseKey(s)
	if err != nil {
		return ""
	}
	return k.AgentID
}
