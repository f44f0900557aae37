package sessions

import (
	"testing"

	"github.com/nextlevelbuilder/clawlane/internal/bus"
)

func dm(channel, account, peer string) bus.MessageContext {
	return bus.MessageContext{Channel: channel, AccountID: account, PeerID: peer, PeerKind: bus.PeerDirect}
}

func TestBuildKeyStable(t *testing.T) {
	msg := dm("telegram", "bot1", "42")
	a := BuildKey("default", msg, DMScopePerAccountChannelPeer).String()
	for i := 0; i < 10; i++ {
		if b := BuildKey("default", msg, DMScopePerAccountChannelPeer).String(); b != a {
			t.Fatalf("BuildKey not stable: %q vs %q", a, b)
		}
	}
	if want := "agent:default:telegram:bot1:account-channel-peer:42"; a != want {
		t.Errorf("key = %q, want %q", a, want)
	}
}

func TestBuildKeyScopes(t *testing.T) {
	msg := dm("telegram", "bot1", "42")
	tests := []struct {
		dmScope string
		want    string
	}{
		{DMScopeMain, "agent:a:::main:main"},
		{DMScopePerPeer, "agent:a:::peer:42"},
		{DMScopePerChannelPeer, "agent:a:telegram::channel-peer:42"},
		{DMScopePerAccountChannelPeer, "agent:a:telegram:bot1:account-channel-peer:42"},
		{"", "agent:a:telegram:bot1:account-channel-peer:42"},
	}
	for _, tt := range tests {
		t.Run(tt.dmScope, func(t *testing.T) {
			if got := BuildKey("a", msg, tt.dmScope).String(); got != tt.want {
				t.Errorf("BuildKey(%q) = %q, want %q", tt.dmScope, got, tt.want)
			}
		})
	}
}

func TestDirectAndGroupNeverCollide(t *testing.T) {
	direct := dm("discord", "app", "777")
	group := direct
	group.PeerKind = bus.PeerGroup

	for _, scope := range []string{DMScopeMain, DMScopePerPeer, DMScopePerChannelPeer, DMScopePerAccountChannelPeer} {
		d := BuildKey("a", direct, scope)
		g := BuildKey("a", group, scope)
		if d == g || d.String() == g.String() {
			t.Errorf("scope %s: direct and group keys collide: %q", scope, d)
		}
	}
}

func TestEscapingPreventsCollisions(t *testing.T) {
	a := Key{AgentID: "x", Channel: "c:d", Peer: "p", DMScope: ScopeGroup}
	b := Key{AgentID: "x", Channel: "c", AccountID: "d", Peer: "p", DMScope: ScopeGroup}
	if a.String() == b.String() {
		t.Errorf("keys collide: %q", a)
	}
}

func TestThreadPeer(t *testing.T) {
	msg := bus.MessageContext{Channel: "discord", AccountID: "app", PeerID: "123", ThreadID: "9", PeerKind: bus.PeerGroup}
	if got, want := BuildKey("a", msg, "").Peer, "123/thread/9"; got != want {
		t.Errorf("Peer = %q, want %q", got, want)
	}

	// Discord-style threads are their own channel hanging off a parent.
	msg = bus.MessageContext{Channel: "discord", AccountID: "app", PeerID: "9", ThreadID: "9", ParentPeerID: "123", PeerKind: bus.PeerGroup}
	if got, want := BuildKey("a", msg, "").Peer, "123/thread/9"; got != want {
		t.Errorf("Peer = %q, want %q", got, want)
	}
}

func TestThreadPeerNeverCollidesWithDirectPeer(t *testing.T) {
	direct := dm("discord", "app", "x/thread/y")
	thread := bus.MessageContext{Channel: "discord", AccountID: "app", PeerID: "x", ThreadID: "y", PeerKind: bus.PeerDirect}

	d, th := BuildKey("a", direct, ""), BuildKey("a", thread, "")
	if d == th || d.String() == th.String() {
		t.Errorf("direct peer and thread keys collide: %q", d)
	}
	if got, want := d.Peer, "x%2Fthread%2Fy"; got != want {
		t.Errorf("direct Peer = %q, want %q", got, want)
	}
	if got, err := ParseKey(d.String()); err != nil || got != d {
		t.Errorf("ParseKey(%q) = %+v, %v; want %+v", d.String(), got, err, d)
	}
}

func TestParseKeyRoundTrip(t *testing.T) {
	keys := []Key{
		BuildKey("default", dm("telegram", "bot1", "42"), DMScopePerAccountChannelPeer),
		BuildKey("default", dm("ws", "", "u1"), DMScopeMain),
		{AgentID: "a%b", Channel: "c:1", AccountID: "", Peer: "p:q", DMScope: ScopeGroup},
	}
	for _, k := range keys {
		got, err := ParseKey(k.String())
		if err != nil {
			t.Fatalf("ParseKey(%q): %v", k, err)
		}
		if got != k {
			t.Errorf("ParseKey(%q) = %+v, want %+v", k, got, k)
		}
	}
}

func TestParseKeyInvalid(t *testing.T) {
	for _, s := range []string{"", "agent:x", "session:a:b:c:d:e", "agent::c:a:group:p", "agent:a:c:a::p"} {
		if _, err := ParseKey(s); err == nil {
			t.Errorf("ParseKey(%q) = nil error, want error", s)
		}
	}
	if AgentFromKey("bogus") != "" {
		t.Error("AgentFromKey(bogus) != \"\"")
	}
}
