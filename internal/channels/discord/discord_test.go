package discord

import (
	"errors"
	"net/http"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/clawlane/internal/bus"
	"github.com/nextlevelbuilder/clawlane/internal/channels"
	"github.com/nextlevelbuilder/clawlane/internal/config"
)

func TestClassifySendError(t *testing.T) {
	rest := func(code int) error {
		return &discordgo.RESTError{Response: &http.Response{StatusCode: code}}
	}
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"forbidden", rest(http.StatusForbidden), true},
		{"unknown channel", rest(http.StatusNotFound), true},
		{"rate limited", rest(http.StatusTooManyRequests), false},
		{"server error", rest(http.StatusBadGateway), false},
		{"network", errors.New("i/o timeout"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := channels.IsPermanent(classifySendError(tt.err)); got != tt.permanent {
				t.Errorf("permanent = %v, want %v", got, tt.permanent)
			}
		})
	}
}

func TestResolveDisplayName(t *testing.T) {
	tests := []struct {
		name string
		msg  *discordgo.MessageCreate
		want string
	}{
		{"nick", &discordgo.MessageCreate{Message: &discordgo.Message{
			Author: &discordgo.User{Username: "u", GlobalName: "G"},
			Member: &discordgo.Member{Nick: "N"},
		}}, "N"},
		{"global", &discordgo.MessageCreate{Message: &discordgo.Message{
			Author: &discordgo.User{Username: "u", GlobalName: "G"},
		}}, "G"},
		{"username", &discordgo.MessageCreate{Message: &discordgo.Message{
			Author: &discordgo.User{Username: "u"},
		}}, "u"},
	}
	for _, tt := range tests {
		if got := resolveDisplayName(tt.msg); got != tt.want {
			t.Errorf("%s: resolveDisplayName = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestMentionsUser(t *testing.T) {
	users := []*discordgo.User{{ID: "1"}, nil, {ID: "bot"}}
	if !mentionsUser(users, "bot") {
		t.Error("mentionsUser missed bot")
	}
	if mentionsUser(users, "2") {
		t.Error("mentionsUser matched absent id")
	}
}

func TestCapabilities(t *testing.T) {
	ch, err := New(config.DiscordConfig{Token: "test-token"}, bus.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	caps := ch.Capabilities()
	if caps.Format != channels.FormatMarkdown || caps.MaxChars != defaultMaxChars {
		t.Errorf("Capabilities = %+v", caps)
	}

	if _, err := New(config.DiscordConfig{}, bus.New()); err == nil {
		t.Error("New without token succeeded")
	}
}
