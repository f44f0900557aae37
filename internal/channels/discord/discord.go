package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/clawlane/internal/bus"
	"github.com/nextlevelbuilder/clawlane/internal/channels"
	"github.com/nextlevelbuilder/clawlane/internal/config"
)

const (
	channelName     = "discord"
	defaultMaxChars = 2000
)

// Channel connects to Discord via the Bot API using gateway events.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	config    config.DiscordConfig
	botUserID string // populated on start
}

// New creates a new Discord channel from config.
func New(cfg config.DiscordConfig, queue bus.InboundQueue) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: token is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel(channelName, queue, cfg.AllowFrom),
		session:     session,
		config:      cfg,
	}, nil
}

// Capabilities reports markdown formatting and the configured message limit.
func (c *Channel) Capabilities() channels.Capabilities {
	maxChars := c.config.MaxChars
	if maxChars <= 0 {
		maxChars = defaultMaxChars
	}
	return channels.Capabilities{Format: channels.FormatMarkdown, MaxChars: maxChars, Media: true}
}

// Start opens the Discord gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("starting discord bot")

	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID
	c.SetAccountID(user.ID)

	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the Discord gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord bot")
	c.SetRunning(false)
	return c.session.Close()
}

// Send delivers one pre-formatted, pre-chunked message. Thread replies go
// to the thread channel.
func (c *Channel) Send(ctx context.Context, msg channels.Outbound) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	channelID := msg.PeerID
	if msg.ThreadID != "" {
		channelID = msg.ThreadID
	}
	if channelID == "" {
		return channels.Permanent(fmt.Errorf("empty channel id for discord send"))
	}

	send := &discordgo.MessageSend{Content: msg.Text}
	if msg.ReplyTo != "" {
		send.Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo, ChannelID: channelID}
	}

	var opened []*os.File
	defer func() {
		for _, f := range opened {
			f.Close()
		}
	}()
	for _, m := range msg.Media {
		switch {
		case m.Path != "":
			f, err := os.Open(m.Path)
			if err != nil {
				return channels.Permanent(fmt.Errorf("discord: open media: %w", err))
			}
			opened = append(opened, f)
			send.Files = append(send.Files, &discordgo.File{
				Name:        filepath.Base(m.Path),
				ContentType: m.MimeType,
				Reader:      f,
			})
		case m.URL != "":
			// Discord unfurls plain links itself.
			if send.Content != "" {
				send.Content += "\n"
			}
			send.Content += m.URL
		}
	}
	if send.Content == "" && len(send.Files) == 0 {
		return nil
	}

	if _, err := c.session.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx)); err != nil {
		return classifySendError(err)
	}
	return nil
}

// classifySendError marks REST rejections that will not succeed on retry
// (missing access, unknown channel, invalid form body) as permanent.
func classifySendError(err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return channels.Permanent(fmt.Errorf("discord send: %w", err))
		}
	}
	return fmt.Errorf("discord send: %w", err)
}

// handleMessage normalizes incoming Discord messages and queues them.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	senderID := m.Author.ID
	senderName := resolveDisplayName(m)
	if !c.IsAllowed(senderID) {
		slog.Debug("discord message rejected by allowlist", "user_id", senderID, "username", senderName)
		return
	}

	content := m.Content
	var refs []bus.MediaRef
	for _, att := range m.Attachments {
		if strings.HasPrefix(att.ContentType, "image/") {
			refs = append(refs, bus.MediaRef{URL: att.URL, MimeType: att.ContentType})
			continue
		}
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s (%s)]", att.Filename, att.URL)
	}
	if content == "" && len(refs) == 0 {
		return
	}

	msg := bus.MessageContext{
		PeerID:    m.ChannelID,
		PeerKind:  bus.PeerDirect,
		SenderID:  senderID,
		Content:   content,
		Media:     refs,
		ArrivedAt: m.Timestamp,
		MessageID: m.ID,
		Metadata: map[string]string{
			"username":     m.Author.Username,
			"display_name": senderName,
		},
	}

	switch cmd := strings.ToLower(strings.TrimSpace(m.Content)); cmd {
	case "/stop", "/stopall", "!stop", "!stopall":
		msg.Metadata["command"] = cmd[1:]
	}

	if m.GuildID != "" {
		msg.PeerKind = bus.PeerGroup
		msg.GuildID = m.GuildID
		msg.Content = fmt.Sprintf("[From: %s]\n%s", senderName, content)
		if mentionsUser(m.Mentions, c.botUserID) {
			msg.Metadata["mentioned"] = "true"
		}
		// Threads share their parent's peer so channel-level bindings still
		// match; the thread id splits the session.
		if ch := c.lookupChannel(m.ChannelID); ch != nil && ch.IsThread() && ch.ParentID != "" {
			msg.PeerID = ch.ParentID
			msg.ParentPeerID = ch.ParentID
			msg.ThreadID = m.ChannelID
		}
	}

	_ = c.session.ChannelTyping(m.ChannelID)

	slog.Debug("discord message received",
		"sender_id", senderID,
		"channel_id", m.ChannelID,
		"guild_id", m.GuildID,
		"thread", msg.ThreadID != "",
	)
	c.HandleMessage(msg)
}

// lookupChannel resolves channel metadata from the state cache, falling back
// to the REST API.
func (c *Channel) lookupChannel(id string) *discordgo.Channel {
	if c.session.State != nil {
		if ch, err := c.session.State.Channel(id); err == nil {
			return ch
		}
	}
	ch, err := c.session.Channel(id)
	if err != nil {
		slog.Debug("discord channel lookup failed", "channel_id", id, "error", err)
		return nil
	}
	return ch
}

func mentionsUser(users []*discordgo.User, id string) bool {
	for _, u := range users {
		if u != nil && u.ID == id {
			return true
		}
	}
	return false
}

// resolveDisplayName returns the best available display name for a Discord message author.
// Priority: server nickname > global display name > username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
