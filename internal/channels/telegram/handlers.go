package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/clawlane/internal/bus"
)

// handleMessage normalizes an incoming Telegram message and queues it.
func (c *Channel) handleMessage(ctx context.Context, message *telego.Message) {
	// Service messages (member added, title changed) carry no user content.
	if isServiceMessage(message) {
		slog.Debug("telegram service message skipped", "chat_id", message.Chat.ID)
		return
	}

	user := message.From
	if user == nil || user.IsBot {
		return
	}

	userID := strconv.FormatInt(user.ID, 10)
	senderID := userID
	if user.Username != "" {
		senderID = userID + "|" + user.Username
	}
	if !c.IsAllowed(senderID) {
		slog.Debug("telegram message rejected by allowlist", "user_id", userID, "username", user.Username)
		return
	}

	isGroup := message.Chat.Type == telego.ChatTypeGroup || message.Chat.Type == telego.ChatTypeSupergroup

	// For non-forum groups message_thread_id is reply context, not a topic.
	// Forum messages without one belong to the General topic.
	isForum := isGroup && message.Chat.IsForum
	messageThreadID := 0
	if isForum {
		messageThreadID = message.MessageThreadID
		if messageThreadID == 0 {
			messageThreadID = telegramGeneralTopicID
		}
	}

	chatIDStr := strconv.FormatInt(message.Chat.ID, 10)

	if c.handleBotCommand(ctx, message, messageThreadID) {
		return
	}

	content := message.Text
	if message.Caption != "" {
		if content != "" {
			content += "\n"
		}
		content += message.Caption
	}

	mediaList := c.resolveMedia(ctx, message)
	var refs []bus.MediaRef
	if len(mediaList) > 0 {
		if tags := buildMediaTags(mediaList); tags != "" {
			if content != "" {
				content = tags + "\n\n" + content
			} else {
				content = tags
			}
		}
		for _, m := range mediaList {
			if m.Type == "document" && m.FilePath != "" {
				doc, err := extractDocumentContent(m.FilePath, m.FileName)
				if err != nil {
					slog.Warn("document extraction failed", "file", m.FileName, "error", err)
				} else if doc != "" {
					content += "\n\n" + doc
				}
				continue
			}
			if m.FilePath != "" {
				refs = append(refs, bus.MediaRef{Path: m.FilePath, MimeType: m.ContentType})
			}
		}
	}

	if reply := message.ReplyToMessage; reply != nil && reply.Text != "" {
		from := "someone"
		if reply.From != nil {
			from = displayName(reply.From)
		}
		content = fmt.Sprintf("[Replying to %s: %s]\n%s", from, truncate(reply.Text, 200), content)
	}
	if isGroup {
		content = fmt.Sprintf("[From: %s]\n%s", displayName(user), content)
	}
	if strings.TrimSpace(content) == "" {
		content = "[empty message]"
	}

	msg := bus.MessageContext{
		PeerID:    chatIDStr,
		PeerKind:  bus.PeerDirect,
		SenderID:  senderID,
		Content:   content,
		Media:     refs,
		ArrivedAt: time.Unix(int64(message.Date), 0),
		MessageID: strconv.Itoa(message.MessageID),
		Metadata: map[string]string{
			"username":   user.Username,
			"first_name": user.FirstName,
		},
	}
	if isGroup {
		msg.PeerKind = bus.PeerGroup
		if title := message.Chat.Title; title != "" {
			msg.Metadata["chat_title"] = title
		}
	}
	switch cmd := commandName(message.Text); cmd {
	case "/stop", "/stopall":
		msg.Metadata["command"] = cmd[1:]
	}
	if isForum {
		msg.ThreadID = strconv.Itoa(messageThreadID)
		msg.ParentPeerID = chatIDStr
	}

	typing := tu.ChatAction(tu.ID(message.Chat.ID), telego.ChatActionTyping)
	if messageThreadID > 0 {
		typing.MessageThreadID = messageThreadID
	}
	_ = c.bot.SendChatAction(ctx, typing)

	c.HandleMessage(msg)
}

func displayName(u *telego.User) string {
	if u.Username != "" {
		return "@" + u.Username
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return strconv.FormatInt(u.ID, 10)
	}
	return name
}

func truncate(s string, maxRunes int) string {
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes]) + "..."
}

// isServiceMessage returns true if the Telegram message is a service/system message
// (member added/removed, title changed, pinned, etc.) rather than a user-sent message.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	if msg.Photo != nil || msg.Audio != nil || msg.Video != nil ||
		msg.Document != nil || msg.Voice != nil || msg.VideoNote != nil ||
		msg.Sticker != nil || msg.Animation != nil || msg.Contact != nil ||
		msg.Location != nil || msg.Venue != nil || msg.Poll != nil {
		return false
	}
	return true
}
