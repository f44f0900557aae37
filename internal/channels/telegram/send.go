package telegram

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/clawlane/internal/bus"
	"github.com/nextlevelbuilder/clawlane/internal/channels"
)

// Send delivers one pre-formatted, pre-chunked message.
func (c *Channel) Send(ctx context.Context, msg channels.Outbound) error {
	chatID, err := parseChatID(msg.PeerID)
	if err != nil {
		return channels.Permanent(fmt.Errorf("telegram: invalid chat id %q: %w", msg.PeerID, err))
	}
	threadID := 0
	if msg.ThreadID != "" {
		if id, err := strconv.Atoi(msg.ThreadID); err == nil {
			threadID = resolveThreadIDForSend(id)
		}
	}
	replyTo := 0
	if msg.ReplyTo != "" {
		replyTo, _ = strconv.Atoi(msg.ReplyTo)
	}

	if strings.TrimSpace(msg.Text) != "" {
		params := tu.Message(tu.ID(chatID), msg.Text)
		if msg.Format == channels.FormatHTML {
			params.ParseMode = telego.ModeHTML
		}
		if threadID > 0 {
			params.MessageThreadID = threadID
		}
		if replyTo > 0 {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: replyTo, AllowSendingWithoutReply: true}
		}
		if _, err := c.bot.SendMessage(ctx, params); err != nil {
			return classifySendError(err)
		}
	}

	for _, m := range msg.Media {
		if err := c.sendMedia(ctx, chatID, threadID, m); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) sendMedia(ctx context.Context, chatID int64, threadID int, m bus.MediaRef) error {
	var file telego.InputFile
	switch {
	case m.URL != "":
		file = tu.FileFromURL(m.URL)
	case m.Path != "":
		f, err := os.Open(m.Path)
		if err != nil {
			return channels.Permanent(fmt.Errorf("telegram: open media: %w", err))
		}
		defer f.Close()
		file = tu.File(f)
	default:
		return nil
	}

	var err error
	if strings.HasPrefix(m.MimeType, "image/") {
		params := tu.Photo(tu.ID(chatID), file)
		if threadID > 0 {
			params.MessageThreadID = threadID
		}
		_, err = c.bot.SendPhoto(ctx, params)
	} else {
		params := tu.Document(tu.ID(chatID), file)
		if threadID > 0 {
			params.MessageThreadID = threadID
		}
		_, err = c.bot.SendDocument(ctx, params)
	}
	if err != nil {
		return classifySendError(err)
	}
	return nil
}

// classifySendError marks Bot API rejections that will not succeed on
// retry (bad request, forbidden, chat not found) as permanent.
func classifySendError(err error) error {
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode {
		case 400, 401, 403, 404:
			return channels.Permanent(fmt.Errorf("telegram send: %w", err))
		}
	}
	return fmt.Errorf("telegram send: %w", err)
}
