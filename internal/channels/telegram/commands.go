package telegram

import (
	"context"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const helpText = `Send a message to talk to the agent.

/stop aborts the reply in progress.
/stopall also drops queued messages.
Prefix a message with /think:high, /model:<name>, /verbose or /quiet to adjust that one reply.`

// commandName extracts "/cmd" from "/cmd@botname args".
func commandName(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	cmd := text
	if i := strings.IndexAny(cmd, " \n\t"); i >= 0 {
		cmd = cmd[:i]
	}
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd)
}

// handleBotCommand answers commands that never reach an agent. Returns true
// when the message was consumed. /stop and /stopall fall through to the
// pipeline, which owns cancellation.
func (c *Channel) handleBotCommand(ctx context.Context, message *telego.Message, threadID int) bool {
	var reply string
	switch commandName(message.Text) {
	case "/start":
		reply = "Hi! Send me a message to get started."
	case "/help":
		reply = helpText
	default:
		return false
	}

	msg := tu.Message(tu.ID(message.Chat.ID), reply)
	if id := resolveThreadIDForSend(threadID); id > 0 {
		msg.MessageThreadID = id
	}
	if _, err := c.bot.SendMessage(ctx, msg); err != nil {
		slog.Warn("telegram command reply failed", "command", commandName(message.Text), "error", err)
	}
	return true
}

// SyncMenuCommands registers bot commands with Telegram via setMyCommands.
func (c *Channel) SyncMenuCommands(ctx context.Context, commands []telego.BotCommand) error {
	if len(commands) == 0 {
		return nil
	}
	if len(commands) > 100 {
		commands = commands[:100]
	}
	return c.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{Commands: commands})
}

// DefaultMenuCommands returns the default bot menu commands.
func DefaultMenuCommands() []telego.BotCommand {
	return []telego.BotCommand{
		{Command: "start", Description: "Start chatting with the bot"},
		{Command: "help", Description: "Show available commands"},
		{Command: "stop", Description: "Stop the current reply"},
		{Command: "stopall", Description: "Stop the current reply and drop queued messages"},
	}
}
