package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawlane/internal/bus"
	"github.com/nextlevelbuilder/clawlane/internal/providers"
	"github.com/nextlevelbuilder/clawlane/internal/store"
)

const defaultPersona = "You are a helpful assistant. Be accurate and concise."

// SystemPromptConfig is everything the system prompt is built from.
type SystemPromptConfig struct {
	AgentID     string
	DisplayName string
	Persona     string
	Message     bus.MessageContext
	Skills      SkillSnapshot
	ToolNames   []string
	Verbosity   Verbosity
	Degraded    bool
	Now         time.Time
}

// BuildSystemPrompt merges the persona, channel and group context, and the
// skill snapshot into one prompt.
func BuildSystemPrompt(cfg SystemPromptConfig) string {
	var parts []string

	persona := strings.TrimSpace(cfg.Persona)
	if persona == "" {
		persona = defaultPersona
	}
	if cfg.DisplayName != "" {
		parts = append(parts, fmt.Sprintf("# %s\n\n%s", cfg.DisplayName, persona))
	} else {
		parts = append(parts, persona)
	}

	now := cfg.Now
	if now.IsZero() {
		now = time.Now()
	}
	var ctx strings.Builder
	ctx.WriteString("## Context\n")
	fmt.Fprintf(&ctx, "Current time: %s\n", now.Format("2006-01-02 15:04 MST (Monday)"))
	if cfg.Message.Channel != "" {
		fmt.Fprintf(&ctx, "Channel: %s\n", cfg.Message.Channel)
	}
	if cfg.Message.IsGroup() {
		ctx.WriteString("Conversation: group chat. Several people may be talking; address the sender when it helps.\n")
		if cfg.Message.GuildID != "" {
			fmt.Fprintf(&ctx, "Server: %s\n", cfg.Message.GuildID)
		}
		ctx.WriteString("If a message needs no answer from you, reply with exactly NO_REPLY.\n")
	} else {
		ctx.WriteString("Conversation: direct message.\n")
	}
	if cfg.Message.ThreadID != "" {
		fmt.Fprintf(&ctx, "Thread: %s\n", cfg.Message.ThreadID)
	}
	parts = append(parts, strings.TrimRight(ctx.String(), "\n"))

	if len(cfg.ToolNames) > 0 {
		parts = append(parts, "## Tools\nAvailable: "+strings.Join(cfg.ToolNames, ", "))
	}

	if cfg.Skills.Len() > 0 {
		var sb strings.Builder
		sb.WriteString("## Skills")
		for _, sk := range cfg.Skills.Skills() {
			sb.WriteString("\n\n### " + sk.Name)
			if sk.Description != "" {
				sb.WriteString("\n" + sk.Description)
			}
			if sk.Prompt != "" {
				sb.WriteString("\n\n" + strings.TrimSpace(sk.Prompt))
			}
		}
		parts = append(parts, sb.String())
	}

	switch cfg.Verbosity {
	case VerbosityVerbose:
		parts = append(parts, "## Style\nAnswer in detail and explain your reasoning and any tool use.")
	case VerbosityQuiet:
		parts = append(parts, "## Style\nAnswer as briefly as possible.")
	}

	if cfg.Degraded {
		parts = append(parts, "## Note\nThe stored history of this conversation could not be read and was reset. Earlier messages are not available to you.")
	}

	return strings.Join(parts, "\n\n")
}

// buildMessages assembles the request: system prompt, the active summary,
// the turns after it, then the current user message.
func buildMessages(system, summary string, history []store.TurnRecord, user providers.Message) []providers.Message {
	msgs := make([]providers.Message, 0, len(history)*2+4)
	msgs = append(msgs, providers.Message{Role: "system", Content: system})
	if summary != "" {
		msgs = append(msgs,
			providers.Message{Role: "user", Content: "[Previous conversation summary]\n" + summary},
			providers.Message{Role: "assistant", Content: "Understood, I have the context of our earlier conversation."},
		)
	}
	for _, t := range history {
		if t.User == "" && t.Reply == "" {
			continue
		}
		msgs = append(msgs, providers.Message{Role: "user", Content: t.User})
		reply := t.Reply
		if t.Outcome != store.OutcomeFinal && t.Outcome != "" {
			reply = strings.TrimSpace(reply + fmt.Sprintf("\n[reply %s]", t.Outcome))
		}
		if reply == "" {
			reply = "[no reply]"
		}
		msgs = append(msgs, providers.Message{Role: "assistant", Content: reply})
	}
	return append(msgs, user)
}
