package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/clawlane/internal/metrics"
	"github.com/nextlevelbuilder/clawlane/internal/providers"
	"github.com/nextlevelbuilder/clawlane/internal/store"
)

const (
	summaryMaxTokens     = 1024
	summaryTurnChars     = 2000
	summaryTranscriptCap = 60000
	extractiveTurnChars  = 160
)

const summarizerPrompt = `You compress chat history. Write a concise summary of the conversation below ` +
	`that keeps facts, decisions, open questions and user preferences a later reply may need. ` +
	`Write plain prose, no preamble.`

// compact folds the older part of the active history into a summary. It
// runs at most once per turn; the summary is persisted as its own entry and
// the turn records it covers stay in the transcript.
func (t *turnRun) compact() runEvent {
	if t.ctx.Err() != nil {
		return t.cancelled()
	}
	if t.compacted {
		t.terminate(store.OutcomeError, fmt.Errorf("%w: %w", ErrContextOverflow, t.lastErr))
		return evOverflow
	}
	t.compacted = true

	keep := t.tc.KeepLastTurns
	covered := len(t.history) - keep
	if covered <= 0 {
		covered = len(t.history)
	}
	if covered == 0 {
		t.terminate(store.OutcomeError, fmt.Errorf("%w: nothing left to compact: %w", ErrContextOverflow, t.lastErr))
		return evOverflow
	}

	text := t.summarize(t.history[:covered])
	if t.ctx.Err() != nil {
		return t.cancelled()
	}

	rec := store.SummaryRecord{
		TurnID: t.tc.TurnID,
		Text:   text,
		Covers: t.coveredBefore + covered,
	}
	if t.r.store != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(t.ctx), t.r.persistTimeout)
		err := t.r.store.AppendSummary(ctx, t.tc.SessionKey, rec)
		cancel()
		if err != nil {
			slog.Warn("runner.summary_persist_failed", "turn", t.tc.TurnID, "session", t.tc.SessionKey, "error", err)
		}
	}

	t.summary = text
	t.history = t.history[covered:]
	t.coveredBefore += covered
	metrics.Compactions.Inc()
	slog.Info("runner.compacted", "turn", t.tc.TurnID, "session", t.tc.SessionKey,
		"covered", covered, "kept", len(t.history), "reason", t.lastErr)
	return evCompacted
}

// summarize asks the current provider for a summary and falls back to an
// extract of the turns when the call fails.
func (t *turnRun) summarize(turns []store.TurnRecord) string {
	e := t.entry()
	req := providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: summarizerPrompt},
			{Role: "user", Content: summaryInput(t.summary, turns)},
		},
		Model:      e.Model,
		Options:    map[string]interface{}{providers.OptMaxTokens: summaryMaxTokens},
		Credential: t.tc.Binding.credential(t.provIdx, t.credIdx),
	}
	ctx, cancel := context.WithTimeout(t.ctx, t.tc.AttemptTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "agent.compaction")
	defer span.End()

	resp, err := e.Provider.Chat(ctx, req)
	if err == nil && resp != nil && strings.TrimSpace(resp.Content) != "" {
		t.usage.Add(resp.Usage)
		return strings.TrimSpace(resp.Content)
	}
	if err == nil {
		err = fmt.Errorf("empty summary")
	}
	span.RecordError(err)
	slog.Warn("runner.summarize_failed", "turn", t.tc.TurnID, "provider", e.Provider.Name(), "error", err)
	return extractiveSummary(t.summary, turns)
}

func summaryInput(prev string, turns []store.TurnRecord) string {
	var sb strings.Builder
	if prev != "" {
		sb.WriteString("Earlier summary:\n" + prev + "\n\n")
	}
	sb.WriteString("Conversation:\n")
	for _, tr := range turns {
		fmt.Fprintf(&sb, "User: %s\nAssistant: %s\n\n",
			truncateStr(tr.User, summaryTurnChars), truncateStr(tr.Reply, summaryTurnChars))
	}
	out := sb.String()
	if r := []rune(out); len(r) > summaryTranscriptCap {
		out = string(r[len(r)-summaryTranscriptCap:])
	}
	return out
}

func extractiveSummary(prev string, turns []store.TurnRecord) string {
	var sb strings.Builder
	if prev != "" {
		sb.WriteString(prev + "\n")
	}
	fmt.Fprintf(&sb, "Earlier exchanges (%d, abbreviated):\n", len(turns))
	for _, tr := range turns {
		fmt.Fprintf(&sb, "- user: %s / assistant: %s\n",
			oneLine(truncateStr(tr.User, extractiveTurnChars)),
			oneLine(truncateStr(tr.Reply, extractiveTurnChars)))
	}
	return strings.TrimSpace(sb.String())
}

func oneLine(s string) string { return strings.Join(strings.Fields(s), " ") }
