package agent

import (
	"log/slog"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/nextlevelbuilder/clawlane/internal/providers"
)

// Per-message framing overhead and the flat cost charged per image.
const (
	messageOverheadTokens = 4
	imageTokens           = 1600
)

// TokenCounter estimates prompt size with the cl100k_base encoding. Counts
// are approximate for non-OpenAI models, which is enough to decide when to
// compact.
type TokenCounter struct {
	codec tokenizer.Codec
}

var (
	defaultCounterOnce sync.Once
	defaultCounter     *TokenCounter
)

// DefaultTokenCounter returns a shared counter. If the encoding cannot be
// loaded the counter falls back to len/4.
func DefaultTokenCounter() *TokenCounter {
	defaultCounterOnce.Do(func() {
		codec, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			slog.Warn("tokens.codec_unavailable", "error", err)
		}
		defaultCounter = &TokenCounter{codec: codec}
	})
	return defaultCounter
}

func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}
	n, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// CountMessages estimates the prompt tokens of a request.
func (tc *TokenCounter) CountMessages(msgs []providers.Message) int {
	total := 0
	for _, m := range msgs {
		total += messageOverheadTokens + tc.Count(m.Content)
		total += imageTokens * len(m.Images)
		for _, call := range m.ToolCalls {
			total += tc.Count(call.Name)
			for k, v := range call.Arguments {
				total += tc.Count(k)
				if s, ok := v.(string); ok {
					total += tc.Count(s)
				} else {
					total += 4
				}
			}
		}
	}
	return total
}
