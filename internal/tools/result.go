package tools

import "strings"

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string   `json:"for_llm"`         // content sent to the LLM
	Media   []string `json:"media,omitempty"` // URLs or paths delivered to the user with the reply
	IsError bool     `json:"is_error"`
	Async   bool     `json:"async"` // accepted, running detached
	Err     error    `json:"-"`     // internal error (not serialized)
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

// MediaResult splits "MEDIA:<ref>" lines out of a tool's text output. The
// refs go to the user; the model sees the remaining text.
func MediaResult(text string) *Result {
	text, media := ExtractMedia(text)
	if len(media) > 0 && strings.TrimSpace(text) == "" {
		text = "media attached to the reply"
	}
	return &Result{ForLLM: text, Media: media}
}

func AsyncResult(message string) *Result {
	return &Result{ForLLM: message, Async: true}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}

func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// ExtractMedia removes lines of the form "MEDIA:<ref>" and returns the refs.
func ExtractMedia(text string) (string, []string) {
	if !strings.Contains(text, "MEDIA:") {
		return text, nil
	}
	var (
		kept  []string
		media []string
	)
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if ref, ok := strings.CutPrefix(trimmed, "MEDIA:"); ok {
			if ref = strings.TrimSpace(ref); ref != "" {
				media = append(media, ref)
			}
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n"), media
}
