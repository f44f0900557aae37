package delivery

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const fenceClose = "\n```"

// minFenceLimit is the smallest limit at which fences are rebalanced; below
// it the reopen prefix would eat the whole chunk.
const minFenceLimit = 32

// ChunkText splits text into pieces of at most limit runes. It breaks at the
// last paragraph boundary in range, then the last line break, then the last
// whitespace, and hard-cuts only when none exists. A fenced code block that
// spans a cut is closed at the end of one chunk and reopened, with its info
// string, at the start of the next.
func ChunkText(text string, limit int) []string {
	text = strings.TrimRight(text, " \t\n")
	if text == "" {
		return nil
	}
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var out []string
	rest := []rune(text)
	for len(rest) > limit {
		cut, skip := breakPoint(rest, limit)
		chunk := string(rest[:cut])
		next := rest[cut+skip:]

		if open, _ := openFence(chunk); open && limit >= minFenceLimit {
			// Leave room for the closing fence.
			cut, skip = breakPoint(rest, limit-utf8.RuneCountInString(fenceClose))
			chunk = string(rest[:cut])
			next = rest[cut+skip:]
			if open, opener := openFence(chunk); open {
				chunk = strings.TrimRight(chunk, "\n") + fenceClose
				if utf8.RuneCountInString(opener) >= limit/4 {
					opener = "```"
				}
				reopened := make([]rune, 0, len(opener)+1+len(next))
				reopened = append(reopened, []rune(opener+"\n")...)
				next = append(reopened, next...)
			}
		}

		if chunk = strings.TrimRight(chunk, " \t\n"); chunk != "" {
			out = append(out, chunk)
		}
		rest = trimLeadingNewlines(next)
	}
	if last := strings.TrimRight(string(rest), " \t\n"); last != "" {
		out = append(out, last)
	}
	return out
}

// breakPoint picks where to cut r (len(r) > limit) so that r[:cut] fits.
// skip is the number of separator runes dropped after the cut. Soft breaks
// in the first quarter are ignored so chunks do not degenerate.
func breakPoint(r []rune, limit int) (cut, skip int) {
	floor := limit / 4
	for i := limit; i > floor; i-- {
		if r[i] == '\n' && r[i-1] == '\n' {
			return i - 1, 2
		}
	}
	for i := limit; i > floor; i-- {
		if r[i] == '\n' {
			return i, 1
		}
	}
	for i := limit; i > floor; i-- {
		if unicode.IsSpace(r[i]) {
			return i, 1
		}
	}
	return limit, 0
}

// openFence reports whether chunk ends inside a fenced code block, and the
// line that opened it.
func openFence(chunk string) (bool, string) {
	open := false
	opener := ""
	for _, line := range strings.Split(chunk, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "```") {
			continue
		}
		if open {
			open = false
			opener = ""
		} else {
			open = true
			opener = trimmed
		}
	}
	return open, opener
}

func trimLeadingNewlines(r []rune) []rune {
	for len(r) > 0 && r[0] == '\n' {
		r = r[1:]
	}
	return r
}
