package agent

import (
	"strings"
	"unicode"
)

// ThinkLevel selects reasoning depth for one turn.
type ThinkLevel string

const (
	ThinkOff     ThinkLevel = "off"
	ThinkMinimal ThinkLevel = "minimal"
	ThinkLow     ThinkLevel = "low"
	ThinkMedium  ThinkLevel = "medium"
	ThinkHigh    ThinkLevel = "high"
)

func parseThinkLevel(s string) (ThinkLevel, bool) {
	switch l := ThinkLevel(strings.ToLower(s)); l {
	case ThinkOff, ThinkMinimal, ThinkLow, ThinkMedium, ThinkHigh:
		return l, true
	}
	return "", false
}

type Verbosity int

const (
	VerbosityDefault Verbosity = iota
	VerbosityVerbose
	VerbosityQuiet
)

// Directives are the per-turn overrides parsed from the head of a message.
// They never change persisted agent defaults.
type Directives struct {
	Think     ThinkLevel // empty when not given
	Model     string
	Verbosity Verbosity
}

func (d Directives) IsZero() bool { return d == Directives{} }

// ParseDirectives consumes leading directive tokens and returns them with
// the remaining message text. Parsing stops at the first token that is not
// a well-formed directive; unknown slash tokens stay in the message.
//
//	/think <level>   /think:<level>   /model <name>   /verbose   /quiet
func ParseDirectives(text string) (Directives, string) {
	var d Directives
	rest := text
	for {
		tok, after := nextToken(rest)
		if tok == "" {
			return d, ""
		}
		lower := strings.ToLower(tok)
		switch {
		case lower == "/verbose":
			d.Verbosity = VerbosityVerbose
		case lower == "/quiet":
			d.Verbosity = VerbosityQuiet
		case strings.HasPrefix(lower, "/think:"):
			lvl, ok := parseThinkLevel(tok[len("/think:"):])
			if !ok {
				return d, strings.TrimLeftFunc(rest, unicode.IsSpace)
			}
			d.Think = lvl
		case lower == "/think":
			arg, afterArg := nextToken(after)
			lvl, ok := parseThinkLevel(arg)
			if !ok {
				return d, strings.TrimLeftFunc(rest, unicode.IsSpace)
			}
			d.Think = lvl
			after = afterArg
		case lower == "/model":
			arg, afterArg := nextToken(after)
			if arg == "" || strings.HasPrefix(arg, "/") {
				return d, strings.TrimLeftFunc(rest, unicode.IsSpace)
			}
			d.Model = arg
			after = afterArg
		default:
			return d, strings.TrimLeftFunc(rest, unicode.IsSpace)
		}
		rest = after
	}
}

// nextToken splits off the first whitespace-delimited token. The remainder
// keeps its original formatting.
func nextToken(s string) (tok, rest string) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	if s == "" {
		return "", ""
	}
	end := strings.IndexFunc(s, unicode.IsSpace)
	if end < 0 {
		return s, ""
	}
	return s[:end], s[end:]
}
