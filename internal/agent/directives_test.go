package agent

import "testing"

func TestParseDirectives(t *testing.T) {
	tests := []struct {
		in   string
		want Directives
		rest string
	}{
		{"hello", Directives{}, "hello"},
		{"/think high explain this", Directives{Think: ThinkHigh}, "explain this"},
		{"/think:low  keep\nformatting", Directives{Think: ThinkLow}, "keep\nformatting"},
		{"/model gpt-4o /quiet hi", Directives{Model: "gpt-4o", Verbosity: VerbosityQuiet}, "hi"},
		{"/verbose /think off", Directives{Think: ThinkOff, Verbosity: VerbosityVerbose}, ""},
		{"/THINK Medium go", Directives{Think: ThinkMedium}, "go"},
		{"/unknown stays /think high", Directives{}, "/unknown stays /think high"},
		{"/think banana rest", Directives{}, "/think banana rest"},
		{"/quiet /think:wat rest", Directives{Verbosity: VerbosityQuiet}, "/think:wat rest"},
		{"/model", Directives{}, "/model"},
		{"text /think high", Directives{}, "text /think high"},
		{"  /quiet", Directives{Verbosity: VerbosityQuiet}, ""},
		{"", Directives{}, ""},
	}
	for _, tt := range tests {
		got, rest := ParseDirectives(tt.in)
		if got != tt.want || rest != tt.rest {
			t.Errorf("ParseDirectives(%q) = %+v, %q; want %+v, %q", tt.in, got, rest, tt.want, tt.rest)
		}
	}
}
