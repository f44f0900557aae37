package delivery

import (
	"bytes"
	"html"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"github.com/nextlevelbuilder/clawlane/internal/channels"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.Strikethrough))

// htmlText escapes the three characters Telegram's HTML parse mode requires.
var htmlText = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// Format renders model markdown for a channel's capability level.
// FormatMarkdown is a passthrough. FormatHTML emits the tag subset Telegram
// accepts (b, i, s, code, pre, a, blockquote). FormatPlain strips markup.
func Format(md string, f channels.TextFormat) string {
	switch f {
	case channels.FormatHTML, channels.FormatPlain:
	default:
		return md
	}
	src := []byte(md)
	doc := markdown.Parser().Parse(text.NewReader(src))
	r := &renderer{src: src, html: f == channels.FormatHTML}
	_ = ast.Walk(doc, r.walk)
	return strings.TrimSpace(r.buf.String())
}

type listState struct {
	ordered bool
	next    int
}

type renderer struct {
	src   []byte
	html  bool
	buf   bytes.Buffer
	lists []listState
}

func (r *renderer) text(s string) {
	if r.html {
		s = htmlText.Replace(s)
	}
	r.buf.WriteString(s)
}

func (r *renderer) tag(s string) {
	if r.html {
		r.buf.WriteString(s)
	}
}

// newlines makes the buffer end in at least n line breaks.
func (r *renderer) newlines(n int) {
	b := r.buf.Bytes()
	if len(b) == 0 {
		return
	}
	have := 0
	for i := len(b) - 1; i >= 0 && b[i] == '\n' && have < n; i-- {
		have++
	}
	for ; have < n; have++ {
		r.buf.WriteByte('\n')
	}
}

func (r *renderer) trimTrailingNewlines() {
	b := r.buf.Bytes()
	r.buf.Truncate(len(bytes.TrimRight(b, "\n")))
}

func (r *renderer) blockGap(n ast.Node) int {
	if _, ok := n.Parent().(*ast.ListItem); ok {
		return 1
	}
	return 2
}

func (r *renderer) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch n := n.(type) {
	case *ast.Document:

	case *ast.Paragraph, *ast.TextBlock:
		if !entering {
			r.newlines(r.blockGap(n))
		}

	case *ast.Heading:
		if entering {
			r.tag("<b>")
		} else {
			r.tag("</b>")
			r.newlines(2)
		}

	case *ast.Text:
		if entering {
			r.text(string(n.Segment.Value(r.src)))
			if n.SoftLineBreak() || n.HardLineBreak() {
				r.buf.WriteByte('\n')
			}
		}

	case *ast.String:
		if entering {
			r.text(string(n.Value))
		}

	case *ast.Emphasis:
		open, closing := "<i>", "</i>"
		if n.Level >= 2 {
			open, closing = "<b>", "</b>"
		}
		if entering {
			r.tag(open)
		} else {
			r.tag(closing)
		}

	case *extast.Strikethrough:
		if entering {
			r.tag("<s>")
		} else {
			r.tag("</s>")
		}

	case *ast.CodeSpan:
		if !entering {
			return ast.WalkContinue, nil
		}
		r.tag("<code>")
		r.text(inlineText(n, r.src))
		r.tag("</code>")
		return ast.WalkSkipChildren, nil

	case *ast.FencedCodeBlock:
		if !entering {
			return ast.WalkContinue, nil
		}
		lang := string(n.Language(r.src))
		if lang != "" {
			r.tag(`<pre><code class="language-` + html.EscapeString(lang) + `">`)
		} else {
			r.tag("<pre><code>")
		}
		r.text(strings.TrimRight(blockLines(n, r.src), "\n"))
		r.tag("</code></pre>")
		r.newlines(2)
		return ast.WalkSkipChildren, nil

	case *ast.CodeBlock:
		if !entering {
			return ast.WalkContinue, nil
		}
		r.tag("<pre><code>")
		r.text(strings.TrimRight(blockLines(n, r.src), "\n"))
		r.tag("</code></pre>")
		r.newlines(2)
		return ast.WalkSkipChildren, nil

	case *ast.Blockquote:
		if entering {
			r.tag("<blockquote>")
		} else {
			r.trimTrailingNewlines()
			r.tag("</blockquote>")
			r.newlines(2)
		}

	case *ast.List:
		if entering {
			r.newlines(1)
			start := n.Start
			if start == 0 {
				start = 1
			}
			r.lists = append(r.lists, listState{ordered: n.IsOrdered(), next: start})
		} else {
			r.lists = r.lists[:len(r.lists)-1]
			if len(r.lists) == 0 {
				r.newlines(2)
			} else {
				r.newlines(1)
			}
		}

	case *ast.ListItem:
		if entering {
			r.newlines(1)
			depth := len(r.lists)
			r.buf.WriteString(strings.Repeat("  ", max(depth-1, 0)))
			if depth > 0 && r.lists[depth-1].ordered {
				r.buf.WriteString(strconv.Itoa(r.lists[depth-1].next) + ". ")
				r.lists[depth-1].next++
			} else {
				r.buf.WriteString("• ")
			}
		} else {
			r.newlines(1)
		}

	case *ast.Link:
		dest := string(n.Destination)
		if r.html {
			if entering {
				r.buf.WriteString(`<a href="` + html.EscapeString(dest) + `">`)
			} else {
				r.buf.WriteString("</a>")
			}
			return ast.WalkContinue, nil
		}
		if !entering {
			return ast.WalkContinue, nil
		}
		label := inlineText(n, r.src)
		r.text(label)
		if dest != "" && dest != label {
			r.text(" (" + dest + ")")
		}
		return ast.WalkSkipChildren, nil

	case *ast.AutoLink:
		if !entering {
			return ast.WalkContinue, nil
		}
		url := string(n.URL(r.src))
		if r.html {
			r.buf.WriteString(`<a href="` + html.EscapeString(url) + `">` + htmlText.Replace(string(n.Label(r.src))) + "</a>")
		} else {
			r.text(url)
		}
		return ast.WalkSkipChildren, nil

	case *ast.Image:
		if !entering {
			return ast.WalkContinue, nil
		}
		dest := string(n.Destination)
		alt := inlineText(n, r.src)
		if alt == "" {
			alt = "image"
		}
		if r.html {
			r.buf.WriteString(`<a href="` + html.EscapeString(dest) + `">` + htmlText.Replace(alt) + "</a>")
		} else {
			r.text(alt + " (" + dest + ")")
		}
		return ast.WalkSkipChildren, nil

	case *ast.ThematicBreak:
		if !entering {
			return ast.WalkContinue, nil
		}
		r.newlines(2)
		r.buf.WriteString("———")
		r.newlines(2)

	case *ast.RawHTML:
		if !entering {
			return ast.WalkContinue, nil
		}
		// Arbitrary tags are not part of any channel's subset; show them as text.
		segs := n.Segments
		for i := 0; i < segs.Len(); i++ {
			seg := segs.At(i)
			r.text(string(seg.Value(r.src)))
		}
		return ast.WalkSkipChildren, nil

	case *ast.HTMLBlock:
		if !entering {
			return ast.WalkContinue, nil
		}
		r.text(strings.TrimRight(blockLines(n, r.src), "\n"))
		if n.HasClosure() {
			r.buf.WriteByte('\n')
			r.text(string(n.ClosureLine.Value(r.src)))
		}
		r.newlines(2)
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

// blockLines joins the raw source lines of a block node.
func blockLines(n ast.Node, src []byte) string {
	var sb strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(src))
	}
	return sb.String()
}

// inlineText collects the literal text under an inline node.
func inlineText(n ast.Node, src []byte) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch c := c.(type) {
		case *ast.Text:
			sb.Write(c.Segment.Value(src))
			if c.SoftLineBreak() {
				sb.WriteByte(' ')
			}
		case *ast.String:
			sb.Write(c.Value)
		}
		return ast.WalkContinue, nil
	})
	return sb.String()
}
