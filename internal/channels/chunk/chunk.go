// Package chunk splits outbound text into platform-sized messages without
// breaking UTF-8 sequences and without leaving code fences unbalanced.
package chunk

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Text splits text into pieces of at most limit bytes, preferring to break
// at a newline, then at whitespace, then anywhere on a rune boundary.
// A non-positive limit disables splitting.
func Text(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(text) > limit {
		cut := breakIndex(text, limit)
		if piece := strings.TrimRight(text[:cut], " \t\n"); piece != "" {
			chunks = append(chunks, piece)
		}
		text = strings.TrimLeft(text[cut:], " \t\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// Markdown is Text for markdown: a piece that ends inside a code fence gets
// the fence closed, and the next piece reopens it with the same opening line.
func Markdown(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(text) > limit {
		spans := fenceSpans(text)
		cut := breakIndex(text, limit)
		fence := spanAt(spans, cut)
		if fence != nil {
			closing := fence.indent + fence.marker
			cut = breakIndex(text, limit-len(closing)-1)
			fence = spanAt(spans, cut)
			// Reopening must still make progress; otherwise fall back to a
			// plain split.
			if fence != nil && cut <= len(fence.openLine)+1 {
				fence = nil
				cut = breakIndex(text, limit)
			}
		}

		piece, rest := text[:cut], text[cut:]
		if fence != nil {
			piece = strings.TrimRight(piece, "\n") + "\n" + fence.indent + fence.marker
			rest = fence.openLine + "\n" + strings.TrimLeft(rest, "\n")
		} else {
			piece = strings.TrimRight(piece, " \t\n")
			rest = strings.TrimLeft(rest, " \t\n")
		}
		if piece != "" {
			chunks = append(chunks, piece)
		}
		text = rest
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// breakIndex picks where to cut text so the head fits in limit bytes. It
// always returns a value in (0, limit] on a rune boundary.
func breakIndex(text string, limit int) int {
	if limit < utf8.UTFMax {
		limit = utf8.UTFMax
	}
	if limit >= len(text) {
		return len(text)
	}
	window := text[:limit]
	if i := strings.LastIndexByte(window, '\n'); i > 0 {
		return i
	}
	if i := strings.LastIndexAny(window, " \t"); i > 0 {
		return i
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	if cut == 0 {
		_, size := utf8.DecodeRuneInString(text)
		cut = size
	}
	return cut
}

type fenceSpan struct {
	start, end int
	indent     string
	marker     string
	openLine   string
}

var fenceOpen = regexp.MustCompile("(?m)^([ \t]*)(```+|~~~+)([^\n]*)\n")

// fenceSpans locates code fences. An unterminated fence runs to the end.
func fenceSpans(text string) []fenceSpan {
	var spans []fenceSpan
	offset := 0
	for offset < len(text) {
		m := fenceOpen.FindStringSubmatchIndex(text[offset:])
		if m == nil {
			break
		}
		rest := text[offset:]
		span := fenceSpan{
			start:    offset + m[0],
			indent:   rest[m[2]:m[3]],
			marker:   rest[m[4]:m[5]],
			openLine: rest[m[0] : m[1]-1],
		}
		closer := regexp.MustCompile("(?m)^" + regexp.QuoteMeta(span.indent+span.marker) + "[ \t]*$")
		if c := closer.FindStringIndex(rest[m[1]:]); c != nil {
			span.end = offset + m[1] + c[1]
		} else {
			span.end = len(text)
		}
		spans = append(spans, span)
		offset = span.end
	}
	return spans
}

// spanAt returns the fence whose body contains idx.
func spanAt(spans []fenceSpan, idx int) *fenceSpan {
	for i := range spans {
		if idx > spans[i].start && idx < spans[i].end {
			return &spans[i]
		}
	}
	return nil
}
