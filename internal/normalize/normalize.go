// Package normalize holds the text primitives shared by every extractor:
// newline normalisation, paragraph segmentation, LaTeX comment stripping and
// document-order ID generation.
package normalize

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var blankRun = regexp.MustCompile(`\n[ \t]*\n(?:[ \t]*\n)*`)

// Newlines converts CRLF/CR to LF and drops invisible characters that break
// downstream regexes.
func Newlines(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	return strings.Map(func(r rune) rune {
		switch r {
		case '\u200B', '\u200C', '\u200D', '\uFEFF', '\u00AD', '\u2060':
			return -1
		case '\u00A0':
			return ' '
		default:
			return r
		}
	}, text)
}

// Paragraphs splits text on runs of blank lines, collapses inner whitespace
// and drops fragments shorter than minLen runes.
func Paragraphs(text string, minLen int) []string {
	text = Newlines(text)
	parts := blankRun.Split(text, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = CollapseSpace(p)
		if p == "" || utf8.RuneCountInString(p) < minLen {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Span is a paragraph together with its byte offset in the source text.
type Span struct {
	Text   string
	Offset int
}

// ParagraphSpans is Paragraphs with offsets preserved, used when paragraphs
// must later be attached to structure found at known positions.
func ParagraphSpans(text string, minLen int) []Span {
	var out []Span
	start := 0
	emit := func(end int) {
		chunk := text[start:end]
		trimmed := CollapseSpace(chunk)
		if trimmed != "" && utf8.RuneCountInString(trimmed) >= minLen {
			lead := len(chunk) - len(strings.TrimLeft(chunk, " \t\n"))
			out = append(out, Span{Text: trimmed, Offset: start + lead})
		}
	}
	for _, loc := range blankRun.FindAllStringIndex(text, -1) {
		emit(loc[0])
		start = loc[1]
	}
	emit(len(text))
	return out
}

// Blocks splits text on blank-line runs and returns each block trimmed but
// with its inner newlines intact.
func Blocks(text string) []string {
	var out []string
	for _, b := range blankRun.Split(Newlines(text), -1) {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// CollapseSpace trims s and folds every whitespace run into one space.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// StripLatexComments removes %-comments up to end of line. A % preceded by an
// odd number of backslashes is a literal percent sign. Line count is kept so
// offsets computed later still map onto the same lines.
func StripLatexComments(src string) string {
	lines := strings.Split(src, "\n")
	for i, line := range lines {
		if idx := commentStart(line); idx >= 0 {
			lines[i] = line[:idx]
		}
	}
	return strings.Join(lines, "\n")
}

func commentStart(line string) int {
	for i := 0; i < len(line); i++ {
		if line[i] != '%' {
			continue
		}
		slashes := 0
		for j := i - 1; j >= 0 && line[j] == '\\'; j-- {
			slashes++
		}
		if slashes%2 == 0 {
			return i
		}
	}
	return -1
}

// DedupKey folds case and whitespace so near-identical strings from different
// sources collide.
func DedupKey(s string) string {
	return strings.ToLower(CollapseSpace(s))
}

// AuthorYearKey is the bibliography key used for author-year citations found
// in plain text, e.g. ("Smith", "2020a") -> "smith2020a".
func AuthorYearKey(surname, year string) string {
	return strings.ToLower(strings.TrimSpace(surname)) + strings.TrimSpace(year)
}

// IDs are zero padded so lexical order matches document order.
func ParagraphID(n int) string { return fmt.Sprintf("p%04d", n) }
func SectionID(n int) string   { return fmt.Sprintf("s%03d", n) }
func FigureID(n int) string    { return fmt.Sprintf("fig%03d", n) }
func FindingID(n int) string   { return fmt.Sprintf("F%03d", n) }
func ClaimID(n int) string     { return fmt.Sprintf("c%03d", n) }
