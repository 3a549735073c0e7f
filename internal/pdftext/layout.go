// Package pdftext reconstructs reading-order text from a PDF's text layer.
//
// The primary path works on positioned text runs and rebuilds lines and
// paragraph breaks from their geometry. When the layout reader cannot open
// the file at all, the fallback path scans the content streams for
// text-showing operators instead.
package pdftext

import (
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	lineTolerance = 2.5
	gapFactor     = 1.25
	gapFloor      = 6.0
)

// TextRun is a piece of text at a fixed position. Y is the baseline in PDF
// user space, so larger values are higher on the page.
type TextRun struct {
	Text   string
	X      float64
	Y      float64
	Height float64
	HasEOL bool
}

type line struct {
	y       float64
	heights []float64
	runs    []TextRun
}

func (l *line) avgHeight() float64 {
	if len(l.heights) == 0 {
		return 0
	}
	sum := 0.0
	for _, h := range l.heights {
		sum += h
	}
	return sum / float64(len(l.heights))
}

// LayoutPage orders runs top to bottom, left to right and returns the page
// text. A blank line marks a vertical gap large enough to be a paragraph
// break.
func LayoutPage(runs []TextRun) string {
	if len(runs) == 0 {
		return ""
	}
	sorted := make([]TextRun, len(runs))
	copy(sorted, runs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Y != sorted[j].Y {
			return sorted[i].Y > sorted[j].Y
		}
		return sorted[i].X < sorted[j].X
	})

	var lines []*line
	var cur *line
	for _, r := range sorted {
		if cur == nil || math.Abs(cur.y-r.Y) >= lineTolerance || endsLine(cur) {
			cur = &line{y: r.Y}
			lines = append(lines, cur)
		}
		cur.runs = append(cur.runs, r)
		if r.Height > 0 {
			cur.heights = append(cur.heights, r.Height)
		}
	}

	var b strings.Builder
	var prev *line
	for _, l := range lines {
		sort.SliceStable(l.runs, func(a, c int) bool { return l.runs[a].X < l.runs[c].X })
		text := joinRuns(l.runs)
		if text == "" {
			continue
		}
		if prev != nil {
			threshold := math.Max(gapFactor*math.Max(prev.avgHeight(), l.avgHeight()), gapFloor)
			if prev.y-l.y > threshold {
				b.WriteString("\n\n")
			} else {
				b.WriteByte('\n')
			}
		}
		b.WriteString(text)
		prev = l
	}
	return b.String()
}

// LayoutDocument lays out every page and joins them with a blank line.
func LayoutDocument(pages [][]TextRun) string {
	parts := make([]string, 0, len(pages))
	for _, p := range pages {
		if t := LayoutPage(p); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

func endsLine(l *line) bool {
	return len(l.runs) > 0 && l.runs[len(l.runs)-1].HasEOL
}

func joinRuns(runs []TextRun) string {
	var b strings.Builder
	for _, r := range runs {
		t := strings.TrimSpace(r.Text)
		if t == "" {
			continue
		}
		if b.Len() > 0 && needsSpace(b.String(), t) {
			b.WriteByte(' ')
		}
		b.WriteString(t)
	}
	return b.String()
}

func needsSpace(prev, next string) bool {
	a, _ := utf8.DecodeLastRuneInString(prev)
	c, _ := utf8.DecodeRuneInString(next)
	if isCJK(a) || isCJK(c) {
		return false
	}
	if strings.ContainsRune(".,;:!?)]}%”’、。", c) {
		return false
	}
	if strings.ContainsRune("([{“‘", a) {
		return false
	}
	return true
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul) ||
		(r >= 0x3000 && r <= 0x303F) || (r >= 0xFF00 && r <= 0xFFEF)
}
