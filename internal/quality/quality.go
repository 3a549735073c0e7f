// Package quality decides whether a local PDF extraction is good enough to
// stand on its own.
package quality

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

type Thresholds struct {
	MinParagraphs int
	MinTextItems  int
	MinPrintable  float64
}

// Report holds the measured signals and the verdict.
type Report struct {
	Paragraphs     int
	TextItems      int
	PrintableRatio float64
	Low            bool
	Reasons        []string
}

func Assess(c types.ExtractionCandidate, th Thresholds) Report {
	var text strings.Builder
	for _, p := range c.Paragraphs {
		text.WriteString(p.Text)
		text.WriteByte('\n')
	}

	r := Report{
		Paragraphs:     len(c.Paragraphs),
		TextItems:      c.TextItems,
		PrintableRatio: PrintableRatio(text.String()),
	}
	if r.Paragraphs < th.MinParagraphs {
		r.Reasons = append(r.Reasons, fmt.Sprintf("paragraphs %d < %d", r.Paragraphs, th.MinParagraphs))
	}
	if r.TextItems < th.MinTextItems {
		r.Reasons = append(r.Reasons, fmt.Sprintf("text items %d < %d", r.TextItems, th.MinTextItems))
	}
	if th.MinPrintable > 0 && r.PrintableRatio < th.MinPrintable {
		r.Reasons = append(r.Reasons, fmt.Sprintf("printable ratio %.2f < %.2f", r.PrintableRatio, th.MinPrintable))
	}
	r.Low = len(r.Reasons) > 0
	return r
}

// PrintableRatio is the share of runes that are printable text. Private-use
// glyphs, replacement characters and control bytes count against it.
func PrintableRatio(text string) float64 {
	total, printable := 0, 0
	for _, r := range text {
		total++
		if isGarbage(r) {
			continue
		}
		if unicode.IsPrint(r) || r == '\n' || r == '\t' {
			printable++
		}
	}
	if total == 0 {
		return 1
	}
	return float64(printable) / float64(total)
}

func isGarbage(r rune) bool {
	return (r >= 0xE000 && r <= 0xF8FF) || r == 0xFFFD || (r < 0x20 && r != '\n' && r != '\t')
}
