package quality

import (
	"testing"

	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

func candidate(paragraphs, items int, text string) types.ExtractionCandidate {
	c := types.ExtractionCandidate{TextItems: items}
	for i := 0; i < paragraphs; i++ {
		c.Paragraphs = append(c.Paragraphs, types.CandidateParagraph{Text: text, Section: -1})
	}
	return c
}

func TestAssess(t *testing.T) {
	th := Thresholds{MinParagraphs: 3, MinTextItems: 20, MinPrintable: 0.8}

	r := Assess(candidate(5, 100, "plain readable text"), th)
	if r.Low {
		t.Fatalf("expected good quality, got reasons %v", r.Reasons)
	}

	r = Assess(candidate(0, 0, ""), th)
	if !r.Low || len(r.Reasons) != 2 {
		t.Fatalf("expected two reasons, got %v", r.Reasons)
	}

	r = Assess(candidate(5, 100, "\uE000ab"), th)
	if !r.Low || r.PrintableRatio >= 0.8 {
		t.Fatalf("expected printable ratio failure, got %+v", r)
	}
}

func TestPrintableRatioEmpty(t *testing.T) {
	if PrintableRatio("") != 1 {
		t.Fatalf("empty text should count as fully printable")
	}
}
