package ensemble

import (
	"math"
	"sort"
	"unicode/utf8"

	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

// Scoring weights. Each signal is capped so one runaway metric cannot carry
// a candidate on its own.
const (
	paragraphCap    = 120
	paragraphWeight = 0.5

	charCap     = 60000
	charDivisor = 1000.0

	avgLenLow      = 200
	avgLenHigh     = 1200
	avgLenBonus    = 15.0
	avgLenTooShort = 60
	shortPenalty   = 15.0
	avgLenTooLong  = 3000
	longPenalty    = 10.0

	sectionCap    = 30
	sectionWeight = 1.0

	bibCap    = 80
	bibWeight = 0.25

	citeDensityWeight = 20.0

	warningPenalty = 5.0
)

// Metrics is an immutable snapshot of one candidate.
type Metrics struct {
	Source          string
	Paragraphs      int
	Chars           int
	AvgParagraphLen float64
	Sections        int
	BibEntries      int
	CitationDensity float64
	Warnings        int
}

func Measure(c types.ExtractionCandidate) Metrics {
	m := Metrics{
		Source:     c.Source,
		Paragraphs: len(c.Paragraphs),
		Sections:   len(c.Sections),
		BibEntries: len(c.BibEntries),
		Warnings:   len(c.Warnings),
	}
	cites := 0
	for _, p := range c.Paragraphs {
		m.Chars += utf8.RuneCountInString(p.Text)
		cites += citationMarkers(p.Text)
	}
	if m.Paragraphs > 0 {
		m.AvgParagraphLen = float64(m.Chars) / float64(m.Paragraphs)
		m.CitationDensity = float64(cites) / float64(m.Paragraphs)
	}
	return m
}

func Score(m Metrics) float64 {
	s := float64(min(m.Paragraphs, paragraphCap)) * paragraphWeight
	s += float64(min(m.Chars, charCap)) / charDivisor

	switch {
	case m.Paragraphs == 0:
	case m.AvgParagraphLen < avgLenTooShort:
		s -= shortPenalty
	case m.AvgParagraphLen > avgLenTooLong:
		s -= longPenalty
	case m.AvgParagraphLen >= avgLenLow && m.AvgParagraphLen <= avgLenHigh:
		s += avgLenBonus
	}

	s += float64(min(m.Sections, sectionCap)) * sectionWeight
	s += float64(min(m.BibEntries, bibCap)) * bibWeight
	s += math.Min(m.CitationDensity, 1) * citeDensityWeight
	s -= float64(m.Warnings) * warningPenalty
	return s
}

type Ranked struct {
	Index   int
	Score   float64
	Metrics Metrics
}

// Rank scores every snapshot and sorts best first. Equal scores keep input
// order.
func Rank(ms []Metrics) []Ranked {
	out := make([]Ranked, len(ms))
	for i, m := range ms {
		out[i] = Ranked{Index: i, Score: Score(m), Metrics: m}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
