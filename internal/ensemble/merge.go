// Package ensemble ranks extraction candidates from several sources and
// assembles the final document from per-signal winners.
package ensemble

import (
	"github.com/toricodesthings/manuscript-review-service/internal/normalize"
	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

// Selection names the candidate chosen for each signal, as indices into the
// normalized candidate list. -1 means no candidate offered that signal.
type Selection struct {
	Ranking   []Ranked
	Paragraph int
	Section   int
	Bib       int
}

// Select picks the best-scoring candidate with paragraphs as the paragraph
// source, and the candidates with the most sections and most bibliography
// entries as donors for those signals. Ties go to the better-ranked
// candidate.
func Select(cands []types.ExtractionCandidate) Selection {
	ms := make([]Metrics, len(cands))
	for i, c := range cands {
		ms[i] = Measure(c)
	}
	sel := Selection{Ranking: Rank(ms), Paragraph: -1, Section: -1, Bib: -1}

	bestSections, bestBib := 0, 0
	for _, r := range sel.Ranking {
		if sel.Paragraph < 0 && r.Metrics.Paragraphs > 0 {
			sel.Paragraph = r.Index
		}
		if r.Metrics.Sections > bestSections {
			bestSections, sel.Section = r.Metrics.Sections, r.Index
		}
		if r.Metrics.BibEntries > bestBib {
			bestBib, sel.Bib = r.Metrics.BibEntries, r.Index
		}
	}
	return sel
}

// Merge normalizes the candidates, selects winners and writes sections,
// paragraphs, bibliography and re-derived in-text citations into doc.
//
// Paragraphs keep their section only when the paragraph source is also the
// section donor; otherwise they are unassigned.
func Merge(doc *types.ExtractDocument, raw []types.ExtractionCandidate) Selection {
	cands := make([]types.ExtractionCandidate, len(raw))
	for i, c := range raw {
		cands[i] = Normalize(c)
		for _, w := range cands[i].Warnings {
			doc.Warn("%s: %s", c.Source, w)
		}
	}
	sel := Select(cands)

	sectionIDs := map[int]string{}
	if sel.Section >= 0 {
		for i, s := range cands[sel.Section].Sections {
			id := normalize.SectionID(len(doc.Sections) + 1)
			doc.Sections = append(doc.Sections, types.Section{ID: id, Title: s.Title, Level: s.Level})
			sectionIDs[i] = id
		}
	}

	if sel.Paragraph >= 0 {
		keepSections := sel.Paragraph == sel.Section
		for _, p := range cands[sel.Paragraph].Paragraphs {
			id := normalize.ParagraphID(len(doc.Paragraphs) + 1)
			para := types.Paragraph{ID: id, Text: p.Text}
			if sid, ok := sectionIDs[p.Section]; ok && keepSections {
				para.SectionID = types.StringPtr(sid)
			}
			doc.Paragraphs = append(doc.Paragraphs, para)
			if keys := CiteKeys(p.Text); len(keys) > 0 {
				doc.Citations.InTextCites = append(doc.Citations.InTextCites, types.InTextCite{ParagraphID: id, Keys: keys})
			}
		}
	}

	if sel.Bib >= 0 {
		doc.Citations.BibEntries = append(doc.Citations.BibEntries, cands[sel.Bib].BibEntries...)
	}

	if len(cands) > 1 {
		doc.Warn("ensemble: paragraphs from %s, sections from %s, bibliography from %s",
			sourceName(cands, sel.Paragraph), sourceName(cands, sel.Section), sourceName(cands, sel.Bib))
	}
	return sel
}

func sourceName(cands []types.ExtractionCandidate, i int) string {
	if i < 0 {
		return "none"
	}
	return cands[i].Source
}
