package ensemble

import (
	"strings"

	"github.com/toricodesthings/manuscript-review-service/internal/normalize"
	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

// Normalize drops empty and duplicate paragraphs, sections and bibliography
// keys (case-insensitive, first wins) and remaps paragraph section indices.
func Normalize(c types.ExtractionCandidate) types.ExtractionCandidate {
	out := types.ExtractionCandidate{
		Source:     c.Source,
		Paragraphs: []types.CandidateParagraph{},
		Sections:   []types.CandidateSection{},
		BibEntries: []types.BibEntry{},
		Warnings:   append([]string{}, c.Warnings...),
		TextItems:  c.TextItems,
	}

	remap := make([]int, len(c.Sections))
	seenSections := map[string]int{}
	for i, s := range c.Sections {
		title := normalize.CollapseSpace(s.Title)
		key := normalize.DedupKey(title)
		if key == "" {
			remap[i] = -1
			continue
		}
		if j, ok := seenSections[key]; ok {
			remap[i] = j
			continue
		}
		level := s.Level
		if level < 1 {
			level = 1
		}
		seenSections[key] = len(out.Sections)
		remap[i] = len(out.Sections)
		out.Sections = append(out.Sections, types.CandidateSection{Title: title, Level: level})
	}

	seenParagraphs := map[string]bool{}
	for _, p := range c.Paragraphs {
		text := normalize.CollapseSpace(p.Text)
		key := normalize.DedupKey(text)
		if key == "" || seenParagraphs[key] {
			continue
		}
		seenParagraphs[key] = true
		section := -1
		if p.Section >= 0 && p.Section < len(remap) {
			section = remap[p.Section]
		}
		out.Paragraphs = append(out.Paragraphs, types.CandidateParagraph{Text: text, Section: section})
	}

	seenKeys := map[string]bool{}
	for _, b := range c.BibEntries {
		key := strings.TrimSpace(b.Key)
		lk := strings.ToLower(key)
		if key == "" || seenKeys[lk] {
			continue
		}
		seenKeys[lk] = true
		out.BibEntries = append(out.BibEntries, types.BibEntry{Key: key, Raw: b.Raw})
	}
	return out
}
