// Package markdown maps markdown-shaped text onto an extraction candidate.
package markdown

import (
	"regexp"
	"strings"

	"github.com/toricodesthings/manuscript-review-service/internal/normalize"
	"github.com/toricodesthings/manuscript-review-service/internal/pdftext"
	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

var (
	headingRe = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*$`)
	imageRe   = regexp.MustCompile(`^!\[[^\]]*\]\([^)]*\)$`)
	emphasis  = strings.NewReplacer("**", "", "__", "")
)

// Candidate maps headings to sections (levels past 3 are clamped) and blocks
// to paragraphs. Blocks after a References heading feed the bibliography.
func Candidate(source, md string) types.ExtractionCandidate {
	c := types.ExtractionCandidate{
		Source:     source,
		Paragraphs: []types.CandidateParagraph{},
		Sections:   []types.CandidateSection{},
		BibEntries: []types.BibEntry{},
		Warnings:   []string{},
	}
	section := -1
	inRefs := false
	var refs pdftext.ReferenceList

	for _, block := range normalize.Blocks(md) {
		lines := strings.Split(block, "\n")
		if m := headingRe.FindStringSubmatch(strings.TrimSpace(lines[0])); m != nil {
			title := strings.TrimSpace(emphasis.Replace(m[2]))
			c.Sections = append(c.Sections, types.CandidateSection{Title: title, Level: min(len(m[1]), 3)})
			section = len(c.Sections) - 1
			inRefs = pdftext.IsReferencesHeading(title)
			lines = lines[1:]
		}
		if len(lines) == 0 {
			continue
		}
		if inRefs {
			for i, l := range lines {
				lines[i] = strings.TrimLeft(strings.TrimSpace(l), "-* ")
			}
			refs.Add(lines)
			continue
		}
		text := normalize.CollapseSpace(emphasis.Replace(strings.Join(lines, " ")))
		if len(text) < 3 || imageRe.MatchString(text) {
			continue
		}
		c.Paragraphs = append(c.Paragraphs, types.CandidateParagraph{Text: text, Section: section})
		c.TextItems += len(lines)
	}
	c.BibEntries = refs.Entries()
	return c
}
