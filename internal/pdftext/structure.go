package pdftext

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/toricodesthings/manuscript-review-service/internal/normalize"
	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

var (
	numberedHeadingRe = regexp.MustCompile(`^(\d{1,2}(?:\.\d{1,2}){0,2})\.?\s+(\p{Lu}.{0,79})$`)
	namedHeadingRe    = regexp.MustCompile(`(?i)^(?:abstract|introduction|related work|background|methods?|materials and methods|experiments|results|discussion|conclusions?|acknowledge?ments|references|bibliography)$`)
	referencesRe      = regexp.MustCompile(`(?i)^(?:references|bibliography)$`)
	refMarkerRe       = regexp.MustCompile(`^(?:\[(\d{1,4})\]|(\d{1,4})\.)\s+`)
	refAuthorYearRe   = regexp.MustCompile(`^(\p{Lu}[\p{L}'\-]+),.*?\b((?:19|20)\d{2}[a-z]?)\b`)
)

// BuildCandidate turns reconstructed text into a candidate with heuristic
// headings and, after a References heading, a bibliography.
func BuildCandidate(source, text string, items int) types.ExtractionCandidate {
	c := types.ExtractionCandidate{
		Source:     source,
		Paragraphs: []types.CandidateParagraph{},
		Sections:   []types.CandidateSection{},
		BibEntries: []types.BibEntry{},
		Warnings:   []string{},
		TextItems:  items,
	}

	section := -1
	inRefs := false
	var refs ReferenceList
	for _, block := range normalize.Blocks(text) {
		lines := strings.Split(block, "\n")
		if title, level, ok := heading(strings.TrimSpace(lines[0])); ok {
			c.Sections = append(c.Sections, types.CandidateSection{Title: title, Level: level})
			section = len(c.Sections) - 1
			inRefs = IsReferencesHeading(title)
			lines = lines[1:]
		}
		if len(lines) == 0 {
			continue
		}
		if inRefs {
			refs.Add(lines)
			continue
		}
		p := normalize.CollapseSpace(strings.Join(lines, " "))
		if utf8.RuneCountInString(p) < 3 {
			continue
		}
		c.Paragraphs = append(c.Paragraphs, types.CandidateParagraph{Text: p, Section: section})
	}
	c.BibEntries = refs.Entries()
	return c
}

func heading(line string) (string, int, bool) {
	if line == "" || utf8.RuneCountInString(line) > 90 {
		return "", 0, false
	}
	if namedHeadingRe.MatchString(line) {
		return line, 1, true
	}
	m := numberedHeadingRe.FindStringSubmatch(line)
	if m == nil {
		return "", 0, false
	}
	title := strings.TrimSpace(m[2])
	if strings.HasSuffix(title, ".") || len(strings.Fields(title)) > 10 {
		return "", 0, false
	}
	return title, strings.Count(m[1], ".") + 1, true
}

// IsReferencesHeading reports whether a heading opens the reference list.
func IsReferencesHeading(title string) bool {
	return referencesRe.MatchString(strings.TrimSpace(title))
}

// ReferenceList accumulates reference-list lines into bibliography entries.
// An entry starts at a [n] or n. marker, or at a "Surname, ... year" line;
// other lines continue the current entry.
type ReferenceList struct {
	keys  []string
	texts []string
}

func (r *ReferenceList) Add(lines []string) {
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if m := refMarkerRe.FindStringSubmatch(l); m != nil {
			key := m[1]
			if key == "" {
				key = m[2]
			}
			r.start(key, l[len(m[0]):])
			continue
		}
		if m := refAuthorYearRe.FindStringSubmatch(l); m != nil {
			r.start(normalize.AuthorYearKey(m[1], m[2]), l)
			continue
		}
		if n := len(r.texts); n > 0 {
			r.texts[n-1] += " " + l
		}
	}
}

func (r *ReferenceList) start(key, text string) {
	r.keys = append(r.keys, key)
	r.texts = append(r.texts, text)
}

// Entries returns the collected entries, first occurrence of a key winning.
func (r *ReferenceList) Entries() []types.BibEntry {
	out := []types.BibEntry{}
	seen := map[string]bool{}
	for i, k := range r.keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, types.BibEntry{Key: k, Raw: types.StringPtr(normalize.CollapseSpace(r.texts[i]))})
	}
	return out
}
