package latex

import (
	"regexp"
	"strings"

	"github.com/toricodesthings/manuscript-review-service/internal/archive"
	"github.com/toricodesthings/manuscript-review-service/internal/normalize"
	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

var (
	bibEntryRe = regexp.MustCompile(`@\s*([A-Za-z]+)\s*[{(]\s*([^,\s{}()]+)\s*,`)
	bibStartRe = regexp.MustCompile(`@\s*[A-Za-z]+\s*[{(]`)
	bibitemRe  = regexp.MustCompile(`\\bibitem\s*(?:\[[^\]]*\])?\s*\{([^}]+)\}`)
	bblEndRe   = regexp.MustCompile(`\\end\{thebibliography\}`)
)

var skippedBibTypes = map[string]bool{"comment": true, "string": true, "preamble": true}

// collectBibliography scans every .bib file, then fills in keys that only a
// generated .bbl provides. The first occurrence of a key wins.
func collectBibliography(p *archive.Project, doc *types.ExtractDocument) []types.BibEntry {
	entries := []types.BibEntry{}
	seen := map[string]bool{}
	add := func(key, raw string) {
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		e := types.BibEntry{Key: key}
		if raw != "" {
			e.Raw = types.StringPtr(raw)
		}
		entries = append(entries, e)
	}

	for _, f := range projectFilesWithExt(p, ".bib") {
		src, err := readProjectFile(p, f)
		if err != nil {
			doc.Warn("read %s: %v", f, err)
			continue
		}
		for _, e := range parseBib(normalize.Newlines(src)) {
			add(e[0], e[1])
		}
	}
	for _, f := range projectFilesWithExt(p, ".bbl") {
		src, err := readProjectFile(p, f)
		if err != nil {
			doc.Warn("read %s: %v", f, err)
			continue
		}
		for _, e := range parseBbl(normalize.Newlines(src)) {
			add(e[0], e[1])
		}
	}
	return entries
}

// parseBib returns {key, raw} pairs in file order. raw runs from the entry's
// @ up to the next entry.
func parseBib(src string) [][2]string {
	starts := bibStartRe.FindAllStringIndex(src, -1)
	var out [][2]string
	for i, s := range starts {
		end := len(src)
		if i+1 < len(starts) {
			end = starts[i+1][0]
		}
		chunk := src[s[0]:end]
		m := bibEntryRe.FindStringSubmatch(chunk)
		if m == nil || skippedBibTypes[strings.ToLower(m[1])] {
			continue
		}
		out = append(out, [2]string{m[2], strings.TrimSpace(chunk)})
	}
	return out
}

func parseBbl(src string) [][2]string {
	if loc := bblEndRe.FindStringIndex(src); loc != nil {
		src = src[:loc[0]]
	}
	items := bibitemRe.FindAllStringSubmatchIndex(src, -1)
	var out [][2]string
	for i, m := range items {
		end := len(src)
		if i+1 < len(items) {
			end = items[i+1][0]
		}
		key := strings.TrimSpace(src[m[2]:m[3]])
		out = append(out, [2]string{key, normalize.CollapseSpace(src[m[1]:end])})
	}
	return out
}
