package ensemble

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/toricodesthings/manuscript-review-service/internal/normalize"
)

const maxRangeExpansion = 50

var (
	numericCiteRe  = regexp.MustCompile(`\[(\d{1,4}(?:\s*[-–]\s*\d{1,4})?(?:\s*,\s*\d{1,4}(?:\s*[-–]\s*\d{1,4})?)*)\]`)
	parentheticRe  = regexp.MustCompile(`\(([^()]*\b(?:19|20)\d{2}[a-z]?\b[^()]*)\)`)
	authorYearRe   = regexp.MustCompile(`(\p{Lu}[\p{L}'\-]+)(?:\s+et\s+al\.?|\s+(?:and|&)\s+\p{Lu}[\p{L}'\-]+)?,?\s+((?:19|20)\d{2}[a-z]?)\b`)
	rangeSeparator = regexp.MustCompile(`\s*[-–]\s*`)
)

// CiteKeys re-derives citation keys from plain text: numeric brackets such
// as [1] or [2, 5–7] (ranges expanded) and author-year parentheticals such as
// (Smith et al., 2020a; Doe 2019).
func CiteKeys(text string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(k string) {
		if k != "" && !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}

	for _, m := range numericCiteRe.FindAllStringSubmatch(text, -1) {
		for _, part := range strings.Split(m[1], ",") {
			bounds := rangeSeparator.Split(strings.TrimSpace(part), 2)
			lo, err := strconv.Atoi(bounds[0])
			if err != nil {
				continue
			}
			hi := lo
			if len(bounds) == 2 {
				if v, err := strconv.Atoi(bounds[1]); err == nil && v >= lo && v-lo < maxRangeExpansion {
					hi = v
				}
			}
			for n := lo; n <= hi; n++ {
				add(strconv.Itoa(n))
			}
		}
	}

	for _, m := range parentheticRe.FindAllStringSubmatch(text, -1) {
		for _, part := range strings.Split(m[1], ";") {
			for _, ay := range authorYearRe.FindAllStringSubmatch(part, -1) {
				add(normalize.AuthorYearKey(ay[1], ay[2]))
			}
		}
	}
	return out
}

// citationMarkers counts citation-like patterns for scoring.
func citationMarkers(text string) int {
	return len(numericCiteRe.FindAllStringIndex(text, -1)) + len(parentheticRe.FindAllStringIndex(text, -1))
}
