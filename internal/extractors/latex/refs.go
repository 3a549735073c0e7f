package latex

import (
	"regexp"
	"strings"

	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

var (
	citeRe = regexp.MustCompile(`\\(?:cite|citep|citet|citealp|citealt|citeauthor|citeyear|parencite|textcite|autocite|footcite)\*?\s*(?:\[[^\]]*\]\s*){0,2}\{([^}]*)\}`)
	refRe  = regexp.MustCompile(`\\(?:ref|autoref|cref|Cref|eqref|pageref)\*?\s*\{([^}]*)\}`)
)

// CiteKeys returns the distinct citation keys in text, in order of first use.
func CiteKeys(text string) []string {
	return splitKeys(citeRe.FindAllStringSubmatch(text, -1))
}

// RefLabels returns the distinct labels referenced by \ref-style macros in
// text, in order of first use.
func RefLabels(text string) []string {
	return splitKeys(refRe.FindAllStringSubmatch(text, -1))
}

func splitKeys(matches [][]string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range matches {
		for _, k := range strings.Split(m[1], ",") {
			k = strings.TrimSpace(k)
			if k == "" || seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// linkFigureMentions records, per labelled figure, the paragraphs that
// reference its label.
func linkFigureMentions(doc *types.ExtractDocument) {
	byLabel := map[string]int{}
	for i, f := range doc.Figures {
		if f.Label != nil {
			if _, dup := byLabel[*f.Label]; !dup {
				byLabel[*f.Label] = i
			}
		}
	}
	if len(byLabel) == 0 {
		return
	}
	for _, p := range doc.Paragraphs {
		for _, label := range RefLabels(p.Text) {
			if i, ok := byLabel[label]; ok {
				doc.Figures[i].MentionedInParagraphIDs = append(doc.Figures[i].MentionedInParagraphIDs, p.ID)
			}
		}
	}
}
