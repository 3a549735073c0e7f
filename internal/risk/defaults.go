package risk

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

// CitationAuditor grades a claim by what its source paragraphs carry: a
// citation or figure mention is support, a bare number is weak support,
// nothing is no evidence.
type CitationAuditor struct{}

func (CitationAuditor) Audit(ctx context.Context, doc types.ExtractDocument, claims []types.Claim) ([]types.EvidenceFinding, error) {
	cited := map[string]bool{}
	for _, c := range doc.Citations.InTextCites {
		cited[c.ParagraphID] = true
	}
	for _, f := range doc.Figures {
		for _, id := range f.MentionedInParagraphIDs {
			cited[id] = true
		}
	}
	texts := make(map[string]string, len(doc.Paragraphs))
	for _, p := range doc.Paragraphs {
		texts[p.ID] = p.Text
	}

	out := make([]types.EvidenceFinding, 0, len(claims))
	for _, c := range claims {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f := types.EvidenceFinding{ClaimID: c.ID, Status: types.EvidenceNone, Severity: types.RiskHigh, Note: "no citation, figure or figure-like support in the source paragraph"}
		for _, id := range c.ParagraphIDs {
			if cited[id] {
				f = types.EvidenceFinding{ClaimID: c.ID, Status: types.EvidenceSupported, Severity: types.RiskLow, Note: "source paragraph cites prior work or a figure"}
				break
			}
			if strings.IndexFunc(texts[id], unicode.IsDigit) >= 0 {
				f = types.EvidenceFinding{ClaimID: c.ID, Status: types.EvidenceWeak, Severity: types.RiskMedium, Note: "quantitative statement without a cited source"}
			}
		}
		out = append(out, f)
	}
	return out, nil
}

var (
	vagueRe      = regexp.MustCompile(`(?i)\b(?:significantly|substantially|greatly|better|improves?|various|many|several|efficient|effective|robust)\b`)
	absoluteRe   = regexp.MustCompile(`(?i)\b(?:always|never|all|every|any|guarantees?|completely)\b`)
	quantifiedRe = regexp.MustCompile(`\d`)
)

// WordingInspector flags vague comparatives without numbers and absolute
// quantifiers.
type WordingInspector struct{}

func (WordingInspector) Inspect(ctx context.Context, doc types.ExtractDocument, claims []types.Claim) ([]types.LogicFinding, error) {
	var out []types.LogicFinding
	for _, c := range claims {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if vagueRe.MatchString(c.Text) && !quantifiedRe.MatchString(c.Text) {
			out = append(out, types.LogicFinding{ClaimID: c.ID, Kind: KindSpecificityLack, Severity: types.RiskMedium, Note: "comparative wording without a measured quantity"})
		}
		if m := absoluteRe.FindString(c.Text); m != "" {
			out = append(out, types.LogicFinding{ClaimID: c.ID, Kind: KindOvergeneralization, Severity: types.RiskLow, Note: "absolute quantifier \"" + strings.ToLower(m) + "\""})
		}
	}
	if out == nil {
		out = []types.LogicFinding{}
	}
	return out, nil
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true,
	"by": true, "for": true, "from": true, "has": true, "have": true, "in": true, "is": true,
	"it": true, "its": true, "of": true, "on": true, "or": true, "our": true, "that": true,
	"the": true, "this": true, "to": true, "we": true, "which": true, "with": true,
	"show": true, "shows": true, "propose": true, "present": true, "paper": true, "work": true,
}

const maxQueryTerms = 8

// KeywordProposer builds a search query from each claim's content words.
type KeywordProposer struct{}

func (KeywordProposer) Propose(ctx context.Context, claims []types.Claim) ([]types.PriorArtQuery, error) {
	out := make([]types.PriorArtQuery, 0, len(claims))
	for _, c := range claims {
		var terms []string
		seen := map[string]bool{}
		for _, w := range strings.FieldsFunc(strings.ToLower(c.Text), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
		}) {
			if len([]rune(w)) < 3 && !hasCJK(w) || stopwords[w] || seen[w] {
				continue
			}
			seen[w] = true
			terms = append(terms, w)
			if len(terms) == maxQueryTerms {
				break
			}
		}
		if len(terms) > 0 {
			out = append(out, types.PriorArtQuery{ClaimID: c.ID, Query: strings.Join(terms, " ")})
		}
	}
	return out, nil
}

func hasCJK(s string) bool {
	for _, r := range s {
		if unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana) {
			return true
		}
	}
	return false
}
