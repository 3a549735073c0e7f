// Package claims mines short claims from an extracted manuscript. A
// structured completion is tried first; any failure falls back to a
// deterministic phrase-pattern ranking.
package claims

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/toricodesthings/manuscript-review-service/internal/completion"
	"github.com/toricodesthings/manuscript-review-service/internal/normalize"
	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

const (
	OriginCompletion = "completion"
	OriginHeuristic  = "heuristic"

	maxHeuristicClaims = 12
	fallbackParagraphs = 3
	maxClaimRunes      = 400

	promptParagraphs = 80
	promptChars      = 24000
)

var claimPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bwe (?:show|demonstrate|propose|present|find|found|prove|introduce|report|observe|establish)\b`),
	regexp.MustCompile(`(?i)\bour (?:results|method|approach|model|findings|experiments|analysis) (?:show|shows|demonstrate|indicate|suggest|reveal|achieve|outperform)`),
	regexp.MustCompile(`(?i)\bthis (?:paper|work|study|article) (?:shows|demonstrates|proposes|presents|introduces|reports)\b`),
	regexp.MustCompile(`(?i)\b(?:outperforms?|significantly|state[- ]of[- ]the[- ]art|novel|first to)\b`),
	regexp.MustCompile(`(?i)\b(?:improves?|reduces?|increases?) [^.]{0,60}\bby \d+(?:\.\d+)?\s*(?:%|percent|x|times)`),
	regexp.MustCompile(`(?:本研究|本論文|本稿|我々は|提案手法|提案する)`),
	regexp.MustCompile(`(?:を示す|を示した|を明らかにした|有効性|向上した|改善した|上回る)`),
}

var sentenceEnd = regexp.MustCompile(`[.!?](?:\s|$)|[。！？]`)

type Options struct {
	Timeout time.Duration
	Retries int
}

type Miner struct {
	svc  completion.Service
	log  *slog.Logger
	opts Options
}

// New returns a miner. A nil svc always uses the heuristic.
func New(svc completion.Service, log *slog.Logger, opts Options) *Miner {
	if log == nil {
		log = slog.Default()
	}
	return &Miner{svc: svc, log: log, opts: opts}
}

// Mine returns the claims and, when the completion path was abandoned, a
// warning naming the reason.
func (m *Miner) Mine(ctx context.Context, doc types.ExtractDocument) ([]types.Claim, string) {
	if m.svc == nil {
		return Heuristic(doc), "claim mining used heuristic: no completion service configured"
	}
	claims, err := m.complete(ctx, doc)
	if err != nil {
		m.log.Warn("claim completion failed, using heuristic", "analysis_id", doc.AnalysisID, "err", err)
		return Heuristic(doc), fmt.Sprintf("claim mining fell back to heuristic: %v", err)
	}
	return claims, ""
}

var claimSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"claims": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text":         map[string]any{"type": "string"},
					"paragraphIds": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required":             []string{"text", "paragraphIds"},
				"additionalProperties": false,
			},
		},
	},
	"required":             []string{"claims"},
	"additionalProperties": false,
}

const systemPrompt = `You review scientific manuscripts. Extract the central claims the authors make: concrete assertions about results, contributions or properties of their method. Each claim is one sentence, quoted or closely paraphrased from the text, with the ids of the paragraphs that state it. Return at most 12 claims.`

func (m *Miner) complete(ctx context.Context, doc types.ExtractDocument) ([]types.Claim, error) {
	raw, err := m.svc.Complete(ctx, completion.Request{
		System:     systemPrompt,
		Prompt:     buildPrompt(doc),
		SchemaName: "manuscript_claims",
		Schema:     claimSchema,
		Options:    completion.Options{Timeout: m.opts.Timeout, Retries: m.opts.Retries},
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Claims []struct {
			Text         string   `json:"text"`
			ParagraphIDs []string `json:"paragraphIds"`
		} `json:"claims"`
	}
	if err := completion.Decode(raw, &out); err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(doc.Paragraphs))
	for _, p := range doc.Paragraphs {
		known[p.ID] = true
	}
	claims := []types.Claim{}
	for _, c := range out.Claims {
		text := truncate(normalize.CollapseSpace(c.Text))
		if text == "" {
			continue
		}
		ids := []string{}
		for _, id := range c.ParagraphIDs {
			if known[id] {
				ids = append(ids, id)
			}
		}
		claims = append(claims, types.Claim{
			ID:           normalize.ClaimID(len(claims) + 1),
			Text:         text,
			ParagraphIDs: ids,
			Origin:       OriginCompletion,
		})
		if len(claims) == maxHeuristicClaims {
			break
		}
	}
	if len(claims) == 0 {
		return nil, &completion.Error{Kind: completion.KindEmpty, Message: "completion returned no claims"}
	}
	return claims, nil
}

func buildPrompt(doc types.ExtractDocument) string {
	var b strings.Builder
	b.WriteString("Manuscript paragraphs, one per line as <id>: <text>\n\n")
	for i, p := range doc.Paragraphs {
		if i == promptParagraphs || b.Len() > promptChars {
			break
		}
		fmt.Fprintf(&b, "%s: %s\n", p.ID, p.Text)
	}
	return b.String()
}

// Heuristic ranks paragraphs by how many claim patterns they match and
// returns the claim sentence of up to 12 of them. With no matches at all, the
// first three paragraphs stand in as claims.
func Heuristic(doc types.ExtractDocument) []types.Claim {
	type scored struct {
		idx   int
		score int
		first int
	}
	var ranked []scored
	for i, p := range doc.Paragraphs {
		s := scored{idx: i, first: -1}
		for _, re := range claimPatterns {
			locs := re.FindAllStringIndex(p.Text, -1)
			s.score += len(locs)
			if len(locs) > 0 && (s.first < 0 || locs[0][0] < s.first) {
				s.first = locs[0][0]
			}
		}
		if s.score > 0 {
			ranked = append(ranked, s)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	claims := []types.Claim{}
	add := func(p types.Paragraph, text string) {
		claims = append(claims, types.Claim{
			ID:           normalize.ClaimID(len(claims) + 1),
			Text:         truncate(text),
			ParagraphIDs: []string{p.ID},
			Origin:       OriginHeuristic,
		})
	}
	for _, r := range ranked {
		if len(claims) == maxHeuristicClaims {
			break
		}
		p := doc.Paragraphs[r.idx]
		add(p, sentenceAt(p.Text, r.first))
	}
	if len(claims) == 0 {
		for _, p := range doc.Paragraphs {
			if len(claims) == fallbackParagraphs {
				break
			}
			add(p, normalize.CollapseSpace(p.Text))
		}
	}
	return claims
}

// sentenceAt returns the sentence of text containing byte offset pos.
func sentenceAt(text string, pos int) string {
	start := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		if loc[1] <= pos {
			start = loc[1]
			continue
		}
		return normalize.CollapseSpace(text[start:loc[1]])
	}
	return normalize.CollapseSpace(text[start:])
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= maxClaimRunes {
		return s
	}
	r := []rune(s)
	return string(r[:maxClaimRunes]) + "…"
}
