package claims

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/toricodesthings/manuscript-review-service/internal/completion"
	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

func docWith(texts ...string) types.ExtractDocument {
	doc := types.NewDocument("a1", types.InputPDF, "pdf", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	for i, t := range texts {
		doc.Paragraphs = append(doc.Paragraphs, types.Paragraph{ID: fmt.Sprintf("p%04d", i+1), Text: t})
	}
	return doc
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestMineUsesCompletion(t *testing.T) {
	var prompt string
	svc := completion.Func(func(ctx context.Context, req completion.Request) (json.RawMessage, error) {
		prompt = req.Prompt
		if req.Schema == nil || req.SchemaName != "manuscript_claims" {
			t.Errorf("expected structured request")
		}
		return json.RawMessage(`{"claims":[{"text":"  Widgets   are fast. ","paragraphIds":["p0002","p9999"]},{"text":"","paragraphIds":[]}]}`), nil
	})
	doc := docWith("Background text.", "We show that widgets are fast.")

	claims, warning := New(svc, quiet(), Options{}).Mine(context.Background(), doc)
	if warning != "" {
		t.Fatalf("unexpected warning %q", warning)
	}
	if len(claims) != 1 || claims[0].ID != "c001" || claims[0].Text != "Widgets are fast." || claims[0].Origin != OriginCompletion {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if len(claims[0].ParagraphIDs) != 1 || claims[0].ParagraphIDs[0] != "p0002" {
		t.Fatalf("unknown paragraph ids should be dropped, got %v", claims[0].ParagraphIDs)
	}
	if !strings.Contains(prompt, "p0002: We show that widgets are fast.") {
		t.Fatalf("prompt missing paragraph: %q", prompt)
	}
}

func TestMineFallsBackOnFailure(t *testing.T) {
	cases := map[string]completion.Func{
		"timeout": func(ctx context.Context, req completion.Request) (json.RawMessage, error) {
			return nil, &completion.Error{Kind: completion.KindTimeout, Message: "deadline exceeded"}
		},
		"malformed": func(ctx context.Context, req completion.Request) (json.RawMessage, error) {
			return json.RawMessage(`{"claims": "nope"}`), nil
		},
		"empty": func(ctx context.Context, req completion.Request) (json.RawMessage, error) {
			return json.RawMessage(`{"claims": []}`), nil
		},
		"error": func(ctx context.Context, req completion.Request) (json.RawMessage, error) {
			return nil, errors.New("connection reset")
		},
	}
	doc := docWith("Plain background.", "We propose a novel method that outperforms prior work.")
	for name, svc := range cases {
		claims, warning := New(svc, quiet(), Options{}).Mine(context.Background(), doc)
		if !strings.HasPrefix(warning, "claim mining fell back to heuristic: ") {
			t.Fatalf("%s: unexpected warning %q", name, warning)
		}
		if len(claims) != 1 || claims[0].Origin != OriginHeuristic || claims[0].ParagraphIDs[0] != "p0002" {
			t.Fatalf("%s: unexpected claims %+v", name, claims)
		}
	}
}

func TestHeuristicRanksByMatches(t *testing.T) {
	doc := docWith(
		"Related work is reviewed here.",
		"Prior methods are slow. We propose a new index. It is simple.",
		"This paper presents a novel index that significantly outperforms baselines.",
		"本研究では新しい手法を提案する。実験により有効性を示した。",
	)
	claims := Heuristic(doc)
	if len(claims) != 3 {
		t.Fatalf("expected 3 claims, got %+v", claims)
	}
	if claims[0].ParagraphIDs[0] != "p0003" {
		t.Fatalf("strongest paragraph should rank first, got %+v", claims)
	}
	if claims[1].ParagraphIDs[0] != "p0004" || claims[1].Text != "本研究では新しい手法を提案する。" {
		t.Fatalf("unexpected japanese claim %+v", claims[1])
	}
	if claims[2].Text != "We propose a new index." {
		t.Fatalf("expected claim sentence, got %q", claims[2].Text)
	}
	for i, c := range claims {
		if c.ID != fmt.Sprintf("c%03d", i+1) {
			t.Fatalf("unexpected id %s", c.ID)
		}
	}
}

func TestHeuristicCapsAtTwelve(t *testing.T) {
	var texts []string
	for i := 0; i < 20; i++ {
		texts = append(texts, fmt.Sprintf("We show result number %d.", i))
	}
	claims := Heuristic(docWith(texts...))
	if len(claims) != 12 || claims[11].ParagraphIDs[0] != "p0012" {
		t.Fatalf("expected first 12 in order, got %d", len(claims))
	}
}

func TestHeuristicFallsBackToFirstParagraphs(t *testing.T) {
	claims := Heuristic(docWith("Alpha text.", "Beta text.", "Gamma text.", "Delta text."))
	if len(claims) != 3 || claims[2].Text != "Gamma text." {
		t.Fatalf("expected first three paragraphs, got %+v", claims)
	}
	if len(Heuristic(docWith())) != 0 {
		t.Fatalf("expected no claims for an empty document")
	}
}

func TestMineWithoutService(t *testing.T) {
	claims, warning := New(nil, nil, Options{}).Mine(context.Background(), docWith("We show X."))
	if len(claims) != 1 || warning == "" {
		t.Fatalf("expected heuristic claims with warning, got %+v %q", claims, warning)
	}
}
