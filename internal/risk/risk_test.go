package risk

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

func TestAggregateCountsAndTopRisks(t *testing.T) {
	claims := []types.Claim{{ID: "c001"}, {ID: "c002"}, {ID: "c003"}}
	evidence := []types.EvidenceFinding{
		{ClaimID: "c001", Status: types.EvidenceSupported, Severity: types.RiskLow},
		{ClaimID: "c002", Status: types.EvidenceWeak, Severity: types.RiskMedium},
		{ClaimID: "c003", Status: types.EvidenceNone, Severity: types.RiskHigh},
	}
	logic := []types.LogicFinding{
		{ClaimID: "c001", Kind: KindSpecificityLack, Severity: types.RiskMedium},
		{ClaimID: "c002", Kind: KindOvergeneralization, Severity: types.RiskLow},
		{ClaimID: "c002", Kind: KindSpecificityLack, Severity: types.RiskHigh},
	}

	m, top := Aggregate(claims, evidence, logic)
	if m.ClaimCount != 3 || m.NoEvidence != 1 || m.WeakEvidence != 1 || m.SpecificityLack != 2 {
		t.Fatalf("unexpected totals %+v", m)
	}
	want := map[string]types.ClaimMetrics{
		"c001": {SpecificityLack: 1},
		"c002": {WeakEvidence: 1, SpecificityLack: 1},
		"c003": {NoEvidence: 1},
	}
	if !reflect.DeepEqual(m.PerClaim, want) {
		t.Fatalf("unexpected per-claim metrics %+v", m.PerClaim)
	}

	if len(top) != 3 {
		t.Fatalf("expected 3 top risks, got %+v", top)
	}
	// HIGH risks in encounter order, then the first MEDIUM.
	if top[0].ClaimID != "c003" || top[1].ClaimID != "c002" || top[1].Kind != KindSpecificityLack {
		t.Fatalf("unexpected order %+v", top)
	}
	if top[2].ClaimID != "c002" || top[2].Kind != KindWeakEvidence {
		t.Fatalf("ties should keep encounter order, got %+v", top[2])
	}
}

func TestTopRisksEmpty(t *testing.T) {
	if got := TopRisks(nil, 3); got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
}

func TestDefaultStages(t *testing.T) {
	doc := types.NewDocument("a1", types.InputLatexZip, "latex", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	doc.Paragraphs = []types.Paragraph{
		{ID: "p0001", Text: `We significantly improve recall \cite{x}.`},
		{ID: "p0002", Text: "Latency drops to 12 ms."},
		{ID: "p0003", Text: "Our method always works."},
	}
	doc.Citations.InTextCites = []types.InTextCite{{ParagraphID: "p0001", Keys: []string{"x"}}}
	claims := []types.Claim{
		{ID: "c001", Text: "We significantly improve recall.", ParagraphIDs: []string{"p0001"}},
		{ID: "c002", Text: "Latency drops to 12 ms.", ParagraphIDs: []string{"p0002"}},
		{ID: "c003", Text: "Our method always works.", ParagraphIDs: []string{"p0003"}},
	}
	ctx := context.Background()

	ev, err := CitationAuditor{}.Audit(ctx, doc, claims)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	statuses := []types.EvidenceStatus{ev[0].Status, ev[1].Status, ev[2].Status}
	if !reflect.DeepEqual(statuses, []types.EvidenceStatus{types.EvidenceSupported, types.EvidenceWeak, types.EvidenceNone}) {
		t.Fatalf("unexpected evidence %+v", ev)
	}

	lg, err := WordingInspector{}.Inspect(ctx, doc, claims)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if len(lg) != 2 || lg[0].ClaimID != "c001" || lg[0].Kind != KindSpecificityLack || lg[1].Kind != KindOvergeneralization {
		t.Fatalf("unexpected logic findings %+v", lg)
	}

	qs, err := KeywordProposer{}.Propose(ctx, claims)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if len(qs) != 3 || qs[0].Query != "significantly improve recall" || qs[2].Query != "method always works" {
		t.Fatalf("unexpected queries %+v", qs)
	}
}
