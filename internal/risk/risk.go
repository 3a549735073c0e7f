// Package risk defines the pluggable claim-scoring stages and folds their
// output into per-claim metrics and a short list of top risks.
package risk

import (
	"context"
	"sort"

	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

const (
	KindNoEvidence         = "no_evidence"
	KindWeakEvidence       = "weak_evidence"
	KindSpecificityLack    = "specificity_lack"
	KindOvergeneralization = "overgeneralization"

	topRiskCount = 3
)

type EvidenceAuditor interface {
	Audit(ctx context.Context, doc types.ExtractDocument, claims []types.Claim) ([]types.EvidenceFinding, error)
}

type LogicInspector interface {
	Inspect(ctx context.Context, doc types.ExtractDocument, claims []types.Claim) ([]types.LogicFinding, error)
}

type PriorArtProposer interface {
	Propose(ctx context.Context, claims []types.Claim) ([]types.PriorArtQuery, error)
}

// Aggregate counts the evidence and logic signals per claim and ranks every
// non-supported signal by severity. Equal severities keep encounter order:
// evidence findings first, then logic findings.
func Aggregate(claims []types.Claim, evidence []types.EvidenceFinding, logic []types.LogicFinding) (types.Metrics, []types.Risk) {
	m := types.Metrics{
		ClaimCount: len(claims),
		PerClaim:   make(map[string]types.ClaimMetrics, len(claims)),
	}
	for _, c := range claims {
		m.PerClaim[c.ID] = types.ClaimMetrics{}
	}

	risks := []types.Risk{}
	for _, e := range evidence {
		pc := m.PerClaim[e.ClaimID]
		switch e.Status {
		case types.EvidenceNone:
			pc.NoEvidence++
			m.NoEvidence++
			risks = append(risks, types.Risk{ClaimID: e.ClaimID, Kind: KindNoEvidence, Severity: e.Severity, Note: e.Note})
		case types.EvidenceWeak:
			pc.WeakEvidence++
			m.WeakEvidence++
			risks = append(risks, types.Risk{ClaimID: e.ClaimID, Kind: KindWeakEvidence, Severity: e.Severity, Note: e.Note})
		default:
			continue
		}
		m.PerClaim[e.ClaimID] = pc
	}
	for _, l := range logic {
		if l.Kind == KindSpecificityLack {
			pc := m.PerClaim[l.ClaimID]
			pc.SpecificityLack++
			m.SpecificityLack++
			m.PerClaim[l.ClaimID] = pc
		}
		risks = append(risks, types.Risk{ClaimID: l.ClaimID, Kind: l.Kind, Severity: l.Severity, Note: l.Note})
	}
	return m, TopRisks(risks, topRiskCount)
}

// TopRisks returns the n most severe risks, stable on ties.
func TopRisks(risks []types.Risk, n int) []types.Risk {
	sorted := append([]types.Risk(nil), risks...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Severity.Weight() > sorted[j].Severity.Weight()
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	if sorted == nil {
		sorted = []types.Risk{}
	}
	return sorted
}
