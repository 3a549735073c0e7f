package analysis

import (
	"github.com/toricodesthings/manuscript-review-service/internal/preflight"
	"github.com/toricodesthings/manuscript-review-service/internal/risk"
)

// Stages are the pluggable risk collaborators. Nil members fall back to the
// built-in heuristics.
type Stages struct {
	Evidence risk.EvidenceAuditor
	Logic    risk.LogicInspector
	PriorArt risk.PriorArtProposer
}

func (s Stages) withDefaults() Stages {
	if s.Evidence == nil {
		s.Evidence = risk.CitationAuditor{}
	}
	if s.Logic == nil {
		s.Logic = risk.WordingInspector{}
	}
	if s.PriorArt == nil {
		s.PriorArt = risk.KeywordProposer{}
	}
	return s
}

var (
	runPreflight = preflight.Safe
	aggregate    = risk.Aggregate
)
