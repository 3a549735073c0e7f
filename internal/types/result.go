package types

import "time"

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

type PreflightFinding struct {
	ID       string   `json:"id"`
	Kind     string   `json:"kind"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Refs     []string `json:"refs,omitempty"`
}

type PreflightSummary struct {
	ErrorCount   int `json:"errorCount"`
	WarningCount int `json:"warningCount"`
}

type PreflightResult struct {
	Findings []PreflightFinding `json:"findings"`
	Summary  PreflightSummary   `json:"summary"`
}

// Claim is a short assertion mined from the manuscript.
type Claim struct {
	ID           string   `json:"id"`
	Text         string   `json:"text"`
	ParagraphIDs []string `json:"paragraphIds"`
	// Origin is "completion" or "heuristic".
	Origin string `json:"origin"`
}

type RiskLevel string

const (
	RiskHigh   RiskLevel = "HIGH"
	RiskMedium RiskLevel = "MEDIUM"
	RiskLow    RiskLevel = "LOW"
)

// Weight orders risk levels for ranking; unknown levels weigh nothing.
func (l RiskLevel) Weight() int {
	switch l {
	case RiskHigh:
		return 3
	case RiskMedium:
		return 2
	case RiskLow:
		return 1
	}
	return 0
}

type EvidenceStatus string

const (
	EvidenceSupported EvidenceStatus = "supported"
	EvidenceWeak      EvidenceStatus = "weak"
	EvidenceNone      EvidenceStatus = "none"
)

type EvidenceFinding struct {
	ClaimID  string         `json:"claimId"`
	Status   EvidenceStatus `json:"status"`
	Severity RiskLevel      `json:"severity"`
	Note     string         `json:"note"`
}

type LogicFinding struct {
	ClaimID string `json:"claimId"`
	// Kind is e.g. "specificity_lack" or "overgeneralization".
	Kind     string    `json:"kind"`
	Severity RiskLevel `json:"severity"`
	Note     string    `json:"note"`
}

type PriorArtQuery struct {
	ClaimID string `json:"claimId"`
	Query   string `json:"query"`
}

type Risk struct {
	ClaimID  string    `json:"claimId"`
	Kind     string    `json:"kind"`
	Severity RiskLevel `json:"severity"`
	Note     string    `json:"note"`
}

// ResultDocument is the final artifact of one analysis.
type ResultDocument struct {
	SchemaVersion string            `json:"schemaVersion"`
	AnalysisID    string            `json:"analysisId"`
	Claims        []Claim           `json:"claims"`
	Preflight     PreflightResult   `json:"preflight"`
	Evidence      []EvidenceFinding `json:"evidence"`
	Logic         []LogicFinding    `json:"logic"`
	PriorArt      []PriorArtQuery   `json:"priorArt"`
	Metrics       Metrics           `json:"metrics"`
	TopRisks      []Risk            `json:"topRisks"`
	Warnings      []string          `json:"warnings"`
	CreatedAt     time.Time         `json:"createdAt"`
}
