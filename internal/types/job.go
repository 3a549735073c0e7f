package types

import "time"

type JobStatus string

const (
	StatusQueued     JobStatus = "QUEUED"
	StatusExtracting JobStatus = "EXTRACTING"
	StatusAnalyzing  JobStatus = "ANALYZING"
	StatusReady      JobStatus = "READY"
	StatusFailed     JobStatus = "FAILED"
)

func (s JobStatus) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

type AnalysisJob struct {
	AnalysisID string    `json:"analysisId"`
	Status     JobStatus `json:"status"`
	Progress   int       `json:"progress"`
	Step       string    `json:"step"`
	InputType  InputType `json:"inputType"`
	InputPath  string    `json:"inputPath"`
	Error      *JobError `json:"error,omitempty"`
	Pointers   *Pointers `json:"pointers,omitempty"`
	Metrics    *Metrics  `json:"metrics,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// JobError keeps the message shown to end users apart from the diagnostic
// retained for operators.
type JobError struct {
	Public   string `json:"public"`
	Internal string `json:"-"`
}

type Pointers struct {
	Extract string `json:"extract"`
	Result  string `json:"result"`
}

type Metrics struct {
	ClaimCount      int                     `json:"claimCount"`
	NoEvidence      int                     `json:"noEvidence"`
	WeakEvidence    int                     `json:"weakEvidence"`
	SpecificityLack int                     `json:"specificityLack"`
	PerClaim        map[string]ClaimMetrics `json:"perClaim"`
	PreflightErrors int                     `json:"preflightErrors"`
	PreflightWarns  int                     `json:"preflightWarnings"`
}

type ClaimMetrics struct {
	NoEvidence      int `json:"noEvidence"`
	WeakEvidence    int `json:"weakEvidence"`
	SpecificityLack int `json:"specificityLack"`
}

// StatusUpdate is one persisted transition.
type StatusUpdate struct {
	Status   JobStatus
	Progress int
	Step     string
	Error    *JobError
}
