package types

import (
	"fmt"
	"time"
)

// SchemaVersion is stamped on every persisted artifact.
const SchemaVersion = "v1"

type InputType string

const (
	InputLatexZip InputType = "LATEX_ZIP"
	InputPDF      InputType = "PDF"
	InputText     InputType = "TEXT"
)

func (t InputType) Valid() bool {
	switch t {
	case InputLatexZip, InputPDF, InputText:
		return true
	}
	return false
}

// ExtractDocument is the canonical output of every extractor.
type ExtractDocument struct {
	SchemaVersion string      `json:"schemaVersion"`
	AnalysisID    string      `json:"analysisId"`
	InputType     InputType   `json:"inputType"`
	Sections      []Section   `json:"sections"`
	Paragraphs    []Paragraph `json:"paragraphs"`
	Figures       []Figure    `json:"figures"`
	Citations     Citations   `json:"citations"`
	Meta          ExtractMeta `json:"meta"`
}

type Section struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Level int    `json:"level"`
}

type Paragraph struct {
	ID        string  `json:"id"`
	SectionID *string `json:"sectionId"`
	Text      string  `json:"text"`
}

type Figure struct {
	ID                      string   `json:"id"`
	Label                   *string  `json:"label,omitempty"`
	Caption                 *string  `json:"caption,omitempty"`
	MentionedInParagraphIDs []string `json:"mentionedInParagraphIds"`
}

type Citations struct {
	BibEntries  []BibEntry   `json:"bibEntries"`
	InTextCites []InTextCite `json:"inTextCites"`
}

type BibEntry struct {
	Key string  `json:"key"`
	Raw *string `json:"raw,omitempty"`
}

type InTextCite struct {
	ParagraphID string   `json:"paragraphId"`
	Keys        []string `json:"keys"`
}

type ExtractMeta struct {
	ExtractorName string    `json:"extractorName"`
	CreatedAt     time.Time `json:"createdAt"`
	Warnings      []string  `json:"warnings"`
}

// NewDocument returns an empty document with every slice initialised so the
// JSON form never carries nulls for collections.
func NewDocument(analysisID string, inputType InputType, extractor string, now time.Time) ExtractDocument {
	return ExtractDocument{
		SchemaVersion: SchemaVersion,
		AnalysisID:    analysisID,
		InputType:     inputType,
		Sections:      []Section{},
		Paragraphs:    []Paragraph{},
		Figures:       []Figure{},
		Citations: Citations{
			BibEntries:  []BibEntry{},
			InTextCites: []InTextCite{},
		},
		Meta: ExtractMeta{
			ExtractorName: extractor,
			CreatedAt:     now.UTC(),
			Warnings:      []string{},
		},
	}
}

func (d *ExtractDocument) Warn(format string, args ...any) {
	d.Meta.Warnings = append(d.Meta.Warnings, fmt.Sprintf(format, args...))
}

// CheckSchema rejects artifacts written by an incompatible version.
func CheckSchema(version string) error {
	if version != SchemaVersion {
		return fmt.Errorf("unsupported schema version %q (want %q)", version, SchemaVersion)
	}
	return nil
}

// Validate checks the structural invariants of a document: unique paragraph
// IDs in strictly increasing order and resolvable section references.
func (d ExtractDocument) Validate() error {
	if err := CheckSchema(d.SchemaVersion); err != nil {
		return err
	}
	sections := make(map[string]bool, len(d.Sections))
	for _, s := range d.Sections {
		if s.Level < 1 {
			return fmt.Errorf("section %s: level must be >= 1", s.ID)
		}
		sections[s.ID] = true
	}
	paragraphs := make(map[string]bool, len(d.Paragraphs))
	prev := ""
	for _, p := range d.Paragraphs {
		if paragraphs[p.ID] {
			return fmt.Errorf("duplicate paragraph id %s", p.ID)
		}
		if prev != "" && p.ID <= prev {
			return fmt.Errorf("paragraph id %s out of order after %s", p.ID, prev)
		}
		if p.SectionID != nil && !sections[*p.SectionID] {
			return fmt.Errorf("paragraph %s references unknown section %s", p.ID, *p.SectionID)
		}
		paragraphs[p.ID] = true
		prev = p.ID
	}
	for _, c := range d.Citations.InTextCites {
		if !paragraphs[c.ParagraphID] {
			return fmt.Errorf("in-text cite references unknown paragraph %s", c.ParagraphID)
		}
	}
	keys := make(map[string]bool, len(d.Citations.BibEntries))
	for _, b := range d.Citations.BibEntries {
		if keys[b.Key] {
			return fmt.Errorf("duplicate bib key %s", b.Key)
		}
		keys[b.Key] = true
	}
	return nil
}

// ExtractionCandidate is the ephemeral output of one PDF extraction source.
type ExtractionCandidate struct {
	Source     string               `json:"source"`
	Paragraphs []CandidateParagraph `json:"paragraphs"`
	Sections   []CandidateSection   `json:"sections"`
	BibEntries []BibEntry           `json:"bibEntries"`
	Warnings   []string             `json:"warnings"`
	TextItems  int                  `json:"textItems"`
}

type CandidateParagraph struct {
	Text string `json:"text"`
	// Section is an index into the owning candidate's Sections, or -1.
	Section int `json:"section"`
}

type CandidateSection struct {
	Title string `json:"title"`
	Level int    `json:"level"`
}

func StringPtr(s string) *string { return &s }
