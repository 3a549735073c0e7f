// Package hybrid runs the PDF extraction pipeline: local text layer, content
// stream fallback, quality gate, vision fallback and the service ensemble.
package hybrid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/toricodesthings/manuscript-review-service/internal/completion"
	"github.com/toricodesthings/manuscript-review-service/internal/docsources"
	"github.com/toricodesthings/manuscript-review-service/internal/ensemble"
	"github.com/toricodesthings/manuscript-review-service/internal/pdftext"
	"github.com/toricodesthings/manuscript-review-service/internal/quality"
	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

// ErrNoExtractionSource means every source came back empty and at least one
// of them failed outright.
var ErrNoExtractionSource = errors.New("no extraction source produced text")

const (
	sourceTextLayer = "text-layer"
	sourceStreams   = "content-stream"
	sourceVision    = "vision"
)

type Options struct {
	Quality quality.Thresholds

	// Vision enables the completion fallback for low-quality text layers.
	Vision        bool
	VisionTimeout time.Duration
	VisionRetries int

	// Ensemble consults the document services on every PDF.
	Ensemble bool
}

type Processor struct {
	log  *slog.Logger
	opts Options

	vision  completion.Service
	sources []docsources.Source

	// Swappable for tests.
	primary  func([]byte) (pdftext.Layout, error)
	fallback func([]byte) (pdftext.StreamText, error)
}

func New(log *slog.Logger, opts Options, vision completion.Service, sources []docsources.Source) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		log:      log,
		opts:     opts,
		vision:   vision,
		sources:  sources,
		primary:  pdftext.ReadLayout,
		fallback: pdftext.ReadStreams,
	}
}

// Process fills doc with sections, paragraphs and citations from pdf.
// Source failures become warnings on doc; an error is returned only when
// nothing usable came back.
func (p *Processor) Process(ctx context.Context, doc *types.ExtractDocument, pdf []byte) error {
	var failures []string

	// Phase 1: local text
	local, err := p.localCandidate(pdf)
	if err != nil {
		failures = append(failures, err.Error())
		doc.Warn("%v", err)
	}

	// Phase 2: quality gate and vision fallback
	report := quality.Assess(local, p.opts.Quality)
	if report.Low {
		doc.Warn("low quality text layer: %s", strings.Join(report.Reasons, "; "))
		if p.opts.Vision && p.vision != nil {
			adopted, err := p.runVision(ctx, pdf, local)
			switch {
			case err != nil:
				failures = append(failures, "vision: "+err.Error())
				doc.Warn("vision fallback failed: %v", err)
			case adopted != nil:
				doc.Warn("vision fallback adopted: %d paragraphs (primary had %d)", len(adopted.Paragraphs), len(local.Paragraphs))
				local = *adopted
			}
		}
	}

	cands := []types.ExtractionCandidate{local}

	// Phase 3: ensemble
	if p.opts.Ensemble && len(p.sources) > 0 {
		for _, o := range docsources.Collect(ctx, p.log, p.sources, pdf) {
			if o.Warning != "" {
				doc.Warn("%s", o.Warning)
				if o.Candidate == nil && !strings.Contains(o.Warning, "skipped") {
					failures = append(failures, o.Warning)
				}
			}
			if o.Candidate != nil {
				cands = append(cands, *o.Candidate)
			}
		}
	}

	sel := ensemble.Merge(doc, cands)
	if sel.Paragraph < 0 {
		if len(failures) > 0 {
			return fmt.Errorf("%w: %s", ErrNoExtractionSource, strings.Join(failures, "; "))
		}
		doc.Warn("no text could be extracted from the PDF")
	}

	p.log.Info("pdf extracted",
		"analysis_id", doc.AnalysisID,
		"candidates", len(cands),
		"paragraphs", len(doc.Paragraphs),
		"sections", len(doc.Sections),
		"bib_entries", len(doc.Citations.BibEntries),
		"low_quality", report.Low,
	)
	return nil
}

// localCandidate reads the text layer, falling back to a content-stream
// scan when the layout reader fails or finds nothing. The returned candidate
// is always usable, possibly empty.
func (p *Processor) localCandidate(pdf []byte) (types.ExtractionCandidate, error) {
	layout, err := p.primary(pdf)
	if err == nil {
		if text := layout.Text(); strings.TrimSpace(text) != "" {
			c := pdftext.BuildCandidate(sourceTextLayer, text, layout.Items)
			if len(layout.FailedPages) > 0 {
				c.Warnings = append(c.Warnings, fmt.Sprintf("pages %s could not be decoded and were skipped", joinInts(layout.FailedPages)))
			}
			return c, nil
		}
	}
	primaryErr := err
	if primaryErr == nil {
		primaryErr = pdftext.ErrNoText
	}
	p.log.Debug("text layer unusable, scanning content streams", "err", primaryErr)

	st, err := p.fallback(pdf)
	if err != nil {
		empty := pdftext.BuildCandidate(sourceTextLayer, "", 0)
		if errors.Is(primaryErr, pdftext.ErrNoText) && errors.Is(err, pdftext.ErrNoText) {
			// Opened fine but carries no text; likely a scan.
			return empty, nil
		}
		return empty, fmt.Errorf("local extraction failed: text layer: %v; content streams: %v", primaryErr, err)
	}
	c := pdftext.BuildCandidate(sourceStreams, st.Text, st.Items)
	c.Warnings = append(c.Warnings, fmt.Sprintf("text layer unusable (%v), recovered %d items via %s", primaryErr, st.Items, st.Method))
	return c, nil
}

var visionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"paragraphs": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
	},
	"required":             []string{"paragraphs"},
	"additionalProperties": false,
}

const visionSystem = `You transcribe scientific manuscripts. Return the body text of the attached PDF as a JSON object {"paragraphs": [...]}, one entry per paragraph in reading order. Omit page headers, footers, page numbers and the reference list.`

// runVision asks the completion service to read the PDF directly. The result
// is returned only when it has strictly more paragraphs than local.
func (p *Processor) runVision(ctx context.Context, pdf []byte, local types.ExtractionCandidate) (*types.ExtractionCandidate, error) {
	raw, err := p.vision.Complete(ctx, completion.Request{
		System:     visionSystem,
		Prompt:     "Transcribe the manuscript body.",
		SchemaName: "manuscript_paragraphs",
		Schema:     visionSchema,
		Attachments: []completion.Attachment{
			{Name: "manuscript.pdf", MIMEType: "application/pdf", Data: pdf},
		},
		Options: completion.Options{Timeout: p.opts.VisionTimeout, Retries: p.opts.VisionRetries},
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Paragraphs []string `json:"paragraphs"`
	}
	if err := completion.Decode(raw, &out); err != nil {
		return nil, err
	}

	c := types.ExtractionCandidate{
		Source:     sourceVision,
		Paragraphs: []types.CandidateParagraph{},
		Sections:   []types.CandidateSection{},
		BibEntries: local.BibEntries,
		Warnings:   []string{},
		TextItems:  local.TextItems,
	}
	for _, t := range out.Paragraphs {
		if t = strings.TrimSpace(t); t != "" {
			c.Paragraphs = append(c.Paragraphs, types.CandidateParagraph{Text: t, Section: -1})
		}
	}
	if len(c.Paragraphs) <= len(local.Paragraphs) {
		p.log.Info("vision fallback not adopted", "vision_paragraphs", len(c.Paragraphs), "primary_paragraphs", len(local.Paragraphs))
		return nil, nil
	}
	return &c, nil
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ", ")
}
