// Package plaintext extracts TEXT manuscripts: plain text, markdown, and the
// HTML and RTF exports that word processors produce.
package plaintext

import (
	"bytes"
	"context"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"

	"github.com/toricodesthings/manuscript-review-service/internal/ensemble"
	"github.com/toricodesthings/manuscript-review-service/internal/extract"
	"github.com/toricodesthings/manuscript-review-service/internal/markdown"
	"github.com/toricodesthings/manuscript-review-service/internal/pdftext"
	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

const extractorName = "text"

type Extractor struct {
	maxBytes int64
	now      func() time.Time
}

func New(maxBytes int64) *Extractor {
	return &Extractor{maxBytes: maxBytes, now: time.Now}
}

func (e *Extractor) Name() string               { return extractorName }
func (e *Extractor) InputType() types.InputType { return types.InputText }
func (e *Extractor) MaxFileSize() int64         { return e.maxBytes }

func (e *Extractor) Extract(ctx context.Context, in extract.Input) (types.ExtractDocument, error) {
	select {
	case <-ctx.Done():
		return types.ExtractDocument{}, ctx.Err()
	default:
	}

	doc := types.NewDocument(in.AnalysisID, types.InputText, extractorName, e.now())
	b := bytes.TrimPrefix(in.Data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(b) {
		doc.Warn("input is not valid UTF-8; invalid bytes replaced")
		b = []byte(strings.ToValidUTF8(string(b), "�"))
	}

	var text string
	switch {
	case bytes.HasPrefix(bytes.TrimSpace(b), []byte(`{\rtf`)):
		text = rtfToText(string(b))
	case mimetype.Detect(b).Is("text/html"):
		text = htmlToMarkdown(b)
	default:
		text = stripFrontMatter(normalizeText(string(b)))
	}
	text = normalizeText(text)

	// Markdown headings first; plain text falls back to numbered-heading
	// detection.
	c := markdown.Candidate(extractorName, text)
	if len(c.Sections) == 0 {
		c = pdftext.BuildCandidate(extractorName, text, 0)
	}
	ensemble.Merge(&doc, []types.ExtractionCandidate{c})
	if len(doc.Paragraphs) == 0 {
		doc.Warn("no paragraphs found in text input")
	}
	return doc, nil
}

var excessNewlines = regexp.MustCompile(`\n{4,}`)

func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = excessNewlines.ReplaceAllString(s, "\n\n\n")
	return strings.TrimSpace(s)
}

func stripFrontMatter(s string) string {
	if !strings.HasPrefix(s, "---\n") {
		return s
	}
	idx := strings.Index(s[4:], "\n---\n")
	if idx < 0 {
		return s
	}
	return s[4+idx+5:]
}

var (
	rtfPar     = regexp.MustCompile(`\\par[d]?`)
	rtfTab     = regexp.MustCompile(`\\tab`)
	rtfHex     = regexp.MustCompile(`\\'[0-9a-fA-F]{2}`)
	rtfControl = regexp.MustCompile(`\\[a-zA-Z]+-?\d* ?`)
	rtfBlank   = regexp.MustCompile(`\n{3,}`)
)

// rtfToText drops control words and groups. \par becomes a newline; a run of
// two marks a paragraph break.
func rtfToText(s string) string {
	s = rtfPar.ReplaceAllString(s, "\n")
	s = rtfTab.ReplaceAllString(s, "\t")
	s = rtfHex.ReplaceAllString(s, "")
	s = rtfControl.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "{", "")
	s = strings.ReplaceAll(s, "}", "")
	s = rtfBlank.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
