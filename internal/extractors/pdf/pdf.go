// Package pdf adapts the hybrid PDF pipeline to the extractor interface.
package pdf

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/toricodesthings/manuscript-review-service/internal/extract"
	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

const extractorName = "pdf"

// FormatError means the payload is not a PDF the pipeline can open.
type FormatError struct {
	Message string
}

func (e *FormatError) Error() string   { return "pdf: " + e.Message }
func (e *FormatError) HTTPStatus() int { return http.StatusUnprocessableEntity }

// Processor fills a document from PDF bytes; *hybrid.Processor is the
// production implementation.
type Processor interface {
	Process(ctx context.Context, doc *types.ExtractDocument, pdf []byte) error
}

type Extractor struct {
	processor Processor
	maxBytes  int64
	now       func() time.Time
}

func New(processor Processor, maxBytes int64) *Extractor {
	return &Extractor{processor: processor, maxBytes: maxBytes, now: time.Now}
}

func (e *Extractor) Name() string               { return extractorName }
func (e *Extractor) InputType() types.InputType { return types.InputPDF }
func (e *Extractor) MaxFileSize() int64         { return e.maxBytes }

func (e *Extractor) Extract(ctx context.Context, in extract.Input) (types.ExtractDocument, error) {
	if err := CheckHeader(in.Data); err != nil {
		return types.ExtractDocument{}, err
	}
	doc := types.NewDocument(in.AnalysisID, types.InputPDF, extractorName, e.now())
	if isEncrypted(in.Data) {
		doc.Warn("PDF is encrypted; extracted text may be incomplete")
	}
	if err := e.processor.Process(ctx, &doc, in.Data); err != nil {
		return types.ExtractDocument{}, err
	}
	return doc, nil
}

// CheckHeader requires the byte stream to start with the %PDF- signature.
func CheckHeader(data []byte) error {
	if len(data) == 0 {
		return &FormatError{Message: "empty file"}
	}
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return &FormatError{Message: "missing %PDF- header"}
	}
	return nil
}

func isEncrypted(data []byte) bool {
	tail := data[max(0, len(data)-4096):]
	return bytes.Contains(tail, []byte("/Encrypt"))
}
