// Package latex turns an uploaded LaTeX project archive into an
// ExtractDocument.
package latex

import (
	"context"
	"os"
	"path"
	"strings"
	"time"

	"github.com/toricodesthings/manuscript-review-service/internal/archive"
	"github.com/toricodesthings/manuscript-review-service/internal/extract"
	"github.com/toricodesthings/manuscript-review-service/internal/normalize"
	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

const extractorName = "latex"

type Extractor struct {
	unpacker *archive.Unpacker
	maxBytes int64
	now      func() time.Time
}

func New(unpacker *archive.Unpacker, maxBytes int64) *Extractor {
	return &Extractor{unpacker: unpacker, maxBytes: maxBytes, now: time.Now}
}

func (e *Extractor) Name() string               { return extractorName }
func (e *Extractor) InputType() types.InputType { return types.InputLatexZip }
func (e *Extractor) MaxFileSize() int64         { return e.maxBytes }

// Extract unpacks the archive into the job's scratch directory, extracts the
// document and removes the directory on every path out.
func (e *Extractor) Extract(ctx context.Context, in extract.Input) (types.ExtractDocument, error) {
	project, err := e.unpacker.Unpack(ctx, in.Data, in.AnalysisID)
	if err != nil {
		return types.ExtractDocument{}, err
	}
	defer project.Cleanup()

	if err := ctx.Err(); err != nil {
		return types.ExtractDocument{}, err
	}
	return ExtractProject(project, in.AnalysisID, e.now()), nil
}

// ExtractProject builds the document from an already unpacked project.
func ExtractProject(p *archive.Project, analysisID string, now time.Time) types.ExtractDocument {
	doc := types.NewDocument(analysisID, types.InputLatexZip, extractorName, now)

	entry, ok := selectEntry(p.TexCandidates)
	if !ok {
		doc.Warn("no .tex file found in archive")
		return doc
	}

	src, err := assemble(p, entry, &doc)
	if err != nil {
		doc.Warn("read entry %s: %v", entry, err)
		return doc
	}
	src = normalize.StripLatexComments(normalize.Newlines(src))

	parseStructure(src, &doc)
	doc.Citations.BibEntries = collectBibliography(p, &doc)
	linkFigureMentions(&doc)
	return doc
}

// selectEntry prefers a nested main.tex, then a top-level one, then the first
// .tex file in archive order.
func selectEntry(candidates []string) (string, bool) {
	for _, c := range candidates {
		if strings.HasSuffix(c, "/main.tex") {
			return c, true
		}
	}
	for _, c := range candidates {
		if c == "main.tex" {
			return c, true
		}
	}
	if len(candidates) > 0 {
		return candidates[0], true
	}
	return "", false
}

func readProjectFile(p *archive.Project, rel string) (string, error) {
	abs, ok := p.Abs(rel)
	if !ok {
		return "", os.ErrNotExist
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func projectFilesWithExt(p *archive.Project, ext string) []string {
	var out []string
	for _, f := range p.ExtractedFiles {
		if strings.EqualFold(path.Ext(f), ext) {
			out = append(out, f)
		}
	}
	return out
}
