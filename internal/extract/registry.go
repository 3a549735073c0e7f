package extract

import (
	"context"
	"fmt"

	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

type Registry struct {
	byType map[types.InputType]Extractor
}

func NewRegistry() *Registry {
	return &Registry{byType: make(map[types.InputType]Extractor)}
}

func (r *Registry) Register(e Extractor) {
	t := e.InputType()
	if !t.Valid() {
		panic(fmt.Sprintf("extract: extractor %q declares unknown input type %q", e.Name(), t))
	}
	r.byType[t] = e
}

func (r *Registry) Resolve(t types.InputType) (Extractor, error) {
	if e, ok := r.byType[t]; ok {
		return e, nil
	}
	return nil, &InputError{Message: fmt.Sprintf("no extractor registered for input type %q", t)}
}

// Extract dispatches to the extractor for t, enforces its size ceiling and
// checks the structural invariants of the produced document.
func (r *Registry) Extract(ctx context.Context, t types.InputType, in Input) (types.ExtractDocument, error) {
	e, err := r.Resolve(t)
	if err != nil {
		return types.ExtractDocument{}, err
	}

	if max := e.MaxFileSize(); max > 0 && int64(len(in.Data)) > max {
		return types.ExtractDocument{}, &InputError{Message: fmt.Sprintf("file exceeds extractor limit (%dMB)", max/(1<<20))}
	}

	doc, err := e.Extract(ctx, in)
	if err != nil {
		return types.ExtractDocument{}, err
	}

	doc.SchemaVersion = types.SchemaVersion
	doc.AnalysisID = in.AnalysisID
	doc.InputType = t
	if err := doc.Validate(); err != nil {
		return types.ExtractDocument{}, fmt.Errorf("extract: %s produced invalid document: %w", e.Name(), err)
	}
	return doc, nil
}
