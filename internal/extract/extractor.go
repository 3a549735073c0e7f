package extract

import (
	"context"

	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

// Input is one submitted manuscript.
type Input struct {
	AnalysisID string
	FileName   string
	Data       []byte
}

// Extractor is implemented by each input kind. The set of kinds is closed:
// one extractor per types.InputType.
type Extractor interface {
	Extract(ctx context.Context, in Input) (types.ExtractDocument, error)
	InputType() types.InputType
	Name() string
	MaxFileSize() int64
}
