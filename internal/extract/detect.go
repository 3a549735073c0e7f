package extract

import (
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

// DetectInputType sniffs the payload and falls back to the file extension
// when the content is ambiguous.
func DetectInputType(data []byte, fileName string) (types.InputType, error) {
	mt := strings.ToLower(mimetype.Detect(data).String())
	if i := strings.Index(mt, ";"); i > 0 {
		mt = strings.TrimSpace(mt[:i])
	}

	switch {
	case mt == "application/pdf":
		return types.InputPDF, nil
	case mt == "application/zip":
		return types.InputLatexZip, nil
	case strings.HasPrefix(mt, "text/"):
		ext := strings.ToLower(filepath.Ext(fileName))
		if ext == ".pdf" || ext == ".zip" {
			break
		}
		return types.InputText, nil
	}

	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".zip":
		return types.InputLatexZip, nil
	case ".pdf":
		return types.InputPDF, nil
	case ".txt", ".md", ".markdown", ".html", ".htm", ".rtf":
		return types.InputText, nil
	}
	return "", &InputError{Message: "unsupported input type: " + mt}
}
