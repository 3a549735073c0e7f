package extract

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

type stubExtractor struct {
	name string
	kind types.InputType
	max  int64
	doc  types.ExtractDocument
	err  error
}

func (s *stubExtractor) Extract(ctx context.Context, in Input) (types.ExtractDocument, error) {
	return s.doc, s.err
}
func (s *stubExtractor) InputType() types.InputType { return s.kind }
func (s *stubExtractor) Name() string               { return s.name }
func (s *stubExtractor) MaxFileSize() int64         { return s.max }

func TestRegistryStampsDocument(t *testing.T) {
	r := NewRegistry()
	doc := types.NewDocument("", "", "stub", time.Now())
	r.Register(&stubExtractor{name: "stub", kind: types.InputText, doc: doc})

	got, err := r.Extract(context.Background(), types.InputText, Input{AnalysisID: "a1", Data: []byte("x")})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got.AnalysisID != "a1" || got.InputType != types.InputText || got.SchemaVersion != types.SchemaVersion {
		t.Fatalf("document not stamped: %+v", got)
	}
}

func TestRegistryEnforcesSizeLimit(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubExtractor{name: "stub", kind: types.InputPDF, max: 4})

	_, err := r.Extract(context.Background(), types.InputPDF, Input{Data: []byte("too long")})
	if err == nil {
		t.Fatalf("expected size error")
	}
	if HTTPStatus(err) != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", HTTPStatus(err))
	}
}

func TestRegistryRejectsInvalidDocument(t *testing.T) {
	r := NewRegistry()
	doc := types.NewDocument("", "", "stub", time.Now())
	doc.Paragraphs = []types.Paragraph{{ID: "p0002", Text: "b"}, {ID: "p0001", Text: "a"}}
	r.Register(&stubExtractor{name: "stub", kind: types.InputText, doc: doc})

	if _, err := r.Extract(context.Background(), types.InputText, Input{}); err == nil {
		t.Fatalf("expected out-of-order paragraph ids to be rejected")
	}
}

func TestResolveUnknownType(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Resolve(types.InputPDF); err == nil {
		t.Fatalf("expected resolve error")
	}
}

func TestHTTPStatusDefaultsToServerError(t *testing.T) {
	if HTTPStatus(errors.New("boom")) != http.StatusInternalServerError {
		t.Fatalf("expected 500 for unclassified errors")
	}
	if IsClientFault(errors.New("boom")) {
		t.Fatalf("unclassified error must not be a client fault")
	}
}

func TestDetectInputType(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		file string
		want types.InputType
	}{
		{"pdf", []byte("%PDF-1.7\n%âãÏÓ\n1 0 obj\n"), "paper.pdf", types.InputPDF},
		{"zip", []byte("PK\x03\x04\x14\x00\x00\x00\x08\x00"), "project.zip", types.InputLatexZip},
		{"text", []byte("# Title\n\nSome manuscript text."), "paper.md", types.InputText},
	}
	for _, c := range cases {
		got, err := DetectInputType(c.data, c.file)
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		if got != c.want {
			t.Fatalf("%s: expected %s, got %s", c.name, c.want, got)
		}
	}
}
