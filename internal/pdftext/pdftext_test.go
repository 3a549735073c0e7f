package pdftext

import (
	"bytes"
	"compress/zlib"
	"reflect"
	"strings"
	"testing"

	"github.com/toricodesthings/manuscript-review-service/internal/normalize"
)

func TestLayoutPageOrdersAndBreaks(t *testing.T) {
	runs := []TextRun{
		// second paragraph, listed first to check sorting
		{Text: "Second", X: 10, Y: 660, Height: 10},
		{Text: "paragraph.", X: 60, Y: 660.8, Height: 10},
		{Text: "Hello", X: 10, Y: 700, Height: 10},
		{Text: "world", X: 50, Y: 700, Height: 10},
		{Text: ",", X: 80, Y: 700, Height: 10},
		{Text: "again", X: 10, Y: 688, Height: 10},
		{Text: "(", X: 50, Y: 688, Height: 10},
		{Text: "x", X: 55, Y: 688, Height: 10},
		{Text: ")", X: 60, Y: 688, Height: 10},
	}
	got := LayoutPage(runs)
	want := "Hello world,\nagain (x)\n\nSecond paragraph."
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestLayoutPageCJKAndEOL(t *testing.T) {
	runs := []TextRun{
		{Text: "日本", X: 10, Y: 100, Height: 10},
		{Text: "語", X: 30, Y: 100, Height: 10, HasEOL: true},
		{Text: "next", X: 40, Y: 100, Height: 10},
	}
	got := LayoutPage(runs)
	if got != "日本語\nnext" {
		t.Fatalf("got %q", got)
	}
}

func TestLayoutGapFloor(t *testing.T) {
	// Tiny glyphs: 1.25*2 < 6, so the floor decides.
	runs := []TextRun{
		{Text: "a1", X: 0, Y: 100, Height: 2},
		{Text: "b1", X: 0, Y: 95, Height: 2},
		{Text: "c1", X: 0, Y: 88, Height: 2},
	}
	if got := LayoutPage(runs); got != "a1\nb1\n\nc1" {
		t.Fatalf("got %q", got)
	}
}

func TestLayoutDocumentParagraphs(t *testing.T) {
	pages := [][]TextRun{
		{{Text: "Page one text.", X: 0, Y: 700, Height: 10}},
		{},
		{{Text: "Page two text.", X: 0, Y: 700, Height: 10}},
	}
	got := normalize.Paragraphs(LayoutDocument(pages), 3)
	if !reflect.DeepEqual(got, []string{"Page one text.", "Page two text."}) {
		t.Fatalf("got %q", got)
	}
}

func TestScanContentOperators(t *testing.T) {
	content := []byte(`BT /F1 12 Tf 72 700 Td (Hello \(world\)) Tj T* [(Ker) -30 (ning) -400 (gap)] TJ
0 -14 Td (Octal\040escape\
continued) Tj (line) ' 1 2 (quoted) " <48656C6C6F> Tj ET`)
	text, items := ScanContent(content)
	want := "Hello (world)\nKerning gap\nOctal escapecontinued\nline\nquotedHello"
	if text != want {
		t.Fatalf("got %q want %q", text, want)
	}
	if items != 6 {
		t.Fatalf("expected 6 show operations, got %d", items)
	}
}

func TestReadStreamsRawFallback(t *testing.T) {
	var z bytes.Buffer
	zw := zlib.NewWriter(&z)
	_, _ = zw.Write([]byte("BT (Compressed text) Tj ET"))
	_ = zw.Close()

	var pdf bytes.Buffer
	pdf.WriteString("%PDF-1.4\n1 0 obj << /Length 30 >>\nstream\nBT (Plain text) Tj ET\nendstream\nendobj\n")
	pdf.WriteString("2 0 obj << /Filter /FlateDecode >>\nstream\n")
	pdf.Write(z.Bytes())
	pdf.WriteString("\nendstream\nendobj\n%%EOF")

	st, err := ReadStreams(pdf.Bytes())
	if err != nil {
		t.Fatalf("read streams: %v", err)
	}
	if !strings.Contains(st.Text, "Plain text") || !strings.Contains(st.Text, "Compressed text") {
		t.Fatalf("missing text: %q", st.Text)
	}
	if st.Items != 2 {
		t.Fatalf("expected 2 items, got %d", st.Items)
	}
}

func TestReadLayoutRejectsGarbage(t *testing.T) {
	if _, err := ReadLayout([]byte("%PDF-1.4 not really a pdf")); err == nil {
		t.Fatalf("expected error for malformed pdf")
	}
}

func TestCollectPagesRecordsFailedPages(t *testing.T) {
	read := func(i int) ([]TextRun, bool) {
		if i == 2 || i == 4 {
			return nil, false
		}
		return []TextRun{{Text: "page text", Y: 700, Height: 10}}, true
	}
	layout, err := collectPages(4, read)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if !reflect.DeepEqual(layout.FailedPages, []int{2, 4}) || len(layout.Pages) != 2 || layout.Items != 2 {
		t.Fatalf("unexpected layout %+v", layout)
	}

	if _, err := collectPages(2, func(int) ([]TextRun, bool) { return nil, false }); err == nil || err == ErrNoText {
		t.Fatalf("expected all-pages failure, got %v", err)
	}
}

func TestBuildCandidateHeadingsAndReferences(t *testing.T) {
	text := strings.Join([]string{
		"Abstract\nWe study things.",
		"1 Introduction\nThis is the introduction [1].",
		"2.1 Setup\nDetails of the setup.",
		"References",
		"[1] A. Author. A paper. 2020.\ncontinued title line.\n[2] B. Author. Another. 2019.\n[1] Duplicate.",
	}, "\n\n")

	c := BuildCandidate("local", text, 42)
	wantSections := []string{"Abstract", "Introduction", "Setup", "References"}
	if len(c.Sections) != len(wantSections) {
		t.Fatalf("sections: %+v", c.Sections)
	}
	for i, s := range c.Sections {
		if s.Title != wantSections[i] {
			t.Fatalf("section %d: %q", i, s.Title)
		}
	}
	if c.Sections[2].Level != 2 {
		t.Fatalf("expected level 2 for 2.1, got %d", c.Sections[2].Level)
	}
	if len(c.Paragraphs) != 3 {
		t.Fatalf("paragraphs: %+v", c.Paragraphs)
	}
	if c.Paragraphs[1].Section != 1 {
		t.Fatalf("expected intro paragraph under section 1, got %d", c.Paragraphs[1].Section)
	}
	if len(c.BibEntries) != 2 || c.BibEntries[0].Key != "1" || *c.BibEntries[0].Raw != "A. Author. A paper. 2020. continued title line." {
		t.Fatalf("bib entries: %+v", c.BibEntries)
	}
	if c.TextItems != 42 {
		t.Fatalf("text items not carried")
	}
}

func TestBuildCandidateAuthorYearReferences(t *testing.T) {
	c := BuildCandidate("local", "Body text here.\n\nReferences\n\nSmith, J. (2020a). Title.\nDoe, K. 2019. Other.", 1)
	if len(c.BibEntries) != 2 || c.BibEntries[0].Key != "smith2020a" || c.BibEntries[1].Key != "doe2019" {
		t.Fatalf("bib entries: %+v", c.BibEntries)
	}
}
