package ensemble

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

func paras(texts ...string) []types.CandidateParagraph {
	out := make([]types.CandidateParagraph, len(texts))
	for i, t := range texts {
		out[i] = types.CandidateParagraph{Text: t, Section: -1}
	}
	return out
}

func TestScoreWeights(t *testing.T) {
	base := Metrics{Paragraphs: 10, Chars: 5000, AvgParagraphLen: 500}
	want := 10*0.5 + 5.0 + 15
	if got := Score(base); got != want {
		t.Fatalf("score = %v want %v", got, want)
	}

	capped := Metrics{Paragraphs: 500, Chars: 1_000_000, AvgParagraphLen: 2000, Sections: 99, BibEntries: 400, CitationDensity: 3}
	want = 120*0.5 + 60 + 30 + 80*0.25 + 20
	if got := Score(capped); got != want {
		t.Fatalf("capped score = %v want %v", got, want)
	}

	short := Metrics{Paragraphs: 10, Chars: 500, AvgParagraphLen: 50, Warnings: 2}
	want = 5 + 0.5 - 15 - 10
	if got := Score(short); got != want {
		t.Fatalf("short score = %v want %v", got, want)
	}
}

func TestRankIsStable(t *testing.T) {
	ms := []Metrics{{Source: "a"}, {Source: "b", Sections: 2}, {Source: "c"}}
	r := Rank(ms)
	if r[0].Index != 1 || r[1].Index != 0 || r[2].Index != 2 {
		t.Fatalf("unexpected order %+v", r)
	}
}

func TestNormalizeDedups(t *testing.T) {
	c := types.ExtractionCandidate{
		Source: "x",
		Sections: []types.CandidateSection{
			{Title: "Intro", Level: 1}, {Title: " intro ", Level: 1}, {Title: "Method", Level: 0},
		},
		Paragraphs: []types.CandidateParagraph{
			{Text: "Hello  world", Section: 1},
			{Text: "hello world", Section: 0},
			{Text: "  ", Section: 0},
			{Text: "Other", Section: 2},
		},
		BibEntries: []types.BibEntry{{Key: "A1"}, {Key: "a1"}, {Key: "b"}},
	}
	n := Normalize(c)
	if len(n.Sections) != 2 || n.Sections[1].Level != 1 {
		t.Fatalf("sections %+v", n.Sections)
	}
	want := []types.CandidateParagraph{{Text: "Hello world", Section: 0}, {Text: "Other", Section: 1}}
	if !reflect.DeepEqual(n.Paragraphs, want) {
		t.Fatalf("paragraphs %+v", n.Paragraphs)
	}
	if len(n.BibEntries) != 2 || n.BibEntries[0].Key != "A1" {
		t.Fatalf("bib %+v", n.BibEntries)
	}
}

func TestCiteKeys(t *testing.T) {
	got := CiteKeys("As shown [1], [2, 5–7] and [3-4]. Others (Smith et al., 2020a; Doe 2019) and (Lee and Park, 2018).")
	want := []string{"1", "2", "5", "6", "7", "3", "4", "smith2020a", "doe2019", "lee2018"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestCiteKeysCapsRanges(t *testing.T) {
	got := CiteKeys("[1-5000]")
	if !reflect.DeepEqual(got, []string{"1"}) {
		t.Fatalf("expected oversized range to collapse to its start, got %v", got)
	}
}

func TestMergePerSignalDonors(t *testing.T) {
	long := strings.Repeat("word ", 60)
	local := types.ExtractionCandidate{
		Source:     "local",
		Paragraphs: paras(long+"[1]", long+"second", long+"third [2]"),
		Sections:   []types.CandidateSection{{Title: "Intro", Level: 1}},
		BibEntries: []types.BibEntry{{Key: "1"}},
	}
	local.Paragraphs[0].Section = 0
	grobid := types.ExtractionCandidate{
		Source:     "grobid",
		Paragraphs: paras("tiny"),
		Sections:   []types.CandidateSection{{Title: "A", Level: 1}, {Title: "B", Level: 1}},
		BibEntries: []types.BibEntry{{Key: "1"}, {Key: "2"}, {Key: "3"}},
	}

	doc := types.NewDocument("a1", types.InputPDF, "pdf", time.Now())
	sel := Merge(&doc, []types.ExtractionCandidate{local, grobid})

	if sel.Paragraph != 0 || sel.Section != 1 || sel.Bib != 1 {
		t.Fatalf("unexpected selection %+v", sel)
	}
	if len(doc.Paragraphs) != 3 || doc.Paragraphs[0].ID != "p0001" {
		t.Fatalf("paragraphs %+v", doc.Paragraphs)
	}
	for _, p := range doc.Paragraphs {
		if p.SectionID != nil {
			t.Fatalf("section mapping must be dropped when donors differ: %+v", p)
		}
	}
	if len(doc.Sections) != 2 || len(doc.Citations.BibEntries) != 3 {
		t.Fatalf("donor signals missing: %+v %+v", doc.Sections, doc.Citations.BibEntries)
	}
	if len(doc.Citations.InTextCites) != 2 || doc.Citations.InTextCites[1].ParagraphID != "p0003" {
		t.Fatalf("cites %+v", doc.Citations.InTextCites)
	}
	if err := doc.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestMergeKeepsSectionsForSingleDonor(t *testing.T) {
	c := types.ExtractionCandidate{
		Source:     "local",
		Paragraphs: []types.CandidateParagraph{{Text: "before", Section: -1}, {Text: "inside", Section: 0}},
		Sections:   []types.CandidateSection{{Title: "Intro", Level: 1}},
	}
	doc := types.NewDocument("a1", types.InputPDF, "pdf", time.Now())
	Merge(&doc, []types.ExtractionCandidate{c})

	if doc.Paragraphs[0].SectionID != nil {
		t.Fatalf("first paragraph should be unassigned")
	}
	if doc.Paragraphs[1].SectionID == nil || *doc.Paragraphs[1].SectionID != "s001" {
		t.Fatalf("second paragraph should map to s001, got %v", doc.Paragraphs[1].SectionID)
	}
	if len(doc.Meta.Warnings) != 0 {
		t.Fatalf("single candidate should not add ensemble warnings: %v", doc.Meta.Warnings)
	}
}
