package normalize

import (
	"strings"
	"testing"
)

func TestParagraphsSplitsOnBlankRuns(t *testing.T) {
	in := "first  line\r\ncontinues\r\n\r\n\n  second\n \t\nab\n\nthird one"
	got := Paragraphs(in, 3)
	want := []string{"first line continues", "second", "third one"}
	if len(got) != len(want) {
		t.Fatalf("expected %d paragraphs, got %d: %q", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("paragraph %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestParagraphSpansKeepOffsets(t *testing.T) {
	in := "alpha beta\n\n  gamma delta\n"
	spans := ParagraphSpans(in, 1)
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[1].Offset != strings.Index(in, "gamma") {
		t.Fatalf("expected offset %d, got %d", strings.Index(in, "gamma"), spans[1].Offset)
	}
}

func TestStripLatexComments(t *testing.T) {
	in := "keep 50\\% of it % drop this\n% whole line\nescaped \\\\% gone\nplain"
	got := StripLatexComments(in)
	want := "keep 50\\% of it \n\nescaped \\\\\nplain"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if strings.Count(got, "\n") != strings.Count(in, "\n") {
		t.Fatalf("line count changed")
	}
}

func TestIDsSortInDocumentOrder(t *testing.T) {
	prev := ""
	for i := 1; i <= 1500; i++ {
		id := ParagraphID(i)
		if prev != "" && id <= prev {
			t.Fatalf("id %s not greater than %s", id, prev)
		}
		prev = id
	}
}

func TestNewlinesStripsInvisibles(t *testing.T) {
	got := Newlines("a\u200Bb\u00A0c\r\nd")
	if got != "ab c\nd" {
		t.Fatalf("unexpected %q", got)
	}
}

func TestBlocksKeepInnerNewlines(t *testing.T) {
	got := Blocks("  first line\nsecond line\n\n\n   \nthird\n")
	if len(got) != 2 || got[0] != "first line\nsecond line" || got[1] != "third" {
		t.Fatalf("unexpected blocks %q", got)
	}
}
