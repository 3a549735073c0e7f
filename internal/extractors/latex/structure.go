package latex

import (
	"regexp"
	"sort"
	"strings"

	"github.com/toricodesthings/manuscript-review-service/internal/normalize"
	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

var (
	sectionRe     = regexp.MustCompile(`\\(section|subsection|subsubsection)\*?\s*(?:\[[^\]]*\]\s*)?\{`)
	figureBeginRe = regexp.MustCompile(`\\begin\{figure\*?\}`)
	figureEndRe   = regexp.MustCompile(`\\end\{figure\*?\}`)
	labelRe       = regexp.MustCompile(`\\label\s*\{([^}]*)\}`)
	captionRe     = regexp.MustCompile(`\\caption\s*(?:\[[^\]]*\]\s*)?\{`)
	structuralRe  = regexp.MustCompile(`\\(?:begin|end)\{document\}|\\(?:documentclass|usepackage|RequirePackage|maketitle|tableofcontents|label|bibliographystyle|bibliography|printbibliography|addbibresource|input|include|includeonly|newpage|clearpage|appendix)\b\*?(?:\s*\[[^\]]*\])*(?:\s*\{[^{}]*\})*`)

	beginDocRe = regexp.MustCompile(`\\begin\{document\}`)
	endDocRe   = regexp.MustCompile(`\\end\{document\}`)
)

var sectionLevels = map[string]int{"section": 1, "subsection": 2, "subsubsection": 3}

type sectionMark struct {
	offset int
	id     string
}

// parseStructure fills sections, figures, paragraphs and in-text citations.
// Structural text is blanked out in place so byte offsets keep lining up
// with the source while paragraphs are cut.
func parseStructure(src string, doc *types.ExtractDocument) {
	buf := []byte(src)

	if loc := beginDocRe.FindStringIndex(src); loc != nil {
		blank(buf, 0, loc[1])
	}
	if loc := endDocRe.FindStringIndex(src); loc != nil {
		blank(buf, loc[0], len(buf))
	}

	parseFigures(buf, doc)
	marks := parseSections(buf, doc)

	for _, span := range normalize.ParagraphSpans(string(buf), 2) {
		if structuralOnly(span.Text) {
			continue
		}
		id := normalize.ParagraphID(len(doc.Paragraphs) + 1)
		p := types.Paragraph{ID: id, Text: span.Text}
		if sid, ok := owningSection(marks, span.Offset); ok {
			p.SectionID = types.StringPtr(sid)
		}
		doc.Paragraphs = append(doc.Paragraphs, p)

		if keys := CiteKeys(span.Text); len(keys) > 0 {
			doc.Citations.InTextCites = append(doc.Citations.InTextCites, types.InTextCite{ParagraphID: id, Keys: keys})
		}
	}
}

func parseFigures(buf []byte, doc *types.ExtractDocument) {
	pos := 0
	for {
		loc := figureBeginRe.FindIndex(buf[pos:])
		if loc == nil {
			return
		}
		start := pos + loc[0]
		endLoc := figureEndRe.FindIndex(buf[start:])
		if endLoc == nil {
			doc.Warn("unterminated figure environment at offset %d", start)
			blank(buf, start, start+loc[1]-loc[0])
			pos = start + loc[1] - loc[0]
			continue
		}
		end := start + endLoc[1]
		body := string(buf[start:end])

		fig := types.Figure{
			ID:                      normalize.FigureID(len(doc.Figures) + 1),
			MentionedInParagraphIDs: []string{},
		}
		if m := labelRe.FindStringSubmatch(body); m != nil {
			if label := strings.TrimSpace(m[1]); label != "" {
				fig.Label = types.StringPtr(label)
			}
		}
		if loc := captionRe.FindStringIndex(body); loc != nil {
			if text, _, ok := braceGroup(body, loc[1]-1); ok {
				fig.Caption = types.StringPtr(normalize.CollapseSpace(text))
			}
		}
		doc.Figures = append(doc.Figures, fig)

		blank(buf, start, end)
		pos = end
	}
}

func parseSections(buf []byte, doc *types.ExtractDocument) []sectionMark {
	src := string(buf)
	var marks []sectionMark
	for _, m := range sectionRe.FindAllStringSubmatchIndex(src, -1) {
		start, open := m[0], m[1]-1
		title, end, ok := braceGroup(src, open)
		if !ok {
			doc.Warn("unbalanced section title at offset %d", start)
			continue
		}
		title = normalize.CollapseSpace(labelRe.ReplaceAllString(title, ""))
		id := normalize.SectionID(len(doc.Sections) + 1)
		doc.Sections = append(doc.Sections, types.Section{
			ID:    id,
			Title: title,
			Level: sectionLevels[src[m[2]:m[3]]],
		})
		marks = append(marks, sectionMark{offset: start, id: id})
		blank(buf, start, end)
	}
	return marks
}

// owningSection returns the nearest section starting at or before offset.
func owningSection(marks []sectionMark, offset int) (string, bool) {
	i := sort.Search(len(marks), func(i int) bool { return marks[i].offset > offset })
	if i == 0 {
		return "", false
	}
	return marks[i-1].id, true
}

// braceGroup returns the content of the balanced {...} group opening at
// s[open] and the offset just past its closing brace.
func braceGroup(s string, open int) (string, int, bool) {
	if open < 0 || open >= len(s) || s[open] != '{' {
		return "", 0, false
	}
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[open+1 : i], i + 1, true
			}
		}
	}
	return "", 0, false
}

// blank replaces buf[start:end] with spaces, keeping newlines.
func blank(buf []byte, start, end int) {
	if end > len(buf) {
		end = len(buf)
	}
	for i := start; i < end; i++ {
		if buf[i] != '\n' {
			buf[i] = ' '
		}
	}
}

// structuralOnly reports whether a paragraph is nothing but document-level
// commands such as \maketitle, \label{...} or \bibliography{...}. Formatting
// macros keep their argument text.
func structuralOnly(p string) bool {
	rest := structuralRe.ReplaceAllString(p, "")
	rest = strings.NewReplacer("{", "", "}", "", "~", "").Replace(rest)
	return strings.TrimSpace(rest) == ""
}
