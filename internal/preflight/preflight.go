// Package preflight runs structural checks over an extracted document:
// figure references, citation keys and bibliography coverage.
package preflight

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/toricodesthings/manuscript-review-service/internal/extractors/latex"
	"github.com/toricodesthings/manuscript-review-service/internal/normalize"
	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

const (
	KindMissingFigureReference = "MISSING_FIGURE_REFERENCE"
	KindUnknownFigureReference = "UNKNOWN_FIGURE_REFERENCE"
	KindMissingBibEntry        = "MISSING_BIB_ENTRY"
	KindUncitedBibEntry        = "UNCITED_BIB_ENTRY"

	// InternalErrorWarning prefixes the warning recorded when a check panics.
	InternalErrorWarning = "PREFLIGHT_INTERNAL_ERROR"
)

var figureNumberRe = regexp.MustCompile(`(?i)\bfig(?:ure|s?\.)\s*~?(\d+)`)

// Run evaluates every rule and returns the findings in rule order, each
// rule's findings in order of first appearance. It does not modify doc.
func Run(doc types.ExtractDocument) types.PreflightResult {
	var fs []types.PreflightFinding
	fs = append(fs, unreferencedFigures(doc)...)
	fs = append(fs, unknownFigureLabels(doc)...)
	fs = append(fs, figureNumbersOutOfRange(doc)...)
	fs = append(fs, missingBibEntries(doc)...)
	fs = append(fs, uncitedBibEntries(doc)...)

	res := types.PreflightResult{Findings: []types.PreflightFinding{}}
	for i, f := range fs {
		f.ID = normalize.FindingID(i + 1)
		switch f.Severity {
		case types.SeverityError:
			res.Summary.ErrorCount++
		case types.SeverityWarning:
			res.Summary.WarningCount++
		}
		res.Findings = append(res.Findings, f)
	}
	return res
}

// Safe is Run with panics turned into an empty result and a warning, so a
// checker bug never aborts the pipeline.
func Safe(doc types.ExtractDocument) (res types.PreflightResult, warning string) {
	defer func() {
		if r := recover(); r != nil {
			res = types.PreflightResult{Findings: []types.PreflightFinding{}}
			warning = fmt.Sprintf("%s: %v", InternalErrorWarning, r)
		}
	}()
	return run(doc), ""
}

var run = Run

func unreferencedFigures(doc types.ExtractDocument) []types.PreflightFinding {
	var out []types.PreflightFinding
	for _, f := range doc.Figures {
		if f.Label == nil || len(f.MentionedInParagraphIDs) > 0 {
			continue
		}
		out = append(out, types.PreflightFinding{
			Kind:     KindMissingFigureReference,
			Severity: types.SeverityError,
			Message:  fmt.Sprintf("figure %s (label %q) is never referenced in the text", f.ID, *f.Label),
			Refs:     []string{f.ID},
		})
	}
	return out
}

func unknownFigureLabels(doc types.ExtractDocument) []types.PreflightFinding {
	known := map[string]bool{}
	for _, f := range doc.Figures {
		if f.Label != nil {
			known[*f.Label] = true
		}
	}
	var g grouping
	for _, p := range doc.Paragraphs {
		for _, label := range latex.RefLabels(p.Text) {
			if !known[label] {
				g.add(label, p.ID)
			}
		}
	}
	return g.findings(func(label string, refs []string) types.PreflightFinding {
		return types.PreflightFinding{
			Kind:     KindUnknownFigureReference,
			Severity: types.SeverityError,
			Message:  fmt.Sprintf("reference to unknown label %q", label),
			Refs:     refs,
		}
	})
}

func figureNumbersOutOfRange(doc types.ExtractDocument) []types.PreflightFinding {
	count := len(doc.Figures)
	var g grouping
	for _, p := range doc.Paragraphs {
		for _, m := range figureNumberRe.FindAllStringSubmatch(p.Text, -1) {
			n, err := strconv.Atoi(m[1])
			if err != nil || (n >= 1 && n <= count) {
				continue
			}
			g.add(m[1], p.ID)
		}
	}
	return g.findings(func(n string, refs []string) types.PreflightFinding {
		return types.PreflightFinding{
			Kind:     KindUnknownFigureReference,
			Severity: types.SeverityWarning,
			Message:  fmt.Sprintf("figure %s is mentioned but the document has %d figures", n, count),
			Refs:     refs,
		}
	})
}

func missingBibEntries(doc types.ExtractDocument) []types.PreflightFinding {
	known := map[string]bool{}
	for _, b := range doc.Citations.BibEntries {
		known[b.Key] = true
	}
	var g grouping
	for _, c := range doc.Citations.InTextCites {
		for _, k := range c.Keys {
			if !known[k] {
				g.add(k, c.ParagraphID)
			}
		}
	}
	return g.findings(func(key string, refs []string) types.PreflightFinding {
		return types.PreflightFinding{
			Kind:     KindMissingBibEntry,
			Severity: types.SeverityError,
			Message:  fmt.Sprintf("citation key %q has no bibliography entry", key),
			Refs:     refs,
		}
	})
}

func uncitedBibEntries(doc types.ExtractDocument) []types.PreflightFinding {
	cited := map[string]bool{}
	for _, c := range doc.Citations.InTextCites {
		for _, k := range c.Keys {
			cited[k] = true
		}
	}
	var out []types.PreflightFinding
	for _, b := range doc.Citations.BibEntries {
		if cited[b.Key] {
			continue
		}
		out = append(out, types.PreflightFinding{
			Kind:     KindUncitedBibEntry,
			Severity: types.SeverityWarning,
			Message:  fmt.Sprintf("bibliography entry %q is never cited", b.Key),
			Refs:     []string{b.Key},
		})
	}
	return out
}

// grouping collects paragraph IDs per key, keeping keys in first-seen order
// and each key's paragraphs distinct.
type grouping struct {
	keys []string
	refs map[string][]string
}

func (g *grouping) add(key, paragraphID string) {
	if g.refs == nil {
		g.refs = map[string][]string{}
	}
	refs, ok := g.refs[key]
	if !ok {
		g.keys = append(g.keys, key)
	}
	for _, r := range refs {
		if r == paragraphID {
			return
		}
	}
	g.refs[key] = append(refs, paragraphID)
}

func (g *grouping) findings(build func(key string, refs []string) types.PreflightFinding) []types.PreflightFinding {
	out := make([]types.PreflightFinding, 0, len(g.keys))
	for _, k := range g.keys {
		out = append(out, build(k, g.refs[k]))
	}
	return out
}
