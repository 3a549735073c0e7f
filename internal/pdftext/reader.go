package pdftext

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrNoText means the PDF opened but no page yielded any text.
var ErrNoText = errors.New("pdftext: no text found")

// Layout is the positioned text of a whole document. FailedPages lists the
// 1-based pages the reader could not decode.
type Layout struct {
	Pages       [][]TextRun
	Items       int
	FailedPages []int
}

// Text lays out every page.
func (l Layout) Text() string { return LayoutDocument(l.Pages) }

// ReadLayout extracts positioned runs with the layout reader. Glyph-level
// items are merged into runs of adjacent glyphs on the same baseline. Reader
// panics on malformed input are returned as errors.
func ReadLayout(data []byte) (layout Layout, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdftext: layout reader panic: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Layout{}, fmt.Errorf("pdftext: open: %w", err)
	}

	return collectPages(r.NumPage(), func(i int) ([]TextRun, bool) { return readPage(r, i) })
}

// collectPages reads pages 1..n. A page that fails is recorded and skipped;
// the whole read fails only when every page does.
func collectPages(n int, read func(i int) ([]TextRun, bool)) (Layout, error) {
	var layout Layout
	for i := 1; i <= n; i++ {
		runs, ok := read(i)
		if !ok {
			layout.FailedPages = append(layout.FailedPages, i)
			continue
		}
		layout.Pages = append(layout.Pages, runs)
		layout.Items += len(runs)
	}
	if n > 0 && len(layout.FailedPages) == n {
		return Layout{}, fmt.Errorf("pdftext: all %d pages failed to decode", n)
	}
	if layout.Items == 0 {
		return layout, ErrNoText
	}
	return layout, nil
}

func readPage(r *pdf.Reader, i int) (runs []TextRun, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			runs, ok = nil, false
		}
	}()
	page := r.Page(i)
	if page.V.IsNull() {
		return nil, true
	}
	return coalesce(page.Content().Text), true
}

func coalesce(glyphs []pdf.Text) []TextRun {
	var out []TextRun
	var cur *TextRun
	var curEnd float64

	flush := func() {
		if cur != nil && strings.TrimSpace(cur.Text) != "" {
			out = append(out, *cur)
		}
		cur = nil
	}

	for _, g := range glyphs {
		if g.S == "" {
			continue
		}
		if strings.TrimSpace(g.S) == "" {
			if cur != nil && strings.Contains(g.S, "\n") {
				cur.HasEOL = true
			}
			flush()
			continue
		}
		adjacent := cur != nil &&
			math.Abs(cur.Y-g.Y) < 0.5 &&
			math.Abs(g.X-curEnd) <= math.Max(0.15*g.FontSize, 0.5)
		if !adjacent {
			flush()
			cur = &TextRun{X: g.X, Y: g.Y, Height: g.FontSize}
		}
		cur.Text += g.S
		curEnd = g.X + g.W
		if g.FontSize > cur.Height {
			cur.Height = g.FontSize
		}
		if strings.HasSuffix(g.S, "\n") {
			cur.HasEOL = true
			flush()
		}
	}
	flush()
	return out
}
