package docsources

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/toricodesthings/manuscript-review-service/internal/normalize"
	"github.com/toricodesthings/manuscript-review-service/internal/pdftext"
	"github.com/toricodesthings/manuscript-review-service/internal/retry"
	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

type ConverterConfig struct {
	BaseURL        string
	MaxBytes       int64
	Timeout        time.Duration
	Retries        int
	MaxConcurrency int64
}

// Converter is the general document converter. It speaks the Tika server
// protocol: the PDF is PUT to /tika and rendered back as XHTML.
type Converter struct {
	cfg     ConverterConfig
	client  *http.Client
	limiter limiter
}

func NewConverter(cfg ConverterConfig) *Converter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	return &Converter{cfg: cfg, client: &http.Client{}, limiter: newLimiter(cfg.MaxConcurrency)}
}

func (c *Converter) Name() string    { return "converter" }
func (c *Converter) MaxBytes() int64 { return c.cfg.MaxBytes }

func (c *Converter) Extract(ctx context.Context, pdf []byte) (types.ExtractionCandidate, error) {
	if c.cfg.BaseURL == "" {
		return types.ExtractionCandidate{}, fmt.Errorf("converter base URL not configured")
	}
	var page []byte
	err := c.limiter.do(ctx, func() error {
		p := retry.Policy{Attempts: c.cfg.Retries + 1, Base: time.Second, Timeout: c.cfg.Timeout}
		return retry.Do(ctx, p, retryableStatus, func(ctx context.Context) error {
			b, err := c.put(ctx, pdf)
			if err != nil {
				return err
			}
			page = b
			return nil
		})
	})
	if err != nil {
		return types.ExtractionCandidate{}, err
	}
	return candidateFromHTML(c.Name(), page)
}

func (c *Converter) put(ctx context.Context, pdf []byte) ([]byte, error) {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/tika"
	req, err := http.NewRequestWithContext(ctx, "PUT", url, bytes.NewReader(pdf))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/pdf")
	req.Header.Set("Accept", "text/html")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 50<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(raw)
		if len(msg) > 500 {
			msg = msg[:500]
		}
		return nil, &ServiceError{Service: "converter", StatusCode: resp.StatusCode, Message: msg}
	}
	return raw, nil
}

var headingLevels = map[atom.Atom]int{
	atom.H1: 1, atom.H2: 2, atom.H3: 3,
	atom.H4: 3, atom.H5: 3, atom.H6: 3,
}

// candidateFromHTML walks the converter's XHTML. Headings open sections,
// <p> and <li> become paragraphs; list items after a references heading
// feed the bibliography instead.
func candidateFromHTML(source string, page []byte) (types.ExtractionCandidate, error) {
	root, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return types.ExtractionCandidate{}, &ServiceError{Service: source, StatusCode: 200, Message: "invalid html: " + err.Error()}
	}

	c := emptyCandidate(source)
	section := -1
	inRefs := false
	var refs pdftext.ReferenceList

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Head:
				return
			case atom.P, atom.Li:
				text := normalize.CollapseSpace(nodeText(n))
				switch {
				case text == "":
				case inRefs:
					refs.Add([]string{text})
				case len(text) >= 3:
					c.Paragraphs = append(c.Paragraphs, types.CandidateParagraph{Text: text, Section: section})
				}
				return
			}
			if level, ok := headingLevels[n.DataAtom]; ok {
				if title := normalize.CollapseSpace(nodeText(n)); title != "" {
					c.Sections = append(c.Sections, types.CandidateSection{Title: title, Level: level})
					section = len(c.Sections) - 1
					inRefs = pdftext.IsReferencesHeading(title)
				}
				return
			}
		}
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(root)

	c.BibEntries = refs.Entries()
	return c, nil
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			return
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.Br {
			b.WriteByte(' ')
		}
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(n)
	return b.String()
}
