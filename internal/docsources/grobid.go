package docsources

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/toricodesthings/manuscript-review-service/internal/normalize"
	"github.com/toricodesthings/manuscript-review-service/internal/retry"
	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

type GrobidConfig struct {
	BaseURL        string
	MaxBytes       int64
	Timeout        time.Duration
	Retries        int
	MaxConcurrency int64
}

// Grobid is the bibliographic parser: processFulltextDocument returns TEI
// with section heads, paragraphs and a structured reference list.
type Grobid struct {
	cfg     GrobidConfig
	client  *http.Client
	limiter limiter
}

func NewGrobid(cfg GrobidConfig) *Grobid {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Grobid{cfg: cfg, client: &http.Client{}, limiter: newLimiter(cfg.MaxConcurrency)}
}

func (g *Grobid) Name() string    { return "grobid" }
func (g *Grobid) MaxBytes() int64 { return g.cfg.MaxBytes }

func (g *Grobid) Extract(ctx context.Context, pdf []byte) (types.ExtractionCandidate, error) {
	if g.cfg.BaseURL == "" {
		return types.ExtractionCandidate{}, fmt.Errorf("grobid base URL not configured")
	}
	var tei []byte
	err := g.limiter.do(ctx, func() error {
		p := retry.Policy{Attempts: g.cfg.Retries + 1, Base: time.Second, Timeout: g.cfg.Timeout}
		return retry.Do(ctx, p, retryableStatus, func(ctx context.Context) error {
			b, err := g.post(ctx, pdf)
			if err != nil {
				return err
			}
			tei = b
			return nil
		})
	})
	if err != nil {
		return types.ExtractionCandidate{}, err
	}
	return parseTEI(g.Name(), tei)
}

func (g *Grobid) post(ctx context.Context, pdf []byte) ([]byte, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("input", "document.pdf")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(pdf); err != nil {
		return nil, err
	}
	_ = mw.WriteField("consolidateHeader", "0")
	_ = mw.WriteField("consolidateCitations", "0")
	if err := mw.Close(); err != nil {
		return nil, err
	}

	url := strings.TrimRight(g.cfg.BaseURL, "/") + "/api/processFulltextDocument"
	req, err := http.NewRequestWithContext(ctx, "POST", url, &body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/xml")

	resp, err := g.client.Do(req)
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
		return nil, &ServiceError{Service: "grobid", StatusCode: resp.StatusCode, Message: msg}
	}
	return raw, nil
}

// ── TEI ──────────────────────────────────────────────────────────────────────

type teiDocument struct {
	Abstract []teiText `xml:"teiHeader>profileDesc>abstract>div>p"`
	Divs     []teiDiv  `xml:"text>body>div"`
	Bibl     []teiText `xml:"text>back>div>listBibl>biblStruct"`
}

type teiDiv struct {
	Head       teiHead   `xml:"head"`
	Paragraphs []teiText `xml:"p"`
}

type teiHead struct {
	N    string `xml:"n,attr"`
	Text string `xml:",chardata"`
}

// teiText collects the character data of an element and all its children.
type teiText string

func (t *teiText) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var b strings.Builder
	depth := 1
	for depth > 0 {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch v := tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			b.Write(v)
			b.WriteByte(' ')
		}
	}
	*t = teiText(normalize.CollapseSpace(b.String()))
	return nil
}

// parseTEI maps GROBID output onto a candidate. Reference entries are keyed
// by their position in the list (1-based) to line up with numeric citations.
func parseTEI(source string, tei []byte) (types.ExtractionCandidate, error) {
	var doc teiDocument
	if err := xml.Unmarshal(tei, &doc); err != nil {
		return types.ExtractionCandidate{}, &ServiceError{Service: source, StatusCode: 200, Message: "invalid TEI: " + err.Error()}
	}

	c := emptyCandidate(source)
	if len(doc.Abstract) > 0 {
		c.Sections = append(c.Sections, types.CandidateSection{Title: "Abstract", Level: 1})
		for _, p := range doc.Abstract {
			if p != "" {
				c.Paragraphs = append(c.Paragraphs, types.CandidateParagraph{Text: string(p), Section: 0})
			}
		}
	}

	for _, div := range doc.Divs {
		section := len(c.Sections) - 1
		if title := normalize.CollapseSpace(div.Head.Text); title != "" {
			level := 1
			if n := strings.Trim(div.Head.N, "."); n != "" {
				level = min(strings.Count(n, ".")+1, 3)
			}
			c.Sections = append(c.Sections, types.CandidateSection{Title: title, Level: level})
			section = len(c.Sections) - 1
		}
		for _, p := range div.Paragraphs {
			if p != "" {
				c.Paragraphs = append(c.Paragraphs, types.CandidateParagraph{Text: string(p), Section: section})
			}
		}
	}

	for i, b := range doc.Bibl {
		e := types.BibEntry{Key: strconv.Itoa(i + 1)}
		if b != "" {
			e.Raw = types.StringPtr(string(b))
		}
		c.BibEntries = append(c.BibEntries, e)
	}
	return c, nil
}
