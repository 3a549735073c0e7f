package docsources

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/toricodesthings/manuscript-review-service/internal/markdown"
	"github.com/toricodesthings/manuscript-review-service/internal/retry"
	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

type OCRPage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

type OCRResponse struct {
	Pages     []OCRPage `json:"pages"`
	Model     string    `json:"model"`
	UsageInfo UsageInfo `json:"usage_info"`
}

type UsageInfo struct {
	PagesProcessed int  `json:"pages_processed"`
	DocSizeBytes   *int `json:"doc_size_bytes"`
}

type mistralErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

const (
	mistralAPIURL       = "https://api.mistral.ai/v1/ocr"
	defaultMistralModel = "mistral-ocr-latest"
)

type MistralConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	MaxBytes       int64
	Timeout        time.Duration
	Retries        int
	MaxConcurrency int64
}

// Mistral is the document-AI source: the PDF is sent inline as a data URL
// and the per-page markdown is mapped onto a candidate.
type Mistral struct {
	cfg     MistralConfig
	client  *http.Client
	limiter limiter
}

func NewMistral(cfg MistralConfig) *Mistral {
	if cfg.BaseURL == "" {
		cfg.BaseURL = mistralAPIURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultMistralModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Mistral{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		limiter: newLimiter(cfg.MaxConcurrency),
	}
}

func (m *Mistral) Name() string    { return "mistral-ocr" }
func (m *Mistral) MaxBytes() int64 { return m.cfg.MaxBytes }

func (m *Mistral) Extract(ctx context.Context, pdf []byte) (types.ExtractionCandidate, error) {
	resp, err := m.run(ctx, pdf)
	if err != nil {
		return types.ExtractionCandidate{}, err
	}
	sort.SliceStable(resp.Pages, func(i, j int) bool { return resp.Pages[i].Index < resp.Pages[j].Index })
	parts := make([]string, 0, len(resp.Pages))
	for _, p := range resp.Pages {
		parts = append(parts, p.Markdown)
	}
	return markdown.Candidate(m.Name(), strings.Join(parts, "\n\n")), nil
}

func (m *Mistral) run(ctx context.Context, pdf []byte) (OCRResponse, error) {
	if m.cfg.APIKey == "" {
		return OCRResponse{}, fmt.Errorf("MISTRAL_API_KEY not configured")
	}

	body := map[string]any{
		"model": m.cfg.Model,
		"document": map[string]any{
			"type":         "document_url",
			"document_url": "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(pdf),
		},
	}
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return OCRResponse{}, fmt.Errorf("marshal: %w", err)
	}

	var result OCRResponse
	err = m.limiter.do(ctx, func() error {
		p := retry.Policy{Attempts: m.cfg.Retries + 1, Base: 2 * time.Second, Timeout: m.cfg.Timeout}
		return retry.Do(ctx, p, retryableStatus, func(ctx context.Context) error {
			r, err := m.execute(ctx, bodyBytes)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
	})
	return result, err
}

func (m *Mistral) execute(ctx context.Context, bodyBytes []byte) (OCRResponse, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", m.cfg.BaseURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return OCRResponse{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "manuscript-review/1.0")

	resp, err := m.client.Do(req)
	if err != nil {
		return OCRResponse{}, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return OCRResponse{}, parseMistralError(resp)
	}

	// Parse response (limit to 100MB)
	var result OCRResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 100<<20)).Decode(&result); err != nil {
		return OCRResponse{}, fmt.Errorf("decode: %w", err)
	}
	if len(result.Pages) == 0 {
		return OCRResponse{}, &ServiceError{Service: "mistral-ocr", StatusCode: resp.StatusCode, Message: "OCR returned no pages"}
	}
	for i, page := range result.Pages {
		if page.Index < 0 {
			return OCRResponse{}, fmt.Errorf("invalid page index at %d: %d", i, page.Index)
		}
		if len(page.Markdown) > 10<<20 {
			return OCRResponse{}, fmt.Errorf("page %d markdown too large: %dMB", page.Index, len(page.Markdown)/(1<<20))
		}
	}
	return result, nil
}

func parseMistralError(resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var errResp mistralErrorResponse
	if json.Unmarshal(bodyBytes, &errResp) == nil && errResp.Error.Message != "" {
		return &ServiceError{
			Service:    "mistral-ocr",
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("(%s) %s", errResp.Error.Type, errResp.Error.Message),
		}
	}
	return &ServiceError{Service: "mistral-ocr", StatusCode: resp.StatusCode, Message: string(bodyBytes)}
}
