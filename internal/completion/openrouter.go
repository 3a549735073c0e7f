package completion

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/toricodesthings/manuscript-review-service/internal/retry"
)

const (
	defaultOpenRouterURL   = "https://openrouter.ai/api/v1/chat/completions"
	defaultOpenRouterModel = "google/gemini-2.5-flash"
)

type OpenRouterConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// RequestsPerSecond paces outbound calls; zero disables pacing.
	RequestsPerSecond float64
}

// OpenRouter talks to an OpenAI-compatible chat completions endpoint with
// json_schema structured output.
type OpenRouter struct {
	apiKey  string
	url     string
	model   string
	client  *http.Client
	limiter *rate.Limiter
}

func NewOpenRouter(cfg OpenRouterConfig) *OpenRouter {
	o := &OpenRouter{
		apiKey: cfg.APIKey,
		url:    cfg.BaseURL,
		model:  cfg.Model,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
	if o.url == "" {
		o.url = defaultOpenRouterURL
	}
	if o.model == "" {
		o.model = defaultOpenRouterModel
	}
	if cfg.RequestsPerSecond > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return o
}

// ── OpenRouter wire types ────────────────────────────────────────────────────

type chatCompletionResponse struct {
	ID      string                  `json:"id"`
	Choices []chatCompletionChoice  `json:"choices"`
	Error   *openRouterErrorPayload `json:"error,omitempty"`
}

type chatCompletionChoice struct {
	Index        int                   `json:"index"`
	Message      chatCompletionMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

type chatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterErrorPayload struct {
	Code    any    `json:"code"`
	Message string `json:"message"`
}

// ── Public API ───────────────────────────────────────────────────────────────

func (o *OpenRouter) Complete(ctx context.Context, req Request) (json.RawMessage, error) {
	if o.apiKey == "" {
		return nil, &Error{Kind: KindConfig, Message: "OPENROUTER_API_KEY not configured"}
	}
	bodyBytes, err := json.Marshal(o.buildBody(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var out json.RawMessage
	err = retry.Do(ctx, policy(req.Options), IsRetryable, func(ctx context.Context) error {
		if o.limiter != nil {
			if err := o.limiter.Wait(ctx); err != nil {
				return timeoutOr(err, &Error{Kind: KindHTTP, Message: err.Error(), Err: err})
			}
		}
		res, err := o.execute(ctx, bodyBytes)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (o *OpenRouter) buildBody(req Request) map[string]any {
	content := []map[string]any{{"type": "text", "text": req.Prompt}}
	for _, a := range req.Attachments {
		dataURL := fmt.Sprintf("data:%s;base64,%s", a.MIMEType, base64.StdEncoding.EncodeToString(a.Data))
		if strings.HasPrefix(a.MIMEType, "image/") {
			content = append(content, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": dataURL},
			})
			continue
		}
		name := a.Name
		if name == "" {
			name = "document.pdf"
		}
		content = append(content, map[string]any{
			"type": "file",
			"file": map[string]any{"filename": name, "file_data": dataURL},
		})
	}

	messages := []map[string]any{}
	if req.System != "" {
		messages = append(messages, map[string]any{"role": "system", "content": req.System})
	}
	messages = append(messages, map[string]any{"role": "user", "content": content})

	body := map[string]any{
		"model":       o.model,
		"messages":    messages,
		"temperature": req.Options.Temperature,
	}
	if req.Schema != nil {
		name := req.SchemaName
		if name == "" {
			name = "result"
		}
		body["response_format"] = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   name,
				"strict": true,
				"schema": req.Schema,
			},
		}
	} else {
		body["response_format"] = map[string]any{"type": "json_object"}
	}
	return body
}

// ── Internal ─────────────────────────────────────────────────────────────────

func (o *OpenRouter) execute(ctx context.Context, bodyBytes []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", o.url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "manuscript-review/1.0")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, timeoutOr(err, &Error{Kind: KindHTTP, Message: err.Error(), Err: err})
	}
	defer resp.Body.Close()

	// Structured answers are small; 4MB leaves room for long paragraph lists.
	rawBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, timeoutOr(err, &Error{Kind: KindHTTP, StatusCode: resp.StatusCode, Message: "read body: " + err.Error(), Err: err})
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseOpenRouterError(resp.StatusCode, rawBody)
	}

	var completionResp chatCompletionResponse
	if err := json.Unmarshal(rawBody, &completionResp); err != nil {
		return nil, &Error{Kind: KindMalformed, StatusCode: resp.StatusCode, Message: "decode response", Err: err}
	}

	// OpenRouter can return 200 with an inline error object.
	if completionResp.Error != nil && completionResp.Error.Message != "" {
		return nil, &Error{Kind: KindHTTP, StatusCode: inlineStatus(completionResp.Error.Code, resp.StatusCode), Message: completionResp.Error.Message}
	}
	if len(completionResp.Choices) == 0 {
		return nil, &Error{Kind: KindEmpty, StatusCode: resp.StatusCode, Message: "empty choices in response"}
	}
	return extractJSON(completionResp.Choices[0].Message.Content)
}

func inlineStatus(code any, fallback int) int {
	if f, ok := code.(float64); ok && f >= 100 && f < 600 {
		return int(f)
	}
	return fallback
}

func parseOpenRouterError(statusCode int, body []byte) error {
	var errResp struct {
		Error openRouterErrorPayload `json:"error"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		return &Error{Kind: KindHTTP, StatusCode: statusCode, Message: errResp.Error.Message}
	}
	msg := string(body)
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return &Error{Kind: KindHTTP, StatusCode: statusCode, Message: msg}
}
