// Package completion is the structured-output completion service used for
// claim mining and the PDF vision fallback.
package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/toricodesthings/manuscript-review-service/internal/retry"
)

// Service returns the model's JSON answer for req, or a *Error.
type Service interface {
	Complete(ctx context.Context, req Request) (json.RawMessage, error)
}

// Func adapts a plain function to Service.
type Func func(ctx context.Context, req Request) (json.RawMessage, error)

func (f Func) Complete(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

type Attachment struct {
	Name     string
	MIMEType string
	Data     []byte
	// URI is used instead of Data when the backend can fetch the object
	// itself (gs:// for Vertex).
	URI string
}

type Options struct {
	Timeout     time.Duration
	Retries     int
	Temperature float32
}

type Request struct {
	System      string
	Prompt      string
	SchemaName  string
	Schema      map[string]any
	Attachments []Attachment
	Options     Options
}

type Kind string

const (
	KindTimeout   Kind = "timeout"
	KindMalformed Kind = "malformed"
	KindHTTP      Kind = "http"
	KindEmpty     Kind = "empty"
	KindConfig    Kind = "config"
)

type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("completion %s %d: %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("completion %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

var retryableMarkers = []string{
	"timeout", "timed out", "deadline exceeded",
	"rate limit", "rate_limit", "too many requests", "resource exhausted", "resourceexhausted", "quota",
	"overloaded", "unavailable", "try again",
}

// IsRetryable reports whether err looks transient: a timeout, rate limiting
// or an overloaded upstream.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ce *Error
	if errors.As(err, &ce) {
		switch {
		case ce.Kind == KindConfig:
			return false
		case ce.Kind == KindTimeout:
			return true
		case ce.StatusCode == 429 || ce.StatusCode >= 500:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, m := range retryableMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func policy(o Options) retry.Policy {
	return retry.Policy{
		Attempts: o.Retries + 1,
		Base:     time.Second,
		Max:      8 * time.Second,
		Timeout:  o.Timeout,
	}
}

// extractJSON pulls the JSON value out of a model reply, tolerating a
// surrounding markdown code fence.
func extractJSON(content string) (json.RawMessage, error) {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if s == "" {
		return nil, &Error{Kind: KindEmpty, Message: "empty content in response"}
	}
	if !json.Valid([]byte(s)) {
		return nil, &Error{Kind: KindMalformed, Message: fmt.Sprintf("invalid JSON (raw: %.200s)", s)}
	}
	return json.RawMessage(s), nil
}

// Decode unmarshals raw into v, reporting failures as KindMalformed.
func Decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return &Error{Kind: KindMalformed, Message: "decode structured output", Err: err}
	}
	return nil
}

func timeoutOr(err error, fallback *Error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: err.Error(), Err: err}
	}
	return fallback
}
