// Package docsources wraps the external document-understanding services the
// PDF ensemble can consult. Each returns an ExtractionCandidate; failures are
// reported to the caller as warnings, never as pipeline errors.
package docsources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

type Source interface {
	Name() string
	// MaxBytes is the largest PDF the service accepts; zero means no limit.
	MaxBytes() int64
	Extract(ctx context.Context, pdf []byte) (types.ExtractionCandidate, error)
}

// ServiceError is a non-2xx answer or unusable payload from a service.
type ServiceError struct {
	Service    string
	StatusCode int
	Message    string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s %d: %s", e.Service, e.StatusCode, e.Message)
}

// retryableStatus retries rate limiting, server faults, timeouts and
// transport failures. Malformed payloads are final.
func retryableStatus(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500 || se.StatusCode == 0
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Outcome is the settled result of one source.
type Outcome struct {
	Source    string
	Candidate *types.ExtractionCandidate
	Warning   string
	Elapsed   time.Duration
}

// Collect dispatches pdf to every source concurrently and waits for all of
// them. Oversized inputs are skipped and failures become warnings; the
// returned outcomes are in source order.
func Collect(ctx context.Context, log *slog.Logger, sources []Source, pdf []byte) []Outcome {
	out := make([]Outcome, len(sources))
	var g errgroup.Group
	for i, s := range sources {
		out[i].Source = s.Name()
		if max := s.MaxBytes(); max > 0 && int64(len(pdf)) > max {
			out[i].Warning = fmt.Sprintf("%s skipped: document is %d bytes, limit %d", s.Name(), len(pdf), max)
			continue
		}
		g.Go(func() error {
			start := time.Now()
			c, err := s.Extract(ctx, pdf)
			out[i].Elapsed = time.Since(start)
			if err != nil {
				out[i].Warning = fmt.Sprintf("%s failed: %v", s.Name(), err)
				if log != nil {
					log.Warn("document source failed", "source", s.Name(), "err", err, "elapsed", out[i].Elapsed)
				}
				return nil
			}
			c.Source = s.Name()
			out[i].Candidate = &c
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// limiter caps in-flight requests to one service.
type limiter struct {
	sem *semaphore.Weighted
}

func newLimiter(max int64) limiter {
	if max <= 0 {
		return limiter{}
	}
	return limiter{sem: semaphore.NewWeighted(max)}
}

func (l limiter) do(ctx context.Context, fn func() error) error {
	if l.sem == nil {
		return fn()
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)
	return fn()
}

func emptyCandidate(source string) types.ExtractionCandidate {
	return types.ExtractionCandidate{
		Source:     source,
		Paragraphs: []types.CandidateParagraph{},
		Sections:   []types.CandidateSection{},
		BibEntries: []types.BibEntry{},
		Warnings:   []string{},
	}
}
