package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/toricodesthings/manuscript-review-service/internal/analysis"
	"github.com/toricodesthings/manuscript-review-service/internal/blob"
	"github.com/toricodesthings/manuscript-review-service/internal/config"
	"github.com/toricodesthings/manuscript-review-service/internal/extract"
	"github.com/toricodesthings/manuscript-review-service/internal/store"
	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

const version = "1.0.0"

var analysisIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

type jobStore interface {
	CreateJob(ctx context.Context, job types.AnalysisJob) error
	GetJob(ctx context.Context, id string) (types.AnalysisJob, error)
}

type runner interface {
	Start(ctx context.Context, id string) (analysis.Outcome, <-chan types.JobStatus, error)
}

type server struct {
	cfg    config.Config
	log    *slog.Logger
	jobs   jobStore
	blobs  blob.Store
	runner runner
	runCtx context.Context

	requestSem *semaphore.Weighted
	limiters   sync.Map
	metrics    serverMetrics
	scrub      *strings.Replacer
}

func newServer(cfg config.Config, log *slog.Logger, jobs jobStore, blobs blob.Store, r runner, runCtx context.Context) *server {
	n := cfg.MaxConcurrentRequests
	if n <= 0 {
		n = 15
	}
	return &server{
		cfg:        cfg,
		log:        log,
		jobs:       jobs,
		blobs:      blobs,
		runner:     r,
		runCtx:     runCtx,
		requestSem: semaphore.NewWeighted(n),
		scrub:      newPathScrubber(cfg),
	}
}

type serverMetrics struct {
	mu            sync.RWMutex
	totalRequests int64
	activeReqs    int64
}

func (m *serverMetrics) incActive() {
	m.mu.Lock()
	m.activeReqs++
	m.totalRequests++
	m.mu.Unlock()
}
func (m *serverMetrics) decActive() {
	m.mu.Lock()
	m.activeReqs--
	m.mu.Unlock()
}
func (m *serverMetrics) get() (total, active int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalRequests, m.activeReqs
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withLogging, s.withRecovery)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, http.StatusNotFound, "not_found", "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	})

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.withInternalAuth, s.withRateLimit)
		r.Get("/metrics", s.handleMetrics)
		r.Route("/v1/analyses", func(r chi.Router) {
			r.With(s.withConcurrencyLimit).Post("/", s.handleCreate)
			r.Get("/{analysisID}", s.handleGet)
			r.With(s.withConcurrencyLimit).Post("/{analysisID}/run", s.handleRun)
			r.Get("/{analysisID}/result", s.handleResult)
		})
	})
	return r
}

func (s *server) cleanupRateLimiters(ctx context.Context) {
	interval := s.cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		total, active := s.metrics.get()
		s.log.Info("stats", "active", active, "total", total, "goroutines", runtime.NumGoroutine(), "mem_mb", m.Alloc/(1<<20))

		s.limiters.Clear()
	}
}

// ---------- Handlers ----------

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, active := s.metrics.get()
	status := "healthy"
	code := http.StatusOK

	ratio := s.cfg.HealthDegradeRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 0.9
	}

	if active >= int64(float64(s.cfg.MaxConcurrentRequests)*ratio) {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":  status,
		"active":  active,
		"version": version,
	})
}

func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	total, active := s.metrics.get()

	writeJSON(w, http.StatusOK, map[string]any{
		"activeRequests": active,
		"totalRequests":  total,
		"goroutines":     runtime.NumGoroutine(),
		"memAllocMB":     m.Alloc / (1 << 20),
		"memSysMB":       m.Sys / (1 << 20),
	})
}

type createRequest struct {
	AnalysisID string          `json:"analysisId,omitempty"`
	InputPath  string          `json:"inputPath"`
	InputType  types.InputType `json:"inputType,omitempty"`
}

// handleCreate registers a job for a manuscript already uploaded under the
// input prefix. Without an explicit inputType the payload is sniffed.
func (s *server) handleCreate(w http.ResponseWriter, r *http.Request) {
	req, err := parseJSON[createRequest](r, s.cfg.MaxJSONBodyBytes)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", s.sanitizeError(err))
		return
	}

	if req.AnalysisID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			writeErr(w, http.StatusInternalServerError, "internal_error", "Internal server error")
			return
		}
		req.AnalysisID = id.String()
	}
	if !analysisIDRe.MatchString(req.AnalysisID) {
		writeErr(w, http.StatusBadRequest, "validation_failed", "analysisId must be 1-128 characters of [A-Za-z0-9._-]")
		return
	}
	if _, err := blob.ParsePath(req.InputPath); err != nil {
		writeErr(w, http.StatusBadRequest, "validation_failed", s.sanitizeError(err))
		return
	}
	if !strings.HasPrefix(req.InputPath, strings.TrimRight(s.cfg.InputPrefix, "/")+"/") {
		writeErr(w, http.StatusBadRequest, "validation_failed", "inputPath must be under the configured input prefix")
		return
	}

	if req.InputType == "" {
		data, err := s.blobs.ReadBytes(r.Context(), req.InputPath)
		if errors.Is(err, blob.ErrNotFound) {
			writeErr(w, http.StatusBadRequest, "validation_failed", "inputPath does not exist")
			return
		}
		if err != nil {
			s.log.Error("read input", "path", req.InputPath, "err", err)
			writeErr(w, http.StatusBadGateway, "storage_error", "Could not read input")
			return
		}
		t, err := extract.DetectInputType(data, path.Base(req.InputPath))
		if err != nil {
			writeErr(w, extract.HTTPStatus(err), "unsupported_input", s.sanitizeError(err))
			return
		}
		req.InputType = t
	}
	if !req.InputType.Valid() {
		writeErr(w, http.StatusBadRequest, "validation_failed", "inputType must be LATEX_ZIP, PDF or TEXT")
		return
	}

	job := types.AnalysisJob{AnalysisID: req.AnalysisID, InputType: req.InputType, InputPath: req.InputPath}
	if err := s.jobs.CreateJob(r.Context(), job); err != nil {
		if errors.Is(err, store.ErrExists) {
			writeErr(w, http.StatusConflict, "exists", "analysis already exists")
			return
		}
		s.log.Error("create job", "analysis_id", req.AnalysisID, "err", err)
		writeErr(w, http.StatusInternalServerError, "internal_error", "Internal server error")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"analysisId": req.AnalysisID,
		"status":     types.StatusQueued,
		"inputType":  req.InputType,
	})
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "analysisID")
	out, _, err := s.runner.Start(s.runCtx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "not_found", "analysis not found")
		return
	}
	if err != nil {
		s.log.Error("start analysis", "analysis_id", id, "err", err)
		writeErr(w, http.StatusInternalServerError, "internal_error", "Internal server error")
		return
	}
	if !out.Accepted {
		writeJSON(w, http.StatusConflict, out)
		return
	}
	writeJSON(w, http.StatusAccepted, out)
}

func (s *server) handleResult(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if job.Status != types.StatusReady || job.Pointers == nil || job.Pointers.Result == "" {
		writeErr(w, http.StatusConflict, "not_ready", "result not available")
		return
	}
	url, err := s.blobs.SignedURL(r.Context(), job.Pointers.Result, s.cfg.SignedURLTTL)
	if err != nil {
		s.log.Error("sign result url", "analysis_id", job.AnalysisID, "err", err)
		writeErr(w, http.StatusBadGateway, "storage_error", "Could not sign result URL")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"analysisId": job.AnalysisID,
		"url":        url,
		"expiresAt":  time.Now().Add(s.cfg.SignedURLTTL).UTC(),
	})
}

func (s *server) lookup(w http.ResponseWriter, r *http.Request) (types.AnalysisJob, bool) {
	id := chi.URLParam(r, "analysisID")
	job, err := s.jobs.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "not_found", "analysis not found")
		return types.AnalysisJob{}, false
	}
	if err != nil {
		s.log.Error("get job", "analysis_id", id, "err", err)
		writeErr(w, http.StatusInternalServerError, "internal_error", "Internal server error")
		return types.AnalysisJob{}, false
	}
	return job, true
}
