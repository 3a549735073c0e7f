package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"cloud.google.com/go/storage"

	"github.com/toricodesthings/manuscript-review-service/internal/analysis"
	"github.com/toricodesthings/manuscript-review-service/internal/archive"
	"github.com/toricodesthings/manuscript-review-service/internal/blob"
	"github.com/toricodesthings/manuscript-review-service/internal/claims"
	"github.com/toricodesthings/manuscript-review-service/internal/completion"
	"github.com/toricodesthings/manuscript-review-service/internal/config"
	"github.com/toricodesthings/manuscript-review-service/internal/docsources"
	"github.com/toricodesthings/manuscript-review-service/internal/extract"
	latexextractor "github.com/toricodesthings/manuscript-review-service/internal/extractors/latex"
	pdfextractor "github.com/toricodesthings/manuscript-review-service/internal/extractors/pdf"
	plaintextextractor "github.com/toricodesthings/manuscript-review-service/internal/extractors/plaintext"
	"github.com/toricodesthings/manuscript-review-service/internal/hybrid"
	"github.com/toricodesthings/manuscript-review-service/internal/quality"
	"github.com/toricodesthings/manuscript-review-service/internal/store"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid config", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := wire(ctx, cfg, log)
	if err != nil {
		log.Error("startup", "err", err)
		os.Exit(1)
	}
	defer deps.close()

	// Runs outlive the request that started them and are only cancelled
	// once the shutdown grace period is over.
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	s := newServer(cfg, log, deps.repo, deps.blobs, deps.orch, runCtx)

	maxHeaderBytes := 1 << 20
	if cfg.MaxHeaderBytes > 0 {
		maxHeaderBytes = cfg.MaxHeaderBytes
	}
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.routes(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}

	if strings.TrimSpace(cfg.CompletionBackend) == "" {
		log.Warn("COMPLETION_BACKEND not set: claim mining uses the heuristic and vision fallback is off")
	}

	go s.cleanupRateLimiters(ctx)

	go func() {
		log.Info("manuscript review listening", "addr", srv.Addr, "max_concurrent", cfg.MaxConcurrentRequests)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "err", err)
	}

	drained := make(chan struct{})
	go func() {
		deps.orch.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		log.Warn("cancelling in-flight analyses")
		cancelRuns()
		<-drained
	}
}

type dependencies struct {
	repo    *store.Store
	blobs   *blob.Mux
	orch    *analysis.Orchestrator
	closers []func() error
}

func (d *dependencies) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i]()
	}
}

// wire builds every component from cfg.
func wire(ctx context.Context, cfg config.Config, log *slog.Logger) (*dependencies, error) {
	d := &dependencies{}

	repo, err := store.Open(cfg.DatabasePath, cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	d.repo = repo
	d.closers = append(d.closers, repo.Close)

	d.blobs = blob.NewMux()
	dir, err := blob.NewDir(cfg.LocalBlobRoot, cfg.MaxUploadBytes)
	if err != nil {
		d.close()
		return nil, err
	}
	d.blobs.Handle("file", dir)
	if strings.HasPrefix(cfg.InputPrefix, "gs://") || strings.HasPrefix(cfg.ArtifactPrefix, "gs://") {
		gcs, err := storage.NewClient(ctx)
		if err != nil {
			d.close()
			return nil, fmt.Errorf("storage.NewClient: %w", err)
		}
		d.closers = append(d.closers, gcs.Close)
		d.blobs.Handle("gs", blob.NewGCS(gcs, cfg.MaxUploadBytes))
	}

	var svc completion.Service
	switch cfg.CompletionBackend {
	case "openrouter":
		svc = completion.NewOpenRouter(completion.OpenRouterConfig{
			APIKey:            cfg.OpenRouterAPIKey,
			Model:             cfg.CompletionModel,
			RequestsPerSecond: cfg.CompletionRPS,
		})
	case "vertex":
		v, err := completion.NewVertex(ctx, cfg.VertexProject, cfg.VertexLocation, cfg.CompletionModel)
		if err != nil {
			d.close()
			return nil, err
		}
		d.closers = append(d.closers, v.Close)
		svc = v
	}

	proc := hybrid.New(log, hybrid.Options{
		Quality: quality.Thresholds{
			MinParagraphs: cfg.MinParagraphs,
			MinTextItems:  cfg.MinTextItems,
			MinPrintable:  cfg.MinPrintable,
		},
		Vision:        cfg.VisionFallback && svc != nil,
		VisionTimeout: cfg.VisionTimeout,
		VisionRetries: cfg.CompletionRetries,
		Ensemble:      cfg.Ensemble,
	}, svc, documentSources(cfg))

	registry := extract.NewRegistry()
	unpacker := archive.NewUnpacker(cfg.ScratchDir, archive.Limits{
		MaxEntries:    cfg.MaxArchiveEntries,
		MaxEntryBytes: cfg.MaxEntryBytes,
		MaxTotalBytes: cfg.MaxArchiveBytes,
	})
	registry.Register(latexextractor.New(unpacker, cfg.MaxZipBytes))
	registry.Register(pdfextractor.New(proc, cfg.MaxPDFBytes))
	registry.Register(plaintextextractor.New(cfg.MaxTextBytes))

	miner := claims.New(svc, log, claims.Options{Timeout: cfg.CompletionTimeout, Retries: cfg.CompletionRetries})

	d.orch = analysis.New(repo, d.blobs, registry, miner, analysis.Stages{}, analysis.Config{
		ArtifactPrefix: cfg.ArtifactPrefix,
		ExtractTimeout: cfg.ExtractTimeout,
		StageTimeout:   cfg.StageTimeout,
		RunTimeout:     cfg.RunTimeout,
	}, log)
	return d, nil
}

func documentSources(cfg config.Config) []docsources.Source {
	var sources []docsources.Source
	if cfg.MistralEnabled {
		sources = append(sources, docsources.NewMistral(docsources.MistralConfig{
			APIKey:         cfg.MistralAPIKey,
			MaxBytes:       cfg.MistralMaxBytes,
			Timeout:        cfg.SourceTimeout,
			Retries:        cfg.SourceRetries,
			MaxConcurrency: cfg.MaxSourceConcurrent,
		}))
	}
	if cfg.GrobidURL != "" {
		sources = append(sources, docsources.NewGrobid(docsources.GrobidConfig{
			BaseURL:        cfg.GrobidURL,
			MaxBytes:       cfg.GrobidMaxBytes,
			Timeout:        cfg.SourceTimeout,
			Retries:        cfg.SourceRetries,
			MaxConcurrency: cfg.MaxSourceConcurrent,
		}))
	}
	if cfg.ConverterURL != "" {
		sources = append(sources, docsources.NewConverter(docsources.ConverterConfig{
			BaseURL:        cfg.ConverterURL,
			MaxBytes:       cfg.ConverterMaxBytes,
			Timeout:        cfg.SourceTimeout,
			Retries:        cfg.SourceRetries,
			MaxConcurrency: cfg.MaxSourceConcurrent,
		}))
	}
	return sources
}
