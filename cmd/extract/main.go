// Command extract runs the extraction pipeline and the preflight checker on a
// local manuscript and prints the result as JSON.
//
// Usage:
//
//	extract -in paper.zip                 # LaTeX project archive
//	extract -in paper.pdf -pretty         # PDF, indented output
//	extract -in notes.md -type TEXT       # force the input type
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/toricodesthings/manuscript-review-service/internal/archive"
	"github.com/toricodesthings/manuscript-review-service/internal/claims"
	"github.com/toricodesthings/manuscript-review-service/internal/config"
	"github.com/toricodesthings/manuscript-review-service/internal/docsources"
	"github.com/toricodesthings/manuscript-review-service/internal/extract"
	latexextractor "github.com/toricodesthings/manuscript-review-service/internal/extractors/latex"
	pdfextractor "github.com/toricodesthings/manuscript-review-service/internal/extractors/pdf"
	plaintextextractor "github.com/toricodesthings/manuscript-review-service/internal/extractors/plaintext"
	"github.com/toricodesthings/manuscript-review-service/internal/hybrid"
	"github.com/toricodesthings/manuscript-review-service/internal/preflight"
	"github.com/toricodesthings/manuscript-review-service/internal/quality"
	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

type output struct {
	Document  types.ExtractDocument `json:"document"`
	Preflight types.PreflightResult `json:"preflight"`
	Claims    []types.Claim         `json:"claims,omitempty"`
	Warnings  []string              `json:"warnings"`
}

func main() {
	in := flag.String("in", "", "manuscript file (.zip, .pdf, .txt, .md, .html, .rtf)")
	inputType := flag.String("type", "", "input type: LATEX_ZIP, PDF or TEXT (sniffed when empty)")
	withClaims := flag.Bool("claims", false, "also mine claims with the heuristic")
	pretty := flag.Bool("pretty", false, "indent JSON output")
	timeout := flag.Duration("timeout", 5*time.Minute, "extraction timeout")
	logLevel := flag.String("log-level", "warn", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelWarn
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *in == "" {
		fmt.Fprintln(os.Stderr, "usage: extract -in <file> [-type LATEX_ZIP|PDF|TEXT] [-claims] [-pretty]")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	out, err := run(ctx, logger, *in, types.InputType(*inputType), *withClaims)
	if err != nil {
		logger.Error("extract: fatal", "error", err, "status", extract.HTTPStatus(err))
		os.Exit(1)
	}
	if err := write(os.Stdout, out, *pretty); err != nil {
		logger.Error("extract: write", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, path string, t types.InputType, withClaims bool) (output, error) {
	cfg, err := config.Load()
	if err != nil {
		return output{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return output{}, err
	}
	if t == "" {
		if t, err = extract.DetectInputType(data, filepath.Base(path)); err != nil {
			return output{}, err
		}
	}
	if !t.Valid() {
		return output{}, fmt.Errorf("unknown input type %q", t)
	}

	scratch, err := os.MkdirTemp(cfg.ScratchDir, "extract-")
	if err != nil {
		return output{}, err
	}
	defer os.RemoveAll(scratch)

	reg := registry(cfg, logger, scratch)
	doc, err := reg.Extract(ctx, t, extract.Input{AnalysisID: "local", FileName: filepath.Base(path), Data: data})
	if err != nil {
		return output{}, err
	}

	out := output{Document: doc, Warnings: []string{}}
	var warning string
	out.Preflight, warning = preflight.Safe(doc)
	if warning != "" {
		out.Warnings = append(out.Warnings, warning)
	}
	if withClaims {
		out.Claims = claims.Heuristic(doc)
	}
	return out, nil
}

// registry wires the local extractors. Document services are consulted only
// when configured; the completion backends are never used here.
func registry(cfg config.Config, logger *slog.Logger, scratch string) *extract.Registry {
	var sources []docsources.Source
	if cfg.GrobidURL != "" {
		sources = append(sources, docsources.NewGrobid(docsources.GrobidConfig{
			BaseURL:  cfg.GrobidURL,
			MaxBytes: cfg.GrobidMaxBytes,
			Timeout:  cfg.SourceTimeout,
			Retries:  cfg.SourceRetries,
		}))
	}
	if cfg.ConverterURL != "" {
		sources = append(sources, docsources.NewConverter(docsources.ConverterConfig{
			BaseURL:  cfg.ConverterURL,
			MaxBytes: cfg.ConverterMaxBytes,
			Timeout:  cfg.SourceTimeout,
			Retries:  cfg.SourceRetries,
		}))
	}
	proc := hybrid.New(logger, hybrid.Options{
		Quality: quality.Thresholds{
			MinParagraphs: cfg.MinParagraphs,
			MinTextItems:  cfg.MinTextItems,
			MinPrintable:  cfg.MinPrintable,
		},
		Ensemble: cfg.Ensemble && len(sources) > 0,
	}, nil, sources)

	reg := extract.NewRegistry()
	reg.Register(latexextractor.New(archive.NewUnpacker(scratch, archive.Limits{
		MaxEntries:    cfg.MaxArchiveEntries,
		MaxEntryBytes: cfg.MaxEntryBytes,
		MaxTotalBytes: cfg.MaxArchiveBytes,
	}), cfg.MaxZipBytes))
	reg.Register(pdfextractor.New(proc, cfg.MaxPDFBytes))
	reg.Register(plaintextextractor.New(cfg.MaxTextBytes))
	return reg
}

func write(w io.Writer, out output, pretty bool) error {
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(out)
}
