// Package analysis drives one analysis job from QUEUED to READY or FAILED.
// Every transition is persisted before the work of its step starts, and a
// job is only ever run by the holder of its lock.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toricodesthings/manuscript-review-service/internal/blob"
	"github.com/toricodesthings/manuscript-review-service/internal/extract"
	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

const PublicFailure = "analysis failed"

const (
	StepExtract  = "extract"
	StepLogic    = "logic"
	StepEvidence = "evidence"
	StepPriorArt = "prior_art"
	StepFinalize = "finalize"
)

// Repository is the job store the orchestrator needs; *store.Store satisfies it.
type Repository interface {
	GetJob(ctx context.Context, id string) (types.AnalysisJob, error)
	UpdateStatus(ctx context.Context, id string, u types.StatusUpdate) error
	SetPointers(ctx context.Context, id string, p types.Pointers) error
	SetMetrics(ctx context.Context, id string, m types.Metrics) error
	AcquireLock(ctx context.Context, id, owner string) (bool, error)
	ReleaseLock(ctx context.Context, id, owner string) error
}

// Extractor turns the stored input into an ExtractDocument; *extract.Registry
// satisfies it.
type Extractor interface {
	Extract(ctx context.Context, t types.InputType, in extract.Input) (types.ExtractDocument, error)
}

type ClaimMiner interface {
	Mine(ctx context.Context, doc types.ExtractDocument) ([]types.Claim, string)
}

type Config struct {
	// ArtifactPrefix is a scheme://bucket[/prefix] location; artifacts land
	// under <prefix>/<analysisId>/.
	ArtifactPrefix string
	ExtractTimeout time.Duration
	StageTimeout   time.Duration
	// RunTimeout bounds a whole run and should stay below the lock TTL.
	RunTimeout     time.Duration
	ReleaseTimeout time.Duration
}

// Outcome tells the caller whether this call ran the job.
type Outcome struct {
	Accepted bool            `json:"accepted"`
	Status   types.JobStatus `json:"status,omitempty"`
}

type Orchestrator struct {
	repo      Repository
	blobs     blob.Store
	extractor Extractor
	miner     ClaimMiner
	stages    Stages
	cfg       Config
	log       *slog.Logger

	now      func() time.Time
	newOwner func() (string, error)

	wg sync.WaitGroup
}

func New(repo Repository, blobs blob.Store, extractor Extractor, miner ClaimMiner, stages Stages, cfg Config, log *slog.Logger) *Orchestrator {
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = 5 * time.Minute
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 2 * time.Minute
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 12 * time.Minute
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		repo:      repo,
		blobs:     blobs,
		extractor: extractor,
		miner:     miner,
		stages:    stages.withDefaults(),
		cfg:       cfg,
		log:       log,
		now:       time.Now,
		newOwner:  newOwner,
	}
}

func newOwner() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Run executes the job synchronously. A job that is locked elsewhere or
// already terminal is not accepted and is left untouched.
func (o *Orchestrator) Run(ctx context.Context, id string) (Outcome, error) {
	out, done, err := o.Start(ctx, id)
	if err != nil || !out.Accepted {
		return out, err
	}
	out.Status = <-done
	return out, nil
}

// Start claims the job and runs it on a new goroutine under ctx. The channel
// yields the final status once the run has finished and the lock is released.
func (o *Orchestrator) Start(ctx context.Context, id string) (Outcome, <-chan types.JobStatus, error) {
	owner, err := o.newOwner()
	if err != nil {
		return Outcome{}, nil, fmt.Errorf("analysis: lock owner: %w", err)
	}
	ok, err := o.repo.AcquireLock(ctx, id, owner)
	if err != nil {
		return Outcome{}, nil, err
	}
	if !ok {
		o.log.Info("analysis already running", "analysis_id", id)
		return Outcome{Accepted: false}, nil, nil
	}

	job, err := o.repo.GetJob(ctx, id)
	if err != nil {
		o.release(ctx, id, owner)
		return Outcome{}, nil, err
	}
	if job.Status.Terminal() {
		o.release(ctx, id, owner)
		o.log.Info("analysis already finished", "analysis_id", id, "status", job.Status)
		return Outcome{Accepted: false, Status: job.Status}, nil, nil
	}

	done := make(chan types.JobStatus, 1)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release(ctx, id, owner)
		runCtx, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout)
		defer cancel()
		done <- o.execute(runCtx, job)
	}()
	return Outcome{Accepted: true, Status: job.Status}, done, nil
}

// Wait blocks until every started run has finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// release runs on a detached context so a cancelled run still frees its lock.
func (o *Orchestrator) release(ctx context.Context, id, owner string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ReleaseTimeout)
	defer cancel()
	if err := o.repo.ReleaseLock(rctx, id, owner); err != nil {
		o.log.Error("release lock", "analysis_id", id, "err", err)
	}
}

func (o *Orchestrator) execute(ctx context.Context, job types.AnalysisJob) (status types.JobStatus) {
	r := &run{o: o, job: job, progress: job.Progress, step: job.Step, warnings: []string{}}
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			status = r.fail(ctx, fmt.Errorf("panic: %v", p))
		}
		o.log.Info("analysis finished", "analysis_id", job.AnalysisID, "status", status, "elapsed", time.Since(start))
	}()

	if job.Progress > 0 {
		o.log.Info("resuming analysis", "analysis_id", job.AnalysisID, "status", job.Status, "progress", job.Progress, "step", job.Step)
	}
	if err := r.pipeline(ctx); err != nil {
		return r.fail(ctx, err)
	}
	return types.StatusReady
}

// ErrRegression is returned when a transition would move progress backwards.
var ErrRegression = errors.New("analysis: progress regression")

// run carries one delivery of a job. progress and step mirror what is
// persisted; reached is the last milestone this delivery passed. A
// redelivered job starts with progress from the earlier attempt and replays
// the pipeline, persisting only milestones at or above it.
type run struct {
	o        *Orchestrator
	job      types.AnalysisJob
	progress int
	step     string
	reached  int
	warnings []string
}

func (r *run) transition(ctx context.Context, status types.JobStatus, progress int, step string) error {
	if progress < r.reached {
		return fmt.Errorf("%w: %d -> %d at %s", ErrRegression, r.reached, progress, step)
	}
	r.reached = progress
	if progress < r.progress {
		r.o.log.Debug("milestone already recorded", "analysis_id", r.job.AnalysisID, "progress", progress, "step", step)
		return nil
	}
	if err := r.o.repo.UpdateStatus(ctx, r.job.AnalysisID, types.StatusUpdate{Status: status, Progress: progress, Step: step}); err != nil {
		return fmt.Errorf("persist %s(%d, %s): %w", status, progress, step, err)
	}
	r.progress, r.step = progress, step
	return nil
}

func (r *run) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.warnings = append(r.warnings, msg)
	r.o.log.Warn("analysis degraded", "analysis_id", r.job.AnalysisID, "step", r.step, "warning", msg)
}

// fail records FAILED with the public-safe message. The write uses a detached
// context so a cancelled run is still marked.
func (r *run) fail(ctx context.Context, cause error) types.JobStatus {
	id := r.job.AnalysisID
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.cfg.ReleaseTimeout)
	defer cancel()
	u := types.StatusUpdate{
		Status:   types.StatusFailed,
		Progress: r.progress,
		Step:     r.step,
		Error:    &types.JobError{Public: PublicFailure, Internal: cause.Error()},
	}
	if err := r.o.repo.UpdateStatus(fctx, id, u); err != nil {
		r.o.log.Error("record failure", "analysis_id", id, "err", err, "cause", cause)
	}
	r.o.log.Error("analysis failed", "analysis_id", id, "step", r.step, "client_fault", extract.IsClientFault(cause), "err", cause)
	return types.StatusFailed
}

func (r *run) pipeline(ctx context.Context) error {
	id := r.job.AnalysisID

	if err := r.transition(ctx, types.StatusExtracting, 10, StepExtract); err != nil {
		return err
	}
	doc, err := r.extract(ctx)
	if err != nil {
		return err
	}
	pre, warning := runPreflight(doc)
	if warning != "" {
		r.warn("%s", warning)
	}
	extractPtr := r.artifact("extract.json")
	if err := r.o.blobs.WriteJSON(ctx, extractPtr, doc); err != nil {
		return fmt.Errorf("write extract artifact: %w", err)
	}
	if err := r.o.repo.SetPointers(ctx, id, types.Pointers{Extract: extractPtr}); err != nil {
		return fmt.Errorf("record extract pointer: %w", err)
	}

	if err := r.transition(ctx, types.StatusAnalyzing, 55, StepLogic); err != nil {
		return err
	}
	claims, warning := r.o.miner.Mine(ctx, doc)
	if warning != "" {
		r.warn("%s", warning)
	}
	if claims == nil {
		claims = []types.Claim{}
	}

	if err := r.transition(ctx, types.StatusAnalyzing, 68, StepEvidence); err != nil {
		return err
	}
	evidence := stage(ctx, r, "evidence", func(ctx context.Context) ([]types.EvidenceFinding, error) {
		return r.o.stages.Evidence.Audit(ctx, doc, claims)
	})

	if err := r.transition(ctx, types.StatusAnalyzing, 78, StepLogic); err != nil {
		return err
	}
	logic := stage(ctx, r, "logic", func(ctx context.Context) ([]types.LogicFinding, error) {
		return r.o.stages.Logic.Inspect(ctx, doc, claims)
	})

	if err := r.transition(ctx, types.StatusAnalyzing, 86, StepPriorArt); err != nil {
		return err
	}
	priorArt := stage(ctx, r, "prior_art", func(ctx context.Context) ([]types.PriorArtQuery, error) {
		return r.o.stages.PriorArt.Propose(ctx, claims)
	})

	metrics, top := aggregate(claims, evidence, logic)
	metrics.PreflightErrors = pre.Summary.ErrorCount
	metrics.PreflightWarns = pre.Summary.WarningCount

	result := types.ResultDocument{
		SchemaVersion: types.SchemaVersion,
		AnalysisID:    id,
		Claims:        claims,
		Preflight:     pre,
		Evidence:      evidence,
		Logic:         logic,
		PriorArt:      priorArt,
		Metrics:       metrics,
		TopRisks:      top,
		Warnings:      r.warnings,
		CreatedAt:     r.o.now().UTC(),
	}
	resultPtr := r.artifact("result.json")
	if err := r.o.blobs.WriteJSON(ctx, resultPtr, result); err != nil {
		return fmt.Errorf("write result artifact: %w", err)
	}
	if err := r.o.repo.SetPointers(ctx, id, types.Pointers{Extract: extractPtr, Result: resultPtr}); err != nil {
		return fmt.Errorf("record pointers: %w", err)
	}
	if err := r.o.repo.SetMetrics(ctx, id, metrics); err != nil {
		return fmt.Errorf("record metrics: %w", err)
	}
	return r.transition(ctx, types.StatusReady, 100, StepFinalize)
}

func (r *run) extract(ctx context.Context) (types.ExtractDocument, error) {
	data, err := r.o.blobs.ReadBytes(ctx, r.job.InputPath)
	if err != nil {
		return types.ExtractDocument{}, fmt.Errorf("read input: %w", err)
	}
	ectx, cancel := context.WithTimeout(ctx, r.o.cfg.ExtractTimeout)
	defer cancel()
	doc, err := r.o.extractor.Extract(ectx, r.job.InputType, extract.Input{
		AnalysisID: r.job.AnalysisID,
		FileName:   path.Base(r.job.InputPath),
		Data:       data,
	})
	if err != nil {
		return types.ExtractDocument{}, fmt.Errorf("extract %s: %w", r.job.InputType, err)
	}
	return doc, nil
}

func (r *run) artifact(name string) string {
	return blob.Join(r.o.cfg.ArtifactPrefix, r.job.AnalysisID, name)
}

// stage runs one pluggable risk stage under the stage timeout. Failures
// degrade to a warning and an empty result.
func stage[T any](ctx context.Context, r *run, name string, fn func(context.Context) ([]T, error)) []T {
	sctx, cancel := context.WithTimeout(ctx, r.o.cfg.StageTimeout)
	defer cancel()
	out, err := fn(sctx)
	if err != nil {
		r.warn("%s stage failed: %v", name, err)
		return []T{}
	}
	if out == nil {
		out = []T{}
	}
	return out
}
