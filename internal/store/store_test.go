package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "jobs.db"), time.Minute)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createJob(t *testing.T, s *Store, id string) {
	t.Helper()
	err := s.CreateJob(context.Background(), types.AnalysisJob{
		AnalysisID: id,
		InputType:  types.InputPDF,
		InputPath:  "file:///tmp/in/" + id + ".pdf",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
}

func TestCreateAndGetJob(t *testing.T) {
	s := openTestStore(t)
	createJob(t, s, "a1")

	job, err := s.GetJob(context.Background(), "a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != types.StatusQueued || job.Progress != 0 || job.InputType != types.InputPDF || job.Error != nil || job.Pointers != nil {
		t.Fatalf("unexpected job %+v", job)
	}
	if err := s.CreateJob(context.Background(), types.AnalysisJob{AnalysisID: "a1", InputType: types.InputPDF}); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if _, err := s.GetJob(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateStatusGuards(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createJob(t, s, "a1")

	if err := s.UpdateStatus(ctx, "a1", types.StatusUpdate{Status: types.StatusAnalyzing, Progress: 55, Step: "logic"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	err := s.UpdateStatus(ctx, "a1", types.StatusUpdate{Status: types.StatusExtracting, Progress: 10, Step: "extract"})
	if !errors.Is(err, ErrProgressRegressed) {
		t.Fatalf("expected regression error, got %v", err)
	}

	failed := types.StatusUpdate{
		Status:   types.StatusFailed,
		Progress: 55,
		Step:     "logic",
		Error:    &types.JobError{Public: "analysis failed", Internal: "boom"},
	}
	if err := s.UpdateStatus(ctx, "a1", failed); err != nil {
		t.Fatalf("fail: %v", err)
	}
	job, _ := s.GetJob(ctx, "a1")
	if job.Status != types.StatusFailed || job.Error == nil || job.Error.Public != "analysis failed" || job.Error.Internal != "boom" {
		t.Fatalf("unexpected job %+v", job)
	}
	if err := s.UpdateStatus(ctx, "a1", types.StatusUpdate{Status: types.StatusReady, Progress: 100}); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if err := s.UpdateStatus(ctx, "nope", types.StatusUpdate{Status: types.StatusReady}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPointersAndMetrics(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createJob(t, s, "a1")

	ptrs := types.Pointers{Extract: "gs://b/analyses/a1/extract.json", Result: "gs://b/analyses/a1/result.json"}
	if err := s.SetPointers(ctx, "a1", ptrs); err != nil {
		t.Fatalf("pointers: %v", err)
	}
	m := types.Metrics{ClaimCount: 2, NoEvidence: 1, PerClaim: map[string]types.ClaimMetrics{"c001": {NoEvidence: 1}}}
	if err := s.SetMetrics(ctx, "a1", m); err != nil {
		t.Fatalf("metrics: %v", err)
	}
	job, err := s.GetJob(ctx, "a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Pointers == nil || *job.Pointers != ptrs {
		t.Fatalf("unexpected pointers %+v", job.Pointers)
	}
	if job.Metrics == nil || job.Metrics.ClaimCount != 2 || job.Metrics.PerClaim["c001"].NoEvidence != 1 {
		t.Fatalf("unexpected metrics %+v", job.Metrics)
	}
	if err := s.SetMetrics(ctx, "missing", m); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLockLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	ok, err := s.AcquireLock(ctx, "a1", "owner-1")
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if ok, _ := s.AcquireLock(ctx, "a1", "owner-2"); ok {
		t.Fatalf("lock should be held")
	}

	// A release by a non-owner is a no-op.
	if err := s.ReleaseLock(ctx, "a1", "owner-2"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := s.AcquireLock(ctx, "a1", "owner-2"); ok {
		t.Fatalf("lock should still be held by owner-1")
	}

	// Expired locks can be taken over.
	now = now.Add(2 * time.Minute)
	if ok, _ := s.AcquireLock(ctx, "a1", "owner-3"); !ok {
		t.Fatalf("expired lock should be acquirable")
	}
	if err := s.ReleaseLock(ctx, "a1", "owner-3"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := s.AcquireLock(ctx, "a1", "owner-4"); !ok {
		t.Fatalf("released lock should be acquirable")
	}
}

func TestConcurrentAcquireExactlyOneWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for round := 0; round < 5; round++ {
		id := fmt.Sprintf("job-%d", round)
		const callers = 8
		results := make([]bool, callers)
		errs := make([]error, callers)
		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				results[i], errs[i] = s.AcquireLock(ctx, id, fmt.Sprintf("owner-%d", i))
			}()
		}
		close(start)
		wg.Wait()

		winners := 0
		for i := range results {
			if errs[i] != nil {
				t.Fatalf("round %d caller %d: %v", round, i, errs[i])
			}
			if results[i] {
				winners++
			}
		}
		if winners != 1 {
			t.Fatalf("round %d: expected exactly one winner, got %d", round, winners)
		}
	}
}

func TestMemoryDatabase(t *testing.T) {
	s, err := Open(":memory:", 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	createJob(t, s, "m1")
	if _, err := s.GetJob(context.Background(), "m1"); err != nil {
		t.Fatalf("get: %v", err)
	}
}
