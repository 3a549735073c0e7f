// Package store persists analysis jobs and their exclusive locks in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

var (
	ErrNotFound          = errors.New("store: job not found")
	ErrExists            = errors.New("store: job already exists")
	ErrTerminal          = errors.New("store: job is terminal")
	ErrProgressRegressed = errors.New("store: progress would regress")
)

type Store struct {
	db      *sql.DB
	lockTTL time.Duration
	now     func() time.Time
}

// Open opens (and migrates) the database at path. lockTTL bounds how long a
// crashed holder can block a job.
func Open(path string, lockTTL time.Duration) (*Store, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if lockTTL <= 0 {
		lockTTL = 15 * time.Minute
	}
	return &Store{db: db, lockTTL: lockTTL, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) CreateJob(ctx context.Context, job types.AnalysisJob) error {
	now := s.now().UTC()
	if job.Status == "" {
		job.Status = types.StatusQueued
	}
	res, err := exec(ctx, s.db, `
		INSERT INTO jobs (analysis_id, status, progress, step, input_type, input_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(analysis_id) DO NOTHING`,
		job.AnalysisID, string(job.Status), job.Progress, job.Step, string(job.InputType), job.InputPath,
		now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: create job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExists
	}
	return nil
}

const jobColumns = `analysis_id, status, progress, step, input_type, input_path,
	error_public, error_internal, extract_pointer, result_pointer, metrics, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (types.AnalysisJob, error) {
	var (
		job                            types.AnalysisJob
		status, inputType              string
		errPublic, errInternal         sql.NullString
		extractPtr, resultPtr, metrics sql.NullString
		created, updated               int64
	)
	err := row.Scan(&job.AnalysisID, &status, &job.Progress, &job.Step, &inputType, &job.InputPath,
		&errPublic, &errInternal, &extractPtr, &resultPtr, &metrics, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return types.AnalysisJob{}, ErrNotFound
	}
	if err != nil {
		return types.AnalysisJob{}, fmt.Errorf("store: scan job: %w", err)
	}
	job.Status = types.JobStatus(status)
	job.InputType = types.InputType(inputType)
	job.CreatedAt = time.UnixMilli(created).UTC()
	job.UpdatedAt = time.UnixMilli(updated).UTC()
	if errPublic.Valid {
		job.Error = &types.JobError{Public: errPublic.String, Internal: errInternal.String}
	}
	if extractPtr.Valid || resultPtr.Valid {
		job.Pointers = &types.Pointers{Extract: extractPtr.String, Result: resultPtr.String}
	}
	if metrics.Valid {
		var m types.Metrics
		if err := json.Unmarshal([]byte(metrics.String), &m); err != nil {
			return types.AnalysisJob{}, fmt.Errorf("store: decode metrics: %w", err)
		}
		job.Metrics = &m
	}
	return job, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (types.AnalysisJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE analysis_id = ?`, id)
	return scanJob(row)
}

// UpdateStatus persists one transition. Terminal jobs are frozen and
// progress never moves backwards.
func (s *Store) UpdateStatus(ctx context.Context, id string, u types.StatusUpdate) error {
	return runTx(ctx, s.db, func(tx *sql.Tx) error {
		cur, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE analysis_id = ?`, id))
		if err != nil {
			return err
		}
		if cur.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrTerminal, id, cur.Status)
		}
		if u.Progress < cur.Progress {
			return fmt.Errorf("%w: %s %d -> %d", ErrProgressRegressed, id, cur.Progress, u.Progress)
		}

		var public, internal sql.NullString
		if u.Error != nil {
			public = sql.NullString{String: u.Error.Public, Valid: true}
			internal = sql.NullString{String: u.Error.Internal, Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, progress = ?, step = ?, error_public = ?, error_internal = ?, updated_at = ?
			WHERE analysis_id = ?`,
			string(u.Status), u.Progress, u.Step, public, internal, s.now().UTC().UnixMilli(), id)
		return err
	})
}

func (s *Store) SetPointers(ctx context.Context, id string, p types.Pointers) error {
	return s.updateOne(ctx, `UPDATE jobs SET extract_pointer = ?, result_pointer = ?, updated_at = ? WHERE analysis_id = ?`,
		nullable(p.Extract), nullable(p.Result), s.now().UTC().UnixMilli(), id)
}

func (s *Store) SetMetrics(ctx context.Context, id string, m types.Metrics) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("store: encode metrics: %w", err)
	}
	return s.updateOne(ctx, `UPDATE jobs SET metrics = ?, updated_at = ? WHERE analysis_id = ?`,
		string(b), s.now().UTC().UnixMilli(), id)
}

func (s *Store) updateOne(ctx context.Context, query string, args ...any) error {
	res, err := exec(ctx, s.db, query, args...)
	if err != nil {
		return fmt.Errorf("store: update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AcquireLock takes the job lock for owner. It succeeds when no lock row
// exists or the existing one has expired; the check and the write are one
// statement.
func (s *Store) AcquireLock(ctx context.Context, id, owner string) (bool, error) {
	now := s.now().UTC()
	res, err := exec(ctx, s.db, `
		INSERT INTO analysis_locks (analysis_id, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(analysis_id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE analysis_locks.expires_at < ?`,
		id, owner, now.Add(s.lockTTL).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("store: acquire lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: acquire lock: %w", err)
	}
	return n == 1, nil
}

// ReleaseLock drops the lock if owner still holds it.
func (s *Store) ReleaseLock(ctx context.Context, id, owner string) error {
	if _, err := exec(ctx, s.db, `DELETE FROM analysis_locks WHERE analysis_id = ? AND owner = ?`, id, owner); err != nil {
		return fmt.Errorf("store: release lock: %w", err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
