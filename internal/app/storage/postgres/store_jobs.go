package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/preciousoreva/oiat/internal/app/domain/run"
	"github.com/preciousoreva/oiat/internal/app/storage"
)

const jobColumns = `id, tenant, date_from, date_to, status, requested_by,
	skip_download, dry_run, created_at, started_at, finished_at,
	pid, exit_code, failure_reason, log_path, cancel_requested`

func scanJob(row interface{ Scan(...any) error }) (run.Job, error) {
	var (
		job        run.Job
		startedAt  sql.NullTime
		finishedAt sql.NullTime
		pid        sql.NullInt64
		exitCode   sql.NullInt64
		reason     sql.NullString
		logPath    sql.NullString
	)
	err := row.Scan(&job.ID, &job.Tenant, &job.DateFrom, &job.DateTo, &job.Status,
		&job.Requested, &job.SkipDownload, &job.DryRun, &job.CreatedAt,
		&startedAt, &finishedAt, &pid, &exitCode, &reason, &logPath,
		&job.CancelRequested)
	if err != nil {
		return run.Job{}, err
	}
	job.StartedAt = fromNullTime(startedAt)
	job.FinishedAt = fromNullTime(finishedAt)
	if pid.Valid {
		job.PID = int(pid.Int64)
	}
	job.ExitCode = fromNullInt(exitCode)
	job.FailureReason = reason.String
	job.LogPath = logPath.String
	return job, nil
}

func (s *Store) CreateJob(ctx context.Context, job run.Job) (run.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = run.StatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_jobs (id, tenant, date_from, date_to, status, requested_by,
			skip_download, dry_run, created_at, cancel_requested)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false)
	`, job.ID, job.Tenant, job.DateFrom, job.DateTo, job.Status, job.Requested,
		job.SkipDownload, job.DryRun, job.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return run.Job{}, storage.ErrAlreadyExists
		}
		return run.Job{}, err
	}
	return job, nil
}

func (s *Store) UpdateJob(ctx context.Context, job run.Job) (run.Job, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE run_jobs
		SET status = $2, started_at = $3, finished_at = $4, pid = $5,
			exit_code = $6, failure_reason = $7, log_path = $8,
			cancel_requested = $9
		WHERE id = $1
	`, job.ID, job.Status, toNullTime(job.StartedAt), toNullTime(job.FinishedAt),
		nullPID(job.PID), toNullInt(job.ExitCode), job.FailureReason,
		job.LogPath, job.CancelRequested)
	if err != nil {
		return run.Job{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return run.Job{}, storage.ErrNotFound
	}
	return job, nil
}

func nullPID(pid int) sql.NullInt64 {
	if pid == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(pid), Valid: true}
}

func (s *Store) GetJob(ctx context.Context, id string) (run.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM run_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		return run.Job{}, mapRowErr(err)
	}
	return job, nil
}

func (s *Store) ListJobs(ctx context.Context, limit int) ([]run.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM run_jobs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *Store) ListJobsByStatus(ctx context.Context, status run.Status) ([]run.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM run_jobs WHERE status = $1 ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]run.Job, error) {
	var out []run.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// ClaimOldestQueued promotes the oldest queued job to running and inserts
// the dispatch lock row in one transaction. The unique constraint on
// dispatch_lock.owner is the serialization point: a second dispatcher
// hitting it rolls back and observes ErrLockHeld.
func (s *Store) ClaimOldestQueued(ctx context.Context, owner string, startedAt time.Time) (run.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return run.Job{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM run_jobs
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, run.StatusQueued)
	job, err := scanJob(row)
	if err != nil {
		return run.Job{}, mapRowErr(err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dispatch_lock (owner, holder, acquired_at)
		VALUES ('global', $1, $2)
	`, owner, startedAt); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return run.Job{}, storage.ErrLockHeld
		}
		return run.Job{}, err
	}

	job.Status = run.StatusRunning
	job.StartedAt = &startedAt
	if _, err := tx.ExecContext(ctx, `
		UPDATE run_jobs SET status = $2, started_at = $3 WHERE id = $1
	`, job.ID, job.Status, startedAt); err != nil {
		return run.Job{}, err
	}

	if err := tx.Commit(); err != nil {
		return run.Job{}, fmt.Errorf("claim job %s: %w", job.ID, err)
	}
	return job, nil
}

// FinishJob records the terminal update and deletes the dispatch lock row
// in the same transaction.
func (s *Store) FinishJob(ctx context.Context, job run.Job) (run.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return run.Job{}, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE run_jobs
		SET status = $2, finished_at = $3, pid = $4, exit_code = $5,
			failure_reason = $6, log_path = $7
		WHERE id = $1
	`, job.ID, job.Status, toNullTime(job.FinishedAt), nullPID(job.PID),
		toNullInt(job.ExitCode), job.FailureReason, job.LogPath)
	if err != nil {
		return run.Job{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return run.Job{}, storage.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM dispatch_lock WHERE owner = 'global'`); err != nil {
		return run.Job{}, err
	}

	if err := tx.Commit(); err != nil {
		return run.Job{}, err
	}
	return job, nil
}

func (s *Store) RequestCancel(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE run_jobs SET cancel_requested = true
		WHERE id = $1 AND status IN ($2, $3)
	`, id, run.StatusQueued, run.StatusRunning)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
