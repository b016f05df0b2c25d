package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/preciousoreva/oiat/internal/app/domain/run"
)

const artifactColumns = `id, job_id, tenant, target_date, rows_in, docs_created,
	docs_skipped, docs_failed, source_total, remote_total, difference,
	reconcile, superseded, processed_at`

func scanArtifact(row interface{ Scan(...any) error }) (run.Artifact, error) {
	var art run.Artifact
	err := row.Scan(&art.ID, &art.JobID, &art.Tenant, &art.Date, &art.RowsIn,
		&art.DocsCreated, &art.DocsSkipped, &art.DocsFailed, &art.SourceTotal,
		&art.RemoteTotal, &art.Difference, &art.Reconcile, &art.Superseded,
		&art.ProcessedAt)
	return art, err
}

// CreateArtifact marks any live artifact for the same (tenant, date) as
// superseded, then inserts the new record, in one transaction.
func (s *Store) CreateArtifact(ctx context.Context, art run.Artifact) (run.Artifact, error) {
	if art.ID == "" {
		art.ID = uuid.NewString()
	}
	if art.ProcessedAt.IsZero() {
		art.ProcessedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return run.Artifact{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE run_artifacts SET superseded = true
		WHERE tenant = $1 AND target_date = $2 AND NOT superseded
	`, art.Tenant, art.Date); err != nil {
		return run.Artifact{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO run_artifacts (id, job_id, tenant, target_date, rows_in,
			docs_created, docs_skipped, docs_failed, source_total, remote_total,
			difference, reconcile, superseded, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, false, $13)
	`, art.ID, art.JobID, art.Tenant, art.Date, art.RowsIn, art.DocsCreated,
		art.DocsSkipped, art.DocsFailed, art.SourceTotal, art.RemoteTotal,
		art.Difference, art.Reconcile, art.ProcessedAt); err != nil {
		return run.Artifact{}, err
	}

	if err := tx.Commit(); err != nil {
		return run.Artifact{}, err
	}
	return art, nil
}

func (s *Store) GetArtifact(ctx context.Context, tenant, date string) (run.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+artifactColumns+` FROM run_artifacts
		WHERE tenant = $1 AND target_date = $2 AND NOT superseded
	`, tenant, date)
	art, err := scanArtifact(row)
	if err != nil {
		return run.Artifact{}, mapRowErr(err)
	}
	return art, nil
}

func (s *Store) ListArtifacts(ctx context.Context, tenant string, limit int) ([]run.Artifact, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if tenant == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+artifactColumns+` FROM run_artifacts
			WHERE NOT superseded ORDER BY processed_at DESC LIMIT $1
		`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+artifactColumns+` FROM run_artifacts
			WHERE tenant = $1 AND NOT superseded
			ORDER BY processed_at DESC LIMIT $2
		`, tenant, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectArtifacts(rows)
}

func (s *Store) ListArtifactsByJob(ctx context.Context, jobID string) ([]run.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+artifactColumns+` FROM run_artifacts
		WHERE job_id = $1 ORDER BY target_date ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectArtifacts(rows)
}

func collectArtifacts(rows *sql.Rows) ([]run.Artifact, error) {
	var out []run.Artifact
	for rows.Next() {
		art, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, art)
	}
	return out, rows.Err()
}
