package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/preciousoreva/oiat/internal/app/domain/schedule"
	"github.com/preciousoreva/oiat/internal/app/storage"
)

const scheduleColumns = `id, cron_expr, timezone, tenant, enabled,
	last_evaluated, next_fire, created_at, updated_at`

func scanSchedule(row interface{ Scan(...any) error }) (schedule.Schedule, error) {
	var (
		sch           schedule.Schedule
		lastEvaluated sql.NullTime
		nextFire      sql.NullTime
	)
	err := row.Scan(&sch.ID, &sch.CronExpr, &sch.Timezone, &sch.Tenant,
		&sch.Enabled, &lastEvaluated, &nextFire, &sch.CreatedAt, &sch.UpdatedAt)
	if err != nil {
		return schedule.Schedule{}, err
	}
	sch.LastEvaluated = fromNullTime(lastEvaluated)
	sch.NextFire = fromNullTime(nextFire)
	return sch, nil
}

func (s *Store) CreateSchedule(ctx context.Context, sch schedule.Schedule) (schedule.Schedule, error) {
	if sch.ID == "" {
		sch.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sch.CreatedAt = now
	sch.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_schedules (id, cron_expr, timezone, tenant, enabled,
			last_evaluated, next_fire, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, sch.ID, sch.CronExpr, sch.Timezone, sch.Tenant, sch.Enabled,
		toNullTime(sch.LastEvaluated), toNullTime(sch.NextFire),
		sch.CreatedAt, sch.UpdatedAt)
	if err != nil {
		return schedule.Schedule{}, err
	}
	return sch, nil
}

func (s *Store) UpdateSchedule(ctx context.Context, sch schedule.Schedule) (schedule.Schedule, error) {
	sch.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE run_schedules
		SET cron_expr = $2, timezone = $3, tenant = $4, enabled = $5,
			last_evaluated = $6, next_fire = $7, updated_at = $8
		WHERE id = $1
	`, sch.ID, sch.CronExpr, sch.Timezone, sch.Tenant, sch.Enabled,
		toNullTime(sch.LastEvaluated), toNullTime(sch.NextFire), sch.UpdatedAt)
	if err != nil {
		return schedule.Schedule{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return schedule.Schedule{}, storage.ErrNotFound
	}
	return sch, nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (schedule.Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM run_schedules WHERE id = $1`, id)
	sch, err := scanSchedule(row)
	if err != nil {
		return schedule.Schedule{}, mapRowErr(err)
	}
	return sch, nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]schedule.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM run_schedules ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (s *Store) ListEnabledSchedules(ctx context.Context) ([]schedule.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM run_schedules WHERE enabled ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM run_schedules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func collectSchedules(rows *sql.Rows) ([]schedule.Schedule, error) {
	var out []schedule.Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}
