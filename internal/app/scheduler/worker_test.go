package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/preciousoreva/oiat/internal/app/dispatch"
	"github.com/preciousoreva/oiat/internal/app/domain/run"
	"github.com/preciousoreva/oiat/internal/app/domain/schedule"
	"github.com/preciousoreva/oiat/internal/app/storage"
	"github.com/preciousoreva/oiat/internal/runlock"
)

func newTestWorker(t *testing.T) (*Worker, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	lock := runlock.New(filepath.Join(t.TempDir(), "global_run.lock"))
	spawner := dispatch.SpawnerFunc(func(_ context.Context, job run.Job) (int, string, error) {
		return os.Getpid(), "logs/runs/" + job.ID + ".log", nil
	})
	dispatcher := dispatch.NewService(store, lock, spawner, "scheduler-test", nil)
	return New(store, dispatcher, nil), store
}

func TestNextFireStandardCron(t *testing.T) {
	after := time.Date(2025, 12, 27, 10, 30, 0, 0, time.UTC)
	next, err := NextFire("0 6 * * *", "UTC", after)
	if err != nil {
		t.Fatalf("next fire: %v", err)
	}
	want := time.Date(2025, 12, 28, 6, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %s, got %s", want, next)
	}
}

func TestNextFireHonoursTimezone(t *testing.T) {
	after := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	next, err := NextFire("0 6 * * *", "Europe/London", after)
	if err != nil {
		t.Fatalf("next fire: %v", err)
	}
	// 06:00 BST is 05:00 UTC in June.
	if next.UTC().Hour() != 5 {
		t.Fatalf("expected 05:00 UTC, got %s", next.UTC())
	}
}

func TestNextFireRejectsBadExpression(t *testing.T) {
	if _, err := NextFire("not a cron", "UTC", time.Now()); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestTickFiresDueSchedule(t *testing.T) {
	ctx := context.Background()
	worker, store := newTestWorker(t)

	sch, err := store.CreateSchedule(ctx, schedule.Schedule{
		CronExpr: "0 6 * * *",
		Timezone: "UTC",
		Tenant:   "cafe",
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	anchor := time.Date(2025, 12, 26, 12, 0, 0, 0, time.UTC)
	sch.LastEvaluated = &anchor
	if _, err := store.UpdateSchedule(ctx, sch); err != nil {
		t.Fatalf("anchor schedule: %v", err)
	}

	now := time.Date(2025, 12, 27, 6, 0, 30, 0, time.UTC)
	worker.now = func() time.Time { return now }

	if err := worker.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	// The job targets yesterday and has been dispatched by the drain.
	running, _ := store.ListJobsByStatus(ctx, run.StatusRunning)
	if len(running) != 1 {
		t.Fatalf("expected one dispatched job, got %d", len(running))
	}
	if running[0].Tenant != "cafe" || running[0].DateFrom != "2025-12-26" {
		t.Fatalf("unexpected job: %+v", running[0])
	}

	updated, _ := store.GetSchedule(ctx, sch.ID)
	if updated.LastEvaluated == nil || !updated.LastEvaluated.Equal(now) {
		t.Fatalf("last_evaluated not advanced: %+v", updated.LastEvaluated)
	}
	if updated.NextFire == nil || !updated.NextFire.After(now) {
		t.Fatalf("next_fire not computed: %+v", updated.NextFire)
	}
}

func TestTickCoalescesMissedFires(t *testing.T) {
	ctx := context.Background()
	worker, store := newTestWorker(t)

	sch, err := store.CreateSchedule(ctx, schedule.Schedule{
		CronExpr: "*/5 * * * *",
		Timezone: "UTC",
		Tenant:   "cafe",
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	anchor := time.Date(2025, 12, 27, 0, 0, 0, 0, time.UTC)
	sch.LastEvaluated = &anchor
	if _, err := store.UpdateSchedule(ctx, sch); err != nil {
		t.Fatalf("anchor schedule: %v", err)
	}

	// An hour of missed 5-minute fires coalesces into one enqueue.
	worker.now = func() time.Time { return anchor.Add(time.Hour) }
	if err := worker.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	jobs, _ := store.ListJobs(ctx, 0)
	if len(jobs) != 1 {
		t.Fatalf("expected exactly one coalesced job, got %d", len(jobs))
	}
}

func TestTickSkipsNotDueSchedule(t *testing.T) {
	ctx := context.Background()
	worker, store := newTestWorker(t)

	sch, err := store.CreateSchedule(ctx, schedule.Schedule{
		CronExpr: "0 6 * * *",
		Timezone: "UTC",
		Tenant:   "cafe",
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	lastEval := time.Date(2025, 12, 27, 6, 0, 5, 0, time.UTC)
	sch.LastEvaluated = &lastEval
	if _, err := store.UpdateSchedule(ctx, sch); err != nil {
		t.Fatalf("anchor: %v", err)
	}

	worker.now = func() time.Time { return lastEval.Add(time.Minute) }
	if err := worker.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	jobs, _ := store.ListJobs(ctx, 0)
	if len(jobs) != 0 {
		t.Fatalf("schedule fired early: %+v", jobs)
	}
}

func TestEnvFallbackOnlyWithoutEnabledSchedules(t *testing.T) {
	ctx := context.Background()
	worker, store := newTestWorker(t)
	worker.envCron = "0 6 * * *"
	worker.envTZ = "UTC"

	now := time.Date(2025, 12, 27, 6, 0, 30, 0, time.UTC)
	worker.now = func() time.Time { return now }
	worker.lastEnvFire = now.Add(-24 * time.Hour)

	if err := worker.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	jobs, _ := store.ListJobs(ctx, 0)
	if len(jobs) != 1 || jobs[0].Tenant != run.TenantAll {
		t.Fatalf("expected env fallback all-tenant job, got %+v", jobs)
	}

	// With an enabled schedule present the fallback stays silent.
	worker2, store2 := newTestWorker(t)
	worker2.envCron = "* * * * *"
	worker2.now = func() time.Time { return now }
	if _, err := store2.CreateSchedule(ctx, schedule.Schedule{
		CronExpr: "0 23 * * *", Timezone: "UTC", Tenant: "cafe", Enabled: true,
	}); err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	if err := worker2.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	jobs2, _ := store2.ListJobs(ctx, 0)
	for _, job := range jobs2 {
		if job.Tenant == run.TenantAll {
			t.Fatalf("env fallback fired despite enabled schedules")
		}
	}
}
