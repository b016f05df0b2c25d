// Package scheduler evaluates persisted cron schedules against the
// wall clock, enqueues due runs, and drains the dispatcher.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/preciousoreva/oiat/internal/app/dispatch"
	"github.com/preciousoreva/oiat/internal/app/domain/run"
	"github.com/preciousoreva/oiat/internal/app/domain/schedule"
	"github.com/preciousoreva/oiat/internal/app/storage"
	"github.com/preciousoreva/oiat/internal/config"
	"github.com/preciousoreva/oiat/pkg/logger"
)

// DefaultPollInterval is how often the loop wakes
// (OIAT_SCHEDULER_POLL_SECONDS overrides it).
const DefaultPollInterval = 15 * time.Second

// Worker is the schedule evaluation loop.
type Worker struct {
	store      storage.ScheduleStore
	dispatcher *dispatch.Service
	log        *logger.Logger

	poll time.Duration

	// Env-fallback cron used only when no enabled schedules exist.
	envCron string
	envTZ   string

	mu          sync.Mutex
	lastEnvFire time.Time
	stopped     chan struct{}

	now func() time.Time // test hook
}

// New creates a worker. Env fallback is read from SCHEDULE_CRON and
// SCHEDULE_TZ at construction.
func New(store storage.ScheduleStore, dispatcher *dispatch.Service, log *logger.Logger) *Worker {
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	return &Worker{
		store:      store,
		dispatcher: dispatcher,
		log:        log,
		poll:       time.Duration(config.EnvInt("OIAT_SCHEDULER_POLL_SECONDS", 15)) * time.Second,
		envCron:    config.EnvOrDefault("SCHEDULE_CRON", ""),
		envTZ:      config.EnvOrDefault("SCHEDULE_TZ", "UTC"),
		now:        time.Now,
	}
}

// NextFire computes the first fire instant of a 5-field cron expression
// in the named timezone, strictly after the given instant.
func NextFire(expr, tz string, after time.Time) (time.Time, error) {
	if strings.TrimSpace(expr) == "" {
		return time.Time{}, fmt.Errorf("empty cron expression")
	}
	spec := expr
	if tz != "" {
		spec = "CRON_TZ=" + tz + " " + expr
	}
	parsed, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return parsed.Next(after), nil
}

// Tick runs one loop iteration: reconcile, evaluate schedules, enqueue
// due runs, drain the dispatcher. Exposed for tests; Start calls it on
// the poll cadence.
func (w *Worker) Tick(ctx context.Context) error {
	if _, err := w.dispatcher.Reconcile(ctx); err != nil {
		w.log.Errorf("reconcile: %v", err)
	}

	enabled, err := w.store.ListEnabledSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}

	now := w.now().UTC()
	for _, sch := range enabled {
		if err := w.evaluate(ctx, sch, now); err != nil {
			w.log.Errorf("schedule %s: %v", sch.ID, err)
		}
	}

	if len(enabled) == 0 && w.envCron != "" {
		w.evaluateEnvFallback(ctx, now)
	}

	w.drain(ctx)
	return nil
}

// evaluate fires a schedule when its next instant has passed.
// Overlapping missed instants coalesce into one enqueue.
func (w *Worker) evaluate(ctx context.Context, sch schedule.Schedule, now time.Time) error {
	anchor := sch.CreatedAt
	if sch.LastEvaluated != nil {
		anchor = *sch.LastEvaluated
	}

	next, err := NextFire(sch.CronExpr, sch.Timezone, anchor)
	if err != nil {
		return err
	}
	if now.Before(next) {
		return nil
	}

	if err := w.enqueueFor(ctx, sch.Tenant, sch.Timezone, "schedule:"+sch.ID); err != nil {
		return err
	}

	sch.LastEvaluated = &now
	if upcoming, err := NextFire(sch.CronExpr, sch.Timezone, now); err == nil {
		sch.NextFire = &upcoming
	}
	if _, err := w.store.UpdateSchedule(ctx, sch); err != nil {
		return fmt.Errorf("update after fire: %w", err)
	}
	return nil
}

func (w *Worker) evaluateEnvFallback(ctx context.Context, now time.Time) {
	w.mu.Lock()
	anchor := w.lastEnvFire
	w.mu.Unlock()
	if anchor.IsZero() {
		anchor = now.Add(-w.poll)
	}

	next, err := NextFire(w.envCron, w.envTZ, anchor)
	if err != nil {
		w.log.Errorf("env fallback cron: %v", err)
		return
	}
	if now.Before(next) {
		return
	}

	if err := w.enqueueFor(ctx, run.TenantAll, w.envTZ, "env-cron"); err != nil {
		w.log.Errorf("env fallback enqueue: %v", err)
		return
	}
	w.mu.Lock()
	w.lastEnvFire = now
	w.mu.Unlock()
}

// enqueueFor targets the previous calendar day in the schedule's
// timezone: a daily schedule processes the day that just closed.
func (w *Worker) enqueueFor(ctx context.Context, tenant, tz, requestedBy string) error {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	target := w.now().In(loc).AddDate(0, 0, -1).Format("2006-01-02")

	job, err := w.dispatcher.Enqueue(ctx, dispatch.Request{
		Tenant:      tenant,
		DateFrom:    target,
		DateTo:      target,
		RequestedBy: requestedBy,
	})
	if err != nil {
		return err
	}
	w.log.Infof("schedule fired: job %s for %s on %s", job.ID, tenant, target)
	return nil
}

// drain dispatches until the queue is empty, the lock blocks, or
// spawning degrades.
func (w *Worker) drain(ctx context.Context) {
	for {
		_, status, err := w.dispatcher.DispatchNext(ctx)
		if err != nil {
			w.log.Errorf("dispatch: %v", err)
			return
		}
		switch status {
		case dispatch.StatusStarted:
			continue
		case dispatch.StatusStartFailed:
			w.log.Errorf("dispatch degraded: repeated start failures")
			return
		default:
			return
		}
	}
}

// Start runs the loop until ctx is done or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	w.stopped = make(chan struct{})
	stopped := w.stopped
	w.mu.Unlock()

	ticker := time.NewTicker(w.poll)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopped:
				return
			case <-ticker.C:
				if err := w.Tick(ctx); err != nil {
					w.log.Errorf("tick: %v", err)
				}
			}
		}
	}()
}

// Stop halts the loop.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped != nil {
		close(w.stopped)
		w.stopped = nil
	}
}
