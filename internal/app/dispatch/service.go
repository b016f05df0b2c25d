// Package dispatch consumes the run-job queue: it claims the oldest
// queued job under the global lock, spawns the orchestrator, and reaps
// jobs whose process died without reporting back.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/preciousoreva/oiat/internal/app/domain/run"
	"github.com/preciousoreva/oiat/internal/app/metrics"
	"github.com/preciousoreva/oiat/internal/app/storage"
	"github.com/preciousoreva/oiat/internal/runlock"
	"github.com/preciousoreva/oiat/pkg/logger"
)

// Status is the outcome of one DispatchNext call.
type Status string

const (
	// StatusStarted: a job was claimed and its process launched.
	StatusStarted Status = "started"
	// StatusQueued: a job exists but the global lock is held.
	StatusQueued Status = "queued"
	// StatusEmpty: the queue has no queued jobs.
	StatusEmpty Status = "empty"
	// StatusStartFailed: spawning failed repeatedly; the caller should
	// surface the degradation instead of spinning.
	StatusStartFailed Status = "start_failed"
)

// maxConsecutiveStartFailures caps the bounded failure loop inside one
// DispatchNext call.
const maxConsecutiveStartFailures = 5

// DefaultReconcileInterval is the reaper sweep cadence.
const DefaultReconcileInterval = 60 * time.Second

// Spawner launches the orchestrator for a claimed job and returns its
// process id and run log path. The process owns the job row until it
// exits.
type Spawner interface {
	Spawn(ctx context.Context, job run.Job) (pid int, logPath string, err error)
}

// SpawnerFunc adapts a function to the Spawner interface.
type SpawnerFunc func(ctx context.Context, job run.Job) (int, string, error)

func (f SpawnerFunc) Spawn(ctx context.Context, job run.Job) (int, string, error) {
	return f(ctx, job)
}

// Request describes a run to enqueue.
type Request struct {
	Tenant       string
	DateFrom     string
	DateTo       string
	RequestedBy  string
	SkipDownload bool
	DryRun       bool
}

// Service is the job dispatcher.
type Service struct {
	store   storage.JobStore
	lock    *runlock.Lock
	spawner Spawner
	log     *logger.Logger
	owner   string

	staleThreshold time.Duration

	mu      sync.Mutex
	ticker  *time.Ticker
	stopped chan struct{}
}

// NewService wires a dispatcher. owner identifies this dispatcher in the
// database lock row.
func NewService(store storage.JobStore, lock *runlock.Lock, spawner Spawner, owner string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("dispatch")
	}
	return &Service{
		store:          store,
		lock:           lock,
		spawner:        spawner,
		log:            log,
		owner:          owner,
		staleThreshold: runlock.DefaultStaleThreshold,
	}
}

// Enqueue records a queued job and returns it.
func (s *Service) Enqueue(ctx context.Context, req Request) (run.Job, error) {
	if req.Tenant == "" {
		return run.Job{}, fmt.Errorf("tenant is required")
	}
	if req.DateFrom == "" {
		return run.Job{}, fmt.Errorf("date is required")
	}
	if req.DateTo == "" {
		req.DateTo = req.DateFrom
	}
	job, err := s.store.CreateJob(ctx, run.Job{
		Tenant:       req.Tenant,
		DateFrom:     req.DateFrom,
		DateTo:       req.DateTo,
		Status:       run.StatusQueued,
		Requested:    req.RequestedBy,
		SkipDownload: req.SkipDownload,
		DryRun:       req.DryRun,
	})
	if err != nil {
		return run.Job{}, err
	}
	s.log.Infof("enqueued job %s for %s %s..%s", job.ID, job.Tenant, job.DateFrom, job.DateTo)
	return job, nil
}

// DispatchNext claims the oldest queued job and spawns its orchestrator.
// Spawn failures mark the job failed and advance to the next queued job,
// capped at maxConsecutiveStartFailures.
func (s *Service) DispatchNext(ctx context.Context) (run.Job, Status, error) {
	for failures := 0; failures < maxConsecutiveStartFailures; failures++ {
		now := time.Now().UTC()
		job, err := s.store.ClaimOldestQueued(ctx, s.owner, now)
		if errors.Is(err, storage.ErrLockHeld) {
			return run.Job{}, StatusQueued, nil
		}
		if errors.Is(err, storage.ErrNotFound) {
			return run.Job{}, StatusEmpty, nil
		}
		if err != nil {
			return run.Job{}, StatusEmpty, err
		}

		pid, logPath, err := s.spawner.Spawn(ctx, job)
		if err != nil {
			s.log.Errorf("spawn for job %s: %v", job.ID, err)
			finished := now
			job.Status = run.StatusFailed
			job.FinishedAt = &finished
			exit := run.ExitSpawnFailed
			job.ExitCode = &exit
			job.FailureReason = run.TruncateReason("failed to start run: " + err.Error())
			if _, ferr := s.store.FinishJob(ctx, job); ferr != nil {
				return run.Job{}, StatusStartFailed, ferr
			}
			continue
		}

		job.PID = pid
		job.LogPath = logPath
		if _, err := s.store.UpdateJob(ctx, job); err != nil {
			return run.Job{}, StatusStartFailed, err
		}
		s.log.Infof("dispatched job %s (pid %d)", job.ID, pid)
		return job, StatusStarted, nil
	}
	return run.Job{}, StatusStartFailed, nil
}

// Reconcile marks running jobs whose process is gone as failed, releases
// both halves of the run lock, and returns how many jobs were reaped.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	running, err := s.store.ListJobsByStatus(ctx, run.StatusRunning)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, job := range running {
		dead := false
		switch {
		case job.PID > 0:
			dead = !runlock.PIDAlive(job.PID)
		case job.StartedAt != nil:
			// Placeholder PID that never got patched: reap only after
			// the stale threshold, the spawner may still be mid-launch.
			dead = time.Since(*job.StartedAt) > s.staleThreshold
		}
		if !dead {
			continue
		}

		finished := time.Now().UTC()
		job.Status = run.StatusFailed
		job.FinishedAt = &finished
		exit := run.ExitReaped
		job.ExitCode = &exit
		job.FailureReason = run.ReapedReason
		if _, err := s.store.FinishJob(ctx, job); err != nil {
			return reaped, err
		}
		if s.lock != nil {
			if _, err := s.lock.ReapIfStale(); err != nil {
				s.log.Warnf("reap filesystem lock: %v", err)
			}
		}
		reaped++
		metrics.JobsReaped.Inc()
		s.log.Warnf("reaped job %s: pid %d is gone", job.ID, job.PID)
	}
	return reaped, nil
}

// Start launches the periodic reconcile sweep. One sweep runs
// immediately so crashed jobs from a previous process are cleared on
// boot.
func (s *Service) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	if _, err := s.Reconcile(ctx); err != nil {
		s.log.Errorf("startup reconcile: %v", err)
	}

	s.mu.Lock()
	s.ticker = time.NewTicker(interval)
	s.stopped = make(chan struct{})
	ticker, stopped := s.ticker, s.stopped
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-stopped:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Reconcile(ctx); err != nil {
					s.log.Errorf("reconcile sweep: %v", err)
				}
			}
		}
	}()
}

// Stop halts the sweep.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stopped)
		s.ticker = nil
	}
}
