package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/preciousoreva/oiat/internal/app/domain/run"
	"github.com/preciousoreva/oiat/internal/app/storage"
	"github.com/preciousoreva/oiat/internal/runlock"
)

func newTestService(t *testing.T, spawner Spawner) (*Service, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	lock := runlock.New(filepath.Join(t.TempDir(), "global_run.lock"))
	return NewService(store, lock, spawner, "dispatch-test", nil), store
}

func aliveSpawner(pid int) Spawner {
	return SpawnerFunc(func(_ context.Context, job run.Job) (int, string, error) {
		return pid, "logs/runs/" + job.ID + ".log", nil
	})
}

func TestEnqueueAndDispatch(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, aliveSpawner(os.Getpid()))

	job, err := svc.Enqueue(ctx, Request{Tenant: "cafe", DateFrom: "2025-12-27", RequestedBy: "operator"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.Status != run.StatusQueued || job.DateTo != "2025-12-27" {
		t.Fatalf("unexpected job: %+v", job)
	}

	started, status, err := svc.DispatchNext(ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if status != StatusStarted {
		t.Fatalf("expected started, got %s", status)
	}
	if started.PID != os.Getpid() || started.LogPath == "" {
		t.Fatalf("pid/log not recorded: %+v", started)
	}

	stored, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if stored.Status != run.StatusRunning {
		t.Fatalf("expected running, got %s", stored.Status)
	}
	if !store.LockHeld() {
		t.Fatalf("dispatch lock row should be held while running")
	}
}

func TestDispatchQueuedWhileLockHeld(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, aliveSpawner(os.Getpid()))

	if _, err := svc.Enqueue(ctx, Request{Tenant: "cafe", DateFrom: "2025-12-27"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := svc.Enqueue(ctx, Request{Tenant: "bar", DateFrom: "2025-12-27"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, status, err := svc.DispatchNext(ctx); err != nil || status != StatusStarted {
		t.Fatalf("first dispatch: %s %v", status, err)
	}
	_, status, err := svc.DispatchNext(ctx)
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if status != StatusQueued {
		t.Fatalf("expected queued while lock held, got %s", status)
	}

	// Finish the first job; the second becomes dispatchable.
	running, _ := store.ListJobsByStatus(ctx, run.StatusRunning)
	job := running[0]
	finished := time.Now().UTC()
	job.Status = run.StatusSucceeded
	job.FinishedAt = &finished
	if _, err := store.FinishJob(ctx, job); err != nil {
		t.Fatalf("finish: %v", err)
	}

	_, status, err = svc.DispatchNext(ctx)
	if err != nil || status != StatusStarted {
		t.Fatalf("expected next job started, got %s %v", status, err)
	}
}

func TestDispatchEmptyQueue(t *testing.T) {
	svc, _ := newTestService(t, aliveSpawner(os.Getpid()))
	_, status, err := svc.DispatchNext(context.Background())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if status != StatusEmpty {
		t.Fatalf("expected empty, got %s", status)
	}
}

func TestSpawnFailureAdvancesWithCap(t *testing.T) {
	ctx := context.Background()
	failing := SpawnerFunc(func(_ context.Context, job run.Job) (int, string, error) {
		return 0, "", errors.New("binary missing")
	})
	svc, store := newTestService(t, failing)

	for i := 0; i < 7; i++ {
		if _, err := svc.Enqueue(ctx, Request{Tenant: fmt.Sprintf("t%d", i), DateFrom: "2025-12-27"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	_, status, err := svc.DispatchNext(ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if status != StatusStartFailed {
		t.Fatalf("expected start_failed after cap, got %s", status)
	}

	failed, _ := store.ListJobsByStatus(ctx, run.StatusFailed)
	if len(failed) != maxConsecutiveStartFailures {
		t.Fatalf("expected %d failed jobs, got %d", maxConsecutiveStartFailures, len(failed))
	}
	for _, job := range failed {
		if job.ExitCode == nil || *job.ExitCode != run.ExitSpawnFailed {
			t.Fatalf("expected spawn-failed exit code, got %+v", job)
		}
	}
	// Lock must not leak across failed spawns.
	if store.LockHeld() {
		t.Fatalf("lock leaked after spawn failures")
	}
}

func TestReconcileReapsDeadPID(t *testing.T) {
	ctx := context.Background()
	// PID that cannot exist.
	svc, store := newTestService(t, aliveSpawner(999999999))

	if _, err := svc.Enqueue(ctx, Request{Tenant: "cafe", DateFrom: "2025-12-27"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, status, err := svc.DispatchNext(ctx); err != nil || status != StatusStarted {
		t.Fatalf("dispatch: %s %v", status, err)
	}

	reaped, err := svc.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("expected one reaped job, got %d", reaped)
	}

	jobs, _ := store.ListJobsByStatus(ctx, run.StatusFailed)
	if len(jobs) != 1 {
		t.Fatalf("expected failed job, got %d", len(jobs))
	}
	job := jobs[0]
	if job.FailureReason != run.ReapedReason {
		t.Fatalf("unexpected reason %q", job.FailureReason)
	}
	if job.ExitCode == nil || *job.ExitCode != run.ExitReaped {
		t.Fatalf("expected exit -1, got %+v", job.ExitCode)
	}
	if store.LockHeld() {
		t.Fatalf("database lock must be released by the reaper")
	}

	// The queue is dispatchable again.
	if _, err := svc.Enqueue(ctx, Request{Tenant: "bar", DateFrom: "2025-12-27"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, status, err := svc.DispatchNext(ctx); err != nil || status != StatusStarted {
		t.Fatalf("dispatch after reap: %s %v", status, err)
	}
}

func TestReconcileLeavesLiveJobs(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, aliveSpawner(os.Getpid()))

	if _, err := svc.Enqueue(ctx, Request{Tenant: "cafe", DateFrom: "2025-12-27"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, status, err := svc.DispatchNext(ctx); err != nil || status != StatusStarted {
		t.Fatalf("dispatch: %s %v", status, err)
	}

	reaped, err := svc.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if reaped != 0 {
		t.Fatalf("live job must not be reaped")
	}
	running, _ := store.ListJobsByStatus(ctx, run.StatusRunning)
	if len(running) != 1 {
		t.Fatalf("expected job still running")
	}
}
