package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/preciousoreva/oiat/internal/app/domain/company"
	"github.com/preciousoreva/oiat/internal/app/domain/run"
)

func TestClaimOldestQueuedOrderAndLock(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first, err := m.CreateJob(ctx, run.Job{Tenant: "a", DateFrom: "2025-12-27", DateTo: "2025-12-27",
		CreatedAt: time.Date(2025, 12, 27, 1, 0, 0, 0, time.UTC)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.CreateJob(ctx, run.Job{Tenant: "b", DateFrom: "2025-12-27", DateTo: "2025-12-27",
		CreatedAt: time.Date(2025, 12, 27, 2, 0, 0, 0, time.UTC)}); err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := m.ClaimOldestQueued(ctx, "host", time.Now().UTC())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ID != first.ID {
		t.Fatalf("expected oldest job claimed, got %s", claimed.ID)
	}
	if claimed.Status != run.StatusRunning || claimed.StartedAt == nil {
		t.Fatalf("claim did not promote: %+v", claimed)
	}

	if _, err := m.ClaimOldestQueued(ctx, "host", time.Now().UTC()); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected lock held, got %v", err)
	}

	finished := time.Now().UTC()
	claimed.Status = run.StatusSucceeded
	claimed.FinishedAt = &finished
	if _, err := m.FinishJob(ctx, claimed); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if m.LockHeld() {
		t.Fatalf("finish must release the lock")
	}

	second, err := m.ClaimOldestQueued(ctx, "host", time.Now().UTC())
	if err != nil {
		t.Fatalf("claim second: %v", err)
	}
	if second.Tenant != "b" {
		t.Fatalf("expected second job, got %+v", second)
	}
}

func TestClaimEmptyQueue(t *testing.T) {
	m := NewMemory()
	if _, err := m.ClaimOldestQueued(context.Background(), "host", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestArtifactSupersede(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first, err := m.CreateArtifact(ctx, run.Artifact{Tenant: "cafe", Date: "2025-12-27", DocsCreated: 3})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := m.CreateArtifact(ctx, run.Artifact{Tenant: "cafe", Date: "2025-12-27", DocsCreated: 0})
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("expected distinct artifacts")
	}

	live, err := m.GetArtifact(ctx, "cafe", "2025-12-27")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if live.ID != second.ID {
		t.Fatalf("expected the re-run artifact to be live")
	}

	all, err := m.ListArtifacts(ctx, "cafe", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("superseded artifact leaked into listing: %d", len(all))
	}
}

func TestRequestCancelIsIdempotentOnTerminalJobs(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	job, err := m.CreateJob(ctx, run.Job{Tenant: "cafe", DateFrom: "2025-12-27", DateTo: "2025-12-27"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.RequestCancel(ctx, job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := m.GetJob(ctx, job.ID)
	if !got.CancelRequested {
		t.Fatalf("cancel flag not set")
	}

	got.Status = run.StatusSucceeded
	if _, err := m.UpdateJob(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := m.RequestCancel(ctx, job.ID); err != nil {
		t.Fatalf("cancel terminal: %v", err)
	}
}

func TestCompanyRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	cfg := company.Config{Key: "cafe", RealmID: "1", Timezone: "UTC"}
	cfg.Normalize()
	if _, err := m.CreateCompany(ctx, cfg); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.CreateCompany(ctx, cfg); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}

	got, err := m.GetCompany(ctx, "cafe")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RealmID != "1" {
		t.Fatalf("unexpected company: %+v", got)
	}
}
