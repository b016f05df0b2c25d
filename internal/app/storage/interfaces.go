package storage

import (
	"context"
	"errors"
	"time"

	"github.com/preciousoreva/oiat/internal/app/domain/company"
	"github.com/preciousoreva/oiat/internal/app/domain/run"
	"github.com/preciousoreva/oiat/internal/app/domain/schedule"
)

var (
	// ErrNotFound is returned when a record is not found.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned when trying to create a duplicate record.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrLockHeld is returned when the global dispatch lock row exists.
	ErrLockHeld = errors.New("global run lock held")
)

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// CompanyStore persists tenant configuration records.
type CompanyStore interface {
	CreateCompany(ctx context.Context, cfg company.Config) (company.Config, error)
	UpdateCompany(ctx context.Context, cfg company.Config) (company.Config, error)
	GetCompany(ctx context.Context, key string) (company.Config, error)
	ListCompanies(ctx context.Context) ([]company.Config, error)
}

// JobStore persists run jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job run.Job) (run.Job, error)
	UpdateJob(ctx context.Context, job run.Job) (run.Job, error)
	GetJob(ctx context.Context, id string) (run.Job, error)
	ListJobs(ctx context.Context, limit int) ([]run.Job, error)
	ListJobsByStatus(ctx context.Context, status run.Status) ([]run.Job, error)

	// ClaimOldestQueued atomically promotes the oldest queued job to
	// running and inserts the global lock row in the same transaction.
	// Returns ErrLockHeld without claiming when the lock row exists and
	// ErrNotFound when the queue is empty.
	ClaimOldestQueued(ctx context.Context, owner string, startedAt time.Time) (run.Job, error)

	// FinishJob records the terminal status and releases the global lock
	// row in the same transaction.
	FinishJob(ctx context.Context, job run.Job) (run.Job, error)

	// RequestCancel flips the cancel flag on a queued or running job.
	RequestCancel(ctx context.Context, id string) error
}

// ArtifactStore persists run artifacts.
type ArtifactStore interface {
	// CreateArtifact supersedes any prior artifact for the same
	// (tenant, date) before inserting the new one.
	CreateArtifact(ctx context.Context, art run.Artifact) (run.Artifact, error)
	GetArtifact(ctx context.Context, tenant, date string) (run.Artifact, error)
	ListArtifacts(ctx context.Context, tenant string, limit int) ([]run.Artifact, error)
	ListArtifactsByJob(ctx context.Context, jobID string) ([]run.Artifact, error)
}

// ScheduleStore persists cron schedules.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, sch schedule.Schedule) (schedule.Schedule, error)
	UpdateSchedule(ctx context.Context, sch schedule.Schedule) (schedule.Schedule, error)
	GetSchedule(ctx context.Context, id string) (schedule.Schedule, error)
	ListSchedules(ctx context.Context) ([]schedule.Schedule, error)
	ListEnabledSchedules(ctx context.Context) ([]schedule.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
}

// Session is one authenticated operator portal session.
type Session struct {
	ID        string
	Username  string
	CSRFToken string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// User is an operator portal account with permission flags.
type User struct {
	Username     string
	PasswordHash string

	CanTriggerRuns         bool
	CanManageSchedules     bool
	CanEditCompanies       bool
	CanManagePortalSetting bool

	CreatedAt time.Time
}

// SessionStore persists portal users and their sessions.
type SessionStore interface {
	GetUser(ctx context.Context, username string) (User, error)
	UpsertUser(ctx context.Context, user User) error

	CreateSession(ctx context.Context, sess Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) error
}

// SettingsStore persists portal-wide settings as a key/value map.
type SettingsStore interface {
	GetSettings(ctx context.Context) (map[string]string, error)
	PutSetting(ctx context.Context, key, value string) error
}

// Store aggregates every persistence interface the portal needs.
type Store interface {
	CompanyStore
	JobStore
	ArtifactStore
	ScheduleStore
	SessionStore
	SettingsStore
}
