package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/preciousoreva/oiat/internal/app/domain/company"
	"github.com/preciousoreva/oiat/internal/app/domain/run"
	"github.com/preciousoreva/oiat/internal/app/domain/schedule"
)

// Memory is a thread-safe in-memory persistence layer implementing the
// storage interfaces defined in this package. It is intended for tests
// and single-host development and deliberately keeps the implementation
// simple.
type Memory struct {
	mu         sync.RWMutex
	companies  map[string]company.Config
	jobs       map[string]run.Job
	artifacts  map[string]run.Artifact
	schedules  map[string]schedule.Schedule
	users      map[string]User
	sessions   map[string]Session
	settings   map[string]string
	lockOwner  string
	lockedAt   time.Time
	lockHeld   bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		companies: make(map[string]company.Config),
		jobs:      make(map[string]run.Job),
		artifacts: make(map[string]run.Artifact),
		schedules: make(map[string]schedule.Schedule),
		users:     make(map[string]User),
		sessions:  make(map[string]Session),
		settings:  make(map[string]string),
	}
}

var _ Store = (*Memory)(nil)

// CompanyStore implementation -------------------------------------------------

func (m *Memory) CreateCompany(_ context.Context, cfg company.Config) (company.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.companies[cfg.Key]; ok {
		return company.Config{}, ErrAlreadyExists
	}
	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	m.companies[cfg.Key] = cfg
	return cfg, nil
}

func (m *Memory) UpdateCompany(_ context.Context, cfg company.Config) (company.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.companies[cfg.Key]
	if !ok {
		return company.Config{}, ErrNotFound
	}
	cfg.CreatedAt = existing.CreatedAt
	cfg.UpdatedAt = time.Now().UTC()
	m.companies[cfg.Key] = cfg
	return cfg, nil
}

func (m *Memory) GetCompany(_ context.Context, key string) (company.Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.companies[key]
	if !ok {
		return company.Config{}, ErrNotFound
	}
	return cfg, nil
}

func (m *Memory) ListCompanies(_ context.Context) ([]company.Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]company.Config, 0, len(m.companies))
	for _, cfg := range m.companies {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// JobStore implementation -----------------------------------------------------

func (m *Memory) CreateJob(_ context.Context, job run.Job) (run.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if _, ok := m.jobs[job.ID]; ok {
		return run.Job{}, ErrAlreadyExists
	}
	if job.Status == "" {
		job.Status = run.StatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	m.jobs[job.ID] = job
	return job, nil
}

func (m *Memory) UpdateJob(_ context.Context, job run.Job) (run.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return run.Job{}, ErrNotFound
	}
	m.jobs[job.ID] = job
	return job, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (run.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return run.Job{}, ErrNotFound
	}
	return job, nil
}

func (m *Memory) ListJobs(_ context.Context, limit int) ([]run.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]run.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListJobsByStatus(_ context.Context, status run.Status) ([]run.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []run.Job
	for _, job := range m.jobs {
		if job.Status == status {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ClaimOldestQueued(_ context.Context, owner string, startedAt time.Time) (run.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockHeld {
		return run.Job{}, ErrLockHeld
	}
	var oldest *run.Job
	for id := range m.jobs {
		job := m.jobs[id]
		if job.Status != run.StatusQueued {
			continue
		}
		if oldest == nil || job.CreatedAt.Before(oldest.CreatedAt) {
			oldest = &job
		}
	}
	if oldest == nil {
		return run.Job{}, ErrNotFound
	}
	oldest.Status = run.StatusRunning
	oldest.StartedAt = &startedAt
	m.jobs[oldest.ID] = *oldest
	m.lockHeld = true
	m.lockOwner = owner
	m.lockedAt = startedAt
	return *oldest, nil
}

func (m *Memory) FinishJob(_ context.Context, job run.Job) (run.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return run.Job{}, ErrNotFound
	}
	m.jobs[job.ID] = job
	m.lockHeld = false
	m.lockOwner = ""
	return job, nil
}

func (m *Memory) RequestCancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Terminal() {
		return nil
	}
	job.CancelRequested = true
	m.jobs[id] = job
	return nil
}

// LockHeld reports whether the dispatch lock row is present. Test hook.
func (m *Memory) LockHeld() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lockHeld
}

// ArtifactStore implementation ------------------------------------------------

func artifactKey(tenant, date string) string { return tenant + "|" + date }

func (m *Memory) CreateArtifact(_ context.Context, art run.Artifact) (run.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if art.ID == "" {
		art.ID = uuid.NewString()
	}
	if art.ProcessedAt.IsZero() {
		art.ProcessedAt = time.Now().UTC()
	}
	key := artifactKey(art.Tenant, art.Date)
	if prior, ok := m.artifacts[key]; ok {
		prior.Superseded = true
		m.artifacts[key+"|"+prior.ID] = prior
	}
	m.artifacts[key] = art
	return art, nil
}

func (m *Memory) GetArtifact(_ context.Context, tenant, date string) (run.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	art, ok := m.artifacts[artifactKey(tenant, date)]
	if !ok {
		return run.Artifact{}, ErrNotFound
	}
	return art, nil
}

func (m *Memory) ListArtifacts(_ context.Context, tenant string, limit int) ([]run.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []run.Artifact
	for _, art := range m.artifacts {
		if art.Superseded {
			continue
		}
		if tenant != "" && art.Tenant != tenant {
			continue
		}
		out = append(out, art)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessedAt.After(out[j].ProcessedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListArtifactsByJob(_ context.Context, jobID string) ([]run.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []run.Artifact
	for _, art := range m.artifacts {
		if art.JobID == jobID {
			out = append(out, art)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// ScheduleStore implementation ------------------------------------------------

func (m *Memory) CreateSchedule(_ context.Context, sch schedule.Schedule) (schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sch.ID == "" {
		sch.ID = uuid.NewString()
	}
	if _, ok := m.schedules[sch.ID]; ok {
		return schedule.Schedule{}, ErrAlreadyExists
	}
	now := time.Now().UTC()
	sch.CreatedAt = now
	sch.UpdatedAt = now
	m.schedules[sch.ID] = sch
	return sch, nil
}

func (m *Memory) UpdateSchedule(_ context.Context, sch schedule.Schedule) (schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.schedules[sch.ID]
	if !ok {
		return schedule.Schedule{}, ErrNotFound
	}
	sch.CreatedAt = existing.CreatedAt
	sch.UpdatedAt = time.Now().UTC()
	m.schedules[sch.ID] = sch
	return sch, nil
}

func (m *Memory) GetSchedule(_ context.Context, id string) (schedule.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sch, ok := m.schedules[id]
	if !ok {
		return schedule.Schedule{}, ErrNotFound
	}
	return sch, nil
}

func (m *Memory) ListSchedules(_ context.Context) ([]schedule.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]schedule.Schedule, 0, len(m.schedules))
	for _, sch := range m.schedules {
		out = append(out, sch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListEnabledSchedules(_ context.Context) ([]schedule.Schedule, error) {
	all, _ := m.ListSchedules(context.Background())
	var out []schedule.Schedule
	for _, sch := range all {
		if sch.Enabled {
			out = append(out, sch)
		}
	}
	return out, nil
}

func (m *Memory) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return ErrNotFound
	}
	delete(m.schedules, id)
	return nil
}

// SessionStore implementation -------------------------------------------------

func (m *Memory) GetUser(_ context.Context, username string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[username]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (m *Memory) UpsertUser(_ context.Context, user User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	m.users[user.Username] = user
	return nil
}

func (m *Memory) CreateSession(_ context.Context, sess Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	m.sessions[sess.ID] = sess
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (m *Memory) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *Memory) DeleteExpiredSessions(_ context.Context, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sess := range m.sessions {
		if sess.ExpiresAt.Before(now) {
			delete(m.sessions, id)
		}
	}
	return nil
}

// SettingsStore implementation ------------------------------------------------

func (m *Memory) GetSettings(_ context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.settings))
	for k, v := range m.settings {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) PutSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}
