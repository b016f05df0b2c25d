// Package schedule defines persisted cron schedules evaluated by the
// schedule worker.
package schedule

import "time"

// Schedule fires pipeline runs from a 5-field cron expression evaluated
// in its named timezone.
type Schedule struct {
	ID       string `json:"id"`
	CronExpr string `json:"cron_expr"`
	Timezone string `json:"timezone"`
	// Tenant is a company key or run.TenantAll.
	Tenant  string `json:"tenant"`
	Enabled bool   `json:"enabled"`

	LastEvaluated *time.Time `json:"last_evaluated,omitempty"`
	NextFire      *time.Time `json:"next_fire,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
