// Package httpapi exposes the operator portal's REST surface: runs,
// schedules, companies, settings and the live run-log tail.
package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/preciousoreva/oiat/internal/app/dispatch"
	"github.com/preciousoreva/oiat/internal/app/domain/company"
	"github.com/preciousoreva/oiat/internal/app/domain/schedule"
	"github.com/preciousoreva/oiat/internal/app/metrics"
	"github.com/preciousoreva/oiat/internal/app/scheduler"
	"github.com/preciousoreva/oiat/internal/app/storage"
	"github.com/preciousoreva/oiat/pkg/logger"
)

// handler bundles the portal endpoints.
type handler struct {
	store      storage.Store
	dispatcher *dispatch.Service
	auth       *Auth
	log        *logger.Logger
}

// NewHandler builds the portal router.
func NewHandler(store storage.Store, dispatcher *dispatch.Service, auth *Auth, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{store: store, dispatcher: dispatcher, auth: auth, log: log}

	r := chi.NewRouter()
	r.Get("/healthz", h.health)
	r.Handle("/metrics", metrics.Handler())
	r.Post("/api/login", h.login)

	r.Group(func(r chi.Router) {
		r.Use(auth.requireAuth)

		r.Post("/api/logout", h.logout)
		r.Get("/api/whoami", h.whoami)

		r.Get("/api/runs", h.listRuns)
		r.Get("/api/runs/{id}", h.getRun)
		r.Get("/api/runs/{id}/log", h.runLogTail)
		r.Get("/api/runs/{id}/artifacts", h.runArtifacts)
		r.Post("/api/runs", requirePermission(canTriggerRuns, h.triggerRun))
		r.Post("/api/runs/{id}/cancel", requirePermission(canTriggerRuns, h.cancelRun))

		r.Get("/api/artifacts", h.listArtifacts)

		r.Get("/api/schedules", h.listSchedules)
		r.Post("/api/schedules", requirePermission(canManageSchedules, h.createSchedule))
		r.Put("/api/schedules/{id}", requirePermission(canManageSchedules, h.updateSchedule))
		r.Post("/api/schedules/{id}/toggle", requirePermission(canManageSchedules, h.toggleSchedule))
		r.Post("/api/schedules/{id}/run-now", requirePermission(canManageSchedules, h.runScheduleNow))
		r.Delete("/api/schedules/{id}", requirePermission(canManageSchedules, h.deleteSchedule))

		r.Get("/api/companies", h.listCompanies)
		r.Post("/api/companies", requirePermission(canEditCompanies, h.createCompany))
		r.Put("/api/companies/{key}", requirePermission(canEditCompanies, h.updateCompany))

		r.Get("/api/settings", h.getSettings)
		r.Put("/api/settings", requirePermission(canManageSettings, h.putSettings))
	})
	return r
}

func canTriggerRuns(u storage.User) bool     { return u.CanTriggerRuns }
func canManageSchedules(u storage.User) bool { return u.CanManageSchedules }
func canEditCompanies(u storage.User) bool   { return u.CanEditCompanies }
func canManageSettings(u storage.User) bool  { return u.CanManagePortalSetting }

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Auth ------------------------------------------------------------------------

func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sess, user, err := h.auth.Login(r.Context(), payload.Username, payload.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	setSessionCookie(w, sess)
	writeJSON(w, http.StatusOK, map[string]any{
		"username":   user.Username,
		"csrf_token": sess.CSRFToken,
		"permissions": map[string]bool{
			"can_trigger_runs":           user.CanTriggerRuns,
			"can_manage_schedules":       user.CanManageSchedules,
			"can_edit_companies":         user.CanEditCompanies,
			"can_manage_portal_settings": user.CanManagePortalSetting,
		},
	})
}

func (h *handler) logout(w http.ResponseWriter, r *http.Request) {
	h.auth.Logout(r.Context(), r)
	clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (h *handler) whoami(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"username": user.Username})
}

// Runs ------------------------------------------------------------------------

func (h *handler) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := h.store.ListJobs(r.Context(), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *handler) getRun(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handler) runArtifacts(w http.ResponseWriter, r *http.Request) {
	arts, err := h.store.ListArtifactsByJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, arts)
}

func (h *handler) listArtifacts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	arts, err := h.store.ListArtifacts(r.Context(), r.URL.Query().Get("tenant"), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, arts)
}

func (h *handler) triggerRun(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Tenant       string `json:"tenant"`
		Date         string `json:"date"`
		DateFrom     string `json:"date_from"`
		DateTo       string `json:"date_to"`
		SkipDownload bool   `json:"skip_download"`
		DryRun       bool   `json:"dry_run"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.Date != "" {
		payload.DateFrom, payload.DateTo = payload.Date, payload.Date
	}

	job, err := h.dispatcher.Enqueue(r.Context(), dispatch.Request{
		Tenant:       payload.Tenant,
		DateFrom:     payload.DateFrom,
		DateTo:       payload.DateTo,
		RequestedBy:  userFrom(r.Context()).Username,
		SkipDownload: payload.SkipDownload,
		DryRun:       payload.DryRun,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// Kick the queue so an operator click does not wait for the next
	// scheduler poll.
	if _, status, err := h.dispatcher.DispatchNext(r.Context()); err != nil {
		h.log.Errorf("dispatch after trigger: %v", err)
	} else {
		h.log.Infof("dispatch after trigger: %s", status)
	}

	writeJSON(w, http.StatusCreated, job)
}

func (h *handler) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.RequestCancel(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancel requested"})
}

// runLogTail streams a chunk of the run log from a byte offset; the UI
// polls with the returned next offset.
func (h *handler) runLogTail(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if job.LogPath == "" {
		writeJSON(w, http.StatusOK, map[string]any{"data": "", "offset": 0})
		return
	}

	offset, _ := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)
	file, err := os.Open(job.LogPath)
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, http.StatusOK, map[string]any{"data": "", "offset": offset})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer file.Close()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("bad offset: %w", err))
		return
	}
	const tailChunk = 64 << 10
	data, err := io.ReadAll(io.LimitReader(file, tailChunk))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":   string(data),
		"offset": offset + int64(len(data)),
	})
}

// Schedules -------------------------------------------------------------------

type schedulePayload struct {
	CronExpr string `json:"cron_expr"`
	Timezone string `json:"timezone"`
	Tenant   string `json:"tenant"`
	Enabled  *bool  `json:"enabled,omitempty"`
}

func (p schedulePayload) validate() error {
	if strings.TrimSpace(p.Tenant) == "" {
		return fmt.Errorf("tenant is required")
	}
	tz := p.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if _, err := scheduler.NextFire(p.CronExpr, tz, time.Now()); err != nil {
		return err
	}
	return nil
}

func (h *handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.store.ListSchedules(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (h *handler) createSchedule(w http.ResponseWriter, r *http.Request) {
	var payload schedulePayload
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := payload.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	enabled := true
	if payload.Enabled != nil {
		enabled = *payload.Enabled
	}
	tz := payload.Timezone
	if tz == "" {
		tz = "UTC"
	}
	sch, err := h.store.CreateSchedule(r.Context(), schedule.Schedule{
		CronExpr: payload.CronExpr,
		Timezone: tz,
		Tenant:   payload.Tenant,
		Enabled:  enabled,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sch)
}

func (h *handler) updateSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := h.store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	var payload schedulePayload
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := payload.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sch.CronExpr = payload.CronExpr
	if payload.Timezone != "" {
		sch.Timezone = payload.Timezone
	}
	sch.Tenant = payload.Tenant
	if payload.Enabled != nil {
		sch.Enabled = *payload.Enabled
	}
	updated, err := h.store.UpdateSchedule(r.Context(), sch)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *handler) toggleSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := h.store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	sch.Enabled = !sch.Enabled
	updated, err := h.store.UpdateSchedule(r.Context(), sch)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *handler) runScheduleNow(w http.ResponseWriter, r *http.Request) {
	sch, err := h.store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	loc, lerr := time.LoadLocation(sch.Timezone)
	if lerr != nil {
		loc = time.UTC
	}
	target := time.Now().In(loc).AddDate(0, 0, -1).Format("2006-01-02")
	job, err := h.dispatcher.Enqueue(r.Context(), dispatch.Request{
		Tenant:      sch.Tenant,
		DateFrom:    target,
		DateTo:      target,
		RequestedBy: userFrom(r.Context()).Username + " (run-now)",
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, _, err := h.dispatcher.DispatchNext(r.Context()); err != nil {
		h.log.Errorf("dispatch after run-now: %v", err)
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *handler) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Companies -------------------------------------------------------------------

func (h *handler) listCompanies(w http.ResponseWriter, r *http.Request) {
	companies, err := h.store.ListCompanies(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, companies)
}

func (h *handler) createCompany(w http.ResponseWriter, r *http.Request) {
	var cfg company.Config
	if err := decodeJSON(r.Body, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	created, err := h.store.CreateCompany(r.Context(), cfg)
	if err != nil {
		if storage.IsNotFound(err) || errors.Is(err, storage.ErrAlreadyExists) {
			writeStoreError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handler) updateCompany(w http.ResponseWriter, r *http.Request) {
	var cfg company.Config
	if err := decodeJSON(r.Body, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg.Key = chi.URLParam(r, "key")
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	updated, err := h.store.UpdateCompany(r.Context(), cfg)
	if err != nil {
		if storage.IsNotFound(err) {
			writeStoreError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// Settings --------------------------------------------------------------------

func (h *handler) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.store.GetSettings(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *handler) putSettings(w http.ResponseWriter, r *http.Request) {
	var payload map[string]string
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	for key, value := range payload {
		if err := h.store.PutSetting(r.Context(), key, value); err != nil {
			writeStoreError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}
