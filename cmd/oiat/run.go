package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/preciousoreva/oiat/internal/app/domain/company"
	"github.com/preciousoreva/oiat/internal/app/domain/run"
	"github.com/preciousoreva/oiat/internal/app/storage"
	"github.com/preciousoreva/oiat/internal/app/storage/postgres"
	"github.com/preciousoreva/oiat/internal/config"
	"github.com/preciousoreva/oiat/internal/notify"
	"github.com/preciousoreva/oiat/internal/pipeline"
	"github.com/preciousoreva/oiat/internal/platform/database"
	"github.com/preciousoreva/oiat/internal/qbo/tokens"
	"github.com/preciousoreva/oiat/internal/runlock"
	"github.com/preciousoreva/oiat/pkg/logger"
)

type runFlags struct {
	tenant       string
	date         string
	from         string
	to           string
	skipDownload bool
	dryRun       bool
	syncMode     string
	bypass       bool
	jobID        string
	logFile      string
}

func newRunCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline for one tenant and date or range",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd, flags)
		},
	}
	cmd.Flags().StringVar(&flags.tenant, "tenant", "", "company key")
	cmd.Flags().StringVar(&flags.date, "date", "", "single target date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&flags.from, "from", "", "range start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&flags.to, "to", "", "range end (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&flags.skipDownload, "skip-download", false, "reuse prior split files in staging")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "stop before any remote write")
	cmd.Flags().StringVar(&flags.syncMode, "inventory-sync-mode", "", "inline|upload_fast")
	cmd.Flags().BoolVar(&flags.bypass, "bypass-inventory-startdate", false, "swap backdated inventory lines to the fallback item")
	cmd.Flags().StringVar(&flags.jobID, "job-id", "", "dispatcher job id owning this run")
	cmd.Flags().StringVar(&flags.logFile, "log-file", "", "run log path")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func parseWindow(flags runFlags) (time.Time, time.Time, error) {
	switch {
	case flags.date != "" && (flags.from != "" || flags.to != ""):
		return time.Time{}, time.Time{}, fmt.Errorf("--date conflicts with --from/--to")
	case flags.date != "":
		d, err := time.Parse(pipeline.DateLayout, flags.date)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("bad --date: %w", err)
		}
		return d, d, nil
	case flags.from != "" && flags.to != "":
		from, err := time.Parse(pipeline.DateLayout, flags.from)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("bad --from: %w", err)
		}
		to, err := time.Parse(pipeline.DateLayout, flags.to)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("bad --to: %w", err)
		}
		if to.Before(from) {
			return time.Time{}, time.Time{}, fmt.Errorf("--to precedes --from")
		}
		return from, to, nil
	default:
		// Default to yesterday, the day that just closed.
		d := time.Now().AddDate(0, 0, -1).Truncate(24 * time.Hour)
		return d, d, nil
	}
}

func resolveDSN(cmd *cobra.Command) string {
	dsn, _ := cmd.Flags().GetString("dsn")
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	return dsn
}

// loadCompany prefers the portal database, falling back to the JSON
// config directory for standalone use.
func loadCompany(ctx context.Context, cmd *cobra.Command, store storage.CompanyStore, tenant string) (company.Config, error) {
	if store != nil {
		cfg, err := store.GetCompany(ctx, tenant)
		if err == nil {
			return cfg, nil
		}
		if !storage.IsNotFound(err) {
			return company.Config{}, err
		}
	}
	configDir, _ := cmd.Flags().GetString("config-dir")
	return config.LoadCompanyFile(filepath.Join(configDir, tenant+".json"))
}

func openPortalStore(ctx context.Context, cmd *cobra.Command) (*postgres.Store, *sql.DB, error) {
	dsn := resolveDSN(cmd)
	if dsn == "" {
		return nil, nil, nil
	}
	db, err := database.Open(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return postgres.New(db), db, nil
}

func runPipeline(cmd *cobra.Command, flags runFlags) error {
	ctx := cmd.Context()
	from, to, err := parseWindow(flags)
	if err != nil {
		return &exitError{code: run.ExitLockBlocked, err: err}
	}

	log := logger.NewDefault("oiat")
	if flags.logFile != "" {
		runLog, err := logger.NewRunLog(flags.logFile)
		if err != nil {
			return &exitError{code: run.ExitFailure, err: err}
		}
		defer runLog.Close()
		log = runLog
	}

	store, db, err := openPortalStore(ctx, cmd)
	if err != nil {
		return &exitError{code: run.ExitFailure, err: err}
	}
	if db != nil {
		defer db.Close()
	}

	var companyStore storage.CompanyStore
	if store != nil {
		companyStore = store
	}
	cfg, err := loadCompany(ctx, cmd, companyStore, flags.tenant)
	if err != nil {
		return &exitError{code: run.ExitFailure, err: err}
	}

	baseDir, _ := cmd.Flags().GetString("base-dir")

	// Cross-process half of the run lock: exclusive-create with our PID.
	lock := runlock.New(filepath.Join(baseDir, runlock.DefaultPath))
	if err := lock.TryAcquire(os.Getpid()); err != nil {
		if errors.Is(err, runlock.ErrHeld) {
			return &exitError{code: run.ExitLockBlocked,
				err: fmt.Errorf("blocked by existing lock: %v", err)}
		}
		return &exitError{code: run.ExitFailure, err: err}
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warnf("release run lock: %v", err)
		}
	}()

	result := executeTenantRun(ctx, cmd, store, cfg, flags, from, to, baseDir, log)

	if store != nil && flags.jobID != "" {
		finishJob(ctx, store, flags, result, log)
	}
	if result.err != nil {
		code := run.ExitFailure
		return &exitError{code: code, err: result.err}
	}
	return nil
}

type tenantRunResult struct {
	artifacts []run.Artifact
	cancelled bool
	err       error
}

// executeTenantRun drives the orchestrator for one tenant and notifies.
func executeTenantRun(ctx context.Context, cmd *cobra.Command, store *postgres.Store, cfg company.Config, flags runFlags, from, to time.Time, baseDir string, log *logger.Logger) tenantRunResult {
	clientID, clientSecret, err := config.OAuthClient()
	if err != nil {
		return tenantRunResult{err: err}
	}
	tokenPath, _ := cmd.Flags().GetString("token-db")
	tokenStore, err := tokens.Open(tokenPath, clientID, clientSecret, tokens.WithLogger(log))
	if err != nil {
		return tenantRunResult{err: err}
	}
	defer tokenStore.Close()

	var creds config.Credentials
	if !flags.skipDownload {
		creds, err = config.ResolveCredentials(cfg)
		if err != nil {
			return tenantRunResult{err: err}
		}
	}

	opts := []pipeline.Option{
		pipeline.WithCredentials(creds),
	}
	if store != nil {
		opts = append(opts, pipeline.WithArtifactStore(store))
	}
	if flags.jobID != "" {
		opts = append(opts, pipeline.WithJobID(flags.jobID))
		if store != nil {
			opts = append(opts, pipeline.WithCancelCheck(cancelProbe(store, flags.jobID)))
		}
	}

	downloader := pipeline.ScriptDownloader{Command: config.EnvOrDefault("OIAT_DOWNLOADER_CMD", "")}
	orch := pipeline.New(cfg, downloader, tokenStore, baseDir, log, opts...)

	runOpts := pipeline.Options{
		From:                     from,
		To:                       to,
		SkipDownload:             flags.skipDownload,
		DryRun:                   flags.dryRun,
		SyncMode:                 company.InventorySyncMode(flags.syncMode),
		BypassInventoryStartDate: flags.bypass,
	}
	artifacts, err := orch.Run(ctx, runOpts)

	result := tenantRunResult{artifacts: artifacts, err: err}
	if errors.Is(err, pipeline.ErrCancelled) {
		result.cancelled = true
	}

	scope := from.Format(pipeline.DateLayout)
	if !from.Equal(to) {
		scope += ".." + to.Format(pipeline.DateLayout)
	}
	notifyRun(ctx, cfg, scope, result, log)
	return result
}

// cancelProbe polls the job row's cancel flag; the orchestrator calls it
// between phases.
func cancelProbe(store *postgres.Store, jobID string) func() bool {
	return func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		job, err := store.GetJob(ctx, jobID)
		if err != nil {
			return false
		}
		return job.CancelRequested
	}
}

func notifyRun(ctx context.Context, cfg company.Config, scope string, result tenantRunResult, log *logger.Logger) {
	summary := notify.Summary{
		Tenant: cfg.Key,
		Scope:  scope,
		Status: "succeeded",
	}
	switch {
	case result.cancelled:
		summary.Status = "cancelled"
	case result.err != nil:
		summary.Status = "failed"
		summary.FailureReason = run.TruncateReason(result.err.Error())
	}
	for _, art := range result.artifacts {
		summary.DocsCreated += art.DocsCreated
		summary.DocsSkipped += art.DocsSkipped
		summary.DocsFailed += art.DocsFailed
		summary.SourceTotal += art.SourceTotal
		summary.RemoteTotal += art.RemoteTotal
		summary.Difference += art.Difference
		summary.Reconcile = art.Reconcile
	}
	notify.NewSink(log).Notify(ctx, cfg, summary)
}

// finishJob records the terminal job state and releases the database
// lock row. The subprocess owns its row from dispatch until here.
func finishJob(ctx context.Context, store *postgres.Store, flags runFlags, result tenantRunResult, log *logger.Logger) {
	job, err := store.GetJob(ctx, flags.jobID)
	if err != nil {
		log.Errorf("load job %s: %v", flags.jobID, err)
		return
	}
	finished := time.Now().UTC()
	job.FinishedAt = &finished
	job.PID = os.Getpid()
	exit := run.ExitOK
	switch {
	case result.cancelled:
		job.Status = run.StatusCancelled
		exit = run.ExitFailure
	case result.err != nil:
		job.Status = run.StatusFailed
		job.FailureReason = run.TruncateReason(result.err.Error())
		exit = run.ExitFailure
	default:
		job.Status = run.StatusSucceeded
	}
	job.ExitCode = &exit
	if _, err := store.FinishJob(ctx, job); err != nil {
		log.Errorf("finish job %s: %v", flags.jobID, err)
	}
}
