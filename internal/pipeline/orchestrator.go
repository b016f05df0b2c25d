// Package pipeline drives one tenant's run through the staged state
// machine: download, date split, spill merge, transform, upload,
// archive, reconcile. Phases are strictly ordered; every transition
// emits a structured event; failures leave staging intact for forensic
// inspection.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/preciousoreva/oiat/internal/app/domain/company"
	"github.com/preciousoreva/oiat/internal/app/domain/run"
	"github.com/preciousoreva/oiat/internal/app/metrics"
	"github.com/preciousoreva/oiat/internal/app/storage"
	"github.com/preciousoreva/oiat/internal/config"
	"github.com/preciousoreva/oiat/internal/ledger"
	"github.com/preciousoreva/oiat/internal/qbo"
	"github.com/preciousoreva/oiat/internal/qbo/tokens"
	"github.com/preciousoreva/oiat/pkg/logger"
)

// ErrCancelled is returned when the run stopped at a cancellation point.
// Partially archived dates stay archived; the in-flight date rolls back.
var ErrCancelled = errors.New("run cancelled")

// Options select the window and behaviour of one run.
type Options struct {
	From time.Time
	To   time.Time

	SkipDownload             bool
	DryRun                   bool
	SyncMode                 company.InventorySyncMode
	BypassInventoryStartDate bool
}

// Orchestrator executes the pipeline for a single tenant.
type Orchestrator struct {
	cfg   company.Config
	creds config.Credentials

	downloader  Downloader
	transformer Transformer
	tokens      *tokens.Store
	artifacts   storage.ArtifactStore // nil when running detached from the portal

	jobID   string
	baseDir string

	log       *logger.Logger
	emit      EventFunc
	cancelled func() bool

	// test hook: overrides the remote client construction
	clientFor func(realm string) *qbo.Client
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithArtifactStore records artifacts in the portal database.
func WithArtifactStore(store storage.ArtifactStore) Option {
	return func(o *Orchestrator) { o.artifacts = store }
}

// WithCredentials provides POS credentials for the downloader.
func WithCredentials(creds config.Credentials) Option {
	return func(o *Orchestrator) { o.creds = creds }
}

// WithJobID ties emitted artifacts to a dispatcher job.
func WithJobID(id string) Option {
	return func(o *Orchestrator) { o.jobID = id }
}

// WithCancelCheck installs the cancellation probe checked between
// phases and at per-date boundaries.
func WithCancelCheck(fn func() bool) Option {
	return func(o *Orchestrator) { o.cancelled = fn }
}

// WithEvents adds an event callback alongside the run log.
func WithEvents(fn EventFunc) Option {
	return func(o *Orchestrator) {
		logFn := o.emit
		o.emit = func(ev Event) {
			logFn(ev)
			fn(ev)
		}
	}
}

// WithClientFactory overrides remote client construction (tests).
func WithClientFactory(fn func(realm string) *qbo.Client) Option {
	return func(o *Orchestrator) { o.clientFor = fn }
}

// New creates an orchestrator rooted at baseDir.
func New(cfg company.Config, downloader Downloader, tokenStore *tokens.Store, baseDir string, log *logger.Logger, opts ...Option) *Orchestrator {
	if log == nil {
		log = logger.NewDefault("pipeline")
	}
	o := &Orchestrator{
		cfg:         cfg,
		downloader:  downloader,
		transformer: CSVTransformer{},
		tokens:      tokenStore,
		baseDir:     baseDir,
		log:         log,
		cancelled:   func() bool { return false },
		clientFor: func(realm string) *qbo.Client {
			return qbo.NewClient(realm)
		},
	}
	o.emit = logEvents(log)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Path layout, overridable per tenant.

func (o *Orchestrator) stagingDir(opts Options) string {
	window := opts.From.Format(DateLayout) + "_to_" + opts.To.Format(DateLayout)
	return filepath.Join(o.baseDir, "uploads", "range_raw", o.cfg.Key, window)
}

func (o *Orchestrator) spillDir() string {
	return filepath.Join(o.baseDir, "uploads", "spill_raw")
}

func (o *Orchestrator) archiveDir() string {
	if o.cfg.ArchiveDir != "" {
		return o.cfg.ArchiveDir
	}
	return filepath.Join(o.baseDir, "Uploaded")
}

func (o *Orchestrator) downloadDir() string {
	if o.cfg.DownloadDir != "" {
		return o.cfg.DownloadDir
	}
	return filepath.Join(o.baseDir, "uploads", "downloads", o.cfg.Key)
}

func (o *Orchestrator) ledgerPath() string {
	if o.cfg.LedgerPath != "" {
		return o.cfg.LedgerPath
	}
	return filepath.Join(o.baseDir, o.cfg.Key, "uploaded_docnumbers.json")
}

// Run executes the pipeline over [From, To]. Single-date mode is the
// one-day window. A failure on one date aborts the remainder but
// preserves already-archived dates.
func (o *Orchestrator) Run(ctx context.Context, opts Options) ([]run.Artifact, error) {
	scope := opts.From.Format(DateLayout)
	if !opts.From.Equal(opts.To) {
		scope += ".." + opts.To.Format(DateLayout)
	}
	o.emit(Event{Name: "pipeline_started", Tenant: o.cfg.Key, Fields: map[string]any{"scope": scope}})

	artifacts, err := o.runWindow(ctx, opts)
	if err != nil {
		status := "failed"
		if errors.Is(err, ErrCancelled) {
			status = "cancelled"
		}
		metrics.RunsTotal.WithLabelValues(status).Inc()
		o.emit(Event{Name: "pipeline_failed", Tenant: o.cfg.Key,
			Fields: map[string]any{"reason": run.TruncateReason(err.Error())}})
		return artifacts, err
	}
	metrics.RunsTotal.WithLabelValues("succeeded").Inc()
	o.emit(Event{Name: "pipeline_succeeded", Tenant: o.cfg.Key})
	return artifacts, nil
}

func (o *Orchestrator) runWindow(ctx context.Context, opts Options) ([]run.Artifact, error) {
	staging := o.stagingDir(opts)
	splitter := NewSplitter(o.cfg, staging, o.spillDir(), o.log)

	var (
		rawPath string
		split   *SplitResult
		err     error
	)

	if opts.SkipDownload {
		split, err = o.reuseSplitFiles(splitter, staging, opts)
		if err != nil {
			return nil, err
		}
	} else {
		rawPath, split, err = o.downloadAndSplit(ctx, splitter, opts)
		if err != nil {
			return nil, err
		}
	}

	led, err := ledger.Open(o.ledgerPath())
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	client := o.clientFor(o.cfg.RealmID)
	engine := qbo.NewEngine(client, o.tokens, led, o.cfg.Key, o.cfg.RealmID, o.log)

	var artifacts []run.Artifact
	for d := opts.From; !d.After(opts.To); d = d.AddDate(0, 0, 1) {
		if o.cancelled() {
			return artifacts, ErrCancelled
		}
		date := d.Format(DateLayout)
		art, aerr := o.runDate(ctx, engine, splitter, split, staging, date, opts)
		if aerr != nil {
			return artifacts, fmt.Errorf("date %s: %w", date, aerr)
		}
		artifacts = append(artifacts, art)
	}

	// Everything archived; move the original download with the final
	// date and clear staging. Both are warnings on failure.
	if !opts.DryRun {
		if rawPath != "" && len(artifacts) > 0 {
			last := artifacts[len(artifacts)-1].Date
			if aerr := archive(archiveSet{Original: rawPath}, o.archiveDir(), last); aerr != nil {
				o.log.Warnf("archive original download: %v", aerr)
			}
		}
		if rerr := removeStaging(staging); rerr != nil {
			o.log.Warnf("remove staging %s: %v", staging, rerr)
		}
	}
	return artifacts, nil
}

func (o *Orchestrator) downloadAndSplit(ctx context.Context, splitter *Splitter, opts Options) (string, *SplitResult, error) {
	if o.cancelled() {
		return "", nil, ErrCancelled
	}

	started := time.Now()
	rawPath, err := o.downloader.Download(ctx, o.cfg, o.creds, opts.From, opts.To, o.downloadDir())
	if err != nil {
		return "", nil, fmt.Errorf("download: %w", err)
	}
	o.emit(Event{Name: "phase_complete", Tenant: o.cfg.Key, Phase: PhaseDownload,
		Duration: time.Since(started), Fields: map[string]any{"file": filepath.Base(rawPath)}})

	if o.cancelled() {
		return "", nil, ErrCancelled
	}

	started = time.Now()
	split, err := splitter.Split(rawPath, opts.From, opts.To)
	if err != nil {
		return "", nil, fmt.Errorf("split: %w", err)
	}
	o.emit(Event{Name: "phase_complete", Tenant: o.cfg.Key, Phase: PhaseSplit,
		Duration: time.Since(started), Fields: map[string]any{
			"rows_in":   split.RowsIn,
			"past_drop": split.PastDropped,
		}})

	for date, rows := range split.SpillRows {
		o.emit(Event{Name: "spill_created", Tenant: o.cfg.Key, Date: date,
			Fields: map[string]any{"rows": rows}})
	}
	return rawPath, split, nil
}

// reuseSplitFiles serves SKIP_DOWNLOAD mode: prior split files must
// already exist in staging for every requested date.
func (o *Orchestrator) reuseSplitFiles(splitter *Splitter, staging string, opts Options) (*SplitResult, error) {
	split := &SplitResult{
		SplitFiles: make(map[string]string),
		SplitRows:  make(map[string]int),
		SpillFiles: make(map[string]string),
		SpillRows:  make(map[string]int),
	}
	for d := opts.From; !d.After(opts.To); d = d.AddDate(0, 0, 1) {
		date := d.Format(DateLayout)
		path := filepath.Join(staging, SplitFileName(date))
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("skip-download: no prior split file for %s at %s", date, path)
		}
		split.SplitFiles[date] = path
	}
	return split, nil
}

func (o *Orchestrator) runDate(ctx context.Context, engine *qbo.Engine, splitter *Splitter, split *SplitResult, staging, date string, opts Options) (run.Artifact, error) {
	splitPath, ok := split.SplitFiles[date]
	if !ok {
		return run.Artifact{}, fmt.Errorf("no split file for %s", date)
	}

	// MERGE: fold retained spill rows for this date, header once.
	merged, err := splitter.MergeSpill(date, splitPath)
	if err != nil {
		return run.Artifact{}, fmt.Errorf("spill merge: %w", err)
	}
	if merged.SpillPath != "" {
		o.emit(Event{Name: "spill_merged", Tenant: o.cfg.Key, Date: date, Phase: PhaseMerge,
			Fields: map[string]any{
				"target_rows": merged.TargetRows,
				"spill_rows":  merged.SpillRows,
				"final_rows":  merged.FinalRows,
			}})
	}

	if o.cancelled() {
		return run.Artifact{}, ErrCancelled
	}

	// TRANSFORM
	normalized := filepath.Join(staging, "Normalized_"+date+".csv")
	metadata := filepath.Join(staging, "transform_metadata_"+date+".json")
	started := time.Now()
	stats, err := o.transformer.Transform(merged.CombinedPath, normalized, o.cfg, date)
	if err != nil {
		return run.Artifact{}, fmt.Errorf("transform: %w", err)
	}
	if err := stats.WriteMetadata(metadata); err != nil {
		o.log.Warnf("write transform metadata: %v", err)
		metadata = ""
	}
	o.emit(Event{Name: "phase_complete", Tenant: o.cfg.Key, Date: date, Phase: PhaseTransform,
		Duration: time.Since(started), Fields: map[string]any{
			"rows_in": stats.RowsIn, "rows_out": stats.RowsOut,
		}})

	if o.cancelled() {
		return run.Artifact{}, ErrCancelled
	}

	// UPLOAD
	result, err := engine.Upload(ctx, normalized, o.cfg, date, qbo.Options{
		SyncMode:                 opts.SyncMode,
		BypassInventoryStartDate: opts.BypassInventoryStartDate,
		DryRun:                   opts.DryRun,
	})
	if err != nil {
		return run.Artifact{}, fmt.Errorf("upload: %w", err)
	}
	metrics.DocsUploaded.WithLabelValues(o.cfg.Key, "created").Add(float64(result.Created))
	metrics.DocsUploaded.WithLabelValues(o.cfg.Key, "skipped").Add(float64(result.SkippedDup))
	metrics.DocsUploaded.WithLabelValues(o.cfg.Key, "failed").Add(float64(result.Failed))
	if result.Reconcile == run.ReconcileMismatch {
		metrics.ReconcileMismatches.WithLabelValues(o.cfg.Key).Inc()
	}
	o.emit(Event{Name: "upload_summary", Tenant: o.cfg.Key, Date: date, Phase: PhaseUpload,
		Fields: map[string]any{
			"attempted": result.Attempted,
			"created":   result.Created,
			"skipped":   result.SkippedDup,
			"failed":    result.Failed,
			"total":     result.SourceTotal,
		}})

	art := run.Artifact{
		JobID:       o.jobID,
		Tenant:      o.cfg.Key,
		Date:        date,
		RowsIn:      stats.RowsIn,
		DocsCreated: result.Created,
		DocsSkipped: result.SkippedDup,
		DocsFailed:  result.Failed,
		SourceTotal: result.SourceTotal,
		RemoteTotal: result.RemoteTotal,
		Difference:  result.Difference,
		Reconcile:   result.Reconcile,
		ProcessedAt: time.Now().UTC(),
	}

	if opts.DryRun {
		o.emit(Event{Name: "reconcile", Tenant: o.cfg.Key, Date: date, Phase: PhaseReconcile,
			Fields: map[string]any{"status": string(art.Reconcile)}})
		return art, nil
	}

	// ARCHIVE: only after a successful upload; failures downgrade to
	// warnings because the money is already across.
	set := archiveSet{
		Split:      splitPath,
		Normalized: normalized,
		Metadata:   metadata,
		Spill:      merged.SpillPath,
	}
	if merged.CombinedPath != splitPath {
		set.Combined = merged.CombinedPath
	}
	if err := archive(set, o.archiveDir(), date); err != nil {
		o.log.Warnf("archive for %s: %v", date, err)
	}

	// RECONCILE event + artifact publication. Artifacts are never
	// published before archival completes.
	o.emit(Event{Name: "reconcile", Tenant: o.cfg.Key, Date: date, Phase: PhaseReconcile,
		Fields: map[string]any{
			"status":       string(art.Reconcile),
			"source_total": art.SourceTotal,
			"remote_total": art.RemoteTotal,
			"diff":         art.Difference,
		}})

	if o.artifacts != nil {
		stored, err := o.artifacts.CreateArtifact(ctx, art)
		if err != nil {
			return run.Artifact{}, fmt.Errorf("record artifact: %w", err)
		}
		art = stored
	}
	return art, nil
}
