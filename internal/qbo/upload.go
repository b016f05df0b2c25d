package qbo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/preciousoreva/oiat/internal/app/domain/company"
	"github.com/preciousoreva/oiat/internal/app/domain/run"
	"github.com/preciousoreva/oiat/internal/ledger"
	"github.com/preciousoreva/oiat/internal/posdata"
	"github.com/preciousoreva/oiat/internal/qbo/tokens"
	"github.com/preciousoreva/oiat/pkg/logger"
)

// Engine uploads normalized documents idempotently: local ledger first,
// bulk remote existence check second, then strictly serial creation.
type Engine struct {
	client *Client
	tokens *tokens.Store
	ledger *ledger.Ledger
	log    *logger.Logger

	tenant string
	realm  string
}

// NewEngine wires an upload engine for one tenant run.
func NewEngine(client *Client, tokenStore *tokens.Store, led *ledger.Ledger, tenant, realm string, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewDefault("upload")
	}
	return &Engine{
		client: client,
		tokens: tokenStore,
		ledger: led,
		log:    log,
		tenant: tenant,
		realm:  realm,
	}
}

// Options tune one Upload invocation.
type Options struct {
	// SyncMode overrides the tenant's inventory sync mode when set.
	SyncMode company.InventorySyncMode
	// BypassInventoryStartDate enables the backdated-inventory swap even
	// when the tenant config leaves it off.
	BypassInventoryStartDate bool
	// DryRun stops before any remote write; dedup layers still run.
	DryRun bool
}

// Result carries the counts, totals and reconciliation outcome of one
// upload; the orchestrator folds it into the run artifact.
type Result struct {
	Attempted  int
	SkippedDup int
	Created    int
	Failed     int

	CreatedDocs []string
	StaleHealed []string
	Warnings    []string

	SourceTotal float64
	RemoteTotal float64
	Difference  float64
	Reconcile   run.ReconcileStatus
}

// document is one grouped sales receipt before upload.
type document struct {
	DocNumber string
	Date      string
	Tender    string
	Location  string
	Rows      []posdata.NormalizedRow
	Total     float64
}

// Upload processes one normalized file for one target date.
func (e *Engine) Upload(ctx context.Context, normalizedPath string, cfg company.Config, targetDate string, opts Options) (*Result, error) {
	rows, err := posdata.ReadNormalized(normalizedPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read normalized file: %v", ErrConfig, err)
	}

	effective := applyOptions(cfg, opts)
	result := &Result{
		SourceTotal: posdata.SumAmounts(rows),
		Reconcile:   run.ReconcileNotRun,
	}

	docs, err := groupDocuments(rows, effective, targetDate)
	if err != nil {
		return nil, err
	}
	result.Attempted = len(docs)

	if len(docs) == 0 {
		// Empty day: nothing to upload, reconciliation trivially matches.
		result.Reconcile = run.ReconcileMatch
		return result, nil
	}

	// One token for the whole run; a mid-run 401 triggers exactly one
	// refresh-and-retry per request.
	if err := e.ensureToken(ctx); err != nil {
		return nil, err
	}

	// Layer A: local ledger.
	var candidates []*document
	for i := range docs {
		if e.ledger.Contains(docs[i].DocNumber) {
			e.log.Debugf("ledger hit for %s", docs[i].DocNumber)
		}
		candidates = append(candidates, &docs[i])
	}

	// Layer B: bulk remote existence check over every candidate number,
	// ledger hits included, so stale ledger entries surface here.
	numbers := make([]string, len(candidates))
	for i, doc := range candidates {
		numbers[i] = doc.DocNumber
	}
	var remote []RemoteReceipt
	if err := e.withAuthRetry(ctx, func() error {
		var rerr error
		remote, rerr = e.client.FindReceipts(ctx, numbers)
		return rerr
	}); err != nil {
		return nil, err
	}

	foundRemote := make(map[string]bool, len(remote))
	tradingDay := effective.TradingDay != nil && effective.TradingDay.Enabled
	for _, receipt := range remote {
		if tradingDay && receipt.TxnDate != targetDate {
			// Same number on another date is a different trading day's
			// document; not a duplicate of ours.
			continue
		}
		foundRemote[receipt.DocNumber] = true
	}

	// Heal stale ledger entries: in ledger, absent remotely.
	healed, err := e.ledger.HealStale(numbers, foundRemote)
	if err != nil {
		return nil, fmt.Errorf("heal ledger: %w", err)
	}
	for _, doc := range healed {
		e.log.Warnf("stale ledger entry %s: absent remotely, will retry", doc)
	}
	result.StaleHealed = healed

	// Record remote-known documents in the ledger and drop them.
	var toUpload []*document
	var remoteKnown []string
	for _, doc := range candidates {
		if foundRemote[doc.DocNumber] {
			remoteKnown = append(remoteKnown, doc.DocNumber)
			result.SkippedDup++
			continue
		}
		toUpload = append(toUpload, doc)
	}
	if len(remoteKnown) > 0 && !opts.DryRun {
		if err := e.ledger.AddAll(remoteKnown); err != nil {
			return nil, fmt.Errorf("record remote-known docs: %w", err)
		}
	}

	if opts.DryRun {
		e.log.Infof("dry run: %d documents would be uploaded, %d duplicates skipped",
			len(toUpload), result.SkippedDup)
		return result, nil
	}

	// Inventory resolution: one prefetch, no per-line queries.
	catalog, err := e.resolveItems(ctx, rows, effective, targetDate, result)
	if err != nil {
		return nil, err
	}

	// Serial creation: document numbers serialize writes by design.
	for _, doc := range toUpload {
		if err := e.uploadDocument(ctx, doc, effective, catalog, opts, result); err != nil {
			return result, err
		}
	}

	if len(result.CreatedDocs) > 0 {
		if err := e.ledger.AddAll(result.CreatedDocs); err != nil {
			return nil, fmt.Errorf("record created docs: %w", err)
		}
	}

	if err := e.reconcile(ctx, targetDate, effective, result); err != nil {
		return result, err
	}
	return result, nil
}

// uploadDocument creates one receipt, handling the inventory policy.
func (e *Engine) uploadDocument(ctx context.Context, doc *document, cfg company.Config, catalog *itemCatalog, opts Options, result *Result) error {
	receipt, err := e.buildReceipt(ctx, doc, cfg, catalog, opts)
	if err != nil {
		return err
	}

	var created CreatedReceipt
	err = e.withAuthRetry(ctx, func() error {
		var cerr error
		created, cerr = e.client.CreateSalesReceipt(ctx, receipt)
		return cerr
	})
	if err != nil {
		var vErr *ValidationError
		if errors.As(err, &vErr) {
			if vErr.IsInventoryFault() {
				pol := cfg.Inventory
				allowNegative := pol != nil && pol.AllowNegative
				if !allowNegative {
					result.Failed++
					result.Warnings = append(result.Warnings, fmt.Sprintf(
						"%s blocked by inventory: %s; enable allow_negative or the start-date bypass, or correct stock levels",
						doc.DocNumber, vErr.Message))
					e.log.Errorf("%v: %s", ErrInventoryBlocked, vErr.Message)
					return nil
				}
			}
			result.Failed++
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("%s rejected: %s", doc.DocNumber, vErr.Message))
			e.log.Errorf("document %s rejected: %v", doc.DocNumber, vErr)
			return nil
		}
		return err
	}

	for _, warning := range created.Warnings {
		e.log.Warnf("document %s: remote warning: %s", doc.DocNumber, warning)
		result.Warnings = append(result.Warnings, doc.DocNumber+": "+warning)
	}
	result.Created++
	result.CreatedDocs = append(result.CreatedDocs, doc.DocNumber)
	e.log.Infof("created %s (remote id %s, total %.2f)", doc.DocNumber, created.ID, created.TotalAmt)
	return nil
}

// buildReceipt renders the document payload, applying the backdated
// inventory bypass when enabled.
func (e *Engine) buildReceipt(ctx context.Context, doc *document, cfg company.Config, catalog *itemCatalog, opts Options) (SalesReceipt, error) {
	pol := cfg.Inventory
	bypass := opts.BypassInventoryStartDate || (pol != nil && pol.BypassStartDate)

	receipt := SalesReceipt{
		DocNumber:   doc.DocNumber,
		TxnDate:     doc.Date,
		PrivateNote: fmt.Sprintf("POS import %s / %s", cfg.Key, doc.Date),
	}

	for _, row := range doc.Rows {
		item, ok := catalog.get(row.Item)
		if !ok {
			return SalesReceipt{}, fmt.Errorf("%w: item %q missing after prefetch", ErrConfig, row.Item)
		}

		description := ""
		if bypass && item.Type == ItemInventory && item.InvStartDate > doc.Date {
			fallback, ok := catalog.get(pol.FallbackItemName)
			if !ok {
				var err error
				fallback, err = e.fallbackItem(ctx, pol.FallbackItemName)
				if err != nil {
					return SalesReceipt{}, err
				}
				catalog.put(fallback)
			}
			description = fmt.Sprintf("originally %q; inventory starts %s, after document date", item.Name, item.InvStartDate)
			item = fallback
		}

		receipt.Lines = append(receipt.Lines, Line{
			DetailType:  "SalesItemLineDetail",
			Amount:      row.Amount,
			Description: description,
			Detail: &SalesLineDetail{
				ItemRef:   Ref{Value: item.ID, Name: item.Name},
				Qty:       row.Quantity,
				UnitPrice: row.UnitPrice,
			},
		})
	}
	return receipt, nil
}

// fallbackItem fetches the bypass service item, creating it on first use.
func (e *Engine) fallbackItem(ctx context.Context, name string) (Item, error) {
	existing, err := e.client.FetchItems(ctx, []string{name})
	if err != nil {
		return Item{}, fmt.Errorf("fetch fallback item: %w", err)
	}
	if len(existing) > 0 {
		return existing[0], nil
	}
	created, err := e.client.CreateItem(ctx, Item{Name: name, Type: ItemService})
	if err != nil {
		return Item{}, fmt.Errorf("create fallback item: %w", err)
	}
	return created, nil
}

// ensureToken loads the tenant's token, refreshing when inside the
// expiry skew, and installs it on the client.
func (e *Engine) ensureToken(ctx context.Context) error {
	rec, err := e.tokens.Load(ctx, e.tenant, e.realm)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrToken, err)
	}
	if !rec.Valid(time.Now()) {
		rec, err = e.tokens.Refresh(ctx, e.tenant, e.realm)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrToken, err)
		}
	}
	e.client.SetBearer(rec.AccessToken)
	return nil
}

// withAuthRetry runs fn, and on a 401 refreshes the token once and
// retries once. A second 401 is fatal.
func (e *Engine) withAuthRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if !errors.Is(err, ErrUnauthorized) {
		return err
	}

	rec, refreshErr := e.tokens.Refresh(ctx, e.tenant, e.realm)
	if refreshErr != nil {
		return fmt.Errorf("%w: refresh after 401: %v", ErrToken, refreshErr)
	}
	e.client.SetBearer(rec.AccessToken)

	err = fn()
	if errors.Is(err, ErrUnauthorized) {
		return fmt.Errorf("%w: still unauthorized after refresh", ErrToken)
	}
	return err
}

// applyOptions layers run options over the tenant config.
func applyOptions(cfg company.Config, opts Options) company.Config {
	if opts.SyncMode != "" && cfg.Inventory != nil {
		pol := *cfg.Inventory
		pol.SyncMode = opts.SyncMode
		cfg.Inventory = &pol
	}
	return cfg
}

// groupDocuments groups normalized rows into documents by the tenant's
// grouping strategy and assigns deterministic document numbers.
func groupDocuments(rows []posdata.NormalizedRow, cfg company.Config, targetDate string) ([]document, error) {
	type groupKey struct {
		tender   string
		location string
	}

	byKey := make(map[groupKey]*document)
	for _, row := range rows {
		if row.TxnDate != targetDate {
			return nil, fmt.Errorf("%w: row dated %s in file for %s", ErrConfig, row.TxnDate, targetDate)
		}
		key := groupKey{tender: strings.ToLower(row.Tender)}
		if cfg.Grouping == company.GroupByDateLocationTender {
			key.location = strings.ToLower(row.Location)
		}
		doc, ok := byKey[key]
		if !ok {
			doc = &document{
				Date:     targetDate,
				Tender:   row.Tender,
				Location: row.Location,
			}
			byKey[key] = doc
		}
		doc.Rows = append(doc.Rows, row)
		doc.Total += row.Amount
	}

	docs := make([]document, 0, len(byKey))
	for _, doc := range byKey {
		docs = append(docs, *doc)
	}
	// Stable sequence: sort by (tender, location) so re-runs assign the
	// same numbers to the same groups.
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].Tender != docs[j].Tender {
			return docs[i].Tender < docs[j].Tender
		}
		return docs[i].Location < docs[j].Location
	})

	date, err := time.Parse(DateLayoutISO, targetDate)
	if err != nil {
		return nil, fmt.Errorf("%w: bad target date %q: %v", ErrConfig, targetDate, err)
	}
	for i := range docs {
		docs[i].DocNumber = docNumber(cfg, date, docs[i].Location, i+1)
	}
	return docs, nil
}

// DateLayoutISO is the target-date format used across the pipeline.
const DateLayoutISO = "2006-01-02"

// docNumber computes a deterministic document number:
// prefix + formatted date + optional location code + stable sequence.
func docNumber(cfg company.Config, date time.Time, location string, seq int) string {
	var b strings.Builder
	b.WriteString(cfg.ReceiptPrefix)
	b.WriteString(date.Format(cfg.DateFormat))
	if cfg.Grouping == company.GroupByDateLocationTender && location != "" {
		b.WriteString("-")
		b.WriteString(locationCode(location))
	}
	fmt.Fprintf(&b, "-%d", seq)
	return b.String()
}

// locationCode compresses a location name into a short uppercase tag.
func locationCode(location string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(location) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			if b.Len() >= 4 {
				break
			}
		}
	}
	if b.Len() == 0 {
		return "LOC"
	}
	return b.String()
}
