package qbo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/preciousoreva/oiat/internal/app/domain/company"
	"github.com/preciousoreva/oiat/internal/app/domain/run"
	"github.com/preciousoreva/oiat/internal/ledger"
	"github.com/preciousoreva/oiat/internal/posdata"
	"github.com/preciousoreva/oiat/internal/qbo/tokens"
)

// fakeRemote is an in-memory accounting service good enough for the
// query/create/lookup shapes the engine uses.
type fakeRemote struct {
	mu       sync.Mutex
	receipts map[string]RemoteReceipt // by doc number
	items    map[string]Item          // by lower name
	nextID   int

	createPosts  atomic.Int64
	itemPosts    atomic.Int64
	failWith401  atomic.Int64 // decremented per request while positive
	validBearers map[string]bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		receipts:     make(map[string]RemoteReceipt),
		items:        make(map[string]Item),
		validBearers: map[string]bool{"access-0": true},
	}
}

var inClauseRe = regexp.MustCompile(`IN \(([^)]*)\)`)
var txnDateRe = regexp.MustCompile(`TxnDate = '([^']*)'`)

func parseInClause(query string) []string {
	m := inClauseRe.FindStringSubmatch(query)
	if m == nil {
		return nil
	}
	parts := strings.Split(m[1], ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, strings.Trim(strings.TrimSpace(part), "'"))
	}
	return out
}

func (f *fakeRemote) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/company/", func(w http.ResponseWriter, r *http.Request) {
		if f.failWith401.Load() > 0 {
			f.failWith401.Add(-1)
			http.Error(w, `{"Fault":{"Error":[{"code":"3200","Message":"token expired"}]}}`, http.StatusUnauthorized)
			return
		}
		bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		f.mu.Lock()
		okBearer := f.validBearers[bearer]
		f.mu.Unlock()
		if !okBearer {
			http.Error(w, `{"Fault":{"Error":[{"code":"3200","Message":"bad token"}]}}`, http.StatusUnauthorized)
			return
		}

		switch {
		case strings.HasSuffix(r.URL.Path, "/query"):
			f.handleQuery(w, r)
		case strings.HasSuffix(r.URL.Path, "/salesreceipt"):
			f.handleCreateReceipt(w, r)
		case strings.HasSuffix(r.URL.Path, "/item"):
			f.handleItemPost(w, r)
		default:
			http.NotFound(w, r)
		}
	})
	return mux
}

func (f *fakeRemote) handleQuery(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	f.mu.Lock()
	defer f.mu.Unlock()

	resp := map[string]any{}
	switch {
	case strings.Contains(query, "FROM SalesReceipt") && strings.Contains(query, "DocNumber IN"):
		var found []map[string]any
		for _, doc := range parseInClause(query) {
			if receipt, ok := f.receipts[doc]; ok {
				found = append(found, map[string]any{
					"Id": receipt.ID, "DocNumber": receipt.DocNumber,
					"TxnDate": receipt.TxnDate, "TotalAmt": receipt.TotalAmt,
				})
			}
		}
		resp["SalesReceipt"] = found
	case strings.Contains(query, "FROM SalesReceipt"):
		m := txnDateRe.FindStringSubmatch(query)
		var found []map[string]any
		for _, receipt := range f.receipts {
			if m != nil && receipt.TxnDate == m[1] {
				found = append(found, map[string]any{
					"Id": receipt.ID, "DocNumber": receipt.DocNumber,
					"TxnDate": receipt.TxnDate, "TotalAmt": receipt.TotalAmt,
				})
			}
		}
		resp["SalesReceipt"] = found
	case strings.Contains(query, "FROM Item"):
		var found []map[string]any
		for _, name := range parseInClause(query) {
			if item, ok := f.items[strings.ToLower(name)]; ok {
				found = append(found, map[string]any{
					"Id": item.ID, "Name": item.Name, "Type": string(item.Type),
					"UnitPrice": item.UnitPrice, "PurchaseCost": item.PurchaseCost,
					"InvStartDate": item.InvStartDate, "SyncToken": item.SyncToken,
				})
			}
		}
		resp["Item"] = found
	}
	json.NewEncoder(w).Encode(map[string]any{"QueryResponse": resp})
}

func (f *fakeRemote) handleCreateReceipt(w http.ResponseWriter, r *http.Request) {
	f.createPosts.Add(1)
	var receipt SalesReceipt
	if err := json.NewDecoder(r.Body).Decode(&receipt); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.receipts[receipt.DocNumber]; exists {
		http.Error(w, `{"Fault":{"Error":[{"code":"6140","Message":"Duplicate Document Number"}]}}`, http.StatusBadRequest)
		return
	}
	f.nextID++
	var total float64
	for _, line := range receipt.Lines {
		total += line.Amount
	}
	stored := RemoteReceipt{
		ID:        fmt.Sprint(f.nextID),
		DocNumber: receipt.DocNumber,
		TxnDate:   receipt.TxnDate,
		TotalAmt:  total,
	}
	f.receipts[receipt.DocNumber] = stored
	json.NewEncoder(w).Encode(map[string]any{"SalesReceipt": map[string]any{
		"Id": stored.ID, "DocNumber": stored.DocNumber, "TotalAmt": stored.TotalAmt,
	}})
}

func (f *fakeRemote) handleItemPost(w http.ResponseWriter, r *http.Request) {
	f.itemPosts.Add(1)
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if sparse, _ := payload["sparse"].(bool); sparse {
		id, _ := payload["Id"].(string)
		for key, item := range f.items {
			if item.ID == id {
				if price, ok := payload["UnitPrice"].(float64); ok {
					item.UnitPrice = price
				}
				if cost, ok := payload["PurchaseCost"].(float64); ok {
					item.PurchaseCost = cost
				}
				f.items[key] = item
				json.NewEncoder(w).Encode(map[string]any{"Item": map[string]any{
					"Id": item.ID, "Name": item.Name, "Type": string(item.Type),
				}})
				return
			}
		}
		http.Error(w, `{"Fault":{"Error":[{"code":"610","Message":"Object Not Found"}]}}`, http.StatusBadRequest)
		return
	}

	f.nextID++
	name, _ := payload["Name"].(string)
	itemType, _ := payload["Type"].(string)
	price, _ := payload["UnitPrice"].(float64)
	item := Item{
		ID:        fmt.Sprint(f.nextID),
		Name:      name,
		Type:      ItemType(itemType),
		UnitPrice: price,
	}
	if start, ok := payload["InvStartDate"].(string); ok {
		item.InvStartDate = start
	}
	f.items[strings.ToLower(name)] = item
	json.NewEncoder(w).Encode(map[string]any{"Item": map[string]any{
		"Id": item.ID, "Name": item.Name, "Type": string(item.Type),
		"UnitPrice": item.UnitPrice, "InvStartDate": item.InvStartDate,
	}})
}

// fixture wires an engine against the fake remote and a real token store
// backed by a fake OAuth endpoint.
type fixture struct {
	engine *Engine
	remote *fakeRemote
	ledger *ledger.Ledger
	tokens *tokens.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	remote := newFakeRemote()
	remoteServer := httptest.NewServer(remote.handler())
	t.Cleanup(remoteServer.Close)

	var refreshCount atomic.Int64
	oauthServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := refreshCount.Add(1)
		bearer := fmt.Sprintf("access-r%d", n)
		remote.mu.Lock()
		remote.validBearers[bearer] = true
		remote.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":%q,"refresh_token":"refresh-1","token_type":"bearer","expires_in":3600}`, bearer)
	}))
	t.Cleanup(oauthServer.Close)

	tokenStore, err := tokens.Open(filepath.Join(t.TempDir(), "qbo_tokens.sqlite"),
		"id", "secret", tokens.WithEndpoint(oauth2.Endpoint{TokenURL: oauthServer.URL}))
	if err != nil {
		t.Fatalf("token store: %v", err)
	}
	t.Cleanup(func() { tokenStore.Close() })
	if err := tokenStore.StoreFromOAuth(context.Background(), "cafe", "12345",
		"access-0", "refresh-0", time.Hour, "sandbox"); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	led, err := ledger.Open(filepath.Join(t.TempDir(), "uploaded_docnumbers.json"))
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}

	client := NewClient("12345", WithBaseURL(remoteServer.URL))
	return &fixture{
		engine: NewEngine(client, tokenStore, led, "cafe", "12345", nil),
		remote: remote,
		ledger: led,
		tokens: tokenStore,
	}
}

func testConfig() company.Config {
	cfg := company.Config{
		Key:           "cafe",
		RealmID:       "12345",
		ReceiptPrefix: "CAFE",
		Timezone:      "UTC",
	}
	cfg.Normalize()
	return cfg
}

func writeNormalized(t *testing.T, rows []posdata.NormalizedRow) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "normalized.csv")
	if err := posdata.WriteNormalized(path, rows); err != nil {
		t.Fatalf("write normalized: %v", err)
	}
	return path
}

func sampleRows(date string) []posdata.NormalizedRow {
	return []posdata.NormalizedRow{
		{TxnDate: date, Tender: "Card", Item: "Flat White", Quantity: 2, UnitPrice: 3.5, Amount: 7},
		{TxnDate: date, Tender: "Card", Item: "Espresso", Quantity: 1, UnitPrice: 2.5, Amount: 2.5},
		{TxnDate: date, Tender: "Cash", Item: "Flat White", Quantity: 1, UnitPrice: 3.5, Amount: 3.5},
	}
}

func TestUploadHappyPath(t *testing.T) {
	fx := newFixture(t)
	path := writeNormalized(t, sampleRows("2025-12-27"))

	result, err := fx.engine.Upload(context.Background(), path, testConfig(), "2025-12-27", Options{})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if result.Created != 2 || result.Failed != 0 || result.SkippedDup != 0 {
		t.Fatalf("unexpected counts: %+v", result)
	}
	if result.Reconcile != run.ReconcileMatch {
		t.Fatalf("expected match, got %s (source %.2f remote %.2f)",
			result.Reconcile, result.SourceTotal, result.RemoteTotal)
	}
	for _, doc := range result.CreatedDocs {
		if !fx.ledger.Contains(doc) {
			t.Fatalf("created doc %s missing from ledger", doc)
		}
	}
	// Grouping by tender: Card and Cash, deterministic numbers.
	if result.CreatedDocs[0] != "CAFE20251227-1" || result.CreatedDocs[1] != "CAFE20251227-2" {
		t.Fatalf("unexpected doc numbers: %v", result.CreatedDocs)
	}
}

func TestUploadIdempotentRerun(t *testing.T) {
	fx := newFixture(t)
	path := writeNormalized(t, sampleRows("2025-12-27"))
	cfg := testConfig()

	first, err := fx.engine.Upload(context.Background(), path, cfg, "2025-12-27", Options{})
	if err != nil {
		t.Fatalf("first upload: %v", err)
	}
	before := fx.ledger.Snapshot()
	postsBefore := fx.remote.createPosts.Load()

	second, err := fx.engine.Upload(context.Background(), path, cfg, "2025-12-27", Options{})
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}
	if fx.remote.createPosts.Load() != postsBefore {
		t.Fatalf("re-run issued document POSTs")
	}
	if second.Created != 0 || second.SkippedDup != first.Created {
		t.Fatalf("unexpected re-run counts: %+v", second)
	}
	if second.Reconcile != run.ReconcileMatch {
		t.Fatalf("re-run reconcile %s", second.Reconcile)
	}
	after := fx.ledger.Snapshot()
	if len(before) != len(after) {
		t.Fatalf("ledger changed on re-run: %v vs %v", before, after)
	}
}

func TestUploadHealsStaleLedger(t *testing.T) {
	fx := newFixture(t)
	path := writeNormalized(t, sampleRows("2025-12-27"))
	cfg := testConfig()

	// Seed a ledger entry for a document the remote does not hold.
	if err := fx.ledger.Add("CAFE20251227-1"); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	result, err := fx.engine.Upload(context.Background(), path, cfg, "2025-12-27", Options{})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if len(result.StaleHealed) != 1 || result.StaleHealed[0] != "CAFE20251227-1" {
		t.Fatalf("expected stale entry healed, got %v", result.StaleHealed)
	}
	if result.Created != 2 {
		t.Fatalf("expected healed doc re-created, got %+v", result)
	}
	if !fx.ledger.Contains("CAFE20251227-1") {
		t.Fatalf("re-created doc missing from ledger")
	}
}

func TestUploadRefreshesOn401MidRun(t *testing.T) {
	fx := newFixture(t)
	path := writeNormalized(t, sampleRows("2025-12-27"))

	// Exactly one request sees a 401; the engine must refresh and retry
	// without duplicating any document.
	fx.remote.failWith401.Store(1)

	result, err := fx.engine.Upload(context.Background(), path, testConfig(), "2025-12-27", Options{})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if result.Created != 2 {
		t.Fatalf("expected both docs created, got %+v", result)
	}
	if n := len(fx.remote.receipts); n != 2 {
		t.Fatalf("expected 2 remote docs, got %d", n)
	}
}

func TestUploadEmptyFileMatches(t *testing.T) {
	fx := newFixture(t)
	path := writeNormalized(t, nil)

	result, err := fx.engine.Upload(context.Background(), path, testConfig(), "2025-12-27", Options{})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if result.Attempted != 0 || result.Created != 0 {
		t.Fatalf("expected zero counts, got %+v", result)
	}
	if result.Reconcile != run.ReconcileMatch {
		t.Fatalf("empty day must reconcile as match, got %s", result.Reconcile)
	}
}

func TestUploadDryRunIssuesNoWrites(t *testing.T) {
	fx := newFixture(t)
	path := writeNormalized(t, sampleRows("2025-12-27"))

	result, err := fx.engine.Upload(context.Background(), path, testConfig(), "2025-12-27", Options{DryRun: true})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if fx.remote.createPosts.Load() != 0 || fx.remote.itemPosts.Load() != 0 {
		t.Fatalf("dry run issued remote writes")
	}
	if result.Created != 0 {
		t.Fatalf("dry run reported creations: %+v", result)
	}
	if fx.ledger.Len() != 0 {
		t.Fatalf("dry run wrote to ledger")
	}
}

func TestGroupDocumentsByDateLocationTender(t *testing.T) {
	cfg := testConfig()
	cfg.Grouping = company.GroupByDateLocationTender

	rows := []posdata.NormalizedRow{
		{TxnDate: "2025-12-27", Tender: "Card", Location: "Soho", Item: "A", Amount: 1},
		{TxnDate: "2025-12-27", Tender: "Card", Location: "Bank", Item: "B", Amount: 2},
		{TxnDate: "2025-12-27", Tender: "Card", Location: "Soho", Item: "C", Amount: 3},
	}
	docs, err := groupDocuments(rows, cfg, "2025-12-27")
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 docs, got %d", len(docs))
	}
	if docs[0].DocNumber != "CAFE20251227-BANK-1" {
		t.Fatalf("unexpected doc number %s", docs[0].DocNumber)
	}
	if docs[1].DocNumber != "CAFE20251227-SOHO-2" {
		t.Fatalf("unexpected doc number %s", docs[1].DocNumber)
	}
}

func TestGroupDocumentsRejectsOffDateRows(t *testing.T) {
	rows := []posdata.NormalizedRow{
		{TxnDate: "2025-12-28", Tender: "Card", Item: "A", Amount: 1},
	}
	if _, err := groupDocuments(rows, testConfig(), "2025-12-27"); err == nil {
		t.Fatalf("expected off-date row rejection")
	}
}
