// Package qbo talks to the remote accounting service: OAuth2-bearer REST
// with query, create and lookup shapes, plus the idempotent upload
// engine built on top of them.
package qbo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/preciousoreva/oiat/pkg/logger"
)

const (
	defaultBaseURL = "https://quickbooks.api.intuit.com"
	queryChunkSize = 40
	maxBodyBytes   = 4 << 20

	readRetries      = 3
	readBackoffBase  = 400 * time.Millisecond
)

// Client is a realm-scoped HTTP client for the accounting API.
type Client struct {
	baseURL    string
	realm      string
	httpClient *http.Client
	log        *logger.Logger

	mu     sync.RWMutex
	bearer string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL points the client at a different host (tests, sandbox).
func WithBaseURL(base string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(base, "/") }
}

// WithHTTPClient swaps the underlying transport.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithClientLogger attaches a logger.
func WithClientLogger(log *logger.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a client for one realm.
func NewClient(realm string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		realm:      realm,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.NewDefault("qbo")
	}
	return c
}

// SetBearer installs the access token used for subsequent requests.
func (c *Client) SetBearer(token string) {
	c.mu.Lock()
	c.bearer = token
	c.mu.Unlock()
}

func (c *Client) bearerToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bearer
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	u := c.baseURL + "/v3/company/" + c.realm + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var lastErr error
	attempts := 1
	if method == http.MethodGet {
		attempts = readRetries
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(readBackoffBase << (attempt - 1)):
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.bearerToken())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%w: %s %s: %v", ErrNetwork, method, path, err)
			continue
		}
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("%w: read response: %v", ErrNetwork, readErr)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return nil, fmt.Errorf("%w: %s %s", ErrUnauthorized, method, path)
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("%w: %s %s: status %d", ErrNetwork, method, path, resp.StatusCode)
			continue
		case resp.StatusCode >= 400:
			return nil, faultError(data, resp.StatusCode)
		}
		return data, nil
	}
	return nil, lastErr
}

// faultError decodes the remote's Fault envelope into a ValidationError.
func faultError(data []byte, status int) error {
	fault := gjson.GetBytes(data, "Fault.Error.0")
	if !fault.Exists() {
		return &ValidationError{Code: fmt.Sprint(status), Message: strings.TrimSpace(string(data))}
	}
	msg := fault.Get("Detail").String()
	if msg == "" {
		msg = fault.Get("Message").String()
	}
	return &ValidationError{
		Code:    fault.Get("code").String(),
		Message: msg,
	}
}

// Query runs one SQL-ish query and returns the QueryResponse node.
func (c *Client) Query(ctx context.Context, q string) (gjson.Result, error) {
	data, err := c.do(ctx, http.MethodGet, "/query", url.Values{"query": {q}}, nil)
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.GetBytes(data, "QueryResponse"), nil
}

// escapeLiteral escapes single quotes for query string literals.
func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", `\'`)
}

func inClause(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, v := range values {
		quoted = append(quoted, "'"+escapeLiteral(v)+"'")
	}
	return "(" + strings.Join(quoted, ", ") + ")"
}

// FindReceipts bulk-queries existing documents by number, chunked to
// keep the query length within remote limits.
func (c *Client) FindReceipts(ctx context.Context, docNumbers []string) ([]RemoteReceipt, error) {
	var out []RemoteReceipt
	for start := 0; start < len(docNumbers); start += queryChunkSize {
		end := start + queryChunkSize
		if end > len(docNumbers) {
			end = len(docNumbers)
		}
		q := "SELECT Id, DocNumber, TxnDate, TotalAmt FROM SalesReceipt WHERE DocNumber IN " +
			inClause(docNumbers[start:end])
		resp, err := c.Query(ctx, q)
		if err != nil {
			return nil, err
		}
		resp.Get("SalesReceipt").ForEach(func(_, receipt gjson.Result) bool {
			out = append(out, RemoteReceipt{
				ID:        receipt.Get("Id").String(),
				DocNumber: receipt.Get("DocNumber").String(),
				TxnDate:   receipt.Get("TxnDate").String(),
				TotalAmt:  receipt.Get("TotalAmt").Float(),
			})
			return true
		})
	}
	return out, nil
}

// ReceiptsForDate returns every document on a transaction date.
func (c *Client) ReceiptsForDate(ctx context.Context, date string) ([]RemoteReceipt, error) {
	q := "SELECT Id, DocNumber, TxnDate, TotalAmt FROM SalesReceipt WHERE TxnDate = '" +
		escapeLiteral(date) + "' MAXRESULTS 1000"
	resp, err := c.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	var out []RemoteReceipt
	resp.Get("SalesReceipt").ForEach(func(_, receipt gjson.Result) bool {
		out = append(out, RemoteReceipt{
			ID:        receipt.Get("Id").String(),
			DocNumber: receipt.Get("DocNumber").String(),
			TxnDate:   receipt.Get("TxnDate").String(),
			TotalAmt:  receipt.Get("TotalAmt").Float(),
		})
		return true
	})
	return out, nil
}

// CreateSalesReceipt posts one document.
func (c *Client) CreateSalesReceipt(ctx context.Context, receipt SalesReceipt) (CreatedReceipt, error) {
	body, err := json.Marshal(receipt)
	if err != nil {
		return CreatedReceipt{}, err
	}
	data, err := c.do(ctx, http.MethodPost, "/salesreceipt", nil, body)
	if err != nil {
		if vErr, ok := err.(*ValidationError); ok {
			vErr.Doc = receipt.DocNumber
		}
		return CreatedReceipt{}, err
	}

	created := CreatedReceipt{
		ID:        gjson.GetBytes(data, "SalesReceipt.Id").String(),
		DocNumber: gjson.GetBytes(data, "SalesReceipt.DocNumber").String(),
		TotalAmt:  gjson.GetBytes(data, "SalesReceipt.TotalAmt").Float(),
	}
	gjson.GetBytes(data, "Warnings").ForEach(func(_, warning gjson.Result) bool {
		created.Warnings = append(created.Warnings, warning.Get("Message").String())
		return true
	})
	return created, nil
}

func itemFromJSON(node gjson.Result) Item {
	return Item{
		ID:           node.Get("Id").String(),
		Name:         node.Get("Name").String(),
		Type:         ItemType(node.Get("Type").String()),
		UnitPrice:    node.Get("UnitPrice").Float(),
		PurchaseCost: node.Get("PurchaseCost").Float(),
		InvStartDate: node.Get("InvStartDate").String(),
		SyncToken:    node.Get("SyncToken").String(),
		IncomeAccount: Ref{
			Value: node.Get("IncomeAccountRef.value").String(),
			Name:  node.Get("IncomeAccountRef.name").String(),
		},
		AssetAccount: Ref{
			Value: node.Get("AssetAccountRef.value").String(),
			Name:  node.Get("AssetAccountRef.name").String(),
		},
		ExpenseAccount: Ref{
			Value: node.Get("ExpenseAccountRef.value").String(),
			Name:  node.Get("ExpenseAccountRef.name").String(),
		},
	}
}

// FetchItems bulk-queries items by name, chunked.
func (c *Client) FetchItems(ctx context.Context, names []string) ([]Item, error) {
	var out []Item
	for start := 0; start < len(names); start += queryChunkSize {
		end := start + queryChunkSize
		if end > len(names) {
			end = len(names)
		}
		q := "SELECT * FROM Item WHERE Name IN " + inClause(names[start:end])
		resp, err := c.Query(ctx, q)
		if err != nil {
			return nil, err
		}
		resp.Get("Item").ForEach(func(_, node gjson.Result) bool {
			// A null list would otherwise yield one empty item.
			if node.IsObject() {
				out = append(out, itemFromJSON(node))
			}
			return true
		})
	}
	return out, nil
}

// CreateItem creates a Service or Inventory item.
func (c *Client) CreateItem(ctx context.Context, item Item) (Item, error) {
	payload := map[string]any{
		"Name": item.Name,
		"Type": string(item.Type),
	}
	if item.UnitPrice != 0 {
		payload["UnitPrice"] = item.UnitPrice
	}
	if item.IncomeAccount.Value != "" {
		payload["IncomeAccountRef"] = item.IncomeAccount
	}
	if item.Type == ItemInventory {
		payload["TrackQtyOnHand"] = true
		payload["QtyOnHand"] = 0
		payload["InvStartDate"] = item.InvStartDate
		payload["AssetAccountRef"] = item.AssetAccount
		payload["ExpenseAccountRef"] = item.ExpenseAccount
		if item.PurchaseCost != 0 {
			payload["PurchaseCost"] = item.PurchaseCost
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Item{}, err
	}
	data, err := c.do(ctx, http.MethodPost, "/item", nil, body)
	if err != nil {
		return Item{}, err
	}
	return itemFromJSON(gjson.GetBytes(data, "Item")), nil
}

// UpdateItemPricing issues a sparse update for price/cost drift.
func (c *Client) UpdateItemPricing(ctx context.Context, item Item, price, cost float64) error {
	payload := map[string]any{
		"Id":        item.ID,
		"SyncToken": item.SyncToken,
		"sparse":    true,
		"UnitPrice": price,
	}
	if cost != 0 {
		payload["PurchaseCost"] = cost
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPost, "/item", nil, body)
	return err
}
