package qbo

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/preciousoreva/oiat/internal/app/domain/company"
	"github.com/preciousoreva/oiat/internal/posdata"
)

// prefetch read parallelism; document writes stay strictly serial.
const readConcurrency = 4

// priceDriftThreshold is the smallest unit-price difference worth a
// sparse update in inline sync mode.
const priceDriftThreshold = 0.01

// AccountTriple is the asset/income/COGS account set an Inventory item
// needs, mapped from product category.
type AccountTriple struct {
	Asset  Ref
	Income Ref
	COGS   Ref
}

// LoadCategoryAccounts parses the tenant's mapping CSV:
// category,asset_id,asset_name,income_id,income_name,cogs_id,cogs_name
func LoadCategoryAccounts(path string) (map[string]AccountTriple, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open mapping csv: %v", ErrConfig, err)
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: parse mapping csv %s: %v", ErrConfig, path, err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("%w: mapping csv %s has no data rows", ErrConfig, path)
	}

	out := make(map[string]AccountTriple, len(records)-1)
	for i, record := range records[1:] {
		if len(record) < 7 {
			return nil, fmt.Errorf("%w: mapping csv %s row %d has %d fields, want 7", ErrConfig, path, i+2, len(record))
		}
		category := strings.TrimSpace(record[0])
		out[strings.ToLower(category)] = AccountTriple{
			Asset:  Ref{Value: strings.TrimSpace(record[1]), Name: strings.TrimSpace(record[2])},
			Income: Ref{Value: strings.TrimSpace(record[3]), Name: strings.TrimSpace(record[4])},
			COGS:   Ref{Value: strings.TrimSpace(record[5]), Name: strings.TrimSpace(record[6])},
		}
	}
	return out, nil
}

// itemCatalog is the per-run item map built by one prefetch; per-line
// lookups never touch the network.
type itemCatalog struct {
	mu    sync.Mutex
	items map[string]Item // keyed by lower-cased name
}

func (cat *itemCatalog) get(name string) (Item, bool) {
	cat.mu.Lock()
	defer cat.mu.Unlock()
	item, ok := cat.items[strings.ToLower(name)]
	return item, ok
}

func (cat *itemCatalog) put(item Item) {
	cat.mu.Lock()
	cat.items[strings.ToLower(item.Name)] = item
	cat.mu.Unlock()
}

// uniqueItemNames collects the distinct item names in the run, sorted
// for deterministic query order.
func uniqueItemNames(rows []posdata.NormalizedRow) []string {
	seen := make(map[string]string)
	for _, row := range rows {
		key := strings.ToLower(row.Item)
		if _, ok := seen[key]; !ok {
			seen[key] = row.Item
		}
	}
	names := make([]string, 0, len(seen))
	for _, name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolveItems prefetches every item named in the run (bounded parallel
// reads), creates the missing ones, and applies inline drift patching
// when the sync mode allows. Returns the catalog per-line uploads use.
func (e *Engine) resolveItems(ctx context.Context, rows []posdata.NormalizedRow, cfg company.Config, targetDate string, result *Result) (*itemCatalog, error) {
	pol := cfg.Inventory
	names := uniqueItemNames(rows)
	cat := &itemCatalog{items: make(map[string]Item, len(names))}
	if len(names) == 0 {
		return cat, nil
	}

	var accounts map[string]AccountTriple
	if pol != nil && pol.Enabled {
		var err error
		accounts, err = LoadCategoryAccounts(pol.MappingCSVPath)
		if err != nil {
			return nil, err
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(readConcurrency)
	for start := 0; start < len(names); start += queryChunkSize {
		end := start + queryChunkSize
		if end > len(names) {
			end = len(names)
		}
		chunk := names[start:end]
		group.Go(func() error {
			items, err := e.client.FetchItems(groupCtx, chunk)
			if err != nil {
				return err
			}
			for _, item := range items {
				cat.put(item)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, fmt.Errorf("item prefetch: %w", err)
	}

	// categoryFor maps item name back to its category for account lookup.
	categoryFor := make(map[string]string)
	for _, row := range rows {
		categoryFor[strings.ToLower(row.Item)] = row.Category
	}
	priceFor := make(map[string]float64)
	for _, row := range rows {
		if row.UnitPrice > 0 {
			priceFor[strings.ToLower(row.Item)] = row.UnitPrice
		}
	}

	for _, name := range names {
		existing, found := cat.get(name)
		if !found {
			item, err := e.createItem(ctx, name, categoryFor[strings.ToLower(name)],
				priceFor[strings.ToLower(name)], accounts, cfg, targetDate)
			if err != nil {
				return nil, err
			}
			cat.put(item)
			e.log.Infof("created %s item %q (%s)", item.Type, item.Name, item.ID)
			continue
		}

		if pol == nil || !pol.Enabled || pol.SyncMode != company.SyncInline {
			continue
		}
		if err := e.patchDrift(ctx, existing, priceFor[strings.ToLower(name)], result); err != nil {
			return nil, err
		}
	}
	return cat, nil
}

// createItem creates a missing item: Inventory when the tenant tracks
// inventory (requires a category account mapping), Service otherwise.
func (e *Engine) createItem(ctx context.Context, name, category string, price float64, accounts map[string]AccountTriple, cfg company.Config, targetDate string) (Item, error) {
	pol := cfg.Inventory
	if pol == nil || !pol.Enabled {
		return e.client.CreateItem(ctx, Item{
			Name:      name,
			Type:      ItemService,
			UnitPrice: price,
		})
	}

	triple, ok := accounts[strings.ToLower(category)]
	if !ok {
		return Item{}, fmt.Errorf("%w: no account mapping for category %q (item %q)",
			ErrConfig, category, name)
	}
	return e.client.CreateItem(ctx, Item{
		Name:           name,
		Type:           ItemInventory,
		UnitPrice:      price,
		InvStartDate:   targetDate,
		IncomeAccount:  triple.Income,
		AssetAccount:   triple.Asset,
		ExpenseAccount: triple.COGS,
	})
}

// patchDrift issues a sparse update when the remote price has drifted
// beyond the threshold or the cost is zero/missing while a price exists.
func (e *Engine) patchDrift(ctx context.Context, item Item, sourcePrice float64, result *Result) error {
	if sourcePrice <= 0 {
		return nil
	}
	priceDrifted := abs(item.UnitPrice-sourcePrice) > priceDriftThreshold
	costMissing := item.Type == ItemInventory && item.PurchaseCost == 0
	if !priceDrifted && !costMissing {
		return nil
	}

	cost := item.PurchaseCost
	if costMissing {
		cost = sourcePrice
	}
	if err := e.client.UpdateItemPricing(ctx, item, sourcePrice, cost); err != nil {
		return fmt.Errorf("patch item %q: %w", item.Name, err)
	}
	result.Warnings = append(result.Warnings,
		fmt.Sprintf("patched item %q: price %.2f -> %.2f", item.Name, item.UnitPrice, sourcePrice))
	return nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
