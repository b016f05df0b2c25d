package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/preciousoreva/oiat/internal/app/domain/company"
	"github.com/preciousoreva/oiat/internal/posdata"
)

// TransformStats summarises one transformer invocation.
type TransformStats struct {
	RowsIn     int     `json:"rows_in"`
	RowsOut    int     `json:"rows_out"`
	RowsOffDay int     `json:"rows_off_day"`
	Total      float64 `json:"total"`
	TargetDate string  `json:"target_date"`
	Tenant     string  `json:"tenant"`
}

// Transformer maps a single-date raw CSV plus tenant config into the
// normalized document schema. Implementations must be pure: no network,
// no shared state. A failure is fatal for the (tenant, date).
type Transformer interface {
	Transform(rawPath, normalizedPath string, cfg company.Config, targetDate string) (TransformStats, error)
}

// CSVTransformer is the standard implementation: column detection over
// the raw export, business-date filtering, and the normalized schema.
type CSVTransformer struct{}

var _ Transformer = CSVTransformer{}

// Raw export column candidates, first header match wins.
var (
	tenderColumns    = []string{"Tender", "Payment Type", "Payment Method", "Payment"}
	locationColumns  = []string{"Location", "Site", "Store", "Branch"}
	itemColumns      = []string{"Item", "Product", "Product Name", "Description"}
	categoryColumns  = []string{"Category", "Product Category", "Department"}
	quantityColumns  = []string{"Quantity", "Qty", "Units"}
	unitPriceColumns = []string{"Unit Price", "Price", "Item Price"}
	amountColumns    = []string{"Amount", "Total", "Line Total", "Gross", "Value"}
)

func findColumn(header []string, candidates []string) int {
	for _, candidate := range candidates {
		for i, col := range header {
			if strings.EqualFold(strings.TrimSpace(col), candidate) {
				return i
			}
		}
	}
	return -1
}

func field(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func numField(row []string, idx int) (float64, error) {
	value := field(row, idx)
	if value == "" {
		return 0, nil
	}
	value = strings.ReplaceAll(value, ",", "")
	return strconv.ParseFloat(strings.TrimPrefix(value, "£"), 64)
}

// Transform reads the (merged) raw file, keeps rows whose business date
// equals targetDate, and writes the normalized CSV. Off-day rows are
// counted, not errors: the splitter has already date-scoped the file and
// a small residue can appear when the cutoff moved between runs.
func (CSVTransformer) Transform(rawPath, normalizedPath string, cfg company.Config, targetDate string) (TransformStats, error) {
	raw, err := posdata.ReadRaw(rawPath)
	if err != nil {
		return TransformStats{}, fmt.Errorf("transform: %w", err)
	}

	tenderIdx := findColumn(raw.Header, tenderColumns)
	locationIdx := findColumn(raw.Header, locationColumns)
	itemIdx := findColumn(raw.Header, itemColumns)
	categoryIdx := findColumn(raw.Header, categoryColumns)
	quantityIdx := findColumn(raw.Header, quantityColumns)
	unitPriceIdx := findColumn(raw.Header, unitPriceColumns)
	amountIdx := findColumn(raw.Header, amountColumns)
	if amountIdx < 0 {
		return TransformStats{}, fmt.Errorf("transform %s: no amount column among %v", rawPath, raw.Header)
	}

	stats := TransformStats{RowsIn: len(raw.Rows), TargetDate: targetDate, Tenant: cfg.Key}
	var rows []posdata.NormalizedRow

	for i, row := range raw.Rows {
		ts, err := raw.RowTimestamp(row, cfg.Location())
		if err != nil {
			return TransformStats{}, fmt.Errorf("transform %s row %d: %w", rawPath, i+2, err)
		}
		if BusinessDate(cfg, ts) != targetDate {
			stats.RowsOffDay++
			continue
		}

		amount, err := numField(row, amountIdx)
		if err != nil {
			return TransformStats{}, fmt.Errorf("transform %s row %d amount: %w", rawPath, i+2, err)
		}
		quantity, err := numField(row, quantityIdx)
		if err != nil {
			return TransformStats{}, fmt.Errorf("transform %s row %d quantity: %w", rawPath, i+2, err)
		}
		if quantity == 0 {
			quantity = 1
		}
		unitPrice, err := numField(row, unitPriceIdx)
		if err != nil {
			return TransformStats{}, fmt.Errorf("transform %s row %d unit price: %w", rawPath, i+2, err)
		}
		if unitPrice == 0 && quantity != 0 {
			unitPrice = amount / quantity
		}

		tender := field(row, tenderIdx)
		if tender == "" {
			tender = "Card"
		}
		item := field(row, itemIdx)
		if item == "" {
			item = "POS Sale"
		}

		rows = append(rows, posdata.NormalizedRow{
			TxnDate:   targetDate,
			Tender:    tender,
			Location:  field(row, locationIdx),
			Item:      item,
			Category:  field(row, categoryIdx),
			Quantity:  quantity,
			UnitPrice: unitPrice,
			Amount:    amount,
		})
		stats.Total += amount
	}

	if err := posdata.WriteNormalized(normalizedPath, rows); err != nil {
		return TransformStats{}, fmt.Errorf("transform: write %s: %w", normalizedPath, err)
	}
	stats.RowsOut = len(rows)
	return stats, nil
}

// WriteMetadata persists the stats alongside the normalized file; the
// archive step carries it into Uploaded/<date>/.
func (ts TransformStats) WriteMetadata(path string) error {
	data, err := json.MarshalIndent(ts, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
