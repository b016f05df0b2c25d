// Package posdata defines the CSV shapes that flow through the pipeline:
// raw POS exports as downloaded, and the normalized document rows the
// transformer hands to the upload engine.
package posdata

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Raw POS exports vary by portal version; the timestamp column is
// located by name from this candidate list, first match wins.
var timestampColumns = []string{"DateTime", "Date/Time", "Transaction Date", "Timestamp", "Date"}

// Timestamp layouts observed in POS exports.
var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"2006-01-02",
}

// RawFile is a parsed raw POS export.
type RawFile struct {
	Header []string
	Rows   [][]string

	timestampIdx int
}

// ReadRaw parses a raw export and locates its timestamp column.
func ReadRaw(path string) (*RawFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s: empty file, expected a header row", path)
	}

	rf := &RawFile{Header: records[0], Rows: records[1:], timestampIdx: -1}
	for i, col := range rf.Header {
		if isTimestampColumn(col) {
			rf.timestampIdx = i
			break
		}
	}
	if rf.timestampIdx < 0 {
		return nil, fmt.Errorf("%s: no timestamp column among %v", path, rf.Header)
	}
	return rf, nil
}

func isTimestampColumn(name string) bool {
	trimmed := strings.TrimSpace(name)
	for _, candidate := range timestampColumns {
		if strings.EqualFold(trimmed, candidate) {
			return true
		}
	}
	return false
}

// RowTimestamp parses the timestamp of one data row.
func (rf *RawFile) RowTimestamp(row []string, loc *time.Location) (time.Time, error) {
	if rf.timestampIdx >= len(row) {
		return time.Time{}, fmt.Errorf("row has %d fields, timestamp column is %d", len(row), rf.timestampIdx)
	}
	value := strings.TrimSpace(row[rf.timestampIdx])
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, value, loc); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", value)
}

// WriteRaw writes a header plus rows as CSV, creating parent directories.
func WriteRaw(path string, header []string, rows [][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		file.Close()
		return err
	}
	for _, row := range rows {
		if err := writer.Write(row); err != nil {
			file.Close()
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// NormalizedHeader is the schema produced by the transformer and read by
// the upload engine.
var NormalizedHeader = []string{
	"txn_date", "tender", "location", "item", "category",
	"quantity", "unit_price", "amount",
}

// NormalizedRow is one sale line scoped to a single business date.
type NormalizedRow struct {
	TxnDate   string // YYYY-MM-DD
	Tender    string
	Location  string
	Item      string
	Category  string
	Quantity  float64
	UnitPrice float64
	Amount    float64
}

// WriteNormalized writes rows in the normalized schema.
func WriteNormalized(path string, rows []NormalizedRow) error {
	records := make([][]string, 0, len(rows))
	for _, row := range rows {
		records = append(records, []string{
			row.TxnDate, row.Tender, row.Location, row.Item, row.Category,
			formatFloat(row.Quantity), formatFloat(row.UnitPrice), formatFloat(row.Amount),
		})
	}
	return WriteRaw(path, NormalizedHeader, records)
}

// ReadNormalized parses a normalized CSV, validating the header.
func ReadNormalized(path string) ([]NormalizedRow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s: empty file, expected a header row", path)
	}
	if !headerMatches(records[0]) {
		return nil, fmt.Errorf("%s: unexpected header %v", path, records[0])
	}

	rows := make([]NormalizedRow, 0, len(records)-1)
	for i, record := range records[1:] {
		if len(record) != len(NormalizedHeader) {
			return nil, fmt.Errorf("%s: row %d has %d fields", path, i+2, len(record))
		}
		qty, err := strconv.ParseFloat(record[5], 64)
		if err != nil {
			return nil, fmt.Errorf("%s: row %d quantity: %w", path, i+2, err)
		}
		unitPrice, err := strconv.ParseFloat(record[6], 64)
		if err != nil {
			return nil, fmt.Errorf("%s: row %d unit_price: %w", path, i+2, err)
		}
		amount, err := strconv.ParseFloat(record[7], 64)
		if err != nil {
			return nil, fmt.Errorf("%s: row %d amount: %w", path, i+2, err)
		}
		rows = append(rows, NormalizedRow{
			TxnDate:   record[0],
			Tender:    record[1],
			Location:  record[2],
			Item:      record[3],
			Category:  record[4],
			Quantity:  qty,
			UnitPrice: unitPrice,
			Amount:    amount,
		})
	}
	return rows, nil
}

func headerMatches(header []string) bool {
	if len(header) != len(NormalizedHeader) {
		return false
	}
	for i, col := range header {
		if !strings.EqualFold(strings.TrimSpace(col), NormalizedHeader[i]) {
			return false
		}
	}
	return true
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// SumAmounts totals the amount column; the source side of reconciliation.
func SumAmounts(rows []NormalizedRow) float64 {
	var total float64
	for _, row := range rows {
		total += row.Amount
	}
	return total
}
