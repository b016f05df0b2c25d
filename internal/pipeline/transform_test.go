package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/preciousoreva/oiat/internal/app/domain/company"
	"github.com/preciousoreva/oiat/internal/posdata"
)

func TestTransformMapsColumnsAndFilters(t *testing.T) {
	dir := t.TempDir()
	raw := writeRawFile(t, dir, [][]string{
		rawRow("2025-12-27 10:00:00", "Card", "Flat White", 3.5),
		rawRow("2025-12-27 11:00:00", "Cash", "Espresso", 2.5),
		rawRow("2025-12-28 09:00:00", "Card", "Off-day", 9),
	})

	normalized := filepath.Join(dir, "normalized.csv")
	stats, err := CSVTransformer{}.Transform(raw, normalized, splitConfig(), "2025-12-27")
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if stats.RowsIn != 3 || stats.RowsOut != 2 || stats.RowsOffDay != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.Total != 6 {
		t.Fatalf("expected total 6, got %v", stats.Total)
	}

	rows, err := posdata.ReadNormalized(normalized)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rows[0].Item != "Flat White" || rows[0].Tender != "Card" || rows[0].Amount != 3.5 {
		t.Fatalf("unexpected row: %+v", rows[0])
	}
	for _, row := range rows {
		if row.TxnDate != "2025-12-27" {
			t.Fatalf("off-day row leaked: %+v", row)
		}
	}
}

func TestTransformAppliesTradingDayCutoff(t *testing.T) {
	cfg := splitConfig()
	cfg.TradingDay = &company.TradingDay{Enabled: true, CutoffHour: 4}

	dir := t.TempDir()
	raw := writeRawFile(t, dir, [][]string{
		// 01:30 on the 28th trades as the 27th.
		rawRow("2025-12-28 01:30:00", "Card", "Late Night", 5),
	})

	normalized := filepath.Join(dir, "normalized.csv")
	stats, err := CSVTransformer{}.Transform(raw, normalized, cfg, "2025-12-27")
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if stats.RowsOut != 1 {
		t.Fatalf("cutoff row should be kept for the prior date: %+v", stats)
	}
}

func TestTransformRequiresAmountColumn(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "raw.csv")
	if err := posdata.WriteRaw(path, []string{"DateTime", "Tender"},
		[][]string{{"2025-12-27 10:00:00", "Card"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := (CSVTransformer{}).Transform(path, filepath.Join(dir, "n.csv"), splitConfig(), "2025-12-27"); err == nil {
		t.Fatalf("expected missing amount column error")
	}
}

func TestTransformMetadataWritten(t *testing.T) {
	stats := TransformStats{RowsIn: 3, RowsOut: 2, Tenant: "cafe", TargetDate: "2025-12-27", Total: 6}
	path := filepath.Join(t.TempDir(), "transform_metadata.json")
	if err := stats.WriteMetadata(path); err != nil {
		t.Fatalf("write metadata: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got TransformStats
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != stats {
		t.Fatalf("metadata mismatch: %+v", got)
	}
}
