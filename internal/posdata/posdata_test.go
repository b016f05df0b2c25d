package posdata

import (
	"path/filepath"
	"testing"
	"time"
)

func TestReadRawLocatesTimestampColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.csv")
	err := WriteRaw(path,
		[]string{"Tender", "Date/Time", "Amount"},
		[][]string{{"Card", "2025-12-27 10:30:00", "3.50"}})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	raw, err := ReadRaw(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	ts, err := raw.RowTimestamp(raw.Rows[0], time.UTC)
	if err != nil {
		t.Fatalf("timestamp: %v", err)
	}
	if ts.Hour() != 10 || ts.Minute() != 30 {
		t.Fatalf("unexpected timestamp %s", ts)
	}
}

func TestReadRawRejectsMissingTimestamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.csv")
	if err := WriteRaw(path, []string{"Tender", "Amount"}, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadRaw(path); err == nil {
		t.Fatalf("expected missing timestamp column error")
	}
}

func TestNormalizedRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "normalized.csv")
	rows := []NormalizedRow{
		{TxnDate: "2025-12-27", Tender: "Card", Location: "Soho", Item: "Flat White",
			Category: "Coffee", Quantity: 2, UnitPrice: 3.5, Amount: 7},
		{TxnDate: "2025-12-27", Tender: "Cash", Item: "Espresso", Quantity: 1, UnitPrice: 2.5, Amount: 2.5},
	}
	if err := WriteNormalized(path, rows); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ReadNormalized(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if got[0] != rows[0] || got[1] != rows[1] {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if SumAmounts(got) != 9.5 {
		t.Fatalf("expected total 9.5, got %v", SumAmounts(got))
	}
}

func TestReadNormalizedRejectsWrongHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.csv")
	if err := WriteRaw(path, []string{"a", "b"}, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadNormalized(path); err == nil {
		t.Fatalf("expected header rejection")
	}
}
