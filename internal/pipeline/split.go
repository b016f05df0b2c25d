package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/preciousoreva/oiat/internal/app/domain/company"
	"github.com/preciousoreva/oiat/internal/posdata"
	"github.com/preciousoreva/oiat/pkg/logger"
)

// DateLayout is the canonical business-date format used in filenames,
// artifacts and remote queries.
const DateLayout = "2006-01-02"

// SpillFileName returns the retained-rows filename for a date.
func SpillFileName(date string) string {
	return "BookKeeping_raw_spill_" + date + ".csv"
}

// SplitFileName returns the per-date staging filename.
func SplitFileName(date string) string {
	return "BookKeeping_" + date + ".csv"
}

// SplitResult accounts for every row of the raw download: each row lands
// in exactly one split file, one spill file, or the past-drop count.
type SplitResult struct {
	RowsIn int

	// SplitFiles maps each requested date to its staging file. Dates
	// with no rows still get an entry with an empty (header-only) file.
	SplitFiles map[string]string
	SplitRows  map[string]int

	// SpillFiles maps future dates to retained spill files.
	SpillFiles map[string]string
	SpillRows  map[string]int

	PastDropped int
}

// Splitter assigns raw rows to business dates and persists split and
// spill files.
type Splitter struct {
	cfg        company.Config
	stagingDir string
	spillDir   string
	log        *logger.Logger
}

// NewSplitter creates a splitter for one tenant. stagingDir receives the
// per-date split files for the current run; spillDir is the tenant's
// durable spill area.
func NewSplitter(cfg company.Config, stagingDir, spillDir string, log *logger.Logger) *Splitter {
	if log == nil {
		log = logger.NewDefault("split")
	}
	return &Splitter{cfg: cfg, stagingDir: stagingDir, spillDir: spillDir, log: log}
}

// BusinessDate converts a row timestamp to its business date, applying
// the tenant's trading-day cutoff when enabled. A row at exactly the
// cutoff belongs to the current calendar date; strictly before it shifts
// back one day.
func BusinessDate(cfg company.Config, ts time.Time) string {
	local := ts.In(cfg.Location())
	if td := cfg.TradingDay; td != nil && td.Enabled {
		cutoff := td.CutoffHour*60 + td.CutoffMinute
		if local.Hour()*60+local.Minute() < cutoff {
			local = local.AddDate(0, 0, -1)
		}
	}
	return local.Format(DateLayout)
}

func (s *Splitter) assignDate(ts time.Time) string {
	return BusinessDate(s.cfg, ts)
}

// Split reads the raw download and writes one staging file per requested
// date plus spill files for dates beyond `to`. Rows before `from` are
// dropped as belonging to prior runs.
func (s *Splitter) Split(rawPath string, from, to time.Time) (*SplitResult, error) {
	raw, err := posdata.ReadRaw(rawPath)
	if err != nil {
		return nil, fmt.Errorf("split %s: %w", rawPath, err)
	}

	fromDate := from.Format(DateLayout)
	toDate := to.Format(DateLayout)

	byDate := make(map[string][][]string)
	result := &SplitResult{
		RowsIn:     len(raw.Rows),
		SplitFiles: make(map[string]string),
		SplitRows:  make(map[string]int),
		SpillFiles: make(map[string]string),
		SpillRows:  make(map[string]int),
	}

	for i, row := range raw.Rows {
		ts, err := raw.RowTimestamp(row, s.cfg.Location())
		if err != nil {
			return nil, fmt.Errorf("split %s row %d: %w", rawPath, i+2, err)
		}
		date := s.assignDate(ts)
		switch {
		case date < fromDate:
			result.PastDropped++
			s.log.Warnf("past drop: row %d dated %s precedes window start %s", i+2, date, fromDate)
		default:
			byDate[date] = append(byDate[date], row)
		}
	}

	// Requested dates, present or not, get a split file so empty days
	// flow through the pipeline with zero counts.
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		date := d.Format(DateLayout)
		path := filepath.Join(s.stagingDir, SplitFileName(date))
		if err := posdata.WriteRaw(path, raw.Header, byDate[date]); err != nil {
			return nil, fmt.Errorf("write split file for %s: %w", date, err)
		}
		result.SplitFiles[date] = path
		result.SplitRows[date] = len(byDate[date])
	}

	// Dates beyond the window become spill.
	var spillDates []string
	for date := range byDate {
		if date > toDate {
			spillDates = append(spillDates, date)
		}
	}
	sort.Strings(spillDates)
	for _, date := range spillDates {
		path, rows, err := s.writeSpill(date, raw.Header, byDate[date])
		if err != nil {
			return nil, err
		}
		result.SpillFiles[date] = path
		result.SpillRows[date] = rows
	}

	return result, nil
}

// writeSpill persists future-dated rows. Spill files are never modified
// in place: when a retained file already exists for the date, its rows
// are folded together with the new ones into a replacement written via
// temp-and-rename.
func (s *Splitter) writeSpill(date string, header []string, rows [][]string) (string, int, error) {
	path := filepath.Join(s.spillDir, s.cfg.Key, SpillFileName(date))

	if existing, err := posdata.ReadRaw(path); err == nil {
		rows = append(existing.Rows, rows...)
	} else if !os.IsNotExist(err) {
		return "", 0, fmt.Errorf("read existing spill for %s: %w", date, err)
	}

	tmp := path + ".tmp"
	if err := posdata.WriteRaw(tmp, header, rows); err != nil {
		return "", 0, fmt.Errorf("write spill for %s: %w", date, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", 0, fmt.Errorf("replace spill for %s: %w", date, err)
	}
	return path, len(rows), nil
}

// SpillPath returns the spill file location for a date, and whether it
// exists.
func (s *Splitter) SpillPath(date string) (string, bool) {
	path := filepath.Join(s.spillDir, s.cfg.Key, SpillFileName(date))
	if _, err := os.Stat(path); err != nil {
		return path, false
	}
	return path, true
}

// MergeResult reports the row arithmetic of a spill merge.
type MergeResult struct {
	CombinedPath string
	TargetRows   int
	SpillRows    int
	FinalRows    int
	SpillPath    string // empty when no spill existed
}

// MergeSpill concatenates the split file for a date with its retained
// spill file (header once) into a combined staging file. The spill file
// itself is left untouched; it is archived only after the date completes
// successfully, so a downstream failure lets the next attempt re-merge.
func (s *Splitter) MergeSpill(date, splitPath string) (*MergeResult, error) {
	split, err := posdata.ReadRaw(splitPath)
	if err != nil {
		return nil, fmt.Errorf("merge %s: read split: %w", date, err)
	}

	result := &MergeResult{
		CombinedPath: splitPath,
		TargetRows:   len(split.Rows),
		FinalRows:    len(split.Rows),
	}

	spillPath, ok := s.SpillPath(date)
	if !ok {
		return result, nil
	}

	spill, err := posdata.ReadRaw(spillPath)
	if err != nil {
		return nil, fmt.Errorf("merge %s: read spill: %w", date, err)
	}

	combined := filepath.Join(s.stagingDir, "BookKeeping_combined_"+date+".csv")
	rows := append(append([][]string{}, split.Rows...), spill.Rows...)
	if err := posdata.WriteRaw(combined, split.Header, rows); err != nil {
		return nil, fmt.Errorf("merge %s: write combined: %w", date, err)
	}

	result.CombinedPath = combined
	result.SpillRows = len(spill.Rows)
	result.FinalRows = len(rows)
	result.SpillPath = spillPath
	return result, nil
}
