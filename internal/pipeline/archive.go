package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
)

// archiveSet collects the files to move into Uploaded/<date>/ when a
// date completes. Paths may be empty when the corresponding stage did
// not produce a file.
type archiveSet struct {
	Original   string // raw download, archived once per run
	Split      string
	Combined   string // only when a spill merge happened
	Spill      string
	Normalized string
	Metadata   string
}

// archive moves the date's files under archiveDir/<date>/ with their
// provenance prefixes. Failures here are warnings, not run failures:
// the upload has already completed.
func archive(set archiveSet, archiveDir, date string) error {
	dest := filepath.Join(archiveDir, date)
	if err := os.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	moves := []struct {
		src    string
		prefix string
	}{
		{set.Original, "ORIGINAL_"},
		{set.Split, "RAW_SPLIT_"},
		{set.Combined, "RAW_COMBINED_"},
		{set.Spill, "RAW_SPILL_"},
		{set.Normalized, ""},
		{set.Metadata, ""},
	}
	for _, move := range moves {
		if move.src == "" {
			continue
		}
		target := filepath.Join(dest, move.prefix+filepath.Base(move.src))
		if err := moveFile(move.src, target); err != nil {
			return err
		}
	}
	return nil
}

// moveFile renames, falling back to copy-and-delete across filesystems.
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("archive %s: %w", src, err)
	}
	if err := os.WriteFile(dest, data, 0644); err != nil {
		return fmt.Errorf("archive %s: %w", src, err)
	}
	return os.Remove(src)
}

// removeStaging clears the run's staging directory after every date has
// archived. A failure is logged by the caller, never fatal.
func removeStaging(stagingDir string) error {
	return os.RemoveAll(stagingDir)
}
