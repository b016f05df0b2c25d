package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/preciousoreva/oiat/internal/app/domain/company"
	"github.com/preciousoreva/oiat/internal/config"
)

// Downloader fetches the raw multi-day POS export for a tenant and date
// window. The headless-browser implementation lives outside this module;
// the orchestrator only depends on this contract.
type Downloader interface {
	Download(ctx context.Context, cfg company.Config, creds config.Credentials, from, to time.Time, destDir string) (string, error)
}

// ScriptDownloader shells out to an external fetcher (the headless
// browser wrapper). The command receives tenant key, window and
// destination; it must print the downloaded file path on stdout.
type ScriptDownloader struct {
	Command string
}

func (d ScriptDownloader) Download(ctx context.Context, cfg company.Config, creds config.Credentials, from, to time.Time, destDir string) (string, error) {
	if strings.TrimSpace(d.Command) == "" {
		return "", fmt.Errorf("no downloader command configured (OIAT_DOWNLOADER_CMD)")
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, d.Command,
		"--tenant", cfg.Key,
		"--from", from.Format(DateLayout),
		"--to", to.Format(DateLayout),
		"--dest", destDir,
	)
	cmd.Env = append(os.Environ(),
		"EPOS_USERNAME="+creds.Username,
		"EPOS_PASSWORD="+creds.Password,
	)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("downloader failed: %w", err)
	}

	path := strings.TrimSpace(string(out))
	if path == "" {
		return "", fmt.Errorf("downloader printed no file path")
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("downloader output %s: %w", path, err)
	}
	return path, nil
}

// StaticDownloader serves a pre-fetched file; used by tests and by
// operators replaying a manual export.
type StaticDownloader struct {
	Path string
}

func (d StaticDownloader) Download(_ context.Context, cfg company.Config, _ config.Credentials, _, _ time.Time, destDir string) (string, error) {
	if _, err := os.Stat(d.Path); err != nil {
		return "", err
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", err
	}
	dest := filepath.Join(destDir, filepath.Base(d.Path))
	if dest == d.Path {
		return d.Path, nil
	}
	data, err := os.ReadFile(d.Path)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(dest, data, 0644); err != nil {
		return "", err
	}
	return dest, nil
}
