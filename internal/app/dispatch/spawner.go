package dispatch

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/preciousoreva/oiat/internal/app/domain/run"
)

// ProcessSpawner launches the orchestrator binary as a detached
// subprocess. Crash isolation is the point: the reaper can probe the
// child's PID, and a portal crash leaves a running pipeline untouched.
type ProcessSpawner struct {
	// Binary is the orchestrator executable; defaults to this process's
	// own binary (the CLI hosts both roles).
	Binary string
	// LogDir receives per-job run logs.
	LogDir string
}

func (p ProcessSpawner) Spawn(_ context.Context, job run.Job) (int, string, error) {
	binary := p.Binary
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return 0, "", fmt.Errorf("locate orchestrator binary: %w", err)
		}
		binary = self
	}

	logDir := p.LogDir
	if logDir == "" {
		logDir = filepath.Join("logs", "runs")
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return 0, "", fmt.Errorf("create run log dir: %w", err)
	}
	logPath := filepath.Join(logDir, job.ID+".log")

	args := []string{"run",
		"--tenant", job.Tenant,
		"--job-id", job.ID,
		"--log-file", logPath,
	}
	if job.SingleDate() {
		args = append(args, "--date", job.DateFrom)
	} else {
		args = append(args, "--from", job.DateFrom, "--to", job.DateTo)
	}
	if job.SkipDownload {
		args = append(args, "--skip-download")
	}
	if job.DryRun {
		args = append(args, "--dry-run")
	}

	// Deliberately not CommandContext: the child must outlive the
	// dispatcher's request context. Exit handling goes through the job
	// row, not this process.
	cmd := exec.Command(binary, args...)
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		return 0, "", err
	}
	pid := cmd.Process.Pid

	// Reap the child when it exits so it never zombies; the job row is
	// the source of truth for its outcome.
	go func() { _ = cmd.Wait() }()

	return pid, logPath, nil
}
