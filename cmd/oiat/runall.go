package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/preciousoreva/oiat/internal/app/domain/company"
	"github.com/preciousoreva/oiat/internal/app/domain/run"
	"github.com/preciousoreva/oiat/internal/config"
	"github.com/preciousoreva/oiat/internal/runlock"
	"github.com/preciousoreva/oiat/pkg/logger"
)

func newRunAllCmd() *cobra.Command {
	var flags runFlags
	var tenants []string
	cmd := &cobra.Command{
		Use:   "run-all",
		Short: "Run the pipeline for every configured tenant, fail-fast",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAll(cmd, flags, tenants)
		},
	}
	cmd.Flags().StringVar(&flags.date, "date", "", "single target date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&flags.from, "from", "", "range start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&flags.to, "to", "", "range end (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&flags.skipDownload, "skip-download", false, "reuse prior split files in staging")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "stop before any remote write")
	cmd.Flags().StringSliceVar(&tenants, "tenants", nil, "restrict to these company keys")
	return cmd
}

func runAll(cmd *cobra.Command, flags runFlags, only []string) error {
	ctx := cmd.Context()
	from, to, err := parseWindow(flags)
	if err != nil {
		return &exitError{code: run.ExitLockBlocked, err: err}
	}

	log := logger.NewDefault("oiat")
	baseDir, _ := cmd.Flags().GetString("base-dir")

	store, db, err := openPortalStore(ctx, cmd)
	if err != nil {
		return &exitError{code: run.ExitFailure, err: err}
	}
	if db != nil {
		defer db.Close()
	}

	var companies []company.Config
	if store != nil {
		companies, err = store.ListCompanies(ctx)
		if err != nil {
			return &exitError{code: run.ExitFailure, err: err}
		}
	} else {
		configDir, _ := cmd.Flags().GetString("config-dir")
		byKey, err := config.LoadCompanyDir(configDir)
		if err != nil {
			return &exitError{code: run.ExitFailure, err: err}
		}
		for _, cfg := range byKey {
			companies = append(companies, cfg)
		}
	}

	if len(only) > 0 {
		keep := make(map[string]bool, len(only))
		for _, key := range only {
			keep[key] = true
		}
		var filtered []company.Config
		for _, cfg := range companies {
			if keep[cfg.Key] {
				filtered = append(filtered, cfg)
			}
		}
		companies = filtered
	}
	if len(companies) == 0 {
		return &exitError{code: run.ExitFailure, err: fmt.Errorf("no companies to run")}
	}

	// One host-wide lock covers the whole sweep.
	lock := runlock.New(filepath.Join(baseDir, runlock.DefaultPath))
	if err := lock.TryAcquire(os.Getpid()); err != nil {
		return &exitError{code: run.ExitLockBlocked,
			err: fmt.Errorf("blocked by existing lock: %v", err)}
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warnf("release run lock: %v", err)
		}
	}()

	// Fail-fast: the first tenant error aborts the sweep.
	for _, cfg := range companies {
		log.Infof("run-all: %s", cfg.Key)
		result := executeTenantRun(ctx, cmd, store, cfg, flags, from, to, baseDir, log)
		if result.err != nil {
			return &exitError{code: run.ExitFailure,
				err: fmt.Errorf("tenant %s: %w", cfg.Key, result.err)}
		}
	}
	return nil
}
