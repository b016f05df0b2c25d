package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/preciousoreva/oiat/internal/app/dispatch"
	"github.com/preciousoreva/oiat/internal/app/httpapi"
	"github.com/preciousoreva/oiat/internal/app/scheduler"
	"github.com/preciousoreva/oiat/internal/app/storage"
	"github.com/preciousoreva/oiat/internal/app/storage/postgres"
	"github.com/preciousoreva/oiat/internal/config"
	"github.com/preciousoreva/oiat/internal/platform/database"
	"github.com/preciousoreva/oiat/internal/platform/migrations"
	"github.com/preciousoreva/oiat/internal/runlock"
	"github.com/preciousoreva/oiat/pkg/logger"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the operator portal: API, dispatcher and schedule worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	return cmd
}

func serve(cmd *cobra.Command, addr string) error {
	ctx := cmd.Context()
	log := logger.New(logger.LoggingConfig{
		Level:  config.EnvOrDefault("LOG_LEVEL", "info"),
		Format: config.EnvOrDefault("LOG_FORMAT", "text"),
	})

	var store storage.Store
	dsn := resolveDSN(cmd)
	if dsn != "" {
		db, err := database.Open(ctx, dsn)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()
		if err := migrations.Apply(ctx, db); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		store = postgres.New(db)
		log.Infof("portal state in postgres")
	} else {
		store = storage.NewMemory()
		log.Warnf("no DSN configured; portal state is in-memory and will not survive restarts")
	}

	if err := bootstrapAdmin(ctx, store, log); err != nil {
		return err
	}

	baseDir, _ := cmd.Flags().GetString("base-dir")
	lock := runlock.New(filepath.Join(baseDir, runlock.DefaultPath))
	spawner := dispatch.ProcessSpawner{LogDir: filepath.Join(baseDir, "logs", "runs")}
	hostname, _ := os.Hostname()
	dispatcher := dispatch.NewService(store, lock, spawner, hostname, log)

	worker := scheduler.New(store, dispatcher, log)
	httpService := httpapi.NewService(store, dispatcher, addr, log)

	dispatcher.Start(ctx, dispatch.DefaultReconcileInterval)
	worker.Start(ctx)
	if err := httpService.Start(ctx); err != nil {
		return err
	}
	log.Infof("portal listening on %s", addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	worker.Stop()
	dispatcher.Stop()
	if err := httpService.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// bootstrapAdmin seeds the first portal user from the environment so a
// fresh deployment is reachable.
func bootstrapAdmin(ctx context.Context, store storage.Store, log *logger.Logger) error {
	username := config.EnvOrDefault("OIAT_ADMIN_USER", "")
	password := config.EnvOrDefault("OIAT_ADMIN_PASSWORD", "")
	if username == "" || password == "" {
		return nil
	}
	if _, err := store.GetUser(ctx, username); err == nil {
		return nil
	}

	hash, err := httpapi.HashPassword(password)
	if err != nil {
		return err
	}
	if err := store.UpsertUser(ctx, storage.User{
		Username:               username,
		PasswordHash:           hash,
		CanTriggerRuns:         true,
		CanManageSchedules:     true,
		CanEditCompanies:       true,
		CanManagePortalSetting: true,
	}); err != nil {
		return err
	}
	log.Infof("bootstrapped admin user %s", username)
	return nil
}
