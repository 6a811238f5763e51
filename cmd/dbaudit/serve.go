package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/qualys/dbcompliance/internal/api"
	"github.com/qualys/dbcompliance/internal/auditerr"
	"github.com/qualys/dbcompliance/internal/auth"
	"github.com/qualys/dbcompliance/internal/engine"
	"github.com/qualys/dbcompliance/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and scheduled audits",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.Close(closeCtx)
	}()

	var jobStore scheduler.Store = scheduler.NewMemoryStore()
	if a.store != nil {
		jobStore = scheduler.NewPostgresStore(a.store.DB())
	}
	sch := scheduler.NewScheduler(jobStore, logger.Named("scheduler"), scheduler.WithJobTimeout(cfg.Audit.RunTimeout))
	a.registerJobs(sch)

	if err := a.ensureJobs(ctx, sch); err != nil {
		logger.Warnw("could not register configured schedules", "error", err)
	}
	if err := sch.Start(ctx); err != nil {
		logger.Errorw("failed to start scheduler", "error", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sch.Stop(stopCtx); err != nil {
			logger.Warnw("scheduler did not stop cleanly", "error", err)
		}
	}()

	opts := []api.ServerOption{
		api.WithLogger(logger.Named("api")),
		api.WithScheduler(sch),
		api.WithReportGenerator(a.reports),
	}
	if a.store != nil {
		opts = append(opts, api.WithDatabase(a.store))
	}
	if a.stored != nil {
		opts = append(opts, api.WithCredentialStore(a.stored, a.client))
	}
	if a.archiver != nil {
		opts = append(opts, api.WithArchiver(a.archiver))
	}

	authService := auth.NewService(auth.Config{
		JWTSecret:         cfg.Auth.JWTSecret,
		AccessTokenExpiry: cfg.Auth.AccessTokenExpiry,
		Issuer:            cfg.Auth.Issuer,
	})
	server := api.NewServer(cfg.Server, authService, a.auditor, opts...)

	// The first audit runs in the background so the API is reachable while
	// it is in progress.
	go func() {
		if _, err := a.start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			if errors.Is(err, auditerr.ErrMissingCredentials) {
				logger.Infow("no credentials configured, waiting for PUT /api/v1/credentials")
				return
			}
			logger.Warnw("initial audit failed", "error", err)
		}
	}()

	logger.Infow("starting dbaudit server", "version", version, "host", cfg.Server.Host, "port", cfg.Server.Port)
	if err := server.Run(ctx); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	logger.Infow("shutting down")
	return nil
}

func (a *app) registerJobs(sch *scheduler.Scheduler) {
	handlers := &scheduler.DefaultHandlers{
		AuditAllFunc: func(ctx context.Context) (string, error) {
			sum, err := a.start(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("overall=%s score=%d projects=%d", sum.Overall, sum.Score, sum.Projects), nil
		},
		AuditProjectFunc: func(ctx context.Context, projectID string) (string, error) {
			status, err := a.auditor.RunProject(ctx, projectID)
			if errors.Is(err, engine.ErrNotStarted) {
				if _, err = a.start(ctx); err != nil {
					return "", err
				}
				status, err = a.auditor.RunProject(ctx, projectID)
			}
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("mfa=%s rls=%s pitr=%s", status.MFA.Status, status.RLS.Status, status.PITR.Status), nil
		},
		RefreshEvidenceFunc: a.auditor.RefreshEvidence,
		ArchiveReportFunc:   a.archiveReport,
	}
	handlers.Register(sch)
}

// ensureJobs creates the schedules named in the configuration.
func (a *app) ensureJobs(ctx context.Context, sch *scheduler.Scheduler) error {
	var errs []error

	if a.cfg.Audit.Schedule != "" {
		errs = append(errs, sch.EnsureJob(ctx, &scheduler.Job{
			Name:        "scheduled-audit",
			Description: "Audit every project in scope",
			Schedule:    a.cfg.Audit.Schedule,
			JobType:     scheduler.JobTypeAuditAll,
			Enabled:     true,
		}))
	}
	if a.cfg.Audit.EvidenceRefreshJob != "" {
		errs = append(errs, sch.EnsureJob(ctx, &scheduler.Job{
			Name:        "evidence-refresh",
			Description: "Reload persisted evidence",
			Schedule:    a.cfg.Audit.EvidenceRefreshJob,
			JobType:     scheduler.JobTypeRefreshEvidence,
			Enabled:     true,
		}))
	}
	if a.archiver != nil && a.cfg.Audit.Schedule != "" {
		errs = append(errs, sch.EnsureJob(ctx, &scheduler.Job{
			Name:        "evidence-archive",
			Description: "Upload the evidence report after each scheduled audit",
			Schedule:    a.cfg.Audit.Schedule,
			JobType:     scheduler.JobTypeArchiveReport,
			Config:      map[string]string{"format": "pdf"},
			Enabled:     true,
		}))
	}

	return errors.Join(errs...)
}
