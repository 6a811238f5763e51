package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/qualys/dbcompliance/internal/archive"
	"github.com/qualys/dbcompliance/internal/auditerr"
	"github.com/qualys/dbcompliance/internal/config"
	"github.com/qualys/dbcompliance/internal/connectors/management"
	"github.com/qualys/dbcompliance/internal/credentials"
	"github.com/qualys/dbcompliance/internal/engine"
	"github.com/qualys/dbcompliance/internal/evidence"
	"github.com/qualys/dbcompliance/internal/logging"
	"github.com/qualys/dbcompliance/internal/models"
	"github.com/qualys/dbcompliance/internal/notifications"
	"github.com/qualys/dbcompliance/internal/probes"
	"github.com/qualys/dbcompliance/internal/ratelimit"
	"github.com/qualys/dbcompliance/internal/reports"
	"github.com/qualys/dbcompliance/internal/store"
)

const defaultOwner = "default"

// app holds every long-lived component built from the configuration.
type app struct {
	cfg    *config.Config
	logger *zap.SugaredLogger

	store    *store.Store
	client   *management.Client
	ledger   *evidence.Ledger
	auditor  *engine.Auditor
	stored   *credentials.StoredSource
	notifier *notifications.Service
	reports  *reports.Generator
	archiver *archive.Archiver

	closers []func() error
}

func loadConfig() (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	owner := cfg.Credentials.OwnerID
	if owner == "" {
		owner = defaultOwner
	}

	if cfg.Database.Enabled {
		st, err := store.New(store.Config{
			DSN:          cfg.Database.DSN(),
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		a.store = st
		a.closers = append(a.closers, st.Close)

		if err := st.Migrate(ctx); err != nil {
			logger.Warnw("database migration failed, continuing without it", "error", err)
		}
	}

	var budget ratelimit.Budget = ratelimit.NewLocalBudget(cfg.Management.RequestsPerMinute)
	if cfg.Redis.Enabled {
		rb, err := ratelimit.NewRedisBudget(ratelimit.RedisConfig{
			Addr:      cfg.Redis.Addr(),
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			PerMinute: cfg.Management.RequestsPerMinute,
		})
		if err != nil {
			logger.Warnw("redis unavailable, using a per-process request budget", "error", err)
		} else {
			budget = rb
			a.closers = append(a.closers, rb.Close)
		}
	}

	a.client = management.NewClient(management.Config{
		BaseURL:       cfg.Management.BaseURL,
		Timeout:       cfg.Management.Timeout,
		RetryAttempts: cfg.Management.RetryAttempts,
		RetryMinDelay: cfg.Management.RetryMinDelay,
		RetryMaxDelay: cfg.Management.RetryMaxDelay,
	}, management.WithBudget(budget), management.WithLogger(logger.Named("management")))
	a.closers = append(a.closers, a.client.Close)

	ledgerOpts := []evidence.Option{
		evidence.WithPageSize(cfg.Audit.EvidencePageSize),
		evidence.WithQueueSize(cfg.Audit.EvidenceQueueSize),
		evidence.WithLogger(logger.Named("evidence")),
	}
	if a.store != nil {
		ledgerOpts = append(ledgerOpts, evidence.WithStore(a.store, owner))
	}
	a.ledger = evidence.New(ledgerOpts...)

	sources := credentials.ChainSource{}
	if a.store != nil && cfg.Credentials.EncryptionKey != "" {
		sealer, err := credentials.NewSealer(cfg.Credentials.EncryptionKey)
		if err != nil {
			return nil, err
		}
		a.stored = &credentials.StoredSource{Store: a.store, Sealer: sealer, OwnerID: owner}
		sources = append(sources, *a.stored)
	}
	sources = append(sources, credentials.StaticSource{
		Token:            cfg.Credentials.Token,
		ProjectRef:       cfg.Credentials.ProjectRef,
		CheckAllProjects: cfg.Credentials.CheckAllProjects,
		OwnerID:          owner,
	})

	resolverOpts := []credentials.Option{credentials.WithLogger(logger.Named("credentials"))}
	if cfg.Management.ValidateOnStart {
		resolverOpts = append(resolverOpts, credentials.WithValidator(a.client))
	}
	resolver := credentials.NewResolver(sources, resolverOpts...)

	runner := engine.NewRunner(
		probes.Default(a.client, cfg.Audit.ReservedSchemas),
		engine.NewComplianceMap(),
		a.ledger,
		logger.Named("runner"),
	)
	a.auditor = engine.NewAuditor(
		engine.Config{MaxConcurrency: cfg.Audit.MaxConcurrency},
		resolver, a.client, runner, a.ledger,
		logger.Named("auditor"),
		engine.WithBudget(a.client),
	)

	a.notifier = notifications.NewService(notifications.Config{
		Slack: notifications.SlackConfig{
			WebhookURL: cfg.Notifications.Slack.WebhookURL,
			Channel:    cfg.Notifications.Slack.Channel,
			Username:   "Compliance Auditor",
			IconEmoji:  ":lock:",
			Enabled:    cfg.Notifications.Slack.Enabled,
		},
		Email: notifications.EmailConfig{
			SMTPHost: cfg.Notifications.Email.SMTPHost,
			SMTPPort: cfg.Notifications.Email.SMTPPort,
			Username: cfg.Notifications.Email.Username,
			Password: cfg.Notifications.Email.Password,
			From:     cfg.Notifications.Email.From,
			To:       cfg.Notifications.Email.To,
			Enabled:  cfg.Notifications.Email.Enabled,
		},
		NotifyOnError: cfg.Notifications.NotifyOnError,
	}, logger.Named("notifications"))
	if a.notifier.Enabled() {
		a.auditor.OnComplete(a.notifyAudit)
	}

	a.reports = reports.NewGenerator(reports.AuditorSource{Auditor: a.auditor})

	if cfg.Archive.Enabled {
		arch, err := archive.New(ctx, archive.Config{
			Bucket:          cfg.Archive.Bucket,
			Prefix:          cfg.Archive.Prefix,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		}, logger.Named("archive"))
		if err != nil {
			return nil, fmt.Errorf("initializing archive: %w", err)
		}
		a.archiver = arch
	}

	return a, nil
}

// start runs the first audit. Fatal credential problems are reported to
// the notification channels since nothing else will surface them.
func (a *app) start(ctx context.Context) (engine.Summary, error) {
	sum, err := a.auditor.Start(ctx)
	if err != nil && auditerr.IsFatal(err) && a.notifier.Enabled() {
		scope := "all-projects"
		if !a.cfg.Credentials.CheckAllProjects {
			scope = "project:" + a.cfg.Credentials.ProjectRef
		}
		if nerr := a.notifier.NotifyRunAborted(ctx, scope, err); nerr != nil {
			a.logger.Warnw("failed to send notification", "error", nerr)
		}
	}
	return sum, err
}

func (a *app) notifyAudit(ctx context.Context, sum engine.Summary) {
	out := notifications.AuditSummary{
		Scope:         sum.Scope,
		Projects:      sum.Projects,
		Status:        sum.Status,
		Overall:       sum.Overall,
		Score:         sum.Score,
		FinishedAt:    sum.FinishedAt,
		ProjectStatus: make(map[string]models.ComplianceStatus, len(sum.Reports)),
		ProjectNames:  make(map[string]string, len(sum.Reports)),
	}
	for _, r := range sum.Reports {
		if r.ProjectID == "" || r.Superseded {
			continue
		}
		out.ProjectStatus[r.ProjectID] = r.Status
		out.ProjectNames[r.ProjectID] = r.ProjectName
	}

	sent, err := a.notifier.NotifyAudit(ctx, out)
	if err != nil {
		a.logger.Warnw("failed to send audit notification", "error", err)
		return
	}
	if sent {
		a.logger.Infow("audit notification sent", "overall", sum.Overall, "score", sum.Score)
	}
}

// archiveReport renders the evidence log and uploads it.
func (a *app) archiveReport(ctx context.Context, format string) (string, error) {
	if a.archiver == nil {
		return "", errors.New("report archiving is not enabled")
	}
	f, err := reports.ParseFormat(format)
	if err != nil {
		return "", err
	}
	report, err := a.reports.Generate(ctx, &reports.ReportRequest{Type: reports.ReportTypeEvidence, Format: f})
	if err != nil {
		return "", err
	}
	return a.archiver.Upload(ctx, report)
}

func (a *app) Close(ctx context.Context) {
	if err := a.ledger.Close(ctx); err != nil {
		a.logger.Warnw("evidence writer did not drain", "error", err)
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warnw("error during shutdown", "error", err)
		}
	}
	_ = a.logger.Sync()
}
