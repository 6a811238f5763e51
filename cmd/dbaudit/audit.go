package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/qualys/dbcompliance/internal/models"
)

var (
	auditProject string
	auditTimeout time.Duration
	auditFailOn  bool

	auditCmd = &cobra.Command{
		Use:   "audit",
		Short: "Run one compliance audit and print the summary as JSON",
		RunE:  runAudit,
	}
)

func init() {
	auditCmd.Flags().StringVarP(&auditProject, "project", "p", "", "Print only this project's results")
	auditCmd.Flags().DurationVar(&auditTimeout, "timeout", 0, "Abort the run after this long (default audit.run_timeout)")
	auditCmd.Flags().BoolVar(&auditFailOn, "fail", false, "Exit non-zero unless every check passed")
}

func runAudit(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	timeout := auditTimeout
	if timeout <= 0 {
		timeout = cfg.Audit.RunTimeout
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.Close(closeCtx)
	}()

	sum, err := a.start(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	overall := sum.Overall
	if auditProject != "" {
		status, ok := a.auditor.ProjectStatus(auditProject)
		if !ok {
			return fmt.Errorf("project %s was not audited", auditProject)
		}
		if err := enc.Encode(map[string]interface{}{"project_id": auditProject, "status": status}); err != nil {
			return err
		}
		overall = overallOf(status)
	} else if err := enc.Encode(sum); err != nil {
		return err
	}

	if auditFailOn && overall != models.CheckStatusPassed {
		return fmt.Errorf("audit finished with status %s", overall)
	}
	return nil
}
