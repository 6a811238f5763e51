package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/qualys/dbcompliance/internal/aggregation"
	"github.com/qualys/dbcompliance/internal/models"
	"github.com/qualys/dbcompliance/internal/reports"
)

var (
	evidenceOutput  string
	evidenceFormat  string
	evidenceProject string
	evidenceArchive bool

	evidenceCmd = &cobra.Command{
		Use:   "evidence",
		Short: "Print the stored evidence log or write it as a report",
		RunE:  runEvidence,
	}
)

func init() {
	evidenceCmd.Flags().StringVarP(&evidenceOutput, "output", "o", "", "Write a report to this file instead of printing JSON")
	evidenceCmd.Flags().StringVarP(&evidenceFormat, "format", "f", "pdf", "Report format: pdf or json")
	evidenceCmd.Flags().StringVarP(&evidenceProject, "project", "p", "", "Only entries for this project id")
	evidenceCmd.Flags().BoolVar(&evidenceArchive, "archive", false, "Upload the report to the configured bucket")
}

func runEvidence(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if err := a.ledger.Refresh(ctx); err != nil {
		logger.Warnw("could not load persisted evidence", "error", err)
	}

	if evidenceOutput == "" && !evidenceArchive {
		entries := reports.FilterEvidence(a.ledger.Merged(), &reports.ReportRequest{ProjectID: evidenceProject})
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	format, err := reports.ParseFormat(evidenceFormat)
	if err != nil {
		return err
	}
	report, err := a.reports.Generate(ctx, &reports.ReportRequest{
		Type:      reports.ReportTypeEvidence,
		Format:    format,
		ProjectID: evidenceProject,
	})
	if err != nil {
		return err
	}

	if evidenceOutput != "" {
		if err := os.WriteFile(evidenceOutput, report.Data, 0o644); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", evidenceOutput, len(report.Data))
	}

	if evidenceArchive {
		if a.archiver == nil {
			return fmt.Errorf("archive.enabled is false")
		}
		location, err := a.archiver.Upload(ctx, report)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), location)
	}
	return nil
}

func overallOf(s models.ComplianceStatus) models.CheckStatus {
	return aggregation.Overall(s)
}
