// Package probes runs a single compliance check against a single project
// and normalizes the answer into a models.CheckResult.
package probes

import (
	"context"
	"errors"
	"math"

	"github.com/qualys/dbcompliance/internal/auditerr"
	"github.com/qualys/dbcompliance/internal/connectors"
	"github.com/qualys/dbcompliance/internal/models"
)

// Probe runs one check. The returned result always has a terminal status.
// When the status is error the returned error is a *auditerr.ProbeError.
type Probe interface {
	Check() models.CheckType
	Run(ctx context.Context, token, projectID string) (models.CheckResult, error)
}

// Default returns the MFA, RLS and PITR probes in run order.
func Default(api connectors.ComplianceAPI, reservedSchemas []string) []Probe {
	return []Probe{
		NewMFA(api),
		NewRLS(api, reservedSchemas),
		NewPITR(api),
	}
}

// Evaluate derives status and percentage from compliant and total counts.
// A check with nothing to evaluate fails at 0%.
func Evaluate(enabled, total int) (models.CheckStatus, int) {
	if total <= 0 {
		return models.CheckStatusFailed, 0
	}
	pct := int(math.Round(float64(enabled) / float64(total) * 100))
	if enabled == total {
		return models.CheckStatusPassed, pct
	}
	return models.CheckStatusFailed, pct
}

func evaluateFindings(findings []models.Finding) models.CheckResult {
	enabled := 0
	for _, f := range findings {
		if f.Compliant() {
			enabled++
		}
	}
	status, pct := Evaluate(enabled, len(findings))
	return models.CheckResult{Status: status, Details: findings, Percentage: pct}
}

func failure(check models.CheckType, projectID string, cause error) (models.CheckResult, error) {
	return models.ErrorResult(cause.Error()), &auditerr.ProbeError{
		Check:     string(check),
		ProjectID: projectID,
		Cause:     cause,
	}
}

func embeddedError(msg string) error {
	if msg == "" {
		msg = "Unknown error"
	}
	return errors.New(msg)
}
