package probes

import (
	"context"
	"fmt"

	"github.com/qualys/dbcompliance/internal/connectors"
	"github.com/qualys/dbcompliance/internal/models"
)

// MFA passes when every user of the project has a verified second factor.
type MFA struct {
	api connectors.ComplianceAPI
}

func NewMFA(api connectors.ComplianceAPI) *MFA {
	return &MFA{api: api}
}

func (p *MFA) Check() models.CheckType { return models.CheckMFA }

func (p *MFA) Run(ctx context.Context, token, projectID string) (models.CheckResult, error) {
	resp, err := p.api.CheckMFA(ctx, token, projectID)
	if err != nil {
		return failure(models.CheckMFA, projectID, err)
	}
	if resp.HasError {
		return failure(models.CheckMFA, projectID, embeddedError(resp.Error))
	}

	findings := make([]models.Finding, 0, len(resp.Details))
	for _, u := range resp.Details {
		// A failed factor lookup counts against the user.
		enabled := u.FactorsError == "" && u.HasVerifiedFactor()
		findings = append(findings, models.Finding{
			Kind: models.FindingUser,
			User: &models.UserFinding{
				ID:          u.ID,
				Email:       u.Email,
				MFAEnabled:  enabled,
				LastSignIn:  u.LastSignIn,
				LookupError: u.FactorsError,
			},
		})
	}

	// Counts without user details still need findings so the overview
	// aggregates the same percentage as the project.
	if len(findings) == 0 && resp.TotalCount > 0 {
		findings = countedUsers(projectID, resp.EnabledCount, resp.TotalCount)
	}
	return evaluateFindings(findings), nil
}

func countedUsers(projectID string, enabled, total int) []models.Finding {
	if enabled > total {
		enabled = total
	}
	findings := make([]models.Finding, 0, total)
	for i := 0; i < total; i++ {
		findings = append(findings, models.Finding{
			Kind: models.FindingUser,
			User: &models.UserFinding{
				ID:         fmt.Sprintf("%s-user-%d", projectID, i+1),
				Email:      unknownMetadata,
				MFAEnabled: i < enabled,
			},
		})
	}
	return findings
}
