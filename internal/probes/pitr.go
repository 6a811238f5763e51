package probes

import (
	"context"

	"github.com/qualys/dbcompliance/internal/connectors"
	"github.com/qualys/dbcompliance/internal/models"
)

const unknownMetadata = "Unknown"

// PITR passes when point in time recovery is enabled for the project. A
// failed metadata lookup is tolerated as long as the backup lookup worked.
type PITR struct {
	api connectors.ComplianceAPI
}

func NewPITR(api connectors.ComplianceAPI) *PITR {
	return &PITR{api: api}
}

func (p *PITR) Check() models.CheckType { return models.CheckPITR }

func (p *PITR) Run(ctx context.Context, token, projectID string) (models.CheckResult, error) {
	resp, err := p.api.CheckPITR(ctx, token, projectID)
	if err != nil {
		return failure(models.CheckPITR, projectID, err)
	}

	if resp.HasError && !backupsKnown(resp.Projects) {
		msg := resp.Error
		if msg == "" {
			for _, pr := range resp.Projects {
				if pr.Error != "" {
					msg = pr.Error
					break
				}
			}
		}
		return failure(models.CheckPITR, projectID, embeddedError(msg))
	}

	findings := make([]models.Finding, 0, len(resp.Projects))
	for _, pr := range resp.Projects {
		b := &models.BackupFinding{
			ProjectID:   pr.ID,
			Name:        orUnknown(pr.Name),
			Region:      orUnknown(pr.Region),
			PITREnabled: pr.PITREnabled,
			Error:       pr.Error,
		}
		if b.ProjectID == "" {
			b.ProjectID = projectID
		}
		if pr.Backups != nil {
			b.BackupCount = pr.Backups.Count
			b.EarliestBackup = pr.Backups.Earliest
			b.LatestBackup = pr.Backups.Latest
		}
		findings = append(findings, models.Finding{Kind: models.FindingBackup, Backup: b})
	}

	// Some deployments answer with counts only.
	if len(findings) == 0 && resp.TotalCount > 0 {
		findings = append(findings, models.Finding{
			Kind: models.FindingBackup,
			Backup: &models.BackupFinding{
				ProjectID:   projectID,
				Name:        unknownMetadata,
				Region:      unknownMetadata,
				PITREnabled: resp.Passed && resp.EnabledCount == resp.TotalCount,
			},
		})
	}

	return evaluateFindings(findings), nil
}

// backupsKnown reports whether the backup lookup succeeded for every
// project, which is the case when backup data came back.
func backupsKnown(projects []connectors.PITRProject) bool {
	if len(projects) == 0 {
		return false
	}
	for _, pr := range projects {
		if pr.Backups == nil {
			return false
		}
	}
	return true
}

func orUnknown(s string) string {
	if s == "" {
		return unknownMetadata
	}
	return s
}
