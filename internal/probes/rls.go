package probes

import (
	"context"

	"github.com/qualys/dbcompliance/internal/connectors"
	"github.com/qualys/dbcompliance/internal/models"
)

var DefaultReservedSchemas = []string{"pg_catalog", "information_schema", "pg_toast"}

// RLS passes when every table outside the reserved schemas has row level
// security enabled.
type RLS struct {
	api      connectors.ComplianceAPI
	reserved map[string]struct{}
}

func NewRLS(api connectors.ComplianceAPI, reservedSchemas []string) *RLS {
	if len(reservedSchemas) == 0 {
		reservedSchemas = DefaultReservedSchemas
	}
	reserved := make(map[string]struct{}, len(reservedSchemas))
	for _, s := range reservedSchemas {
		reserved[s] = struct{}{}
	}
	return &RLS{api: api, reserved: reserved}
}

func (p *RLS) Check() models.CheckType { return models.CheckRLS }

func (p *RLS) Run(ctx context.Context, token, projectID string) (models.CheckResult, error) {
	resp, err := p.api.CheckRLS(ctx, token, projectID)
	if err != nil {
		return failure(models.CheckRLS, projectID, err)
	}
	if resp.HasError {
		return failure(models.CheckRLS, projectID, embeddedError(resp.Error))
	}

	findings := make([]models.Finding, 0, len(resp.Details))
	for _, t := range resp.Details {
		if _, skip := p.reserved[t.Schema]; skip {
			continue
		}
		id := t.ID
		if id == "" {
			id = t.Schema + "." + t.Name
		}
		findings = append(findings, models.Finding{
			Kind: models.FindingTable,
			Table: &models.TableFinding{
				ID:         id,
				SchemaName: t.Schema,
				TableName:  t.Name,
				RLSEnabled: t.RLSEnabled,
			},
		})
	}

	result := evaluateFindings(findings)
	result.RawTables = resp.RawTables
	return result, nil
}
