package reports

import (
	"context"

	"github.com/qualys/dbcompliance/internal/aggregation"
	"github.com/qualys/dbcompliance/internal/engine"
	"github.com/qualys/dbcompliance/internal/models"
)

// AuditorSource reads report data from a running auditor.
type AuditorSource struct {
	Auditor *engine.Auditor
}

func (s AuditorSource) Evidence(context.Context) ([]models.EvidenceEntry, error) {
	return s.Auditor.Evidence(), nil
}

func (s AuditorSource) Compliance(context.Context) (*ComplianceData, error) {
	snap := s.Auditor.Current()

	data := &ComplianceData{
		Scope:   snap.Scope,
		LastRun: snap.LastRun,
	}

	scoped := make(models.ProjectComplianceMap, len(snap.Projects))
	for _, p := range snap.Projects {
		var status models.ComplianceStatus
		switch stored, ok := s.Auditor.ProjectStatus(p.ID); {
		case !p.IsActive():
			status = models.UniformStatus(models.InactiveResult())
		case ok:
			status = stored
			scoped[p.ID] = stored
		default:
			status = models.UniformStatus(models.CheckingResult(engine.PlaceholderPercentage))
		}
		data.Projects = append(data.Projects, ProjectRow{
			Project: p,
			Status:  status,
			Overall: aggregation.Overall(status),
		})
	}

	data.Status = aggregation.Aggregate(scoped)
	data.Overall = aggregation.Overall(data.Status)
	data.Score = aggregation.Score(data.Status)
	return data, nil
}
