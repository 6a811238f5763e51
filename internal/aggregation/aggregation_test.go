package aggregation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/qualys/dbcompliance/internal/models"
)

func users(projectID string, enabled ...bool) []models.Finding {
	out := make([]models.Finding, 0, len(enabled))
	for _, e := range enabled {
		out = append(out, models.Finding{
			Kind:      models.FindingUser,
			ProjectID: projectID,
			User:      &models.UserFinding{MFAEnabled: e},
		})
	}
	return out
}

func result(status models.CheckStatus, details []models.Finding) models.CheckResult {
	if details == nil {
		details = []models.Finding{}
	}
	return models.CheckResult{Status: status, Details: details}
}

func allPassed(projectID string) models.ComplianceStatus {
	return models.ComplianceStatus{
		MFA:  result(models.CheckStatusPassed, users(projectID, true)),
		RLS:  result(models.CheckStatusPassed, []models.Finding{{Kind: models.FindingTable, ProjectID: projectID, Table: &models.TableFinding{RLSEnabled: true}}}),
		PITR: result(models.CheckStatusPassed, []models.Finding{{Kind: models.FindingBackup, ProjectID: projectID, Backup: &models.BackupFinding{PITREnabled: true}}}),
	}
}

func TestAggregate_AllPassed(t *testing.T) {
	m := models.ProjectComplianceMap{"p1": allPassed("p1"), "p2": allPassed("p2")}

	got := Aggregate(m)
	for _, c := range models.CheckTypes {
		assert.Equal(t, models.CheckStatusPassed, got.Check(c).Status, c)
		assert.Equal(t, 100, got.Check(c).Percentage, c)
		assert.Len(t, got.Check(c).Details, 2, c)
	}
	assert.Equal(t, models.CheckStatusPassed, Overall(got))
	assert.Equal(t, 100, Score(got))
}

func TestAggregate_ErrorBeatsFailed(t *testing.T) {
	failed := allPassed("p2")
	failed.MFA = result(models.CheckStatusFailed, users("p2", true, false))
	errored := allPassed("p3")
	errored.MFA = models.ErrorResult("timeout")

	m := models.ProjectComplianceMap{"p1": allPassed("p1"), "p2": failed, "p3": errored}

	got := Aggregate(m)
	assert.Equal(t, models.CheckStatusError, got.MFA.Status)
	assert.Equal(t, 67, got.MFA.Percentage)
	assert.Equal(t, models.CheckStatusPassed, got.RLS.Status)
	assert.Equal(t, models.CheckStatusError, Overall(got))
	assert.Equal(t, 67, Score(got))
}

func TestAggregate_FailedBeatsPassed(t *testing.T) {
	failed := allPassed("p2")
	failed.RLS = result(models.CheckStatusFailed, nil)

	got := Aggregate(models.ProjectComplianceMap{"p1": allPassed("p1"), "p2": failed})
	assert.Equal(t, models.CheckStatusFailed, got.RLS.Status)
	assert.Equal(t, 100, got.RLS.Percentage)
	assert.Equal(t, models.CheckStatusFailed, Overall(got))
}

func TestAggregate_InactiveExcluded(t *testing.T) {
	m := models.ProjectComplianceMap{
		"p1":   allPassed("p1"),
		"dead": models.UniformStatus(models.InactiveResult()),
	}

	got := Aggregate(m)
	assert.Equal(t, models.CheckStatusPassed, got.MFA.Status)
	assert.Equal(t, 100, got.MFA.Percentage)
	assert.Len(t, got.MFA.Details, 1)
}

func TestAggregate_NoActiveProjects(t *testing.T) {
	got := Aggregate(models.ProjectComplianceMap{"dead": models.UniformStatus(models.InactiveResult())})
	assert.Equal(t, models.CheckStatusInactive, got.MFA.Status)
	assert.Equal(t, models.CheckStatusInactive, Overall(got))
	assert.Equal(t, 0, Score(got))

	empty := Aggregate(models.ProjectComplianceMap{})
	assert.Equal(t, models.CheckStatusInactive, empty.PITR.Status)
}

func TestAggregate_ZeroFindingsIsZeroPercent(t *testing.T) {
	p := allPassed("p1")
	p.MFA = result(models.CheckStatusFailed, nil)

	got := Aggregate(models.ProjectComplianceMap{"p1": p})
	assert.Equal(t, models.CheckStatusFailed, got.MFA.Status)
	assert.Equal(t, 0, got.MFA.Percentage)
}

func TestAggregate_InFlightIsChecking(t *testing.T) {
	running := models.UniformStatus(models.CheckingResult(10))
	got := Aggregate(models.ProjectComplianceMap{"p1": allPassed("p1"), "p2": running})

	assert.Equal(t, models.CheckStatusChecking, got.PITR.Status)
	assert.Equal(t, models.CheckStatusChecking, Overall(got))
	assert.Equal(t, 0, Score(got))
}

func TestAggregate_SinglePITRProject(t *testing.T) {
	p := models.ComplianceStatus{
		MFA:  result(models.CheckStatusPassed, users("p1", true)),
		RLS:  result(models.CheckStatusPassed, nil),
		PITR: result(models.CheckStatusPassed, []models.Finding{{Kind: models.FindingBackup, Backup: &models.BackupFinding{ProjectID: "p1", PITREnabled: true}}}),
	}

	got := Aggregate(models.ProjectComplianceMap{"p1": p})
	assert.Equal(t, models.CheckStatusPassed, got.PITR.Status)
	assert.Equal(t, 100, got.PITR.Percentage)
}

func TestAggregate_Idempotent(t *testing.T) {
	failed := allPassed("b")
	failed.RLS = result(models.CheckStatusFailed, []models.Finding{{Kind: models.FindingTable, ProjectID: "b", Table: &models.TableFinding{}}})
	m := models.ProjectComplianceMap{"c": allPassed("c"), "a": allPassed("a"), "b": failed}

	first := Aggregate(m)
	second := Aggregate(m)
	assert.Equal(t, first, second)

	assert.Equal(t, "a", first.RLS.Details[0].ProjectID)
	assert.Equal(t, "c", first.RLS.Details[2].ProjectID)

	first.MFA.Details[0].User.MFAEnabled = false
	assert.True(t, m["a"].MFA.Details[0].User.MFAEnabled)
}
