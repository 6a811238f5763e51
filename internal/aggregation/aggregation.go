// Package aggregation rolls per-project results up into the all-projects
// view. Everything here is a pure function of its input.
package aggregation

import (
	"math"
	"sort"

	"github.com/qualys/dbcompliance/internal/models"
)

// statusRank orders statuses by precedence when projects disagree.
var statusRank = map[models.CheckStatus]int{
	models.CheckStatusPassed:   1,
	models.CheckStatusChecking: 2,
	models.CheckStatusFailed:   3,
	models.CheckStatusError:    4,
}

// Aggregate combines every project's results into one ComplianceStatus.
// Projects whose result for a check is inactive take no part in that
// check. When no project is active the check is reported as inactive.
func Aggregate(results models.ProjectComplianceMap) models.ComplianceStatus {
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out models.ComplianceStatus
	for _, check := range models.CheckTypes {
		out = out.With(check, aggregateCheck(results, ids, check))
	}
	return out
}

func aggregateCheck(results models.ProjectComplianceMap, ids []string, check models.CheckType) models.CheckResult {
	var (
		status  models.CheckStatus
		details = []models.Finding{}
		active  int
	)

	for _, id := range ids {
		r := results[id].Check(check)
		if r.Status == models.CheckStatusInactive {
			continue
		}
		active++

		if statusRank[r.Status] > statusRank[status] {
			status = r.Status
		}
		for _, f := range r.Details {
			details = append(details, f.Clone())
		}
	}

	if active == 0 {
		return models.InactiveResult()
	}

	return models.CheckResult{
		Status:     status,
		Details:    details,
		Percentage: Percentage(details),
	}
}

// Percentage is the rounded share of compliant findings, 0 when there are
// none.
func Percentage(findings []models.Finding) int {
	if len(findings) == 0 {
		return 0
	}
	compliant := 0
	for _, f := range findings {
		if f.Compliant() {
			compliant++
		}
	}
	return int(math.Round(float64(compliant) / float64(len(findings)) * 100))
}

// Overall folds the three checks into one status for a headline badge.
func Overall(s models.ComplianceStatus) models.CheckStatus {
	checks := []models.CheckResult{s.MFA, s.RLS, s.PITR}

	var passed, inactive int
	for _, c := range checks {
		if c.Status == models.CheckStatusError {
			return models.CheckStatusError
		}
	}
	for _, c := range checks {
		switch c.Status {
		case models.CheckStatusChecking, "":
			return models.CheckStatusChecking
		case models.CheckStatusPassed:
			passed++
		case models.CheckStatusInactive:
			inactive++
		}
	}

	switch {
	case passed == len(checks):
		return models.CheckStatusPassed
	case inactive == len(checks):
		return models.CheckStatusInactive
	}
	return models.CheckStatusFailed
}

// Score is the percentage of decided checks that passed. Checks still
// running or inactive are left out; with none decided the score is 0.
func Score(s models.ComplianceStatus) int {
	var decided, passed int
	for _, c := range []models.CheckResult{s.MFA, s.RLS, s.PITR} {
		switch c.Status {
		case models.CheckStatusPassed:
			passed++
			decided++
		case models.CheckStatusFailed, models.CheckStatusError:
			decided++
		}
	}
	if decided == 0 {
		return 0
	}
	return int(math.Round(float64(passed) / float64(decided) * 100))
}
