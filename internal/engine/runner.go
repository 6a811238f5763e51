package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qualys/dbcompliance/internal/aggregation"
	"github.com/qualys/dbcompliance/internal/auditerr"
	"github.com/qualys/dbcompliance/internal/models"
	"github.com/qualys/dbcompliance/internal/probes"
)

// EvidenceSink receives an entry for every probe outcome.
type EvidenceSink interface {
	Append(e models.EvidenceEntry) models.EvidenceEntry
}

// Report is the outcome of one AuditProject call.
type Report struct {
	ProjectID   string                  `json:"project_id"`
	ProjectName string                  `json:"project_name"`
	Status      models.ComplianceStatus `json:"status"`
	Errors      []error                 `json:"-"`
	// Superseded is set when a newer run for the same project took over
	// before this one finished. Its remaining results were discarded.
	Superseded bool          `json:"superseded,omitempty"`
	Duration   time.Duration `json:"duration"`
}

type inflightRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Runner audits one project at a time per call. Calls for different
// projects may run concurrently. A new call for a project that is already
// being audited cancels the older run and waits for it to stop.
type Runner struct {
	probes  []probes.Probe
	results *ComplianceMap
	sink    EvidenceSink
	logger  *zap.SugaredLogger
	now     func() time.Time

	mu       sync.Mutex
	inflight map[string]*inflightRun
}

func NewRunner(ps []probes.Probe, results *ComplianceMap, sink EvidenceSink, logger *zap.SugaredLogger) *Runner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Runner{
		probes:   ps,
		results:  results,
		sink:     sink,
		logger:   logger,
		now:      time.Now,
		inflight: make(map[string]*inflightRun),
	}
}

// InFlight returns the ids of projects with a run in progress.
func (r *Runner) InFlight() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.inflight))
	for id := range r.inflight {
		ids = append(ids, id)
	}
	return ids
}

// AuditProject runs every probe against project in order and stores each
// result as soon as it is known. Inactive projects are never probed.
func (r *Runner) AuditProject(ctx context.Context, token string, project models.Project) Report {
	start := r.now()
	report := Report{ProjectID: project.ID, ProjectName: project.DisplayName()}

	if !project.IsActive() {
		r.cancelInflight(project.ID)
		r.results.Replace(project.ID, models.UniformStatus(models.InactiveResult()))
		report.Status, _ = r.results.Get(project.ID)
		r.logger.Infow("skipping inactive project",
			"project_id", project.ID,
			"status", project.Status)
		return report
	}

	runCtx, prev, release := r.acquire(ctx, project.ID)
	defer release()

	// Begin before waiting on the older run so its late writes are dropped.
	gen := r.results.Begin(project.ID)

	if prev != nil {
		r.logger.Infow("cancelling previous run", "project_id", project.ID)
		prev.cancel()
		select {
		case <-prev.done:
		case <-ctx.Done():
			r.abandon(project, gen, r.probes, ctx.Err())
			report.Status, _ = r.results.Get(project.ID)
			report.Errors = append(report.Errors, ctx.Err())
			return report
		}
	}

	r.logger.Infow("auditing project",
		"project_id", project.ID,
		"project", report.ProjectName)

	for i, p := range r.probes {
		if runCtx.Err() != nil {
			r.abandon(project, gen, r.probes[i:], runCtx.Err())
			break
		}

		res, err := r.runProbe(runCtx, p, token, project.ID)
		tagFindings(res.Details, project)

		if !r.results.Set(project.ID, gen, p.Check(), res) {
			report.Superseded = true
			break
		}
		if err != nil {
			report.Errors = append(report.Errors, err)
		}
		r.sink.Append(probeEvidence(project, p.Check(), res))
	}

	if !r.results.Current(project.ID, gen) {
		report.Superseded = true
	}
	report.Status, _ = r.results.Get(project.ID)
	report.Duration = r.now().Sub(start)

	if report.Superseded {
		r.logger.Infow("project audit superseded by a newer run", "project_id", project.ID)
		return report
	}

	overall := aggregation.Overall(report.Status)
	r.sink.Append(models.EvidenceEntry{
		Check:     models.EvidenceCheckProject,
		Status:    models.EvidenceStatusFor(overall),
		Details:   fmt.Sprintf("Compliance check completed for %s: score %d%%", report.ProjectName, aggregation.Score(report.Status)),
		Project:   report.ProjectName,
		ProjectID: project.ID,
	})

	r.logger.Infow("project audit finished",
		"project_id", project.ID,
		"overall", overall,
		"errors", len(report.Errors),
		"duration", report.Duration)

	return report
}

// acquire registers a run for projectID and returns the older run it
// replaces, if any.
func (r *Runner) acquire(ctx context.Context, projectID string) (context.Context, *inflightRun, func()) {
	runCtx, cancel := context.WithCancel(ctx)
	cur := &inflightRun{cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	prev := r.inflight[projectID]
	r.inflight[projectID] = cur
	r.mu.Unlock()

	release := func() {
		close(cur.done)
		cancel()
		r.mu.Lock()
		if r.inflight[projectID] == cur {
			delete(r.inflight, projectID)
		}
		r.mu.Unlock()
	}

	return runCtx, prev, release
}

func (r *Runner) cancelInflight(projectID string) {
	r.mu.Lock()
	prev := r.inflight[projectID]
	r.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}
}

// runProbe turns a panicking probe into an error result so the remaining
// probes still run.
func (r *Runner) runProbe(ctx context.Context, p probes.Probe, token, projectID string) (res models.CheckResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorw("probe panicked",
				"check", p.Check(),
				"project_id", projectID,
				"panic", rec,
				"stack", string(debug.Stack()))
			cause := fmt.Errorf("probe panicked: %v", rec)
			res = models.ErrorResult(cause.Error())
			err = &auditerr.ProbeError{Check: string(p.Check()), ProjectID: projectID, Cause: cause}
		}
	}()

	res, err = p.Run(ctx, token, projectID)
	if err != nil {
		r.logger.Warnw("probe failed",
			"check", p.Check(),
			"project_id", projectID,
			"error", err)
	}
	return res, err
}

// abandon marks the checks that never ran as errors so a cancelled run
// does not leave anything in the checking state.
func (r *Runner) abandon(project models.Project, gen uint64, rest []probes.Probe, cause error) {
	for _, p := range rest {
		res := models.ErrorResult(fmt.Sprintf("audit cancelled: %v", cause))
		if !r.results.Set(project.ID, gen, p.Check(), res) {
			return
		}
		r.sink.Append(probeEvidence(project, p.Check(), res))
	}
}

func tagFindings(findings []models.Finding, project models.Project) {
	for i := range findings {
		findings[i].ProjectID = project.ID
		findings[i].ProjectName = project.DisplayName()
	}
}

func probeEvidence(project models.Project, check models.CheckType, res models.CheckResult) models.EvidenceEntry {
	return models.EvidenceEntry{
		Check:     check.EvidenceName(),
		Status:    models.EvidenceStatusFor(res.Status),
		Details:   evidenceDetails(check, res),
		Project:   project.DisplayName(),
		ProjectID: project.ID,
	}
}

func evidenceDetails(check models.CheckType, res models.CheckResult) string {
	if res.Status == models.CheckStatusError {
		return fmt.Sprintf("Error checking %s: %s", checkLabel(check), res.Error)
	}

	compliant := 0
	for _, f := range res.Details {
		if f.Compliant() {
			compliant++
		}
	}
	total := len(res.Details)

	switch check {
	case models.CheckMFA:
		return fmt.Sprintf("%d/%d users have MFA enabled", compliant, total)
	case models.CheckRLS:
		return fmt.Sprintf("%d/%d tables have RLS enabled", compliant, total)
	default:
		return fmt.Sprintf("%d/%d projects have PITR enabled", compliant, total)
	}
}

func checkLabel(check models.CheckType) string {
	switch check {
	case models.CheckMFA:
		return "MFA"
	case models.CheckRLS:
		return "RLS"
	case models.CheckPITR:
		return "PITR"
	}
	return string(check)
}
