// Package engine orchestrates compliance audits: it discovers projects,
// fans the per-project audit out across them and serves the overview and
// per-project views from a single owner of the results.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/qualys/dbcompliance/internal/aggregation"
	"github.com/qualys/dbcompliance/internal/auditerr"
	"github.com/qualys/dbcompliance/internal/connectors"
	"github.com/qualys/dbcompliance/internal/credentials"
	"github.com/qualys/dbcompliance/internal/models"
)

type State string

const (
	StateIdle        State = "idle"
	StateDiscovering State = "discovering"
	StateAuditing    State = "auditing"
	StateReady       State = "ready"
)

type View string

const (
	ViewOverview View = "overview"
	ViewProject  View = "project"
)

// UnknownProjectName labels a single-project audit whose name could not be
// looked up.
const UnknownProjectName = "Unknown Project"

var (
	ErrNotStarted     = errors.New("audit not started")
	ErrUnknownProject = errors.New("unknown project")
)

// CredentialResolver is satisfied by *credentials.Resolver.
type CredentialResolver interface {
	Resolve(ctx context.Context) (credentials.Credentials, error)
}

// Ledger is the evidence log the auditor writes to and reads back.
type Ledger interface {
	EvidenceSink
	Merged() []models.EvidenceEntry
	Refresh(ctx context.Context) error
}

// BudgetReporter reports how many management API requests a credential
// may still issue in the current window.
type BudgetReporter interface {
	Remaining(ctx context.Context, token string) (int, error)
}

// Durability is implemented by ledgers that persist entries.
type Durability interface {
	Durable() bool
	Dropped() int64
}

// Summary describes one completed global run.
type Summary struct {
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
	Scope      string                  `json:"scope"`
	Projects   int                     `json:"projects"`
	Status     models.ComplianceStatus `json:"status"`
	Overall    models.CheckStatus      `json:"overall"`
	Score      int                     `json:"score"`
	Reports    []Report                `json:"reports"`
}

// CompletionHook runs after every global run.
type CompletionHook func(ctx context.Context, s Summary)

// Snapshot is an immutable copy of what the presentation layer shows.
type Snapshot struct {
	State           State                   `json:"state"`
	View            View                    `json:"view"`
	SelectedProject string                  `json:"selected_project,omitempty"`
	Scope           string                  `json:"scope,omitempty"`
	InFlight        []string                `json:"in_flight"`
	Projects        []models.Project        `json:"projects"`
	Status          models.ComplianceStatus `json:"status"`
	Overall         models.CheckStatus      `json:"overall"`
	Score           int                     `json:"score"`
	LastRun         *time.Time              `json:"last_run,omitempty"`

	RequestsRemaining *int  `json:"requests_remaining,omitempty"`
	EvidenceDurable   bool  `json:"evidence_durable"`
	EvidenceDropped   int64 `json:"evidence_dropped,omitempty"`
}

const budgetLookupTimeout = 2 * time.Second

type Config struct {
	MaxConcurrency int
}

// Auditor is the audit state machine. It moves Idle → Discovering →
// Auditing → Ready and back to Auditing on every re-run.
type Auditor struct {
	resolver CredentialResolver
	lister   connectors.ProjectLister
	runner   *Runner
	results  *ComplianceMap
	ledger   Ledger
	budget   BudgetReporter
	limit    int
	logger   *zap.SugaredLogger
	now      func() time.Time

	mu       sync.RWMutex
	state    State
	view     View
	selected string
	creds    credentials.Credentials
	projects []models.Project
	active   map[string]int
	lastRun  *time.Time
	hooks    []CompletionHook
}

type AuditorOption func(*Auditor)

// WithBudget lets snapshots report the remaining request budget of the
// active credential.
func WithBudget(b BudgetReporter) AuditorOption {
	return func(a *Auditor) {
		a.budget = b
	}
}

func NewAuditor(cfg Config, resolver CredentialResolver, lister connectors.ProjectLister, runner *Runner, ledger Ledger, logger *zap.SugaredLogger, opts ...AuditorOption) *Auditor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	limit := cfg.MaxConcurrency
	if limit <= 0 {
		limit = 4
	}
	a := &Auditor{
		resolver: resolver,
		lister:   lister,
		runner:   runner,
		results:  runner.results,
		ledger:   ledger,
		limit:    limit,
		logger:   logger,
		now:      time.Now,
		state:    StateIdle,
		view:     ViewOverview,
		active:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// OnComplete registers a hook fired after each global run.
func (a *Auditor) OnComplete(h CompletionHook) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hooks = append(a.hooks, h)
}

func (a *Auditor) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Projects returns the discovered projects.
func (a *Auditor) Projects() []models.Project {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]models.Project(nil), a.projects...)
}

// Start resolves credentials, discovers the projects in scope and audits
// all of them. Calling it again starts over with freshly resolved
// credentials. Missing credentials and an invalid scope are returned
// before anything is probed.
func (a *Auditor) Start(ctx context.Context) (Summary, error) {
	creds, err := a.resolver.Resolve(ctx)
	if err != nil {
		if !errors.Is(err, auditerr.ErrMissingCredentials) {
			a.ledger.Append(models.EvidenceEntry{
				Check:   models.EvidenceCheckCredentialCheck,
				Status:  models.EvidenceError,
				Details: err.Error(),
			})
		}
		return Summary{}, err
	}

	a.mu.Lock()
	prev := a.state
	a.state = StateDiscovering
	a.mu.Unlock()

	projects, err := a.discover(ctx, creds)
	if err != nil {
		// The previous credentials and projects are still in place, so the
		// cached view stays usable.
		a.mu.Lock()
		if a.state == StateDiscovering {
			switch {
			case prev == StateIdle, a.creds.Token == "":
				a.state = StateIdle
			case len(a.active) > 0:
				a.state = StateAuditing
			default:
				a.state = StateReady
			}
		}
		a.mu.Unlock()
		return Summary{}, err
	}

	a.mu.Lock()
	a.creds = creds
	a.projects = projects
	a.state = StateAuditing
	a.mu.Unlock()

	a.logger.Infow("projects discovered",
		"scope", creds.Scope.String(),
		"count", len(projects))

	return a.RunAll(ctx)
}

func (a *Auditor) discover(ctx context.Context, creds credentials.Credentials) ([]models.Project, error) {
	if creds.Scope.AllProjects {
		projects, err := a.lister.ListProjects(ctx, creds.Token)
		if err != nil {
			a.ledger.Append(models.EvidenceEntry{
				Check:   models.EvidenceCheckProjectsFetch,
				Status:  models.EvidenceError,
				Details: fmt.Sprintf("Failed to fetch projects: %v", err),
			})
			return nil, err
		}
		return projects, nil
	}

	ref := creds.Scope.ProjectID
	if ref == "" {
		a.ledger.Append(models.EvidenceEntry{
			Check:   models.EvidenceCheckRun,
			Status:  models.EvidenceError,
			Details: "No project reference provided",
		})
		return nil, fmt.Errorf("%w: no project reference provided", auditerr.ErrInvalidScope)
	}

	project := models.Project{ID: ref, Ref: ref, Name: UnknownProjectName}

	// Only account tokens can list projects. The name is cosmetic, so a
	// failed lookup keeps the placeholder.
	if creds.Class == credentials.TokenClassPAT {
		listed, err := a.lister.ListProjects(ctx, creds.Token)
		if err != nil {
			a.logger.Warnw("could not look up project name", "project_id", ref, "error", err)
		}
		for _, p := range listed {
			if p.ID == ref || p.Ref == ref {
				project = p
				break
			}
		}
	}

	return []models.Project{project}, nil
}

// RunAll audits every discovered project concurrently, bounded by the
// configured concurrency, and waits for all of them.
func (a *Auditor) RunAll(ctx context.Context) (Summary, error) {
	a.mu.RLock()
	creds, projects := a.creds, append([]models.Project(nil), a.projects...)
	started := a.state != StateIdle
	a.mu.RUnlock()

	if !started || creds.Token == "" {
		return Summary{}, ErrNotStarted
	}

	summary := Summary{
		StartedAt: a.now(),
		Scope:     creds.Scope.String(),
		Projects:  len(projects),
		Reports:   make([]Report, len(projects)),
	}

	a.logger.Infow("starting compliance run",
		"scope", summary.Scope,
		"projects", len(projects))

	var g errgroup.Group
	g.SetLimit(a.limit)
	for i, p := range projects {
		i, p := i, p
		g.Go(func() error {
			summary.Reports[i] = a.audit(ctx, creds.Token, p)
			return nil
		})
	}
	_ = g.Wait()

	summary.FinishedAt = a.now()
	summary.Status = a.aggregate()
	summary.Overall = aggregation.Overall(summary.Status)
	summary.Score = aggregation.Score(summary.Status)

	a.mu.Lock()
	if len(a.active) == 0 && a.state == StateAuditing {
		a.state = StateReady
	}
	finished := summary.FinishedAt
	a.lastRun = &finished
	hooks := append([]CompletionHook(nil), a.hooks...)
	a.mu.Unlock()

	a.logger.Infow("compliance run finished",
		"overall", summary.Overall,
		"score", summary.Score,
		"duration", summary.FinishedAt.Sub(summary.StartedAt))

	for _, h := range hooks {
		h(ctx, summary)
	}

	return summary, ctx.Err()
}

// RunProject re-audits one discovered project.
func (a *Auditor) RunProject(ctx context.Context, projectID string) (models.ComplianceStatus, error) {
	a.mu.RLock()
	creds := a.creds
	project, ok := a.findLocked(projectID)
	started := a.state != StateIdle
	a.mu.RUnlock()

	if !started || creds.Token == "" {
		return models.ComplianceStatus{}, ErrNotStarted
	}
	if !ok {
		return models.ComplianceStatus{}, fmt.Errorf("%w: %s", ErrUnknownProject, projectID)
	}

	report := a.audit(ctx, creds.Token, project)
	return report.Status, ctx.Err()
}

// Rerun is a user-requested re-run. An empty projectID re-runs every
// project. The request itself is recorded as evidence.
func (a *Auditor) Rerun(ctx context.Context, projectID string) error {
	details := "Manual re-run requested for all projects"
	entry := models.EvidenceEntry{Check: models.EvidenceCheckManualRerun, Status: models.EvidenceAction}

	if projectID != "" {
		a.mu.RLock()
		project, ok := a.findLocked(projectID)
		a.mu.RUnlock()
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownProject, projectID)
		}
		details = fmt.Sprintf("Manual re-run requested for %s", project.DisplayName())
		entry.Project = project.DisplayName()
		entry.ProjectID = project.ID
	}
	entry.Details = details
	a.ledger.Append(entry)

	if projectID == "" {
		_, err := a.RunAll(ctx)
		return err
	}
	_, err := a.RunProject(ctx, projectID)
	return err
}

// Remediate re-audits a project after a fix has been applied and records
// the start and end of the attempt.
func (a *Auditor) Remediate(ctx context.Context, projectID string) (models.ComplianceStatus, error) {
	a.mu.RLock()
	project, ok := a.findLocked(projectID)
	a.mu.RUnlock()
	if !ok {
		return models.ComplianceStatus{}, fmt.Errorf("%w: %s", ErrUnknownProject, projectID)
	}

	a.ledger.Append(models.EvidenceEntry{
		Check:     models.EvidenceCheckAutoFix,
		Status:    models.EvidenceInitiated,
		Details:   fmt.Sprintf("Auto-fix initiated for %s", project.DisplayName()),
		Project:   project.DisplayName(),
		ProjectID: project.ID,
	})

	status, err := a.RunProject(ctx, projectID)
	if err != nil {
		return status, err
	}

	a.ledger.Append(models.EvidenceEntry{
		Check:     models.EvidenceCheckAutoFix,
		Status:    models.EvidenceCompleted,
		Details:   fmt.Sprintf("Auto-fix completed for %s: %s", project.DisplayName(), aggregation.Overall(status)),
		Project:   project.DisplayName(),
		ProjectID: project.ID,
	})
	return status, nil
}

// SelectProject switches to the project view. Inactive projects always
// read as inactive. A project with results already in the map is shown as
// is; only a project never audited triggers a run.
func (a *Auditor) SelectProject(ctx context.Context, projectID string) (models.ComplianceStatus, error) {
	a.mu.Lock()
	project, ok := a.findLocked(projectID)
	if !ok {
		a.mu.Unlock()
		return models.ComplianceStatus{}, fmt.Errorf("%w: %s", ErrUnknownProject, projectID)
	}
	a.view = ViewProject
	a.selected = projectID
	a.mu.Unlock()

	if !project.IsActive() {
		return models.UniformStatus(models.InactiveResult()), nil
	}
	if cached, ok := a.results.Get(projectID); ok {
		return cached, nil
	}
	return a.RunProject(ctx, projectID)
}

func (a *Auditor) ShowOverview() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.view = ViewOverview
	a.selected = ""
}

// Current returns the state of the active view.
func (a *Auditor) Current() Snapshot {
	a.mu.RLock()
	snap := Snapshot{
		State:           a.state,
		View:            a.view,
		SelectedProject: a.selected,
		Projects:        append([]models.Project(nil), a.projects...),
		InFlight:        a.inFlightLocked(),
	}
	if a.state != StateIdle {
		snap.Scope = a.creds.Scope.String()
	}
	if a.lastRun != nil {
		t := *a.lastRun
		snap.LastRun = &t
	}
	project, found := a.findLocked(a.selected)
	token := a.creds.Token
	a.mu.RUnlock()

	if d, ok := a.ledger.(Durability); ok {
		snap.EvidenceDurable = d.Durable()
		snap.EvidenceDropped = d.Dropped()
	}
	if a.budget != nil && token != "" {
		ctx, cancel := context.WithTimeout(context.Background(), budgetLookupTimeout)
		remaining, err := a.budget.Remaining(ctx, token)
		cancel()
		if err != nil {
			a.logger.Debugw("could not read request budget", "error", err)
		} else {
			snap.RequestsRemaining = &remaining
		}
	}

	switch {
	case snap.View == ViewOverview:
		snap.Status = a.aggregate()
	case found && !project.IsActive():
		snap.Status = models.UniformStatus(models.InactiveResult())
	default:
		status, ok := a.results.Get(snap.SelectedProject)
		if !ok {
			status = models.UniformStatus(models.CheckingResult(PlaceholderPercentage))
		}
		snap.Status = status
	}

	snap.Overall = aggregation.Overall(snap.Status)
	snap.Score = aggregation.Score(snap.Status)
	return snap
}

// ProjectStatus returns the stored results for one project.
func (a *Auditor) ProjectStatus(projectID string) (models.ComplianceStatus, bool) {
	return a.results.Get(projectID)
}

func (a *Auditor) OverallStatus() models.CheckStatus {
	return a.Current().Overall
}

func (a *Auditor) Score() int {
	return a.Current().Score
}

// Evidence returns the merged evidence log, newest first.
func (a *Auditor) Evidence() []models.EvidenceEntry {
	return a.ledger.Merged()
}

func (a *Auditor) RefreshEvidence(ctx context.Context) error {
	return a.ledger.Refresh(ctx)
}

// aggregate rolls up the discovered active projects only.
func (a *Auditor) aggregate() models.ComplianceStatus {
	snapshot := a.results.Snapshot()

	a.mu.RLock()
	scoped := make(models.ProjectComplianceMap, len(a.projects))
	for _, p := range a.projects {
		if !p.IsActive() {
			continue
		}
		if s, ok := snapshot[p.ID]; ok {
			scoped[p.ID] = s
		}
	}
	a.mu.RUnlock()

	return aggregation.Aggregate(scoped)
}

// audit wraps Runner.AuditProject with the Auditing/Ready bookkeeping.
func (a *Auditor) audit(ctx context.Context, token string, p models.Project) Report {
	a.mu.Lock()
	a.active[p.ID]++
	if a.state != StateDiscovering {
		a.state = StateAuditing
	}
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.active[p.ID]--
		if a.active[p.ID] <= 0 {
			delete(a.active, p.ID)
		}
		// A discovery in progress owns the state until it finishes.
		if len(a.active) == 0 && a.state == StateAuditing {
			a.state = StateReady
		}
		a.mu.Unlock()
	}()

	return a.runner.AuditProject(ctx, token, p)
}

func (a *Auditor) findLocked(projectID string) (models.Project, bool) {
	if projectID == "" {
		return models.Project{}, false
	}
	for _, p := range a.projects {
		if p.ID == projectID {
			return p, true
		}
	}
	return models.Project{}, false
}

func (a *Auditor) inFlightLocked() []string {
	ids := make([]string, 0, len(a.active))
	for id := range a.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
