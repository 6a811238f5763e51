package engine

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/qualys/dbcompliance/internal/auditerr"
	"github.com/qualys/dbcompliance/internal/connectors"
	"github.com/qualys/dbcompliance/internal/credentials"
	"github.com/qualys/dbcompliance/internal/evidence"
	"github.com/qualys/dbcompliance/internal/models"
	"github.com/qualys/dbcompliance/internal/probes"
)

type stubResolver struct {
	creds credentials.Credentials
	err   error
}

func (s stubResolver) Resolve(context.Context) (credentials.Credentials, error) {
	return s.creds, s.err
}

type mockLister struct {
	mock.Mock
}

func (m *mockLister) ListProjects(ctx context.Context, token string) ([]models.Project, error) {
	args := m.Called(ctx, token)
	projects, _ := args.Get(0).([]models.Project)
	return projects, args.Error(1)
}

func patCreds() credentials.Credentials {
	return credentials.Credentials{
		Token: "sbp_abc",
		Scope: credentials.AllProjects(),
		Class: credentials.TokenClassPAT,
	}
}

type fixture struct {
	auditor *Auditor
	probes  *probeSet
	ledger  *evidence.Ledger
	lister  *mockLister
}

func newFixture(t *testing.T, resolver CredentialResolver) *fixture {
	t.Helper()
	ps := newProbeSet()
	ledger := evidence.New()
	runner := NewRunner(ps.list(), NewComplianceMap(), ledger, nil)
	lister := new(mockLister)
	return &fixture{
		auditor: NewAuditor(Config{MaxConcurrency: 2}, resolver, lister, runner, ledger, nil),
		probes:  ps,
		ledger:  ledger,
		lister:  lister,
	}
}

func threeProjects() []models.Project {
	return []models.Project{
		activeProject("p1"),
		activeProject("p2"),
		{ID: "p3", Name: "archived", Status: models.ProjectStatusInactive},
	}
}

func TestStart_AuditsEveryActiveProject(t *testing.T) {
	f := newFixture(t, stubResolver{creds: patCreds()})
	f.lister.On("ListProjects", mock.Anything, "sbp_abc").Return(threeProjects(), nil)

	var hooked atomic.Int32
	f.auditor.OnComplete(func(ctx context.Context, s Summary) {
		hooked.Add(1)
		assert.Equal(t, models.CheckStatusPassed, s.Overall)
	})

	assert.Equal(t, StateIdle, f.auditor.State())

	summary, err := f.auditor.Start(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateReady, f.auditor.State())
	assert.Equal(t, 3, summary.Projects)
	assert.Equal(t, "all-projects", summary.Scope)
	assert.Equal(t, int32(2), f.probes.mfa.calls.Load())
	assert.Equal(t, int32(2), f.probes.pitr.calls.Load())
	assert.Equal(t, models.CheckStatusPassed, summary.Status.MFA.Status)
	assert.Len(t, summary.Status.MFA.Details, 2)
	assert.Equal(t, 100, summary.Score)
	assert.Equal(t, int32(1), hooked.Load())

	inactive, ok := f.auditor.ProjectStatus("p3")
	require.True(t, ok)
	assert.Equal(t, models.CheckStatusInactive, inactive.RLS.Status)

	snap := f.auditor.Current()
	assert.Equal(t, ViewOverview, snap.View)
	assert.Empty(t, snap.InFlight)
	assert.NotNil(t, snap.LastRun)
	assert.Equal(t, models.CheckStatusPassed, snap.Overall)
}

func TestStart_OneErrorWinsOverFailures(t *testing.T) {
	f := newFixture(t, stubResolver{creds: patCreds()})
	f.lister.On("ListProjects", mock.Anything, "sbp_abc").Return(threeProjects(), nil)
	f.probes.rls.run = func(ctx context.Context, projectID string) (models.CheckResult, error) {
		if projectID == "p1" {
			return models.ErrorResult("timeout"), errors.New("timeout")
		}
		return models.CheckResult{
			Status:  models.CheckStatusFailed,
			Details: []models.Finding{{Kind: models.FindingTable, Table: &models.TableFinding{ID: "public.t"}}},
		}, nil
	}

	summary, err := f.auditor.Start(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.CheckStatusError, summary.Status.RLS.Status)
	assert.Equal(t, models.CheckStatusError, summary.Overall)
	assert.Equal(t, models.CheckStatusPassed, summary.Status.MFA.Status)
}

func TestStart_MissingCredentials(t *testing.T) {
	f := newFixture(t, stubResolver{err: auditerr.ErrMissingCredentials})

	_, err := f.auditor.Start(context.Background())
	assert.ErrorIs(t, err, auditerr.ErrMissingCredentials)
	assert.Equal(t, StateIdle, f.auditor.State())
	assert.Empty(t, f.ledger.Local())
	f.lister.AssertNotCalled(t, "ListProjects", mock.Anything, mock.Anything)
}

func TestStart_InvalidScopeIsRecorded(t *testing.T) {
	f := newFixture(t, stubResolver{err: auditerr.ErrInvalidScope})

	_, err := f.auditor.Start(context.Background())
	assert.ErrorIs(t, err, auditerr.ErrInvalidScope)
	assert.Equal(t, int32(0), f.probes.total())

	local := f.ledger.Local()
	require.Len(t, local, 1)
	assert.Equal(t, models.EvidenceCheckCredentialCheck, local[0].Check)
}

func TestStart_DiscoveryFailureIsNotZeroProjects(t *testing.T) {
	f := newFixture(t, stubResolver{creds: patCreds()})
	f.lister.On("ListProjects", mock.Anything, "sbp_abc").
		Return(nil, &auditerr.DiscoveryError{HTTPStatus: http.StatusBadGateway, Message: "upstream"})

	_, err := f.auditor.Start(context.Background())

	var de *auditerr.DiscoveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, StateIdle, f.auditor.State())

	local := f.ledger.Local()
	require.Len(t, local, 1)
	assert.Equal(t, models.EvidenceCheckProjectsFetch, local[0].Check)
	assert.Equal(t, models.EvidenceError, local[0].Status)
}

func TestStart_SingleProjectWithProjectKey(t *testing.T) {
	creds := credentials.Credentials{
		Token: "service-key",
		Scope: credentials.SingleProject("ref1"),
		Class: credentials.TokenClassProject,
	}
	f := newFixture(t, stubResolver{creds: creds})

	summary, err := f.auditor.Start(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Projects)
	assert.Equal(t, UnknownProjectName, summary.Reports[0].ProjectName)
	assert.Equal(t, "ref1", summary.Reports[0].ProjectID)
	f.lister.AssertNotCalled(t, "ListProjects", mock.Anything, mock.Anything)
}

func TestStart_SingleProjectLooksUpName(t *testing.T) {
	creds := patCreds()
	creds.Scope = credentials.SingleProject("p2")
	f := newFixture(t, stubResolver{creds: creds})
	f.lister.On("ListProjects", mock.Anything, "sbp_abc").Return(threeProjects(), nil)

	summary, err := f.auditor.Start(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "proj-p2", summary.Reports[0].ProjectName)
	assert.Equal(t, int32(1), f.probes.mfa.calls.Load())
}

func TestStart_SingleProjectWithoutReference(t *testing.T) {
	creds := patCreds()
	creds.Scope = credentials.SingleProject("")
	f := newFixture(t, stubResolver{creds: creds})

	_, err := f.auditor.Start(context.Background())
	assert.ErrorIs(t, err, auditerr.ErrInvalidScope)

	local := f.ledger.Local()
	require.Len(t, local, 1)
	assert.Equal(t, models.EvidenceCheckRun, local[0].Check)
}

func TestRunAll_BeforeStart(t *testing.T) {
	f := newFixture(t, stubResolver{creds: patCreds()})
	_, err := f.auditor.RunAll(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestSelectProject_CachedResultsAreNotReprobed(t *testing.T) {
	f := newFixture(t, stubResolver{creds: patCreds()})
	f.lister.On("ListProjects", mock.Anything, "sbp_abc").Return(threeProjects(), nil)
	_, err := f.auditor.Start(context.Background())
	require.NoError(t, err)

	before := f.probes.total()

	for i := 0; i < 3; i++ {
		status, err := f.auditor.SelectProject(context.Background(), "p1")
		require.NoError(t, err)
		assert.Equal(t, models.CheckStatusPassed, status.MFA.Status)
		f.auditor.ShowOverview()
	}

	assert.Equal(t, before, f.probes.total())
}

func TestSelectProject_UncachedProjectIsAudited(t *testing.T) {
	f := newFixture(t, stubResolver{})
	f.auditor.creds = patCreds()
	f.auditor.projects = threeProjects()
	f.auditor.state = StateReady

	status, err := f.auditor.SelectProject(context.Background(), "p2")
	require.NoError(t, err)
	assert.Equal(t, models.CheckStatusPassed, status.RLS.Status)
	assert.Equal(t, int32(1), f.probes.rls.calls.Load())

	snap := f.auditor.Current()
	assert.Equal(t, ViewProject, snap.View)
	assert.Equal(t, "p2", snap.SelectedProject)
	assert.Equal(t, models.CheckStatusPassed, snap.Overall)
}

func TestSelectProject_InactiveOverridesCache(t *testing.T) {
	f := newFixture(t, stubResolver{})
	f.auditor.creds = patCreds()
	f.auditor.projects = threeProjects()
	f.auditor.state = StateReady

	// A stale passing result from before the project was paused.
	f.auditor.results.Replace("p3", models.UniformStatus(passing(models.CheckMFA)))

	status, err := f.auditor.SelectProject(context.Background(), "p3")
	require.NoError(t, err)
	for _, c := range models.CheckTypes {
		assert.Equal(t, models.CheckStatusInactive, status.Check(c).Status)
	}
	assert.Equal(t, models.CheckStatusInactive, f.auditor.Current().Overall)
	assert.Equal(t, int32(0), f.probes.total())
}

func TestSelectProject_Unknown(t *testing.T) {
	f := newFixture(t, stubResolver{})
	_, err := f.auditor.SelectProject(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownProject)
}

func TestRerun_RecordsActionAndReprobes(t *testing.T) {
	f := newFixture(t, stubResolver{creds: patCreds()})
	f.lister.On("ListProjects", mock.Anything, "sbp_abc").Return(threeProjects(), nil)
	_, err := f.auditor.Start(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.auditor.Rerun(context.Background(), "p1"))
	assert.Equal(t, int32(3), f.probes.mfa.calls.Load())

	require.NoError(t, f.auditor.Rerun(context.Background(), ""))
	assert.Equal(t, int32(5), f.probes.mfa.calls.Load())

	var actions []models.EvidenceEntry
	for _, e := range f.ledger.Local() {
		if e.Check == models.EvidenceCheckManualRerun {
			actions = append(actions, e)
		}
	}
	require.Len(t, actions, 2)
	assert.Equal(t, models.EvidenceAction, actions[0].Status)
	assert.Equal(t, "p1", actions[0].ProjectID)
	assert.Empty(t, actions[1].ProjectID)
	assert.Equal(t, StateReady, f.auditor.State())
}

func TestRemediate(t *testing.T) {
	f := newFixture(t, stubResolver{creds: patCreds()})
	f.lister.On("ListProjects", mock.Anything, "sbp_abc").Return(threeProjects(), nil)
	_, err := f.auditor.Start(context.Background())
	require.NoError(t, err)

	status, err := f.auditor.Remediate(context.Background(), "p2")
	require.NoError(t, err)
	assert.Equal(t, models.CheckStatusPassed, status.MFA.Status)

	var fix []models.EvidenceStatus
	for _, e := range f.ledger.Local() {
		if e.Check == models.EvidenceCheckAutoFix {
			fix = append(fix, e.Status)
		}
	}
	assert.Equal(t, []models.EvidenceStatus{models.EvidenceInitiated, models.EvidenceCompleted}, fix)
}

type fakeAPI struct{}

func (fakeAPI) CheckMFA(ctx context.Context, token, ref string) (*connectors.MFAResponse, error) {
	verified := []connectors.Factor{{ID: "f", Status: "verified"}}
	return &connectors.MFAResponse{
		TotalCount: 3, EnabledCount: 2,
		Details: []connectors.MFAUser{
			{ID: "u1", MFAEnabled: true, Factors: verified},
			{ID: "u2", MFAEnabled: true, Factors: verified},
			{ID: "u3"},
		},
	}, nil
}

func (fakeAPI) CheckRLS(ctx context.Context, token, ref string) (*connectors.RLSResponse, error) {
	return &connectors.RLSResponse{}, nil
}

func (fakeAPI) CheckPITR(ctx context.Context, token, ref string) (*connectors.PITRResponse, error) {
	return &connectors.PITRResponse{Passed: true, TotalCount: 1, EnabledCount: 1}, nil
}

func TestEndToEndWithRealProbes(t *testing.T) {
	ledger := evidence.New()
	runner := NewRunner(probes.Default(fakeAPI{}, nil), NewComplianceMap(), ledger, nil)
	lister := new(mockLister)
	lister.On("ListProjects", mock.Anything, "sbp_abc").Return([]models.Project{activeProject("p1")}, nil)
	a := NewAuditor(Config{}, stubResolver{creds: patCreds()}, lister, runner, ledger, nil)

	summary, err := a.Start(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.CheckStatusFailed, summary.Status.MFA.Status)
	assert.Equal(t, 67, summary.Status.MFA.Percentage)
	assert.Equal(t, models.CheckStatusFailed, summary.Status.RLS.Status)
	assert.Equal(t, 0, summary.Status.RLS.Percentage)
	assert.Equal(t, models.CheckStatusPassed, summary.Status.PITR.Status)
	assert.Equal(t, 100, summary.Status.PITR.Percentage)
	assert.Equal(t, models.CheckStatusFailed, summary.Overall)
	assert.Equal(t, 33, summary.Score)

	assert.Len(t, a.Evidence(), 4)
}

func TestStart_FailedRediscoveryKeepsCachedView(t *testing.T) {
	f := newFixture(t, stubResolver{creds: patCreds()})
	f.lister.On("ListProjects", mock.Anything, "sbp_abc").Return(threeProjects(), nil).Once()
	f.lister.On("ListProjects", mock.Anything, "sbp_abc").
		Return(nil, &auditerr.DiscoveryError{HTTPStatus: http.StatusBadGateway, Message: "upstream"}).Once()

	_, err := f.auditor.Start(context.Background())
	require.NoError(t, err)

	_, err = f.auditor.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateReady, f.auditor.State())
	assert.Len(t, f.auditor.Projects(), 3)

	before := f.probes.mfa.calls.Load()
	status, err := f.auditor.RunProject(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, models.CheckStatusPassed, status.MFA.Status)
	assert.Equal(t, before+1, f.probes.mfa.calls.Load())

	require.NoError(t, f.auditor.Rerun(context.Background(), ""))
	assert.Equal(t, StateReady, f.auditor.State())
}

func TestAuditFinishingDuringDiscoveryKeepsDiscovering(t *testing.T) {
	f := newFixture(t, stubResolver{creds: patCreds()})

	listing := make(chan struct{})
	releaseList := make(chan struct{})
	f.lister.On("ListProjects", mock.Anything, "sbp_abc").Return(threeProjects(), nil).Once()
	f.lister.On("ListProjects", mock.Anything, "sbp_abc").
		Run(func(mock.Arguments) {
			close(listing)
			<-releaseList
		}).
		Return(threeProjects(), nil).Once()

	_, err := f.auditor.Start(context.Background())
	require.NoError(t, err)

	releaseProbe := make(chan struct{})
	f.probes.mfa.run = func(ctx context.Context, projectID string) (models.CheckResult, error) {
		<-releaseProbe
		return passing(models.CheckMFA), nil
	}

	projectDone := make(chan struct{})
	go func() {
		defer close(projectDone)
		f.auditor.RunProject(context.Background(), "p1")
	}()
	require.Eventually(t, func() bool {
		return len(f.auditor.Current().InFlight) == 1
	}, time.Second, 5*time.Millisecond)

	startDone := make(chan error, 1)
	go func() {
		_, err := f.auditor.Start(context.Background())
		startDone <- err
	}()
	<-listing

	close(releaseProbe)
	<-projectDone
	assert.Equal(t, StateDiscovering, f.auditor.State())

	close(releaseList)
	require.NoError(t, <-startDone)
	assert.Equal(t, StateReady, f.auditor.State())
}

type fixedBudget struct {
	remaining int
	token     string
}

func (b *fixedBudget) Remaining(_ context.Context, token string) (int, error) {
	b.token = token
	return b.remaining, nil
}

type acceptingStore struct{}

func (acceptingStore) InsertEvidence(context.Context, *models.EvidenceEntry) error { return nil }
func (acceptingStore) CountEvidence(context.Context, string) (int, error)          { return 0, nil }
func (acceptingStore) ListEvidence(context.Context, string, int, int) ([]models.EvidenceEntry, error) {
	return nil, nil
}

func TestCurrent_ReportsBudgetAndDurability(t *testing.T) {
	ps := newProbeSet()
	ledger := evidence.New(evidence.WithStore(acceptingStore{}, "owner-1"))
	t.Cleanup(func() { ledger.Close(context.Background()) })
	runner := NewRunner(ps.list(), NewComplianceMap(), ledger, nil)
	lister := new(mockLister)
	lister.On("ListProjects", mock.Anything, "sbp_abc").Return(threeProjects(), nil)
	budget := &fixedBudget{remaining: 42}

	a := NewAuditor(Config{}, stubResolver{creds: patCreds()}, lister, runner, ledger, nil, WithBudget(budget))

	snap := a.Current()
	assert.Nil(t, snap.RequestsRemaining)
	assert.True(t, snap.EvidenceDurable)

	_, err := a.Start(context.Background())
	require.NoError(t, err)

	snap = a.Current()
	require.NotNil(t, snap.RequestsRemaining)
	assert.Equal(t, 42, *snap.RequestsRemaining)
	assert.Equal(t, "sbp_abc", budget.token)
	assert.True(t, snap.EvidenceDurable)
	assert.Zero(t, snap.EvidenceDropped)
}

func TestCurrent_SessionLedgerIsNotDurable(t *testing.T) {
	f := newFixture(t, stubResolver{creds: patCreds()})
	assert.False(t, f.auditor.Current().EvidenceDurable)
}
