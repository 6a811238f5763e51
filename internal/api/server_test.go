package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/dbcompliance/internal/auditerr"
	"github.com/qualys/dbcompliance/internal/auth"
	"github.com/qualys/dbcompliance/internal/config"
	"github.com/qualys/dbcompliance/internal/connectors"
	"github.com/qualys/dbcompliance/internal/credentials"
	"github.com/qualys/dbcompliance/internal/engine"
	"github.com/qualys/dbcompliance/internal/models"
	"github.com/qualys/dbcompliance/internal/reports"
	"github.com/qualys/dbcompliance/internal/scheduler"
)

type fakeAuditor struct {
	mu        sync.Mutex
	projects  []models.Project
	results   map[string]models.ComplianceStatus
	evidence  []models.EvidenceEntry
	startErr  error
	refresh   error
	started   int
	reruns    []string
	selected  string
	overview  bool
	remediate []string
}

func passedStatus() models.ComplianceStatus {
	return models.UniformStatus(models.CheckResult{Status: models.CheckStatusPassed, Percentage: 100, Details: []models.Finding{}})
}

func newFakeAuditor() *fakeAuditor {
	return &fakeAuditor{
		projects: []models.Project{
			{ID: "p1", Name: "billing", Status: models.ProjectStatusActiveHealthy},
			{ID: "p2", Name: "ledger", Status: models.ProjectStatusActiveHealthy},
			{ID: "p3", Name: "archived", Status: models.ProjectStatusInactive},
		},
		results: map[string]models.ComplianceStatus{"p1": passedStatus()},
		evidence: []models.EvidenceEntry{
			{Check: "MFA Verification", Status: models.EvidencePassed, ProjectID: "p1", Details: "2/2 users have MFA enabled"},
			{Check: "RLS Verification", Status: models.EvidenceFailed, ProjectID: "p2", Details: "1/2 tables have RLS enabled"},
			{Check: "Projects Fetch", Status: models.EvidenceError, Details: "Failed to fetch projects: HTTP 500"},
		},
	}
}

func (f *fakeAuditor) Start(context.Context) (engine.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return engine.Summary{}, f.startErr
}

func (f *fakeAuditor) Current() engine.Snapshot {
	remaining := 57
	return engine.Snapshot{
		State:             engine.StateReady,
		View:              engine.ViewOverview,
		Overall:           models.CheckStatusPassed,
		Score:             100,
		RequestsRemaining: &remaining,
		EvidenceDurable:   true,
	}
}

func (f *fakeAuditor) Projects() []models.Project { return f.projects }

func (f *fakeAuditor) ProjectStatus(id string) (models.ComplianceStatus, bool) {
	s, ok := f.results[id]
	return s, ok
}

func (f *fakeAuditor) SelectProject(_ context.Context, id string) (models.ComplianceStatus, error) {
	for _, p := range f.projects {
		if p.ID == id {
			f.selected = id
			return passedStatus(), nil
		}
	}
	return models.ComplianceStatus{}, engine.ErrUnknownProject
}

func (f *fakeAuditor) ShowOverview() { f.overview = true }

func (f *fakeAuditor) Rerun(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reruns = append(f.reruns, id)
	return nil
}

func (f *fakeAuditor) Remediate(_ context.Context, id string) (models.ComplianceStatus, error) {
	f.remediate = append(f.remediate, id)
	return passedStatus(), nil
}

func (f *fakeAuditor) Evidence() []models.EvidenceEntry { return f.evidence }

func (f *fakeAuditor) RefreshEvidence(context.Context) error { return f.refresh }

type recordingSaver struct {
	token string
	scope credentials.Scope
}

func (r *recordingSaver) Save(_ context.Context, token string, scope credentials.Scope) error {
	r.token, r.scope = token, scope
	return nil
}

type stubValidator struct{ err error }

func (v stubValidator) ValidateCredentials(context.Context, connectors.ValidateRequest) error {
	return v.err
}

type testServer struct {
	*Server
	auditor *fakeAuditor
	auth    *auth.Service
}

func newTestServer(t *testing.T, opts ...ServerOption) *testServer {
	t.Helper()
	a := newFakeAuditor()
	as := auth.NewService(auth.Config{JWTSecret: "secret"})
	s := NewServer(config.ServerConfig{CORSAllowOrigin: "http://localhost"}, as, a, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.runs.Shutdown(ctx)
	})
	return &testServer{Server: s, auditor: a, auth: as}
}

func (ts *testServer) do(t *testing.T, role auth.Role, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if role != "" {
		tok, err := ts.auth.Issue("owner-1", role, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	}
	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) apiResponse {
	t.Helper()
	var resp struct {
		apiResponse
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	if out != nil {
		require.NoError(t, json.Unmarshal(resp.Data, out))
	}
	return resp.apiResponse
}

func TestHealthIsPublic(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAPIRequiresToken(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, "", http.MethodGet, "/api/v1/status", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestReadyChecksDatabase(t *testing.T) {
	ts := newTestServer(t, WithDatabase(pingerFunc(func(context.Context) error { return errors.New("down") })))
	rec := ts.do(t, "", http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestStatusAndScore(t *testing.T) {
	ts := newTestServer(t)

	var snap engine.Snapshot
	rec := ts.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &snap)
	assert.Equal(t, engine.StateReady, snap.State)
	require.NotNil(t, snap.RequestsRemaining)
	assert.Equal(t, 57, *snap.RequestsRemaining)
	assert.True(t, snap.EvidenceDurable)

	var score map[string]interface{}
	rec = ts.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/score", nil)
	decode(t, rec, &score)
	assert.Equal(t, float64(100), score["score"])
}

func TestListProjectsSynthesizesInactive(t *testing.T) {
	ts := newTestServer(t)

	var views []projectView
	rec := ts.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/projects", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &views)

	require.Len(t, views, 3)
	assert.Equal(t, models.CheckStatusPassed, views[0].Overall)
	assert.Equal(t, models.CheckStatusChecking, views[1].Overall)
	assert.Nil(t, views[1].Status)
	assert.Equal(t, models.CheckStatusInactive, views[2].Overall)
	require.NotNil(t, views[2].Status)
	assert.Equal(t, models.CheckStatusInactive, views[2].Status.PITR.Status)
}

func TestSelectProject(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, auth.RoleViewer, http.MethodPost, "/api/v1/projects/p2/select", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "p2", ts.auditor.selected)

	rec = ts.do(t, auth.RoleViewer, http.MethodPost, "/api/v1/projects/nope/select", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, auth.RoleViewer, http.MethodPost, "/api/v1/view/overview", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ts.auditor.overview)
}

func TestRunsRequireAuditorRole(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, auth.RoleViewer, http.MethodPost, "/api/v1/runs/rerun", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, auth.RoleViewer, http.MethodPost, "/api/v1/projects/p1/remediate", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRerunWait(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, auth.RoleAuditor, http.MethodPost, "/api/v1/projects/p1/runs?wait=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"p1"}, ts.auditor.reruns)

	rec = ts.do(t, auth.RoleAuditor, http.MethodPost, "/api/v1/projects/nope/runs", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBackgroundRunIsTracked(t *testing.T) {
	ts := newTestServer(t)
	ts.auditor.startErr = auditerr.ErrMissingCredentials

	var run Run
	rec := ts.do(t, auth.RoleAuditor, http.MethodPost, "/api/v1/runs", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	decode(t, rec, &run)
	assert.Equal(t, RunStatusRunning, run.Status)

	require.Eventually(t, func() bool {
		got, ok := ts.runs.Get(run.ID)
		return ok && got.Status == RunStatusFailed
	}, time.Second, 10*time.Millisecond)

	got, _ := ts.runs.Get(run.ID)
	assert.Contains(t, got.Error, "missing credentials")

	var runs []Run
	rec = ts.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/runs", nil)
	decode(t, rec, &runs)
	require.Len(t, runs, 1)

	rec = ts.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/runs/"+run.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartWaitMapsErrors(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{auditerr.ErrMissingCredentials, http.StatusPreconditionFailed},
		{auditerr.ErrInvalidScope, http.StatusBadRequest},
		{&auditerr.DiscoveryError{HTTPStatus: 500}, http.StatusBadGateway},
		{&auditerr.DiscoveryError{HTTPStatus: 429}, http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			ts := newTestServer(t)
			ts.auditor.startErr = tt.err
			rec := ts.do(t, auth.RoleAuditor, http.MethodPost, "/api/v1/runs?wait=1", nil)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestRemediate(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, auth.RoleAuditor, http.MethodPost, "/api/v1/projects/p2/remediate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"p2"}, ts.auditor.remediate)
}

func TestEvidenceFilters(t *testing.T) {
	ts := newTestServer(t)

	var entries []models.EvidenceEntry
	rec := ts.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/evidence?status=failed,error", nil)
	resp := decode(t, rec, &entries)
	require.Len(t, entries, 2)
	assert.Equal(t, 2, resp.Meta.Total)

	rec = ts.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/evidence?project_id=p1", nil)
	decode(t, rec, &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, "MFA Verification", entries[0].Check)

	rec = ts.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/evidence?limit=1", nil)
	resp = decode(t, rec, &entries)
	assert.Len(t, entries, 1)
	assert.Equal(t, 3, resp.Meta.Total)
}

func TestRefreshEvidenceUnavailable(t *testing.T) {
	ts := newTestServer(t)
	ts.auditor.refresh = auditerr.ErrPersistenceUnavailable

	rec := ts.do(t, auth.RoleViewer, http.MethodPost, "/api/v1/evidence/refresh", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decode(t, rec, nil)
	assert.Equal(t, "persistence_unavailable", resp.Error.Code)
}

func TestGenerateReport(t *testing.T) {
	ts := newTestServer(t)
	ts.reportGenerator = reports.NewGenerator(reportSource{ts.auditor})

	rec := ts.do(t, auth.RoleViewer, http.MethodPost, "/api/v1/reports/generate", map[string]string{"type": "evidence", "format": "json"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "evidence_report_")

	rec = ts.do(t, auth.RoleViewer, http.MethodPost, "/api/v1/reports/generate", map[string]string{"type": "evidence", "format": "xlsx"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, auth.RoleViewer, http.MethodPost, "/api/v1/reports/generate", map[string]interface{}{"type": "evidence", "archive": true})
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

type reportSource struct{ a *fakeAuditor }

func (r reportSource) Evidence(context.Context) ([]models.EvidenceEntry, error) {
	return r.a.Evidence(), nil
}

func (r reportSource) Compliance(context.Context) (*reports.ComplianceData, error) {
	return &reports.ComplianceData{}, nil
}

func TestSaveCredentials(t *testing.T) {
	saver := &recordingSaver{}
	ts := newTestServer(t, WithCredentialStore(saver, stubValidator{}))

	rec := ts.do(t, auth.RoleAuditor, http.MethodPut, "/api/v1/credentials", map[string]interface{}{
		"token": " sbp_abc ", "check_all_projects": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sbp_abc", saver.token)
	assert.True(t, saver.scope.AllProjects)

	rec = ts.do(t, auth.RoleAuditor, http.MethodPut, "/api/v1/credentials", map[string]interface{}{
		"token": "service_key", "check_all_projects": true,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, auth.RoleAuditor, http.MethodPut, "/api/v1/credentials", map[string]interface{}{
		"token": "service_key",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSaveCredentialsRejected(t *testing.T) {
	saver := &recordingSaver{}
	ts := newTestServer(t, WithCredentialStore(saver, stubValidator{err: auditerr.ErrCredentialsRejected}))

	rec := ts.do(t, auth.RoleAuditor, http.MethodPut, "/api/v1/credentials", map[string]interface{}{
		"token": "service_key", "project_ref": "p1",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Empty(t, saver.token)
}

func TestJobsNotConfigured(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/jobs", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestJobsLifecycle(t *testing.T) {
	sch := scheduler.NewScheduler(scheduler.NewMemoryStore(), nil)
	ts := newTestServer(t, WithScheduler(sch))

	var job scheduler.Job
	rec := ts.do(t, auth.RoleAuditor, http.MethodPost, "/api/v1/jobs", map[string]interface{}{
		"name": "nightly", "schedule": "0 2 * * *", "job_type": "audit_all", "enabled": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	decode(t, rec, &job)
	require.NotEmpty(t, job.ID)

	var jobs []scheduler.Job
	rec = ts.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/jobs", nil)
	decode(t, rec, &jobs)
	require.Len(t, jobs, 1)
	assert.NotNil(t, jobs[0].NextRun)

	rec = ts.do(t, auth.RoleAuditor, http.MethodPost, "/api/v1/jobs", map[string]interface{}{
		"name": "bad", "schedule": "0 2 * * *", "job_type": "audit_project",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, auth.RoleAuditor, http.MethodDelete, "/api/v1/jobs/"+job.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, auth.RoleAuditor, http.MethodDelete, "/api/v1/jobs/"+job.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
