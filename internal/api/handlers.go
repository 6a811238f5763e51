package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/qualys/dbcompliance/internal/aggregation"
	"github.com/qualys/dbcompliance/internal/auditerr"
	"github.com/qualys/dbcompliance/internal/connectors"
	"github.com/qualys/dbcompliance/internal/credentials"
	"github.com/qualys/dbcompliance/internal/models"
	"github.com/qualys/dbcompliance/internal/reports"
)

type projectView struct {
	Project models.Project           `json:"project"`
	Status  *models.ComplianceStatus `json:"status,omitempty"`
	Overall models.CheckStatus       `json:"overall"`
	Score   int                      `json:"score"`
}

func (s *Server) projectView(p models.Project) projectView {
	v := projectView{Project: p}

	status, ok := s.auditor.ProjectStatus(p.ID)
	if !p.IsActive() {
		status, ok = models.UniformStatus(models.InactiveResult()), true
	}
	if !ok {
		v.Overall = models.CheckStatusChecking
		return v
	}
	v.Status = &status
	v.Overall = aggregation.Overall(status)
	v.Score = aggregation.Score(status)
	return v
}

func (s *Server) findProject(id string) (models.Project, bool) {
	for _, p := range s.auditor.Projects() {
		if p.ID == id {
			return p, true
		}
	}
	return models.Project{}, false
}

func wantsWait(r *http.Request) bool {
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	return wait
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.auditor.Current())
}

func (s *Server) getScore(w http.ResponseWriter, r *http.Request) {
	snap := s.auditor.Current()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"view":    snap.View,
		"overall": snap.Overall,
		"score":   snap.Score,
	})
}

func (s *Server) showOverview(w http.ResponseWriter, r *http.Request) {
	s.auditor.ShowOverview()
	respondJSON(w, http.StatusOK, s.auditor.Current())
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects := s.auditor.Projects()

	out := make([]projectView, 0, len(projects))
	for _, p := range projects {
		out = append(out, s.projectView(p))
	}

	respondJSONWithMeta(w, http.StatusOK, out, &apiMeta{Total: len(out)})
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	p, ok := s.findProject(chi.URLParam(r, "projectID"))
	if !ok {
		respondError(w, http.StatusNotFound, "not_found", "Project not found")
		return
	}
	respondJSON(w, http.StatusOK, s.projectView(p))
}

func (s *Server) selectProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "projectID")

	status, err := s.auditor.SelectProject(r.Context(), id)
	if err != nil {
		respondAuditError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"project_id": id,
		"status":     status,
		"overall":    aggregation.Overall(status),
		"score":      aggregation.Score(status),
	})
}

func (s *Server) remediateProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "projectID")

	status, err := s.auditor.Remediate(r.Context(), id)
	if err != nil {
		respondAuditError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"project_id": id,
		"status":     status,
		"overall":    aggregation.Overall(status),
	})
}

// dispatch runs fn inline when the caller asked to wait, otherwise in the
// background.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, kind, projectID string, fn func(ctx context.Context) error) {
	if wantsWait(r) {
		if err := fn(r.Context()); err != nil {
			respondAuditError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, s.auditor.Current())
		return
	}

	run := s.runs.Execute(kind, projectID, fn)
	respondJSON(w, http.StatusAccepted, run)
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, "start", "", func(ctx context.Context) error {
		_, err := s.auditor.Start(ctx)
		return err
	})
}

func (s *Server) rerunAll(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, "rerun", "", func(ctx context.Context) error {
		return s.auditor.Rerun(ctx, "")
	})
}

func (s *Server) rerunProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "projectID")
	if _, ok := s.findProject(id); !ok {
		respondError(w, http.StatusNotFound, "not_found", "Project not found")
		return
	}

	s.dispatch(w, r, "rerun", id, func(ctx context.Context) error {
		return s.auditor.Rerun(ctx, id)
	})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs := s.runs.List()
	respondJSONWithMeta(w, http.StatusOK, runs, &apiMeta{Total: len(runs)})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.runs.Get(chi.URLParam(r, "runID"))
	if !ok {
		respondError(w, http.StatusNotFound, "not_found", "Run not found")
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	if !s.runs.Cancel(chi.URLParam(r, "runID")) {
		respondError(w, http.StatusNotFound, "not_found", "Run not found or already finished")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func parseStatuses(raw string) []models.EvidenceStatus {
	if raw == "" {
		return nil
	}
	var out []models.EvidenceStatus
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, models.EvidenceStatus(strings.ToUpper(s)))
		}
	}
	return out
}

func (s *Server) listEvidence(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries := reports.FilterEvidence(s.auditor.Evidence(), &reports.ReportRequest{
		ProjectID: q.Get("project_id"),
		Statuses:  parseStatuses(q.Get("status")),
	})

	total := len(entries)
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 && limit < total {
		entries = entries[:limit]
	}

	respondJSONWithMeta(w, http.StatusOK, entries, &apiMeta{Total: total})
}

func (s *Server) refreshEvidence(w http.ResponseWriter, r *http.Request) {
	if err := s.auditor.RefreshEvidence(r.Context()); err != nil {
		if errors.Is(err, auditerr.ErrPersistenceUnavailable) {
			respondError(w, http.StatusServiceUnavailable, "persistence_unavailable", "Evidence storage is unavailable, showing this session only")
			return
		}
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	entries := s.auditor.Evidence()
	respondJSONWithMeta(w, http.StatusOK, entries, &apiMeta{Total: len(entries)})
}

func (s *Server) getReportTypes(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, []map[string]interface{}{
		{
			"type":        reports.ReportTypeEvidence,
			"name":        "Evidence Log",
			"description": "Every recorded check, action and failure",
			"formats":     []reports.ReportFormat{reports.FormatPDF, reports.FormatJSON},
		},
		{
			"type":        reports.ReportTypeCompliance,
			"name":        "Compliance Status",
			"description": "Overall and per-project MFA, RLS and PITR results",
			"formats":     []reports.ReportFormat{reports.FormatPDF, reports.FormatJSON},
		},
	})
}

type generateReportRequest struct {
	Type      reports.ReportType      `json:"type"`
	Format    string                  `json:"format"`
	Title     string                  `json:"title"`
	ProjectID string                  `json:"project_id"`
	DateFrom  *time.Time              `json:"date_from"`
	DateTo    *time.Time              `json:"date_to"`
	Statuses  []models.EvidenceStatus `json:"statuses"`
	Archive   bool                    `json:"archive"`
}

func (s *Server) generateReport(w http.ResponseWriter, r *http.Request) {
	if s.reportGenerator == nil {
		respondError(w, http.StatusNotImplemented, "not_configured", "Reports are not configured")
		return
	}

	var req generateReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Type == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "type is required")
		return
	}
	format, err := reports.ParseFormat(req.Format)
	if err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	report, err := s.reportGenerator.Generate(r.Context(), &reports.ReportRequest{
		Type:      req.Type,
		Format:    format,
		Title:     req.Title,
		ProjectID: req.ProjectID,
		DateFrom:  req.DateFrom,
		DateTo:    req.DateTo,
		Statuses:  req.Statuses,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "report_error", err.Error())
		return
	}

	if req.Archive {
		if s.archiver == nil {
			respondError(w, http.StatusNotImplemented, "not_configured", "Report archiving is not configured")
			return
		}
		location, err := s.archiver.Upload(r.Context(), report)
		if err != nil {
			respondError(w, http.StatusBadGateway, "archive_error", err.Error())
			return
		}
		w.Header().Set("X-Report-Location", location)
	}

	w.Header().Set("Content-Type", report.MimeType)
	w.Header().Set("Content-Disposition", "attachment; filename="+report.Filename)
	w.Header().Set("Content-Length", strconv.Itoa(len(report.Data)))
	_, _ = w.Write(report.Data)
}

type saveCredentialsRequest struct {
	Token            string `json:"token"`
	ProjectRef       string `json:"project_ref"`
	CheckAllProjects bool   `json:"check_all_projects"`
}

func (s *Server) saveCredentials(w http.ResponseWriter, r *http.Request) {
	if s.creds == nil {
		respondError(w, http.StatusNotImplemented, "not_configured", "Credential storage is not configured")
		return
	}

	var req saveCredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "token is required")
		return
	}
	if !req.CheckAllProjects && req.ProjectRef == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "project_ref is required unless check_all_projects is set")
		return
	}

	class := credentials.Classify(req.Token)
	if req.CheckAllProjects && class != credentials.TokenClassPAT {
		respondAuditError(w, auditerr.ErrInvalidScope)
		return
	}

	scope := credentials.SingleProject(req.ProjectRef)
	if req.CheckAllProjects {
		scope = credentials.AllProjects()
	}

	if s.validator != nil {
		vr := connectors.ValidateRequest{APIKey: req.Token, CheckAllProjects: req.CheckAllProjects}
		if req.ProjectRef != "" {
			ref := req.ProjectRef
			vr.ProjectRef = &ref
		}
		if err := s.validator.ValidateCredentials(r.Context(), vr); err != nil {
			respondAuditError(w, err)
			return
		}
	}

	if err := s.creds.Save(r.Context(), req.Token, scope); err != nil {
		if errors.Is(err, auditerr.ErrPersistenceUnavailable) {
			respondError(w, http.StatusServiceUnavailable, "persistence_unavailable", "Credential storage is unavailable")
			return
		}
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	s.logger.Infow("credentials saved", "class", class, "scope", scope.String())
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"class": class,
		"scope": scope,
	})
}
