package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/qualys/dbcompliance/internal/scheduler"
)

func (s *Server) requireScheduler(w http.ResponseWriter) bool {
	if s.scheduler == nil {
		respondError(w, http.StatusNotImplemented, "not_configured", "Scheduling is not enabled")
		return false
	}
	return true
}

func respondJobError(w http.ResponseWriter, err error) {
	if errors.Is(err, scheduler.ErrJobNotFound) {
		respondError(w, http.StatusNotFound, "not_found", "Job not found")
		return
	}
	respondError(w, http.StatusInternalServerError, "db_error", err.Error())
}

func (s *Server) listScheduledJobs(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}

	jobs, err := s.scheduler.ListJobs(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, jobs)
}

type createJobRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Schedule    string            `json:"schedule"`
	JobType     scheduler.JobType `json:"job_type"`
	Config      map[string]string `json:"config"`
	Enabled     bool              `json:"enabled"`
}

func (req createJobRequest) job(id string) *scheduler.Job {
	return &scheduler.Job{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Schedule:    req.Schedule,
		JobType:     req.JobType,
		Config:      req.Config,
		Enabled:     req.Enabled,
	}
}

func (s *Server) createScheduledJob(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Name == "" || req.Schedule == "" || req.JobType == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "name, schedule, and job_type are required")
		return
	}

	job := req.job("")
	if err := s.scheduler.AddJob(r.Context(), job); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, job)
}

func (s *Server) updateScheduledJob(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	job := req.job(chi.URLParam(r, "jobID"))
	if err := s.scheduler.UpdateJob(r.Context(), job); err != nil {
		if errors.Is(err, scheduler.ErrJobNotFound) {
			respondJobError(w, err)
			return
		}
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, job)
}

func (s *Server) deleteScheduledJob(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}

	if err := s.scheduler.DeleteJob(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		respondJobError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) runScheduledJobNow(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}

	if err := s.scheduler.RunJobNow(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		respondJobError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) getJobExecutions(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	execs, err := s.scheduler.History(r.Context(), chi.URLParam(r, "jobID"), limit)
	if err != nil {
		respondJobError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, execs)
}
