// Package api serves the audit state, evidence log and run controls to the
// presentation layer over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/qualys/dbcompliance/internal/archive"
	"github.com/qualys/dbcompliance/internal/auditerr"
	"github.com/qualys/dbcompliance/internal/auth"
	"github.com/qualys/dbcompliance/internal/config"
	"github.com/qualys/dbcompliance/internal/credentials"
	"github.com/qualys/dbcompliance/internal/engine"
	"github.com/qualys/dbcompliance/internal/models"
	"github.com/qualys/dbcompliance/internal/reports"
	"github.com/qualys/dbcompliance/internal/scheduler"
)

// Auditor is the part of *engine.Auditor the API drives.
type Auditor interface {
	Start(ctx context.Context) (engine.Summary, error)
	Current() engine.Snapshot
	Projects() []models.Project
	ProjectStatus(projectID string) (models.ComplianceStatus, bool)
	SelectProject(ctx context.Context, projectID string) (models.ComplianceStatus, error)
	ShowOverview()
	Rerun(ctx context.Context, projectID string) error
	Remediate(ctx context.Context, projectID string) (models.ComplianceStatus, error)
	Evidence() []models.EvidenceEntry
	RefreshEvidence(ctx context.Context) error
}

// CredentialSaver stores a token for later runs. credentials.StoredSource
// satisfies it.
type CredentialSaver interface {
	Save(ctx context.Context, token string, scope credentials.Scope) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	cfg    config.ServerConfig
	router *chi.Mux
	http   *http.Server
	logger *zap.SugaredLogger

	authService *auth.Service
	auditor     Auditor
	runs        *RunExecutor

	reportGenerator *reports.Generator
	archiver        *archive.Archiver

	scheduler *scheduler.Scheduler
	creds     CredentialSaver
	validator credentials.Validator
	db        Pinger
}

type ServerOption func(*Server)

func WithLogger(logger *zap.SugaredLogger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithScheduler(sch *scheduler.Scheduler) ServerOption {
	return func(s *Server) {
		s.scheduler = sch
	}
}

// WithCredentialStore enables PUT /credentials. A non-nil validator checks
// tokens with the management API before they are stored.
func WithCredentialStore(saver CredentialSaver, validator credentials.Validator) ServerOption {
	return func(s *Server) {
		s.creds = saver
		s.validator = validator
	}
}

func WithArchiver(a *archive.Archiver) ServerOption {
	return func(s *Server) {
		s.archiver = a
	}
}

func WithReportGenerator(g *reports.Generator) ServerOption {
	return func(s *Server) {
		s.reportGenerator = g
	}
}

func WithDatabase(db Pinger) ServerOption {
	return func(s *Server) {
		s.db = db
	}
}

func NewServer(cfg config.ServerConfig, authService *auth.Service, auditor Auditor, opts ...ServerOption) *Server {
	s := &Server{
		cfg:         cfg,
		router:      chi.NewRouter(),
		logger:      zap.NewNop().Sugar(),
		authService: authService,
		auditor:     auditor,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.runs = NewRunExecutor(s.logger)

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(s.corsMiddleware())
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debugw("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	allowOrigin := s.cfg.CORSAllowOrigin
	if allowOrigin == "" {
		allowOrigin = "*"
		s.logger.Warn("CORS Allow-Origin set to '*' - configure server.cors_allow_origin in production")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Credentials", "true")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.healthCheck)
	s.router.Get("/ready", s.readyCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authService.Middleware)

		r.Get("/status", s.getStatus)
		r.Get("/score", s.getScore)
		r.Post("/view/overview", s.showOverview)

		r.Route("/projects", func(r chi.Router) {
			r.Get("/", s.listProjects)
			r.Get("/{projectID}", s.getProject)
			r.Post("/{projectID}/select", s.selectProject)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleAuditor))
				r.Post("/{projectID}/runs", s.rerunProject)
				r.Post("/{projectID}/remediate", s.remediateProject)
			})
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.listRuns)
			r.Get("/{runID}", s.getRun)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleAuditor))
				r.Post("/", s.startRun)
				r.Post("/rerun", s.rerunAll)
				r.Delete("/{runID}", s.cancelRun)
			})
		})

		r.Route("/evidence", func(r chi.Router) {
			r.Get("/", s.listEvidence)
			r.Post("/refresh", s.refreshEvidence)
		})

		r.Route("/reports", func(r chi.Router) {
			r.Get("/types", s.getReportTypes)
			r.Post("/generate", s.generateReport)
		})

		r.With(auth.RequireRole(auth.RoleAuditor)).Put("/credentials", s.saveCredentials)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listScheduledJobs)
			r.Get("/{jobID}/executions", s.getJobExecutions)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleAuditor))
				r.Post("/", s.createScheduledJob)
				r.Put("/{jobID}", s.updateScheduledJob)
				r.Delete("/{jobID}", s.deleteScheduledJob)
				r.Post("/{jobID}/run", s.runScheduledJobNow)
			})
		})
	})
}

// Run serves until ctx is cancelled, then drains background runs and
// shuts the listener down.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Infow("starting server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.runs.Shutdown(shutdownCtx); err != nil {
			s.logger.Warnw("background runs did not stop in time", "error", err)
		}
		return s.http.Shutdown(shutdownCtx)
	}
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
	Meta    *apiMeta    `json:"meta,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiMeta struct {
	Total int `json:"total,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func respondJSONWithMeta(w http.ResponseWriter, status int, data interface{}, meta *apiMeta) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
		Meta:    meta,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	})
}

// respondAuditError maps audit failures onto status codes.
func respondAuditError(w http.ResponseWriter, err error) {
	var de *auditerr.DiscoveryError

	switch {
	case errors.Is(err, auditerr.ErrMissingCredentials):
		respondError(w, http.StatusPreconditionFailed, "missing_credentials", "No credentials configured, save a token first")
	case errors.Is(err, auditerr.ErrInvalidScope):
		respondError(w, http.StatusBadRequest, "invalid_scope", err.Error())
	case errors.Is(err, auditerr.ErrCredentialsRejected):
		respondError(w, http.StatusUnprocessableEntity, "credentials_rejected", err.Error())
	case errors.Is(err, auditerr.ErrRateLimited):
		respondError(w, http.StatusTooManyRequests, "rate_limited", err.Error())
	case errors.As(err, &de):
		respondError(w, http.StatusBadGateway, "discovery_failed", err.Error())
	case errors.Is(err, engine.ErrUnknownProject):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, engine.ErrNotStarted):
		respondError(w, http.StatusConflict, "not_started", "No audit has been started")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusServiceUnavailable, "cancelled", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, "db_unavailable", "Database not available")
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
