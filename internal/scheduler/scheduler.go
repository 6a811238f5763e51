// Package scheduler runs recurring audit jobs on cron schedules and keeps
// an execution history for each of them.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var ErrJobNotFound = errors.New("job not found")

// Job is a scheduled unit of work
type Job struct {
	ID          string            `json:"id" db:"id"`
	Name        string            `json:"name" db:"name"`
	Description string            `json:"description" db:"description"`
	Schedule    string            `json:"schedule" db:"schedule"` // cron expression, seconds optional
	JobType     JobType           `json:"job_type" db:"job_type"`
	Config      map[string]string `json:"config" db:"config"`
	Enabled     bool              `json:"enabled" db:"enabled"`
	LastRun     *time.Time        `json:"last_run,omitempty" db:"last_run"`
	NextRun     *time.Time        `json:"next_run,omitempty" db:"next_run"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`
}

type JobType string

const (
	JobTypeAuditAll        JobType = "audit_all"
	JobTypeAuditProject    JobType = "audit_project"
	JobTypeRefreshEvidence JobType = "refresh_evidence"
	JobTypeArchiveReport   JobType = "archive_report"
)

type JobExecution struct {
	ID        string          `json:"id" db:"id"`
	JobID     string          `json:"job_id" db:"job_id"`
	Status    ExecutionStatus `json:"status" db:"status"`
	StartedAt time.Time       `json:"started_at" db:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty" db:"ended_at"`
	Error     string          `json:"error,omitempty" db:"error"`
	Output    string          `json:"output,omitempty" db:"output"`
}

type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// JobHandler executes a job. The returned string is kept as the
// execution's output.
type JobHandler func(ctx context.Context, job *Job) (string, error)

// Store persists jobs and their executions
type Store interface {
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context) ([]*Job, error)
	CreateJob(ctx context.Context, job *Job) error
	UpdateJob(ctx context.Context, job *Job) error
	DeleteJob(ctx context.Context, id string) error
	UpdateLastRun(ctx context.Context, id string, lastRun time.Time) error
	CreateExecution(ctx context.Context, exec *JobExecution) error
	UpdateExecution(ctx context.Context, exec *JobExecution) error
	GetJobExecutions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error)
}

type Scheduler struct {
	cron     *cron.Cron
	store    Store
	handlers map[JobType]JobHandler
	entries  map[string]cron.EntryID
	timeout  time.Duration
	mu       sync.RWMutex
	wg       sync.WaitGroup
	logger   *zap.SugaredLogger
}

type Option func(*Scheduler)

// WithJobTimeout bounds every execution.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		s.timeout = d
	}
}

func NewScheduler(store Store, logger *zap.SugaredLogger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	s := &Scheduler{
		store:    store,
		handlers: make(map[JobType]JobHandler),
		entries:  make(map[string]cron.EntryID),
		timeout:  10 * time.Minute,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	// An audit still running when its next tick fires is not started twice.
	s.cron = cron.New(
		cron.WithParser(cron.NewParser(
			cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor,
		)),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})),
	)

	return s
}

func (s *Scheduler) RegisterHandler(jobType JobType, handler JobHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[jobType] = handler
}

// Start schedules every enabled job in the store and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("loading jobs: %w", err)
	}

	scheduled := 0
	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		if err := s.scheduleJob(job); err != nil {
			s.logger.Errorw("failed to schedule job",
				"job_id", job.ID,
				"job_name", job.Name,
				"error", err)
			continue
		}
		scheduled++
	}

	s.cron.Start()
	s.logger.Infow("scheduler started", "jobs", len(jobs), "scheduled", scheduled)

	return nil
}

// Stop stops the cron loop and waits for running executions.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) ListJobs(ctx context.Context) ([]*Job, error) {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		if next := s.nextRun(job.ID); next != nil {
			job.NextRun = next
		}
	}
	return jobs, nil
}

func (s *Scheduler) AddJob(ctx context.Context, job *Job) error {
	if err := validateJob(job); err != nil {
		return err
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return err
	}
	if job.Enabled {
		return s.scheduleJob(job)
	}
	return nil
}

// EnsureJob creates job unless a job with the same name already exists,
// in which case the stored schedule is brought in line with job's.
func (s *Scheduler) EnsureJob(ctx context.Context, job *Job) error {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("loading jobs: %w", err)
	}
	for _, existing := range jobs {
		if existing.Name != job.Name {
			continue
		}
		if existing.Schedule == job.Schedule && existing.Enabled == job.Enabled {
			return nil
		}
		existing.Schedule = job.Schedule
		existing.Enabled = job.Enabled
		return s.UpdateJob(ctx, existing)
	}
	return s.AddJob(ctx, job)
}

func (s *Scheduler) UpdateJob(ctx context.Context, job *Job) error {
	if err := validateJob(job); err != nil {
		return err
	}

	s.unscheduleJob(job.ID)

	if err := s.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	if job.Enabled {
		return s.scheduleJob(job)
	}
	return nil
}

func (s *Scheduler) DeleteJob(ctx context.Context, id string) error {
	s.unscheduleJob(id)
	return s.store.DeleteJob(ctx, id)
}

func (s *Scheduler) EnableJob(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}

	job.Enabled = true
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	return s.scheduleJob(job)
}

func (s *Scheduler) DisableJob(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}

	job.Enabled = false
	s.unscheduleJob(id)
	return s.store.UpdateJob(ctx, job)
}

// RunJobNow executes a job in the background outside of its schedule.
func (s *Scheduler) RunJobNow(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.executeJob(job)
	}()
	return nil
}

func (s *Scheduler) History(ctx context.Context, id string, limit int) ([]*JobExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.store.GetJobExecutions(ctx, id, limit)
}

// GetNextRuns returns the next count activation times of a scheduled job.
func (s *Scheduler) GetNextRuns(id string, count int) []time.Time {
	s.mu.RLock()
	entryID, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	entry := s.cron.Entry(entryID)
	if entry.ID == 0 {
		return nil
	}

	next := entry.Next
	if next.IsZero() {
		// Not started yet.
		next = entry.Schedule.Next(time.Now())
	}

	runs := make([]time.Time, 0, count)
	for i := 0; i < count; i++ {
		runs = append(runs, next)
		next = entry.Schedule.Next(next)
	}
	return runs
}

func (s *Scheduler) nextRun(id string) *time.Time {
	runs := s.GetNextRuns(id, 1)
	if len(runs) == 0 {
		return nil
	}
	return &runs[0]
}

func validateJob(job *Job) error {
	if strings.TrimSpace(job.Schedule) == "" {
		return errors.New("job schedule is required")
	}
	switch job.JobType {
	case JobTypeAuditAll, JobTypeRefreshEvidence, JobTypeArchiveReport:
	case JobTypeAuditProject:
		if job.Config["project_id"] == "" {
			return errors.New("project_id not specified in job config")
		}
	default:
		return fmt.Errorf("unknown job type: %s", job.JobType)
	}
	return nil
}

func (s *Scheduler) scheduleJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[job.ID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, job.ID)
	}

	j := *job
	entryID, err := s.cron.AddFunc(job.Schedule, func() {
		s.wg.Add(1)
		defer s.wg.Done()
		s.executeJob(&j)
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", job.Schedule, err)
	}
	s.entries[job.ID] = entryID

	entry := s.cron.Entry(entryID)
	next := entry.Schedule.Next(time.Now())
	job.NextRun = &next

	s.logger.Infow("scheduled job",
		"job_id", job.ID,
		"job_name", job.Name,
		"schedule", job.Schedule,
		"next_run", next)

	return nil
}

func (s *Scheduler) unscheduleJob(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
}

func (s *Scheduler) executeJob(job *Job) *JobExecution {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	exec := &JobExecution{
		ID:        uuid.New().String(),
		JobID:     job.ID,
		Status:    StatusRunning,
		StartedAt: start,
	}

	if err := s.store.CreateExecution(ctx, exec); err != nil {
		s.logger.Errorw("failed to create execution record", "job_id", job.ID, "error", err)
	}

	s.logger.Infow("executing job",
		"job_id", job.ID,
		"job_name", job.Name,
		"job_type", job.JobType,
		"execution_id", exec.ID)

	s.mu.RLock()
	handler, ok := s.handlers[job.JobType]
	s.mu.RUnlock()

	var err error
	if !ok {
		err = fmt.Errorf("no handler registered for job type: %s", job.JobType)
	} else {
		exec.Output, err = runHandler(ctx, handler, job)
	}

	end := time.Now()
	exec.EndedAt = &end

	if err != nil {
		exec.Status = StatusFailed
		exec.Error = err.Error()
		s.logger.Errorw("job execution failed",
			"job_id", job.ID,
			"job_name", job.Name,
			"error", err,
			"duration", end.Sub(start))
	} else {
		exec.Status = StatusCompleted
		s.logger.Infow("job execution completed",
			"job_id", job.ID,
			"job_name", job.Name,
			"duration", end.Sub(start))
	}

	// The run context may have expired; bookkeeping gets its own.
	bctx, bcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer bcancel()
	if err := s.store.UpdateExecution(bctx, exec); err != nil {
		s.logger.Warnw("failed to update execution record", "execution_id", exec.ID, "error", err)
	}
	if err := s.store.UpdateLastRun(bctx, job.ID, start); err != nil {
		s.logger.Warnw("failed to update last run", "job_id", job.ID, "error", err)
	}

	return exec
}

func runHandler(ctx context.Context, h JobHandler, job *Job) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return h(ctx, job)
}

// DefaultHandlers binds the audit operations to their job types.
type DefaultHandlers struct {
	AuditAllFunc        func(ctx context.Context) (string, error)
	AuditProjectFunc    func(ctx context.Context, projectID string) (string, error)
	RefreshEvidenceFunc func(ctx context.Context) error
	ArchiveReportFunc   func(ctx context.Context, format string) (string, error)
}

func (h *DefaultHandlers) Register(s *Scheduler) {
	if h.AuditAllFunc != nil {
		s.RegisterHandler(JobTypeAuditAll, func(ctx context.Context, job *Job) (string, error) {
			return h.AuditAllFunc(ctx)
		})
	}

	if h.AuditProjectFunc != nil {
		s.RegisterHandler(JobTypeAuditProject, func(ctx context.Context, job *Job) (string, error) {
			projectID := job.Config["project_id"]
			if projectID == "" {
				return "", errors.New("project_id not specified in job config")
			}
			return h.AuditProjectFunc(ctx, projectID)
		})
	}

	if h.RefreshEvidenceFunc != nil {
		s.RegisterHandler(JobTypeRefreshEvidence, func(ctx context.Context, job *Job) (string, error) {
			return "", h.RefreshEvidenceFunc(ctx)
		})
	}

	if h.ArchiveReportFunc != nil {
		s.RegisterHandler(JobTypeArchiveReport, func(ctx context.Context, job *Job) (string, error) {
			format := job.Config["format"]
			if format == "" {
				format = "pdf"
			}
			return h.ArchiveReportFunc(ctx, format)
		})
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
