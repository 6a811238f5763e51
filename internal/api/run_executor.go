package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run is an audit triggered over the API and executed in the background.
type Run struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	ProjectID  string     `json:"project_id,omitempty"`
	Status     RunStatus  `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

const maxFinishedRuns = 100

// RunExecutor runs audits detached from the request that triggered them.
type RunExecutor struct {
	logger  *zap.SugaredLogger
	base    context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running map[string]context.CancelFunc
	runs    map[string]*Run
	order   []string
}

func NewRunExecutor(logger *zap.SugaredLogger) *RunExecutor {
	base, stop := context.WithCancel(context.Background())
	return &RunExecutor{
		logger:  logger,
		base:    base,
		stop:    stop,
		running: make(map[string]context.CancelFunc),
		runs:    make(map[string]*Run),
	}
}

// Execute starts fn in the background and returns its tracking record.
func (e *RunExecutor) Execute(kind, projectID string, fn func(ctx context.Context) error) Run {
	run := &Run{
		ID:        uuid.New().String(),
		Kind:      kind,
		ProjectID: projectID,
		Status:    RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}

	e.mu.Lock()
	ctx, cancel := context.WithCancel(e.base)
	e.running[run.ID] = cancel
	e.runs[run.ID] = run
	e.order = append(e.order, run.ID)
	e.pruneLocked()
	snapshot := *run
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()

		e.logger.Infow("starting background run", "run_id", run.ID, "kind", kind, "project_id", projectID)
		err := fn(ctx)

		e.mu.Lock()
		delete(e.running, run.ID)
		finished := time.Now().UTC()
		run.FinishedAt = &finished
		switch {
		case err == nil:
			run.Status = RunStatusCompleted
		case errors.Is(err, context.Canceled):
			run.Status = RunStatusCancelled
			run.Error = err.Error()
		default:
			run.Status = RunStatusFailed
			run.Error = err.Error()
		}
		e.mu.Unlock()

		if err != nil {
			e.logger.Warnw("background run failed", "run_id", run.ID, "kind", kind, "error", err)
			return
		}
		e.logger.Infow("background run finished", "run_id", run.ID, "kind", kind)
	}()

	return snapshot
}

func (e *RunExecutor) Get(id string) (Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.runs[id]
	if !ok {
		return Run{}, false
	}
	return *run, true
}

// List returns the tracked runs, newest first.
func (e *RunExecutor) List() []Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Run, 0, len(e.order))
	for i := len(e.order) - 1; i >= 0; i-- {
		out = append(out, *e.runs[e.order[i]])
	}
	return out
}

func (e *RunExecutor) Cancel(id string) bool {
	e.mu.Lock()
	cancel, ok := e.running[id]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Shutdown cancels every run and waits for them until ctx expires.
func (e *RunExecutor) Shutdown(ctx context.Context) error {
	e.stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pruneLocked forgets the oldest finished runs beyond maxFinishedRuns.
func (e *RunExecutor) pruneLocked() {
	finished := len(e.order) - len(e.running)
	if finished <= maxFinishedRuns {
		return
	}
	kept := e.order[:0]
	for _, id := range e.order {
		if finished > maxFinishedRuns && e.runs[id].Status != RunStatusRunning {
			delete(e.runs, id)
			finished--
			continue
		}
		kept = append(kept, id)
	}
	e.order = kept
}
