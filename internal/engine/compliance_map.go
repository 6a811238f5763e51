package engine

import (
	"sync"

	"github.com/qualys/dbcompliance/internal/models"
)

// PlaceholderPercentage is shown for checks that are still running.
const PlaceholderPercentage = 10

// ComplianceMap owns the per-project results. Every write goes through it.
//
// Each project carries a generation that Begin bumps. Writes tagged with an
// older generation come from a superseded run and are dropped, which keeps
// writes for one project and check totally ordered.
type ComplianceMap struct {
	mu          sync.RWMutex
	results     models.ProjectComplianceMap
	generations map[string]uint64
}

func NewComplianceMap() *ComplianceMap {
	return &ComplianceMap{
		results:     make(models.ProjectComplianceMap),
		generations: make(map[string]uint64),
	}
}

// Begin starts a new run for projectID and marks all three checks as
// checking. The returned generation must accompany every Set for the run.
func (m *ComplianceMap) Begin(projectID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.generations[projectID]++
	m.results[projectID] = models.UniformStatus(models.CheckingResult(PlaceholderPercentage))
	return m.generations[projectID]
}

// Set stores one check result. It reports false, leaving the map untouched,
// when gen is no longer the project's current generation.
func (m *ComplianceMap) Set(projectID string, gen uint64, check models.CheckType, r models.CheckResult) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.generations[projectID] != gen {
		return false
	}
	m.results[projectID] = m.results[projectID].With(check, r.Clone())
	return true
}

// Replace overwrites all three results outside of a run, superseding any
// run in flight.
func (m *ComplianceMap) Replace(projectID string, s models.ComplianceStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.generations[projectID]++
	m.results[projectID] = s.Clone()
}

func (m *ComplianceMap) Current(projectID string, gen uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generations[projectID] == gen
}

func (m *ComplianceMap) Get(projectID string) (models.ComplianceStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.results[projectID]
	if !ok {
		return models.ComplianceStatus{}, false
	}
	return s.Clone(), true
}

// Snapshot returns a deep copy of every entry.
func (m *ComplianceMap) Snapshot() models.ProjectComplianceMap {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(models.ProjectComplianceMap, len(m.results))
	for id, s := range m.results {
		out[id] = s.Clone()
	}
	return out
}

func (m *ComplianceMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.results)
}
