package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type ProjectStatus string

const (
	ProjectStatusActiveHealthy ProjectStatus = "ACTIVE_HEALTHY"
	ProjectStatusComingUp      ProjectStatus = "COMING_UP"
	ProjectStatusInactive      ProjectStatus = "INACTIVE"
	ProjectStatusRemoved       ProjectStatus = "REMOVED"
	ProjectStatusPauseFailed   ProjectStatus = "PAUSE_FAILED"
	ProjectStatusUnknown       ProjectStatus = "UNKNOWN"
)

// Inactive reports whether projects in this state are excluded from probing.
func (s ProjectStatus) Inactive() bool {
	switch s {
	case ProjectStatusInactive, ProjectStatusRemoved, ProjectStatusPauseFailed:
		return true
	}
	return false
}

type DatabaseInfo struct {
	Host           string `json:"host"`
	Version        string `json:"version"`
	PostgresEngine string `json:"postgres_engine"`
	ReleaseChannel string `json:"release_channel"`
}

type Project struct {
	ID             string        `json:"id"`
	OrganizationID string        `json:"organization_id,omitempty"`
	Name           string        `json:"name"`
	Ref            string        `json:"ref,omitempty"`
	Region         string        `json:"region,omitempty"`
	CreatedAt      *time.Time    `json:"created_at,omitempty"`
	Status         ProjectStatus `json:"status,omitempty"`
	Database       *DatabaseInfo `json:"database,omitempty"`
}

func (p Project) IsActive() bool {
	return !p.Status.Inactive()
}

// DisplayName falls back to the id when discovery returned no name.
func (p Project) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

type CheckType string

const (
	CheckMFA  CheckType = "mfa"
	CheckRLS  CheckType = "rls"
	CheckPITR CheckType = "pitr"
)

// CheckTypes lists the checks in the order they run against a project.
var CheckTypes = []CheckType{CheckMFA, CheckRLS, CheckPITR}

// EvidenceName is the check label recorded in the evidence log.
func (c CheckType) EvidenceName() string {
	switch c {
	case CheckMFA:
		return "MFA Verification"
	case CheckRLS:
		return "RLS Verification"
	case CheckPITR:
		return "PITR Verification"
	}
	return string(c)
}

func ParseCheckType(s string) (CheckType, bool) {
	switch CheckType(s) {
	case CheckMFA, CheckRLS, CheckPITR:
		return CheckType(s), true
	}
	return "", false
}

type CheckStatus string

const (
	CheckStatusChecking CheckStatus = "checking"
	CheckStatusPassed   CheckStatus = "passed"
	CheckStatusFailed   CheckStatus = "failed"
	CheckStatusError    CheckStatus = "error"
	CheckStatusInactive CheckStatus = "inactive"
)

// Terminal reports whether the status is a final outcome of a run.
func (s CheckStatus) Terminal() bool {
	return s != CheckStatusChecking && s != ""
}

type FindingKind string

const (
	FindingUser   FindingKind = "user"
	FindingTable  FindingKind = "table"
	FindingBackup FindingKind = "backup"
)

type UserFinding struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	MFAEnabled  bool       `json:"mfa_enabled"`
	LastSignIn  *time.Time `json:"last_sign_in,omitempty"`
	LookupError string     `json:"lookup_error,omitempty"`
}

type TableFinding struct {
	ID         string `json:"id"`
	SchemaName string `json:"schema"`
	TableName  string `json:"name"`
	RLSEnabled bool   `json:"rls_enabled"`
}

type BackupFinding struct {
	ProjectID      string `json:"id"`
	Name           string `json:"name"`
	Region         string `json:"region"`
	PITREnabled    bool   `json:"pitr_enabled"`
	BackupCount    int    `json:"backup_count"`
	EarliestBackup *int64 `json:"earliest_backup,omitempty"`
	LatestBackup   *int64 `json:"latest_backup,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Finding is one sub-resource evaluated by a check. Exactly one of User,
// Table or Backup is set, selected by Kind.
type Finding struct {
	Kind        FindingKind    `json:"kind"`
	ProjectID   string         `json:"project_id,omitempty"`
	ProjectName string         `json:"project_name,omitempty"`
	User        *UserFinding   `json:"user,omitempty"`
	Table       *TableFinding  `json:"table,omitempty"`
	Backup      *BackupFinding `json:"backup,omitempty"`
}

func (f Finding) Compliant() bool {
	switch f.Kind {
	case FindingUser:
		return f.User != nil && f.User.MFAEnabled && f.User.LookupError == ""
	case FindingTable:
		return f.Table != nil && f.Table.RLSEnabled
	case FindingBackup:
		return f.Backup != nil && f.Backup.PITREnabled
	}
	return false
}

// Clone returns a copy that shares no pointers with f.
func (f Finding) Clone() Finding {
	out := f
	if f.User != nil {
		u := *f.User
		out.User = &u
	}
	if f.Table != nil {
		t := *f.Table
		out.Table = &t
	}
	if f.Backup != nil {
		b := *f.Backup
		out.Backup = &b
	}
	return out
}

type CheckResult struct {
	Status     CheckStatus     `json:"status"`
	Details    []Finding       `json:"details"`
	Percentage int             `json:"percentage"`
	RawTables  json.RawMessage `json:"raw_tables,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Clone returns a deep copy so callers can hand results across goroutines.
func (r CheckResult) Clone() CheckResult {
	out := r
	if r.Details != nil {
		out.Details = make([]Finding, len(r.Details))
		for i, f := range r.Details {
			out.Details[i] = f.Clone()
		}
	}
	if r.RawTables != nil {
		out.RawTables = append(json.RawMessage(nil), r.RawTables...)
	}
	return out
}

func CheckingResult(percentage int) CheckResult {
	return CheckResult{Status: CheckStatusChecking, Details: []Finding{}, Percentage: percentage}
}

func InactiveResult() CheckResult {
	return CheckResult{Status: CheckStatusInactive, Details: []Finding{}}
}

func ErrorResult(msg string) CheckResult {
	return CheckResult{Status: CheckStatusError, Details: []Finding{}, Error: msg}
}

type ComplianceStatus struct {
	MFA  CheckResult `json:"mfa"`
	RLS  CheckResult `json:"rls"`
	PITR CheckResult `json:"pitr"`
}

func UniformStatus(r CheckResult) ComplianceStatus {
	return ComplianceStatus{MFA: r.Clone(), RLS: r.Clone(), PITR: r.Clone()}
}

func (s ComplianceStatus) Check(c CheckType) CheckResult {
	switch c {
	case CheckMFA:
		return s.MFA
	case CheckRLS:
		return s.RLS
	default:
		return s.PITR
	}
}

// With returns a copy of s with the result for c replaced.
func (s ComplianceStatus) With(c CheckType, r CheckResult) ComplianceStatus {
	switch c {
	case CheckMFA:
		s.MFA = r
	case CheckRLS:
		s.RLS = r
	case CheckPITR:
		s.PITR = r
	}
	return s
}

func (s ComplianceStatus) Clone() ComplianceStatus {
	return ComplianceStatus{MFA: s.MFA.Clone(), RLS: s.RLS.Clone(), PITR: s.PITR.Clone()}
}

// ProjectComplianceMap maps a project id to its latest results.
type ProjectComplianceMap map[string]ComplianceStatus

type EvidenceStatus string

const (
	EvidencePassed    EvidenceStatus = "PASSED"
	EvidenceFailed    EvidenceStatus = "FAILED"
	EvidenceError     EvidenceStatus = "ERROR"
	EvidenceAction    EvidenceStatus = "ACTION"
	EvidenceInitiated EvidenceStatus = "INITIATED"
	EvidenceCompleted EvidenceStatus = "COMPLETED"
)

// EvidenceStatusFor maps a terminal check status onto its evidence status.
func EvidenceStatusFor(s CheckStatus) EvidenceStatus {
	switch s {
	case CheckStatusPassed:
		return EvidencePassed
	case CheckStatusFailed:
		return EvidenceFailed
	default:
		return EvidenceError
	}
}

const (
	EvidenceCheckProjectsFetch   = "Projects Fetch"
	EvidenceCheckRun             = "Compliance Check Run"
	EvidenceCheckProject         = "Project Compliance Check"
	EvidenceCheckAutoFix         = "Auto-Fix"
	EvidenceCheckManualRerun     = "Manual Re-run"
	EvidenceCheckCredentialCheck = "Credential Validation"
)

type EvidenceEntry struct {
	ID        uuid.UUID      `json:"id" db:"id"`
	OwnerID   string         `json:"owner_id,omitempty" db:"user_id"`
	Timestamp time.Time      `json:"timestamp" db:"created_at"`
	Check     string         `json:"check" db:"check_type"`
	Status    EvidenceStatus `json:"status" db:"status"`
	Details   string         `json:"details" db:"details"`
	Project   string         `json:"project,omitempty" db:"project_name"`
	ProjectID string         `json:"project_id,omitempty" db:"project_id"`
}

// EvidenceKey identifies an entry for deduplication.
type EvidenceKey struct {
	Timestamp int64
	Check     string
	ProjectID string
}

func (e EvidenceEntry) Key() EvidenceKey {
	return EvidenceKey{Timestamp: e.Timestamp.UnixMicro(), Check: e.Check, ProjectID: e.ProjectID}
}

// StoredCredential is a row of user_pats. The token is sealed.
type StoredCredential struct {
	OwnerID          string    `json:"owner_id" db:"user_id"`
	SealedToken      string    `json:"-" db:"pat"`
	ProjectRef       string    `json:"project_ref,omitempty" db:"project_id"`
	CheckAllProjects bool      `json:"check_all_projects" db:"check_all_projects"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}
