package connectors

import (
	"context"
	"encoding/json"
	"time"

	"github.com/qualys/dbcompliance/internal/models"
)

// Connector is the surface of the remote project-management API.
type Connector interface {
	// ValidateCredentials asks the API whether the token may audit the
	// requested scope
	ValidateCredentials(ctx context.Context, req ValidateRequest) error

	// Close releases any resources held by the connector
	Close() error
}

// ProjectLister enumerates every project the token can see.
type ProjectLister interface {
	ListProjects(ctx context.Context, token string) ([]models.Project, error)
}

// ComplianceAPI runs the per-project check endpoints. An empty projectRef
// on CheckPITR selects the token's home project.
type ComplianceAPI interface {
	CheckMFA(ctx context.Context, token, projectRef string) (*MFAResponse, error)
	CheckRLS(ctx context.Context, token, projectRef string) (*RLSResponse, error)
	CheckPITR(ctx context.Context, token, projectRef string) (*PITRResponse, error)
}

// CheckPayload is implemented by the check responses. Upstream failures are
// reported inside the body with hasError and error.
type CheckPayload interface {
	Failure() (hasError bool, message string)
}

// ValidateRequest is the body of POST /validate-credentials
type ValidateRequest struct {
	APIKey           string  `json:"apiKey"`
	ProjectRef       *string `json:"projectRef"`
	CheckAllProjects bool    `json:"checkAllProjects"`
}

// ValidateResponse carries either success or an error description
type ValidateResponse struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	Message    string `json:"message,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
}

type ListProjectsResponse struct {
	Projects []models.Project `json:"projects"`
	Error    string           `json:"error,omitempty"`
	Message  string           `json:"message,omitempty"`
}

// Factor is one second factor enrolled by a user
type Factor struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	FactorType string `json:"factor_type,omitempty"`
}

type MFAUser struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	MFAEnabled   bool       `json:"mfa_enabled"`
	Factors      []Factor   `json:"factors,omitempty"`
	LastSignIn   *time.Time `json:"last_sign_in,omitempty"`
	FactorsError string     `json:"factors_error,omitempty"`
}

// HasVerifiedFactor reports whether the user has at least one verified factor.
func (u MFAUser) HasVerifiedFactor() bool {
	for _, f := range u.Factors {
		if f.Status == "verified" {
			return true
		}
	}
	return u.MFAEnabled && len(u.Factors) == 0
}

type MFAResponse struct {
	Passed       bool      `json:"passed"`
	TotalCount   int       `json:"totalCount"`
	EnabledCount int       `json:"enabledCount"`
	Percentage   int       `json:"percentage"`
	Details      []MFAUser `json:"details"`
	HasError     bool      `json:"hasError,omitempty"`
	Error        string    `json:"error,omitempty"`
}

func (r MFAResponse) Failure() (bool, string) { return r.HasError, r.Error }

type RLSTable struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Schema     string `json:"schema"`
	RLSEnabled bool   `json:"rls_enabled"`
}

type RLSResponse struct {
	Passed       bool            `json:"passed"`
	TotalCount   int             `json:"totalCount"`
	EnabledCount int             `json:"enabledCount"`
	Percentage   int             `json:"percentage"`
	Details      []RLSTable      `json:"details"`
	RawTables    json.RawMessage `json:"rawTables,omitempty"`
	HasError     bool            `json:"hasError,omitempty"`
	Error        string          `json:"error,omitempty"`
}

func (r RLSResponse) Failure() (bool, string) { return r.HasError, r.Error }

type BackupSummary struct {
	Count    int    `json:"count"`
	Earliest *int64 `json:"earliest,omitempty"`
	Latest   *int64 `json:"latest,omitempty"`
}

type PITRProject struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Region      string         `json:"region"`
	PITREnabled bool           `json:"pitr_enabled"`
	Backups     *BackupSummary `json:"backups,omitempty"`
	Error       string         `json:"error,omitempty"`
}

type PITRResponse struct {
	Passed       bool          `json:"passed"`
	EnabledCount int           `json:"enabledCount"`
	TotalCount   int           `json:"totalCount"`
	Projects     []PITRProject `json:"projects"`
	HasError     bool          `json:"hasError,omitempty"`
	Error        string        `json:"error,omitempty"`
}

func (r PITRResponse) Failure() (bool, string) { return r.HasError, r.Error }
