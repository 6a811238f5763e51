// Package auditerr holds the error taxonomy shared by the audit pipeline.
//
// Sentinels are compared with errors.Is and the structured errors are
// extracted with errors.As.
package auditerr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrMissingCredentials means no token is configured. Callers send the
	// user to credential setup instead of retrying.
	ErrMissingCredentials = errors.New("missing credentials")

	// ErrInvalidScope is returned when a project-scoped token asks to audit
	// every project in the account.
	ErrInvalidScope = errors.New("project token cannot audit all projects")

	// ErrCredentialsRejected means the management API refused the token.
	ErrCredentialsRejected = errors.New("credentials rejected")

	// ErrRateLimited means the request budget for a credential is spent,
	// locally or as reported by the management API.
	ErrRateLimited = errors.New("rate limited")

	// ErrPersistenceUnavailable disables durable evidence for the session.
	ErrPersistenceUnavailable = errors.New("evidence persistence unavailable")
)

type DiscoveryError struct {
	HTTPStatus int
	Message    string
}

func (e *DiscoveryError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("project discovery failed: HTTP %d", e.HTTPStatus)
	}
	return fmt.Sprintf("project discovery failed: HTTP %d: %s", e.HTTPStatus, e.Message)
}

// Is lets a 429 discovery failure match ErrRateLimited.
func (e *DiscoveryError) Is(target error) bool {
	return target == ErrRateLimited && e.HTTPStatus == http.StatusTooManyRequests
}

type ProbeError struct {
	Check     string
	ProjectID string
	Cause     error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("%s check for project %s: %v", e.Check, e.ProjectID, e.Cause)
}

func (e *ProbeError) Unwrap() error {
	return e.Cause
}

// IsFatal reports whether err must stop an audit before it starts.
func IsFatal(err error) bool {
	return errors.Is(err, ErrMissingCredentials) ||
		errors.Is(err, ErrInvalidScope) ||
		errors.Is(err, ErrCredentialsRejected)
}
