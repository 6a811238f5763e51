// Package credentials resolves the token and audit scope used to run an
// audit.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/qualys/dbcompliance/internal/auditerr"
	"github.com/qualys/dbcompliance/internal/connectors"
)

// PATPrefix marks account-wide personal access tokens.
const PATPrefix = "sbp_"

type TokenClass string

const (
	TokenClassPAT     TokenClass = "personal_access_token"
	TokenClassProject TokenClass = "project_key"
)

func Classify(token string) TokenClass {
	if strings.HasPrefix(token, PATPrefix) {
		return TokenClassPAT
	}
	return TokenClassProject
}

// Scope selects either one project or every project in the account.
type Scope struct {
	AllProjects bool   `json:"all_projects"`
	ProjectID   string `json:"project_id,omitempty"`
}

func AllProjects() Scope { return Scope{AllProjects: true} }

func SingleProject(id string) Scope { return Scope{ProjectID: id} }

func (s Scope) String() string {
	if s.AllProjects {
		return "all-projects"
	}
	return "project:" + s.ProjectID
}

type Credentials struct {
	Token   string
	Scope   Scope
	Class   TokenClass
	OwnerID string
}

// Source yields the configured credentials. A source with nothing
// configured returns auditerr.ErrMissingCredentials.
type Source interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// Validator checks a token against the management API.
type Validator interface {
	ValidateCredentials(ctx context.Context, req connectors.ValidateRequest) error
}

type Resolver struct {
	source    Source
	validator Validator
	logger    *zap.SugaredLogger
}

type Option func(*Resolver)

// WithValidator makes Resolve confirm the token remotely.
func WithValidator(v Validator) Option {
	return func(r *Resolver) {
		r.validator = v
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Resolver) {
		r.logger = l
	}
}

func NewResolver(src Source, opts ...Option) *Resolver {
	r := &Resolver{
		source: src,
		logger: zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the token and scope to audit with. Failures wrapping
// auditerr.ErrMissingCredentials or auditerr.ErrInvalidScope must not be
// retried.
func (r *Resolver) Resolve(ctx context.Context) (Credentials, error) {
	creds, err := r.source.Credentials(ctx)
	if err != nil {
		if errors.Is(err, auditerr.ErrMissingCredentials) {
			return Credentials{}, err
		}
		return Credentials{}, fmt.Errorf("loading credentials: %w", err)
	}

	creds.Token = strings.TrimSpace(creds.Token)
	if creds.Token == "" {
		return Credentials{}, auditerr.ErrMissingCredentials
	}

	creds.Class = Classify(creds.Token)
	if creds.Scope.AllProjects && creds.Class != TokenClassPAT {
		return Credentials{}, fmt.Errorf("%w: use a personal access token to check all projects", auditerr.ErrInvalidScope)
	}

	if r.validator != nil {
		req := connectors.ValidateRequest{
			APIKey:           creds.Token,
			CheckAllProjects: creds.Scope.AllProjects,
		}
		if creds.Scope.ProjectID != "" {
			ref := creds.Scope.ProjectID
			req.ProjectRef = &ref
		}
		if err := r.validator.ValidateCredentials(ctx, req); err != nil {
			return Credentials{}, err
		}
	}

	r.logger.Infow("credentials resolved",
		"class", creds.Class,
		"scope", creds.Scope.String(),
		"owner", creds.OwnerID)

	return creds, nil
}

// StaticSource serves credentials from configuration.
type StaticSource struct {
	Token            string
	ProjectRef       string
	CheckAllProjects bool
	OwnerID          string
}

func (s StaticSource) Credentials(context.Context) (Credentials, error) {
	if s.Token == "" {
		return Credentials{}, auditerr.ErrMissingCredentials
	}
	scope := SingleProject(s.ProjectRef)
	if s.CheckAllProjects {
		scope = AllProjects()
	}
	return Credentials{Token: s.Token, Scope: scope, OwnerID: s.OwnerID}, nil
}

// ChainSource tries each source in order and returns the first one that
// has credentials configured.
type ChainSource []Source

func (c ChainSource) Credentials(ctx context.Context) (Credentials, error) {
	for _, src := range c {
		creds, err := src.Credentials(ctx)
		if err == nil {
			return creds, nil
		}
		if !errors.Is(err, auditerr.ErrMissingCredentials) {
			return Credentials{}, err
		}
	}
	return Credentials{}, auditerr.ErrMissingCredentials
}
