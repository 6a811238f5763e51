// Package management is the HTTP client for the project-management API
// that lists projects and runs the MFA, RLS and PITR checks.
package management

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/qualys/dbcompliance/internal/auditerr"
	"github.com/qualys/dbcompliance/internal/connectors"
	"github.com/qualys/dbcompliance/internal/models"
	"github.com/qualys/dbcompliance/internal/ratelimit"
)

const maxErrorBody = 4 << 10

type Config struct {
	BaseURL       string
	Timeout       time.Duration
	RetryAttempts int
	RetryMinDelay time.Duration
	RetryMaxDelay time.Duration
}

type Client struct {
	baseURL string
	http    *http.Client
	budget  ratelimit.Budget
	logger  *zap.SugaredLogger

	retryAttempts int
	retryMin      time.Duration
	retryMax      time.Duration
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

func WithBudget(b ratelimit.Budget) Option {
	return func(c *Client) {
		c.budget = b
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

var (
	_ connectors.Connector     = (*Client)(nil)
	_ connectors.ProjectLister = (*Client)(nil)
	_ connectors.ComplianceAPI = (*Client)(nil)
)

func NewClient(cfg Config, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		http:          &http.Client{Timeout: timeout},
		budget:        ratelimit.Unlimited{},
		logger:        zap.NewNop().Sugar(),
		retryAttempts: cfg.RetryAttempts,
		retryMin:      cfg.RetryMinDelay,
		retryMax:      cfg.RetryMaxDelay,
	}
	if c.retryMin == 0 {
		c.retryMin = 500 * time.Millisecond
	}
	if c.retryMax == 0 {
		c.retryMax = 10 * time.Second
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// Remaining reports how many requests the credential may still issue in
// the current window.
func (c *Client) Remaining(ctx context.Context, token string) (int, error) {
	return c.budget.Remaining(ctx, token)
}

func (c *Client) ValidateCredentials(ctx context.Context, req connectors.ValidateRequest) error {
	var out connectors.ValidateResponse

	status, err := c.call(ctx, req.APIKey, http.MethodPost, "/validate-credentials", nil, req, &out)
	if err != nil {
		return err
	}

	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("validating credentials: %w", auditerr.ErrRateLimited)
	case status >= 200 && status < 300 && out.Success:
		return nil
	case strings.Contains(strings.ToLower(out.Error), "invalid key type"):
		return fmt.Errorf("%w: %s", auditerr.ErrInvalidScope, out.Message)
	default:
		msg := out.Message
		if msg == "" {
			msg = out.Error
		}
		return fmt.Errorf("%w: HTTP %d: %s", auditerr.ErrCredentialsRejected, status, msg)
	}
}

func (c *Client) ListProjects(ctx context.Context, token string) ([]models.Project, error) {
	var out connectors.ListProjectsResponse

	body := map[string]string{"apiKey": token}
	status, err := c.call(ctx, token, http.MethodPost, "/list-projects", nil, body, &out)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) {
			return nil, &auditerr.DiscoveryError{HTTPStatus: se.status, Message: se.message}
		}
		return nil, err
	}

	if status < 200 || status >= 300 {
		msg := out.Error
		if msg == "" {
			msg = out.Message
		}
		return nil, &auditerr.DiscoveryError{HTTPStatus: status, Message: msg}
	}

	if out.Projects == nil {
		return []models.Project{}, nil
	}
	return out.Projects, nil
}

func (c *Client) CheckMFA(ctx context.Context, token, projectRef string) (*connectors.MFAResponse, error) {
	var out connectors.MFAResponse
	if err := c.check(ctx, token, "/check-mfa", projectRef, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CheckRLS(ctx context.Context, token, projectRef string) (*connectors.RLSResponse, error) {
	var out connectors.RLSResponse
	if err := c.check(ctx, token, "/check-rls", projectRef, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CheckPITR(ctx context.Context, token, projectRef string) (*connectors.PITRResponse, error) {
	var out connectors.PITRResponse
	if err := c.check(ctx, token, "/check-pitr", projectRef, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// check issues a GET against a check endpoint. The endpoints report upstream
// failures in the body, so a non-2xx payload flagged with hasError is
// returned to the caller as is. Any other non-2xx answer is an error.
func (c *Client) check(ctx context.Context, token, path, projectRef string, out connectors.CheckPayload) error {
	q := url.Values{}
	q.Set("apiKey", token)
	if projectRef != "" {
		q.Set("projectRef", projectRef)
	}

	status, err := c.call(ctx, token, http.MethodGet, path, q, nil, out)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return fmt.Errorf("%s: %w", path, auditerr.ErrCredentialsRejected)
	}
	if status < 200 || status >= 300 {
		hasError, msg := out.Failure()
		if hasError {
			return nil
		}
		if msg == "" {
			msg = http.StatusText(status)
		}
		return &statusError{status: status, message: msg}
	}
	return nil
}

type statusError struct {
	status  int
	message string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("management API returned HTTP %d: %s", e.status, e.message)
}

func (e *statusError) Is(target error) bool {
	return target == auditerr.ErrRateLimited && e.status == http.StatusTooManyRequests
}

// call performs one logical request, retrying with jittered backoff only
// while the failure is a rate limit.
func (c *Client) call(ctx context.Context, token, method, path string, query url.Values, body, out interface{}) (int, error) {
	b := &backoff.Backoff{
		Min:    c.retryMin,
		Max:    c.retryMax,
		Factor: 2,
		Jitter: true,
	}

	for {
		status, err := c.do(ctx, token, method, path, query, body, out)
		if err == nil || !errors.Is(err, auditerr.ErrRateLimited) {
			return status, err
		}

		if int(b.Attempt()) >= c.retryAttempts {
			return status, err
		}

		wait := b.Duration()
		c.logger.Warnw("rate limited by management API, backing off",
			"path", path,
			"attempt", int(b.Attempt()),
			"wait", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return status, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) do(ctx context.Context, token, method, path string, query url.Values, body, out interface{}) (int, error) {
	if err := c.budget.Take(ctx, token); err != nil {
		return 0, err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("reading %s response: %w", path, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return resp.StatusCode, &statusError{status: resp.StatusCode, message: "rate limit exceeded"}
	}

	if err := json.Unmarshal(data, out); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return resp.StatusCode, &statusError{status: resp.StatusCode, message: truncate(string(data))}
		}
		return resp.StatusCode, fmt.Errorf("decoding %s response: %w", path, err)
	}

	return resp.StatusCode, nil
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxErrorBody {
		return s[:maxErrorBody]
	}
	return s
}
