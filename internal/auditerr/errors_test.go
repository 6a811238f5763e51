package auditerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiscoveryErrorMatchesRateLimitedOn429(t *testing.T) {
	var err error = &DiscoveryError{HTTPStatus: 429, Message: "slow down"}
	assert.ErrorIs(t, err, ErrRateLimited)

	err = &DiscoveryError{HTTPStatus: 500}
	assert.NotErrorIs(t, err, ErrRateLimited)

	var de *DiscoveryError
	assert.True(t, errors.As(fmt.Errorf("starting audit: %w", err), &de))
	assert.Equal(t, 500, de.HTTPStatus)
}

func TestProbeErrorUnwraps(t *testing.T) {
	err := fmt.Errorf("audit: %w", &ProbeError{Check: "mfa", ProjectID: "p1", Cause: ErrRateLimited})

	assert.ErrorIs(t, err, ErrRateLimited)

	var pe *ProbeError
	assert.True(t, errors.As(err, &pe))
	assert.Equal(t, "p1", pe.ProjectID)
	assert.Contains(t, err.Error(), "mfa check for project p1")
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrMissingCredentials))
	assert.True(t, IsFatal(fmt.Errorf("resolve: %w", ErrInvalidScope)))
	assert.False(t, IsFatal(ErrRateLimited))
	assert.False(t, IsFatal(&DiscoveryError{HTTPStatus: 502}))
}
