package credentials

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/qualys/dbcompliance/internal/auditerr"
	"github.com/qualys/dbcompliance/internal/connectors"
	"github.com/qualys/dbcompliance/internal/models"
)

type mockValidator struct {
	mock.Mock
}

func (m *mockValidator) ValidateCredentials(ctx context.Context, req connectors.ValidateRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

type mockPATStore struct {
	mock.Mock
}

func (m *mockPATStore) GetStoredCredential(ctx context.Context, ownerID string) (*models.StoredCredential, error) {
	args := m.Called(ctx, ownerID)
	rec, _ := args.Get(0).(*models.StoredCredential)
	return rec, args.Error(1)
}

func (m *mockPATStore) SaveStoredCredential(ctx context.Context, cred *models.StoredCredential) error {
	args := m.Called(ctx, cred)
	return args.Error(0)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, TokenClassPAT, Classify("sbp_0123"))
	assert.Equal(t, TokenClassProject, Classify("eyJhbGciOi"))
	assert.Equal(t, TokenClassProject, Classify(""))
}

func TestResolve_MissingCredentials(t *testing.T) {
	r := NewResolver(StaticSource{})

	_, err := r.Resolve(context.Background())
	assert.ErrorIs(t, err, auditerr.ErrMissingCredentials)
	assert.True(t, auditerr.IsFatal(err))
}

func TestResolve_ProjectTokenCannotAuditAllProjects(t *testing.T) {
	r := NewResolver(StaticSource{Token: "service-role-key", ProjectRef: "p1", CheckAllProjects: true})

	_, err := r.Resolve(context.Background())
	assert.ErrorIs(t, err, auditerr.ErrInvalidScope)
}

func TestResolve_Scopes(t *testing.T) {
	creds, err := NewResolver(StaticSource{Token: "sbp_abc", CheckAllProjects: true}).Resolve(context.Background())
	require.NoError(t, err)
	assert.True(t, creds.Scope.AllProjects)
	assert.Equal(t, TokenClassPAT, creds.Class)

	creds, err = NewResolver(StaticSource{Token: "project-key", ProjectRef: "p1"}).Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SingleProject("p1"), creds.Scope)
	assert.Equal(t, TokenClassProject, creds.Class)
}

func TestResolve_RemoteValidation(t *testing.T) {
	v := new(mockValidator)
	v.On("ValidateCredentials", mock.Anything, mock.MatchedBy(func(req connectors.ValidateRequest) bool {
		return req.APIKey == "sbp_abc" && req.ProjectRef != nil && *req.ProjectRef == "p1" && !req.CheckAllProjects
	})).Return(nil).Once()

	r := NewResolver(StaticSource{Token: "sbp_abc", ProjectRef: "p1"}, WithValidator(v))
	_, err := r.Resolve(context.Background())
	require.NoError(t, err)
	v.AssertExpectations(t)
}

func TestResolve_RemoteRateLimitPropagates(t *testing.T) {
	v := new(mockValidator)
	v.On("ValidateCredentials", mock.Anything, mock.Anything).Return(auditerr.ErrRateLimited)

	_, err := NewResolver(StaticSource{Token: "sbp_abc", CheckAllProjects: true}, WithValidator(v)).Resolve(context.Background())
	assert.ErrorIs(t, err, auditerr.ErrRateLimited)
	assert.False(t, auditerr.IsFatal(err))
}

func TestChainSource(t *testing.T) {
	chain := ChainSource{StaticSource{}, StaticSource{Token: "sbp_second", CheckAllProjects: true}}

	creds, err := chain.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sbp_second", creds.Token)

	_, err = ChainSource{StaticSource{}}.Credentials(context.Background())
	assert.ErrorIs(t, err, auditerr.ErrMissingCredentials)
}

func TestChainSourceStopsOnRealError(t *testing.T) {
	boom := errors.New("db down")
	store := new(mockPATStore)
	store.On("GetStoredCredential", mock.Anything, "owner-1").Return(nil, boom)

	chain := ChainSource{
		StoredSource{Store: store, Sealer: testSealer(t), OwnerID: "owner-1"},
		StaticSource{Token: "sbp_fallback"},
	}

	_, err := chain.Credentials(context.Background())
	assert.ErrorIs(t, err, boom)
}

func testSealer(t *testing.T) *Sealer {
	t.Helper()
	s, err := NewSealer(strings.Repeat("ab", 32))
	require.NoError(t, err)
	return s
}

func TestSealerRoundTrip(t *testing.T) {
	s := testSealer(t)

	sealed, err := s.Seal("sbp_secret")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "sbp_secret")

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sbp_secret", plain)

	other, err := NewSealer(strings.Repeat("cd", 32))
	require.NoError(t, err)
	_, err = other.Open(sealed)
	assert.ErrorIs(t, err, ErrSealedTokenInvalid)
}

func TestNewSealerRejectsShortKey(t *testing.T) {
	_, err := NewSealer("abcd")
	assert.Error(t, err)
}

func TestStoredSource(t *testing.T) {
	sealer := testSealer(t)
	store := new(mockPATStore)

	var saved *models.StoredCredential
	store.On("SaveStoredCredential", mock.Anything, mock.AnythingOfType("*models.StoredCredential")).
		Run(func(args mock.Arguments) { saved = args.Get(1).(*models.StoredCredential) }).
		Return(nil)

	src := StoredSource{Store: store, Sealer: sealer, OwnerID: "owner-1"}
	require.NoError(t, src.Save(context.Background(), "sbp_stored", AllProjects()))
	require.NotNil(t, saved)
	assert.True(t, saved.CheckAllProjects)

	store.On("GetStoredCredential", mock.Anything, "owner-1").Return(saved, nil)

	creds, err := src.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sbp_stored", creds.Token)
	assert.True(t, creds.Scope.AllProjects)
	assert.Equal(t, "owner-1", creds.OwnerID)
	store.AssertExpectations(t)
}

func TestStoredSourceMissingTableFallsThrough(t *testing.T) {
	store := new(mockPATStore)
	store.On("GetStoredCredential", mock.Anything, "owner-1").Return(nil, auditerr.ErrPersistenceUnavailable)

	chain := ChainSource{
		StoredSource{Store: store, Sealer: testSealer(t), OwnerID: "owner-1"},
		StaticSource{Token: "sbp_config", ProjectRef: "p9"},
	}

	creds, err := chain.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sbp_config", creds.Token)
	assert.Equal(t, "p9", creds.Scope.ProjectID)
}
