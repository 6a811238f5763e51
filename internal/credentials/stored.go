package credentials

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/qualys/dbcompliance/internal/auditerr"
	"github.com/qualys/dbcompliance/internal/models"
)

const nonceSize = 24

var ErrSealedTokenInvalid = errors.New("sealed token cannot be opened")

// Sealer encrypts tokens before they are written to user_pats.
type Sealer struct {
	key [32]byte
}

// NewSealer takes a hex encoded 32 byte key.
func NewSealer(hexKey string) (*Sealer, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(raw))
	}
	s := &Sealer{}
	copy(s.key[:], raw)
	return s, nil
}

func (s *Sealer) Seal(token string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], []byte(token), &nonce, &s.key)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (s *Sealer) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrSealedTokenInvalid
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])

	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", ErrSealedTokenInvalid
	}
	return string(plain), nil
}

// PATStore reads and writes the per-owner token record. A missing record
// is returned as nil, nil.
type PATStore interface {
	GetStoredCredential(ctx context.Context, ownerID string) (*models.StoredCredential, error)
	SaveStoredCredential(ctx context.Context, cred *models.StoredCredential) error
}

// StoredSource loads the owner's sealed token from the database.
type StoredSource struct {
	Store   PATStore
	Sealer  *Sealer
	OwnerID string
}

func (s StoredSource) Credentials(ctx context.Context) (Credentials, error) {
	if s.Store == nil || s.OwnerID == "" {
		return Credentials{}, auditerr.ErrMissingCredentials
	}

	rec, err := s.Store.GetStoredCredential(ctx, s.OwnerID)
	if err != nil {
		// No table means nothing was ever stored for anyone.
		if errors.Is(err, auditerr.ErrPersistenceUnavailable) {
			return Credentials{}, auditerr.ErrMissingCredentials
		}
		return Credentials{}, fmt.Errorf("reading stored credentials: %w", err)
	}
	if rec == nil {
		return Credentials{}, auditerr.ErrMissingCredentials
	}

	token, err := s.Sealer.Open(rec.SealedToken)
	if err != nil {
		return Credentials{}, fmt.Errorf("opening stored token for %s: %w", s.OwnerID, err)
	}

	scope := SingleProject(rec.ProjectRef)
	if rec.CheckAllProjects {
		scope = AllProjects()
	}
	return Credentials{Token: token, Scope: scope, OwnerID: s.OwnerID}, nil
}

// Save seals token and stores it for the owner.
func (s StoredSource) Save(ctx context.Context, token string, scope Scope) error {
	sealed, err := s.Sealer.Seal(token)
	if err != nil {
		return err
	}
	return s.Store.SaveStoredCredential(ctx, &models.StoredCredential{
		OwnerID:          s.OwnerID,
		SealedToken:      sealed,
		ProjectRef:       scope.ProjectID,
		CheckAllProjects: scope.AllProjects,
	})
}
