package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/qualys/dbcompliance/internal/models"
)

func (s *Store) GetStoredCredential(ctx context.Context, ownerID string) (*models.StoredCredential, error) {
	var cred models.StoredCredential
	err := s.db.GetContext(ctx, &cred, `
		SELECT user_id, pat, COALESCE(project_id, '') AS project_id, check_all_projects, created_at, updated_at
		FROM user_pats WHERE user_id = $1
	`, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err)
	}
	return &cred, nil
}

func (s *Store) SaveStoredCredential(ctx context.Context, cred *models.StoredCredential) error {
	now := time.Now().UTC()
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_pats (user_id, pat, project_id, check_all_projects, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			pat = EXCLUDED.pat,
			project_id = EXCLUDED.project_id,
			check_all_projects = EXCLUDED.check_all_projects,
			updated_at = EXCLUDED.updated_at
	`,
		cred.OwnerID,
		cred.SealedToken,
		nullable(cred.ProjectRef),
		cred.CheckAllProjects,
		cred.CreatedAt,
		cred.UpdatedAt,
	)
	return translate(err)
}

func (s *Store) DeleteStoredCredential(ctx context.Context, ownerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_pats WHERE user_id = $1`, ownerID)
	return translate(err)
}
