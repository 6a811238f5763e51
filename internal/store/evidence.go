package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/qualys/dbcompliance/internal/models"
)

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *Store) InsertEvidence(ctx context.Context, e *models.EvidenceEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO compliance_logs (id, user_id, created_at, check_type, status, details, project_id, project_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		e.ID,
		e.OwnerID,
		e.Timestamp.UTC(),
		e.Check,
		string(e.Status),
		e.Details,
		nullable(e.ProjectID),
		nullable(e.Project),
	)
	return translate(err)
}

func (s *Store) CountEvidence(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM compliance_logs WHERE user_id = $1`, ownerID)
	return n, translate(err)
}

// ListEvidence returns one page of the owner's entries, newest first.
func (s *Store) ListEvidence(ctx context.Context, ownerID string, offset, limit int) ([]models.EvidenceEntry, error) {
	var entries []models.EvidenceEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT id, user_id, created_at, check_type, status, details,
			COALESCE(project_id, '') AS project_id,
			COALESCE(project_name, '') AS project_name
		FROM compliance_logs
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		OFFSET $2 LIMIT $3
	`, ownerID, offset, limit)
	if err != nil {
		return nil, translate(err)
	}
	for i := range entries {
		entries[i].Timestamp = entries[i].Timestamp.UTC()
	}
	return entries, nil
}
