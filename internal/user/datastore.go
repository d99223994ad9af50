package user

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DBTX is the interface for database operations.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Datastore handles database operations for cached identities.
type Datastore struct {
	db DBTX
}

// NewDatastore creates a new identity datastore.
func NewDatastore(db DBTX) *Datastore {
	return &Datastore{db: db}
}

// UpsertIdentity creates or refreshes the cached copy of an identity.
func (ds *Datastore) UpsertIdentity(ctx context.Context, identity *Identity) error {
	now := time.Now()

	claims, err := json.Marshal(identity.Claims)
	if err != nil {
		return fmt.Errorf("failed to encode claims: %w", err)
	}

	query := `
		INSERT INTO identities (id, subject_id, email, display_name, claims, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (subject_id)
		DO UPDATE SET email = $3, display_name = $4, claims = $5, updated_at = $7
		RETURNING id, created_at, updated_at`

	if identity.ID == uuid.Nil {
		identity.ID = uuid.New()
	}

	return ds.db.QueryRowContext(ctx, query,
		identity.ID, identity.SubjectID, identity.Email, identity.DisplayName,
		claims, now, now,
	).Scan(&identity.ID, &identity.CreatedAt, &identity.UpdatedAt)
}

// GetBySubject retrieves a cached identity by its provider subject ID.
func (ds *Datastore) GetBySubject(ctx context.Context, subjectID string) (*Identity, error) {
	query := `
		SELECT id, subject_id, email, display_name, claims, created_at, updated_at
		FROM identities WHERE subject_id = $1`

	identity := &Identity{}
	var claims []byte
	err := ds.db.QueryRowContext(ctx, query, subjectID).Scan(
		&identity.ID, &identity.SubjectID, &identity.Email, &identity.DisplayName,
		&claims, &identity.CreatedAt, &identity.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(claims) > 0 {
		if err := json.Unmarshal(claims, &identity.Claims); err != nil {
			return nil, fmt.Errorf("failed to decode claims: %w", err)
		}
	}
	return identity, nil
}

// UpdateDisplayName changes the cached display name.
func (ds *Datastore) UpdateDisplayName(ctx context.Context, subjectID, displayName string) (int64, error) {
	query := `UPDATE identities SET display_name = $2, updated_at = $3 WHERE subject_id = $1`
	result, err := ds.db.ExecContext(ctx, query, subjectID, displayName, time.Now())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
