package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"orgcrm/internal/jwtauth"
	"orgcrm/internal/upstream"
)

// Domain errors
var (
	ErrNotFound        = errors.New("identity not found")
	ErrInvalidSubject  = errors.New("invalid subject ID")
	ErrInvalidNickname = errors.New("nickname is required")
	ErrNicknameTooLong = errors.New("nickname must be at most 64 characters")
)

// MaxNicknameLength bounds display names set through the profile endpoint.
const MaxNicknameLength = 64

// Manager handles business logic for cached identities.
type Manager struct {
	ds *Datastore
}

// NewManager creates a new identity manager.
func NewManager(ds *Datastore) *Manager {
	return &Manager{ds: ds}
}

// UpsertFromClaims caches the identity described by verified claims.
func (m *Manager) UpsertFromClaims(ctx context.Context, claims *jwtauth.Claims) (*Identity, error) {
	subject := strings.TrimSpace(claims.SubjectID())
	if subject == "" {
		return nil, ErrInvalidSubject
	}

	identity := &Identity{
		SubjectID:   subject,
		Email:       strings.TrimSpace(claims.Email),
		DisplayName: claims.DisplayName(),
		Claims:      claims.Raw,
	}

	if err := m.ds.UpsertIdentity(ctx, identity); err != nil {
		return nil, upstream.Wrap("postgres", fmt.Errorf("failed to upsert identity: %w", err))
	}

	return identity, nil
}

// GetBySubject retrieves a cached identity by provider subject ID.
func (m *Manager) GetBySubject(ctx context.Context, subjectID string) (*Identity, error) {
	identity, err := m.ds.GetBySubject(ctx, subjectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, upstream.Wrap("postgres", fmt.Errorf("failed to get identity: %w", err))
	}
	return identity, nil
}

// ValidateNickname trims and checks a requested nickname.
func ValidateNickname(nickname string) (string, error) {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return "", ErrInvalidNickname
	}
	if len([]rune(nickname)) > MaxNicknameLength {
		return "", ErrNicknameTooLong
	}
	return nickname, nil
}

// SetDisplayName updates the cached display name after the provider accepted it.
func (m *Manager) SetDisplayName(ctx context.Context, subjectID, displayName string) error {
	rowsAffected, err := m.ds.UpdateDisplayName(ctx, subjectID, displayName)
	if err != nil {
		return upstream.Wrap("postgres", fmt.Errorf("failed to update display name: %w", err))
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
