package user

import (
	"time"

	"github.com/google/uuid"
)

// Identity is the local cached copy of an identity-provider user.
// The provider owns the identity; we refresh the copy on each verified login.
type Identity struct {
	ID          uuid.UUID      `json:"id"`
	SubjectID   string         `json:"subject_id"`
	Email       string         `json:"email"`
	DisplayName string         `json:"display_name,omitempty"`
	Claims      map[string]any `json:"claims,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
