package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"orgcrm/internal/jwtauth"
	"orgcrm/internal/org"
	"orgcrm/internal/user"
)

// Identities is the local identity cache.
type Identities interface {
	UpsertFromClaims(ctx context.Context, claims *jwtauth.Claims) (*user.Identity, error)
	SetDisplayName(ctx context.Context, subjectID, displayName string) error
}

// Profiles updates identity attributes held by the identity provider.
type Profiles interface {
	UpdateAppMetadata(ctx context.Context, subject string, metadata map[string]any) error
	UpdateNickname(ctx context.Context, subject, nickname string) error
}

// ProfileHandler serves session verification and profile updates.
type ProfileHandler struct {
	dir        Directory
	identities Identities
	profiles   Profiles
}

// NewProfileHandler creates a new profile handler.
func NewProfileHandler(dir Directory, identities Identities, profiles Profiles) *ProfileHandler {
	return &ProfileHandler{dir: dir, identities: identities, profiles: profiles}
}

type verifySessionResponse struct {
	Authenticated bool              `json:"authenticated"`
	Identity      *user.Identity    `json:"identity"`
	Organization  *org.Organization `json:"organization"`
	Role          string            `json:"role,omitempty"`
}

// VerifySession handles GET /verify-session. It refreshes the identity
// cache and reports the caller's organization, if any.
func (h *ProfileHandler) VerifySession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := jwtauth.GetClaims(ctx)

	identity, err := h.identities.UpsertFromClaims(ctx, claims)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := verifySessionResponse{Authenticated: true, Identity: identity}
	o, m, err := h.dir.ResolveForIdentity(ctx, claims.SubjectID())
	switch {
	case err == nil:
		resp.Organization = o
		resp.Role = m.Role
	case errors.Is(err, org.ErrNotMember):
	default:
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// CompleteSetup handles POST /profile/complete-setup.
func (h *ProfileHandler) CompleteSetup(w http.ResponseWriter, r *http.Request) {
	claims := jwtauth.GetClaims(r.Context())

	if err := h.profiles.UpdateAppMetadata(r.Context(), claims.SubjectID(), map[string]any{
		"completed_setup": true,
	}); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"completed_setup": true})
}

type nicknameRequest struct {
	Nickname string `json:"nickname"`
}

// Nickname handles POST /profile/nickname.
func (h *ProfileHandler) Nickname(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := jwtauth.GetClaims(ctx)

	var req nicknameRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	nickname, err := user.ValidateNickname(req.Nickname)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.profiles.UpdateNickname(ctx, claims.SubjectID(), nickname); err != nil {
		writeError(w, r, err)
		return
	}

	// The provider holds the nickname; the cached copy catches up on the next
	// verified session when this fails.
	if err := h.identities.SetDisplayName(ctx, claims.SubjectID(), nickname); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("failed to update cached display name")
	}

	writeJSON(w, http.StatusOK, map[string]any{"nickname": nickname})
}
