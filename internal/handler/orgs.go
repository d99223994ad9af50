package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"orgcrm/internal/jwtauth"
	"orgcrm/internal/member"
	"orgcrm/internal/org"
	"orgcrm/internal/query"
	"orgcrm/internal/schema"
)

// Directory is the organization lookup used by the handlers.
type Directory interface {
	Create(ctx context.Context, name, ownerSubject string) (*org.CreateResult, error)
	ResolveForIdentity(ctx context.Context, subject string) (*org.Organization, *org.Membership, error)
}

// Members is the membership gateway used by the handlers.
type Members interface {
	Join(ctx context.Context, inviteCode, subject string, record schema.Record) (*member.JoinResult, error)
	SchemaForInvite(ctx context.Context, inviteCode string) (*org.Organization, *schema.Schema, error)
	Roster(ctx context.Context, o *org.Organization) ([]schema.Record, error)
}

// Queries runs natural-language queries.
type Queries interface {
	Run(ctx context.Context, o *org.Organization, prompt string) (*query.Result, error)
}

// OrgsHandler serves the organization, membership and query endpoints.
type OrgsHandler struct {
	dir     Directory
	members Members
	queries Queries
}

// NewOrgsHandler creates a new organizations handler.
func NewOrgsHandler(dir Directory, members Members, queries Queries) *OrgsHandler {
	return &OrgsHandler{dir: dir, members: members, queries: queries}
}

type createOrgRequest struct {
	Name string `json:"name"`
}

type createOrgResponse struct {
	*org.Organization
	Role string `json:"role"`
}

// Create handles POST /organizations. The caller becomes the admin.
func (h *OrgsHandler) Create(w http.ResponseWriter, r *http.Request) {
	claims := jwtauth.GetClaims(r.Context())

	var req createOrgRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	result, err := h.dir.Create(r.Context(), req.Name, claims.SubjectID())
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, createOrgResponse{
		Organization: result.Org,
		Role:         org.RoleAdmin,
	})
}

type schemaResponse struct {
	Organization string             `json:"organization"`
	DisplayName  string             `json:"display_name"`
	Fields       []schema.FieldSpec `json:"fields"`
}

// Schema handles GET /organizations/schema?invite_code=.
func (h *OrgsHandler) Schema(w http.ResponseWriter, r *http.Request) {
	o, s, err := h.members.SchemaForInvite(r.Context(), inviteCode(r))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, schemaResponse{
		Organization: o.Name,
		DisplayName:  o.DisplayName,
		Fields:       s.Fields,
	})
}

// Join handles POST /organizations/members?invite_code=. The body is the
// member record.
func (h *OrgsHandler) Join(w http.ResponseWriter, r *http.Request) {
	claims := jwtauth.GetClaims(r.Context())

	var record schema.Record
	if err := decodeJSON(w, r, &record); err != nil {
		writeError(w, r, err)
		return
	}

	result, err := h.members.Join(r.Context(), inviteCode(r), claims.SubjectID(), record)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"organization": result.Org.Name,
		"role":         org.RoleMember,
		"record":       result.Record,
	})
}

// Roster handles GET /organizations/members for the caller's own organization.
func (h *OrgsHandler) Roster(w http.ResponseWriter, r *http.Request) {
	o, ok := h.callerOrg(w, r)
	if !ok {
		return
	}

	records, err := h.members.Roster(r.Context(), o)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if records == nil {
		records = []schema.Record{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"organization": o.Name,
		"members":      records,
		"count":        len(records),
	})
}

type queryRequest struct {
	Prompt string `json:"prompt"`
}

// Query handles POST /organizations/query. A prompt that is not about
// member data is a normal outcome, answered with 200.
func (h *OrgsHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	o, ok := h.callerOrg(w, r)
	if !ok {
		return
	}

	result, err := h.queries.Run(r.Context(), o, req.Prompt)
	if err != nil {
		if errors.Is(err, query.ErrNotAQuery) {
			writeJSON(w, http.StatusOK, map[string]any{
				"not_a_query": true,
				"message":     query.NotAQueryMessage,
			})
			return
		}
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// callerOrg resolves the organization of the verified identity. The
// partition is always derived from this lookup, never from the request.
func (h *OrgsHandler) callerOrg(w http.ResponseWriter, r *http.Request) (*org.Organization, bool) {
	claims := jwtauth.GetClaims(r.Context())

	o, _, err := h.dir.ResolveForIdentity(r.Context(), claims.SubjectID())
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	log.Ctx(r.Context()).Debug().Str("org", o.Name).Msg("resolved caller organization")
	return o, true
}

func inviteCode(r *http.Request) string {
	return strings.TrimSpace(r.URL.Query().Get("invite_code"))
}
