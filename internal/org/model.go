package org

import (
	"fmt"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Roles recorded in the Directory.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// MinNameLength is the shortest slug accepted as an organization name.
const MinNameLength = 3

// Organization is a tenant. Name is its slug and doubles as the partition
// key for its member records. OwnerSubject is the identity that created it.
type Organization struct {
	Name         string    `bson:"name" json:"name"`
	DisplayName  string    `bson:"display_name" json:"display_name"`
	InviteCode   string    `bson:"invite_code" json:"invite_code"`
	IdPOrgID     string    `bson:"idp_org_id" json:"-"`
	OwnerSubject string    `bson:"owner_subject" json:"-"`
	CreatedAt    time.Time `bson:"created_at" json:"created_at"`
}

// Membership binds an identity to exactly one organization.
type Membership struct {
	SubjectID string    `bson:"subject_id" json:"subject_id"`
	OrgName   string    `bson:"org_name" json:"org_name"`
	Role      string    `bson:"role" json:"role"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

// NormalizeName lower-cases raw, turns runs of whitespace into a single
// underscore and drops everything outside [a-z0-9_-].
func NormalizeName(raw string) (string, error) {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		switch {
		case r == ' ' || r == '\t' || r == '\n':
			if !space {
				b.WriteByte('_')
			}
			space = true
			continue
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
		space = false
	}

	slug := b.String()
	if len(slug) < MinNameLength {
		return "", fmt.Errorf("%w: %q", ErrNameTooShort, slug)
	}
	return slug, nil
}

// GenerateInviteCode draws a random URL-safe token.
func GenerateInviteCode() (string, error) {
	return gonanoid.New()
}
