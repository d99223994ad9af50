// Package org is the Organization Directory: the single authoritative
// mapping of organization names, invite codes and identity memberships.
package org

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"

	"orgcrm/internal/docstore"
	"orgcrm/internal/idp"
)

// Domain errors returned by the Directory.
var (
	ErrNotFound            = errors.New("organization not found")
	ErrNameTooShort        = errors.New("organization name is too short")
	ErrAlreadyExists       = errors.New("organization already exists")
	ErrInvalidInvite       = errors.New("invalid invite code")
	ErrNotMember           = errors.New("identity does not belong to an organization")
	ErrAlreadyMember       = errors.New("identity already belongs to an organization")
	ErrInviteCodeExhausted = errors.New("could not allocate a unique invite code")
)

// MaxInviteAttempts caps invite code regeneration on collision.
const MaxInviteAttempts = 10

// Store is the persistence the Directory needs. *Datastore implements it.
type Store interface {
	InsertOrganization(ctx context.Context, o *Organization) error
	GetByName(ctx context.Context, name string) (*Organization, error)
	GetByInviteCode(ctx context.Context, code string) (*Organization, error)
	InviteCodeExists(ctx context.Context, code string) (bool, error)
	InsertMembership(ctx context.Context, m *Membership) error
	GetMembership(ctx context.Context, subject string) (*Membership, error)
}

// IdentityProvider is the subset of the IdP management API used when
// creating and joining organizations. *idp.Client implements it.
type IdentityProvider interface {
	CreateOrganization(ctx context.Context, name string) (idp.Organization, error)
	AddMember(ctx context.Context, orgID, subject string) error
	AssignRoles(ctx context.Context, orgID, subject string, roleIDs []string) error
}

// Partitioner creates an organization's member partition.
type Partitioner interface {
	EnsurePartition(ctx context.Context, slug string) (bool, error)
}

// SchemaInitializer creates an organization's default schema.
type SchemaInitializer interface {
	PutDefault(ctx context.Context, orgName string) (bool, error)
}

// Directory coordinates organization creation across the identity provider
// and the document store, and resolves invites and memberships.
type Directory struct {
	store        Store
	idp          IdentityProvider
	partitions   Partitioner
	schemas      SchemaInitializer
	adminRoleIDs []string
	newCode      func() (string, error)
}

type Options struct {
	// AdminRoleID is granted to the creator in the IdP. Empty skips the
	// role assignment.
	AdminRoleID string
}

// NewDirectory creates a new organization directory.
func NewDirectory(store Store, provider IdentityProvider, partitions Partitioner, schemas SchemaInitializer, opts Options) *Directory {
	d := &Directory{
		store:      store,
		idp:        provider,
		partitions: partitions,
		schemas:    schemas,
		newCode:    GenerateInviteCode,
	}
	if opts.AdminRoleID != "" {
		d.adminRoleIDs = []string{opts.AdminRoleID}
	}
	return d
}

// CreateResult describes a created organization.
type CreateResult struct {
	Org *Organization
	// PartitionCreated is false when the partition was left behind by an
	// earlier attempt and reused.
	PartitionCreated bool
}

// Create registers a new organization owned by ownerSubject. Each step is
// safe to repeat: an existing IdP organization, partition or schema left by
// an interrupted attempt is reused, and an organization record whose owner
// never got a membership is completed. Otherwise the organization record is
// first-writer-wins; the loser gets ErrAlreadyExists.
func (d *Directory) Create(ctx context.Context, name, ownerSubject string) (*CreateResult, error) {
	slug, err := NormalizeName(name)
	if err != nil {
		return nil, err
	}

	if existing, err := d.store.GetByName(ctx, slug); err == nil {
		return d.resumeCreate(ctx, existing, ownerSubject)
	} else if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, docstore.Unavailable(fmt.Errorf("failed to look up organization: %w", err))
	}

	if err := d.ensureNotMember(ctx, ownerSubject); err != nil {
		return nil, err
	}

	idpOrg, err := d.idp.CreateOrganization(ctx, slug)
	if err != nil {
		return nil, err
	}
	if err := d.idp.AddMember(ctx, idpOrg.ID, ownerSubject); err != nil {
		return nil, err
	}
	if err := d.idp.AssignRoles(ctx, idpOrg.ID, ownerSubject, d.adminRoleIDs); err != nil {
		return nil, err
	}

	created, err := d.partitions.EnsurePartition(ctx, slug)
	if err != nil {
		return nil, err
	}
	if _, err := d.schemas.PutDefault(ctx, slug); err != nil {
		return nil, err
	}

	o := &Organization{
		Name:         slug,
		DisplayName:  strings.TrimSpace(name),
		IdPOrgID:     idpOrg.ID,
		OwnerSubject: ownerSubject,
		CreatedAt:    time.Now().UTC(),
	}
	if err := d.insertWithInviteCode(ctx, o); err != nil {
		return nil, err
	}

	if err := d.addMembership(ctx, o.Name, ownerSubject, RoleAdmin); err != nil {
		return nil, err
	}

	log.Ctx(ctx).Info().
		Str("org_name", o.Name).
		Str("idp_org_id", o.IdPOrgID).
		Bool("partition_created", created).
		Msg("organization created")

	return &CreateResult{Org: o, PartitionCreated: created}, nil
}

// resumeCreate finishes an organization whose record was written by an
// earlier attempt of the same owner but whose admin membership was not.
func (d *Directory) resumeCreate(ctx context.Context, existing *Organization, ownerSubject string) (*CreateResult, error) {
	if existing.OwnerSubject == "" || existing.OwnerSubject != ownerSubject {
		return nil, ErrAlreadyExists
	}
	if _, err := d.store.GetMembership(ctx, ownerSubject); err == nil {
		return nil, ErrAlreadyExists
	} else if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, docstore.Unavailable(fmt.Errorf("failed to get membership: %w", err))
	}

	if err := d.addMembership(ctx, existing.Name, ownerSubject, RoleAdmin); err != nil {
		return nil, err
	}

	log.Ctx(ctx).Info().
		Str("org_name", existing.Name).
		Str("idp_org_id", existing.IdPOrgID).
		Msg("organization creation resumed")

	return &CreateResult{Org: existing}, nil
}

// insertWithInviteCode assigns a fresh invite code and inserts o. A
// duplicate key means either the name was taken by a concurrent create or
// the code collided; the latter is retried with a new code.
func (d *Directory) insertWithInviteCode(ctx context.Context, o *Organization) error {
	for attempt := 0; attempt < MaxInviteAttempts; attempt++ {
		code, err := d.newCode()
		if err != nil {
			return fmt.Errorf("failed to generate invite code: %w", err)
		}

		taken, err := d.store.InviteCodeExists(ctx, code)
		if err != nil {
			return docstore.Unavailable(fmt.Errorf("failed to check invite code: %w", err))
		}
		if taken {
			continue
		}

		o.InviteCode = code
		err = d.store.InsertOrganization(ctx, o)
		if err == nil {
			return nil
		}
		if !docstore.IsDuplicateKey(err) {
			return docstore.Unavailable(fmt.Errorf("failed to insert organization: %w", err))
		}

		if _, getErr := d.store.GetByName(ctx, o.Name); getErr == nil {
			return ErrAlreadyExists
		}
	}
	return ErrInviteCodeExhausted
}

// Get returns the organization whose normalized name matches name.
func (d *Directory) Get(ctx context.Context, name string) (*Organization, error) {
	slug, err := NormalizeName(name)
	if err != nil {
		return nil, ErrNotFound
	}
	o, err := d.store.GetByName(ctx, slug)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, docstore.Unavailable(fmt.Errorf("failed to get organization: %w", err))
	}
	return o, nil
}

// ResolveByInvite returns the organization an invite code belongs to.
func (d *Directory) ResolveByInvite(ctx context.Context, code string) (*Organization, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrInvalidInvite
	}
	o, err := d.store.GetByInviteCode(ctx, code)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrInvalidInvite
		}
		return nil, docstore.Unavailable(fmt.Errorf("failed to resolve invite: %w", err))
	}
	return o, nil
}

// ResolveForIdentity returns the organization subject belongs to and its
// membership.
func (d *Directory) ResolveForIdentity(ctx context.Context, subject string) (*Organization, *Membership, error) {
	m, err := d.store.GetMembership(ctx, subject)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil, ErrNotMember
		}
		return nil, nil, docstore.Unavailable(fmt.Errorf("failed to get membership: %w", err))
	}

	o, err := d.store.GetByName(ctx, m.OrgName)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			log.Ctx(ctx).Error().
				Str("subject_id", subject).
				Str("org_name", m.OrgName).
				Msg("membership references missing organization")
			return nil, nil, ErrNotMember
		}
		return nil, nil, docstore.Unavailable(fmt.Errorf("failed to get organization: %w", err))
	}
	return o, m, nil
}

// CheckCanJoin fails with ErrAlreadyMember if subject already belongs to an
// organization.
func (d *Directory) CheckCanJoin(ctx context.Context, subject string) error {
	return d.ensureNotMember(ctx, subject)
}

// Join records subject as a member of o, in the IdP first so that a failed
// attempt can be retried.
func (d *Directory) Join(ctx context.Context, o *Organization, subject string) error {
	if o.IdPOrgID != "" {
		if err := d.idp.AddMember(ctx, o.IdPOrgID, subject); err != nil {
			return err
		}
	}
	return d.addMembership(ctx, o.Name, subject, RoleMember)
}

func (d *Directory) ensureNotMember(ctx context.Context, subject string) error {
	_, err := d.store.GetMembership(ctx, subject)
	switch {
	case err == nil:
		return ErrAlreadyMember
	case errors.Is(err, mongo.ErrNoDocuments):
		return nil
	default:
		return docstore.Unavailable(fmt.Errorf("failed to get membership: %w", err))
	}
}

func (d *Directory) addMembership(ctx context.Context, orgName, subject, role string) error {
	err := d.store.InsertMembership(ctx, &Membership{
		SubjectID: subject,
		OrgName:   orgName,
		Role:      role,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		if docstore.IsDuplicateKey(err) {
			return ErrAlreadyMember
		}
		return docstore.Unavailable(fmt.Errorf("failed to record membership: %w", err))
	}
	return nil
}
