// Package member is the Membership Store Gateway. It validates member
// records against their organization's schema and keeps them inside that
// organization's partition.
package member

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"

	"orgcrm/internal/docstore"
	"orgcrm/internal/org"
	"orgcrm/internal/schema"
)

var (
	// ErrSchemaNotFound means an organization exists without a schema.
	// Creation always writes one, so this is a data integrity failure.
	ErrSchemaNotFound  = errors.New("schema not found for organization")
	ErrDuplicateMember = errors.New("a member with this email already exists")
)

// Directory resolves organizations and records memberships.
// *org.Directory implements it.
type Directory interface {
	ResolveByInvite(ctx context.Context, code string) (*org.Organization, error)
	CheckCanJoin(ctx context.Context, subject string) error
	Join(ctx context.Context, o *org.Organization, subject string) error
}

// Schemas supplies an organization's field contract. *schema.Registry
// implements it.
type Schemas interface {
	Get(ctx context.Context, orgName string) (*schema.Schema, error)
}

// Records persists member records. *Datastore implements it.
type Records interface {
	Insert(ctx context.Context, o *org.Organization, subject string, r schema.Record) error
	Owner(ctx context.Context, o *org.Organization, email string) (string, error)
	Delete(ctx context.Context, o *org.Organization, subject, email string) error
	List(ctx context.Context, o *org.Organization) ([]schema.Record, error)
	Emails(ctx context.Context, o *org.Organization) (map[string]bool, error)
}

// Gateway handles joins, roster lookups and bulk transfers.
type Gateway struct {
	dir     Directory
	schemas Schemas
	records Records
}

// NewGateway creates a new membership gateway.
func NewGateway(dir Directory, schemas Schemas, records Records) *Gateway {
	return &Gateway{dir: dir, schemas: schemas, records: records}
}

// JoinResult confirms a join.
type JoinResult struct {
	Org    *org.Organization
	Record schema.Record
}

// Join adds subject to the organization behind inviteCode with record as
// their member record. Nothing is written unless the record validates. A
// record this attempt inserted is removed again if the membership cannot be
// recorded, and a record left behind by an earlier attempt of the same
// subject is reused, so a failed join can be retried.
func (g *Gateway) Join(ctx context.Context, inviteCode, subject string, record schema.Record) (*JoinResult, error) {
	o, err := g.dir.ResolveByInvite(ctx, inviteCode)
	if err != nil {
		return nil, err
	}
	if err := g.dir.CheckCanJoin(ctx, subject); err != nil {
		return nil, err
	}

	s, err := g.Schema(ctx, o)
	if err != nil {
		return nil, err
	}

	clean, err := schema.Validate(s, record)
	if err != nil {
		return nil, err
	}

	email, _ := clean["email"].(string)
	inserted, err := g.insertRecord(ctx, o, subject, email, clean)
	if err != nil {
		return nil, err
	}

	if err := g.dir.Join(ctx, o, subject); err != nil {
		if inserted {
			g.releaseRecord(ctx, o, subject, email)
		}
		return nil, err
	}

	log.Ctx(ctx).Info().Str("org_name", o.Name).Str("subject_id", subject).Msg("member joined")
	return &JoinResult{Org: o, Record: clean}, nil
}

// insertRecord reports whether it wrote a new record. A duplicate email
// owned by subject is an earlier attempt's record and is kept as is.
func (g *Gateway) insertRecord(ctx context.Context, o *org.Organization, subject, email string, r schema.Record) (bool, error) {
	err := g.records.Insert(ctx, o, subject, r)
	if err == nil {
		return true, nil
	}
	if !docstore.IsDuplicateKey(err) {
		return false, docstore.Unavailable(fmt.Errorf("failed to insert member: %w", err))
	}

	owner, err := g.records.Owner(ctx, o, email)
	switch {
	case err == nil && owner == subject:
		log.Ctx(ctx).Info().Str("org_name", o.Name).Str("subject_id", subject).Msg("reusing member record from earlier join")
		return false, nil
	case err == nil, errors.Is(err, mongo.ErrNoDocuments):
		return false, ErrDuplicateMember
	default:
		return false, docstore.Unavailable(fmt.Errorf("failed to look up member: %w", err))
	}
}

// releaseRecord removes a record whose membership could not be recorded.
// A failure only leaves a record the same subject can reuse on retry.
func (g *Gateway) releaseRecord(ctx context.Context, o *org.Organization, subject, email string) {
	if err := g.records.Delete(context.WithoutCancel(ctx), o, subject, email); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("org_name", o.Name).Str("subject_id", subject).Msg("failed to release member record")
	}
}

// SchemaForInvite returns the schema a joiner must fill in.
func (g *Gateway) SchemaForInvite(ctx context.Context, inviteCode string) (*org.Organization, *schema.Schema, error) {
	o, err := g.dir.ResolveByInvite(ctx, inviteCode)
	if err != nil {
		return nil, nil, err
	}
	s, err := g.Schema(ctx, o)
	if err != nil {
		return nil, nil, err
	}
	return o, s, nil
}

// Schema returns o's schema, reporting a missing one as ErrSchemaNotFound.
func (g *Gateway) Schema(ctx context.Context, o *org.Organization) (*schema.Schema, error) {
	s, err := g.schemas.Get(ctx, o.Name)
	if err != nil {
		if errors.Is(err, schema.ErrNotFound) {
			log.Ctx(ctx).Error().Str("org_name", o.Name).Msg("organization has no schema")
			return nil, ErrSchemaNotFound
		}
		return nil, err
	}
	return s, nil
}

// Roster returns every member record of o.
func (g *Gateway) Roster(ctx context.Context, o *org.Organization) ([]schema.Record, error) {
	records, err := g.records.List(ctx, o)
	if err != nil {
		return nil, docstore.Unavailable(fmt.Errorf("failed to list members: %w", err))
	}
	return records, nil
}
