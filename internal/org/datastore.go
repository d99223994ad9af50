package org

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Datastore handles persistence for organizations and memberships.
// It performs only document store operations and returns raw errors.
// Error translation belongs in the Directory.
type Datastore struct {
	orgs        *mongo.Collection
	memberships *mongo.Collection
}

// NewDatastore creates a new organization datastore.
func NewDatastore(orgs, memberships *mongo.Collection) *Datastore {
	return &Datastore{orgs: orgs, memberships: memberships}
}

// InsertOrganization returns a duplicate key error when the name or the
// invite code is already taken.
func (ds *Datastore) InsertOrganization(ctx context.Context, o *Organization) error {
	_, err := ds.orgs.InsertOne(ctx, o)
	return err
}

// GetByName returns mongo.ErrNoDocuments if not found.
func (ds *Datastore) GetByName(ctx context.Context, name string) (*Organization, error) {
	return ds.findOne(ctx, bson.M{"name": name})
}

// GetByInviteCode returns mongo.ErrNoDocuments if not found.
func (ds *Datastore) GetByInviteCode(ctx context.Context, code string) (*Organization, error) {
	return ds.findOne(ctx, bson.M{"invite_code": code})
}

func (ds *Datastore) findOne(ctx context.Context, filter bson.M) (*Organization, error) {
	o := &Organization{}
	if err := ds.orgs.FindOne(ctx, filter).Decode(o); err != nil {
		return nil, err
	}
	return o, nil
}

func (ds *Datastore) InviteCodeExists(ctx context.Context, code string) (bool, error) {
	n, err := ds.orgs.CountDocuments(ctx, bson.M{"invite_code": code}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertMembership returns a duplicate key error when the subject already
// belongs to an organization.
func (ds *Datastore) InsertMembership(ctx context.Context, m *Membership) error {
	_, err := ds.memberships.InsertOne(ctx, m)
	return err
}

// GetMembership returns mongo.ErrNoDocuments if the subject has no
// organization.
func (ds *Datastore) GetMembership(ctx context.Context, subject string) (*Membership, error) {
	m := &Membership{}
	if err := ds.memberships.FindOne(ctx, bson.M{"subject_id": subject}).Decode(m); err != nil {
		return nil, err
	}
	return m, nil
}
