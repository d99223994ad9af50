package schema

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Datastore reads and writes schema documents.
type Datastore struct {
	coll *mongo.Collection
}

// NewDatastore creates a schema datastore over the schemas collection.
func NewDatastore(coll *mongo.Collection) *Datastore {
	return &Datastore{coll: coll}
}

// Get returns mongo.ErrNoDocuments when no schema exists for orgName.
func (ds *Datastore) Get(ctx context.Context, orgName string) (*Schema, error) {
	var s Schema
	err := ds.coll.FindOne(ctx, bson.M{"org_name": orgName}).Decode(&s)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// InsertIfAbsent writes fields for orgName unless a schema already exists.
// It reports whether a new document was created.
func (ds *Datastore) InsertIfAbsent(ctx context.Context, orgName string, fields []FieldSpec) (bool, error) {
	res, err := ds.coll.UpdateOne(ctx,
		bson.M{"org_name": orgName},
		bson.M{"$setOnInsert": bson.M{
			"org_name":   orgName,
			"fields":     fields,
			"created_at": time.Now().UTC(),
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return false, err
	}
	return res.UpsertedCount > 0, nil
}
