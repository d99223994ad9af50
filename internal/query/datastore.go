package query

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"orgcrm/internal/docstore"
	"orgcrm/internal/org"
	"orgcrm/internal/schema"
)

// Datastore executes read-only filters on member partitions.
type Datastore struct {
	store *docstore.Store
}

// NewDatastore creates a new query datastore.
func NewDatastore(store *docstore.Store) *Datastore {
	return &Datastore{store: store}
}

// Find returns at most limit records of o matching filter, with internal
// identifiers stripped.
func (ds *Datastore) Find(ctx context.Context, o *org.Organization, filter bson.D, limit int64) ([]schema.Record, error) {
	coll, err := ds.store.Partition(o.Name)
	if err != nil {
		return nil, err
	}

	cursor, err := coll.Find(ctx, filter, options.Find().
		SetProjection(docstore.RecordProjection).
		SetLimit(limit))
	if err != nil {
		return nil, err
	}

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	records := make([]schema.Record, 0, len(docs))
	for _, d := range docs {
		delete(d, "_id")
		delete(d, docstore.SubjectField)
		records = append(records, schema.Record(d))
	}
	return records, nil
}
