package member

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"orgcrm/internal/docstore"
	"orgcrm/internal/org"
	"orgcrm/internal/schema"
)

// Datastore reads and writes member records in an organization's partition.
// The partition is always derived from a resolved organization.
type Datastore struct {
	store *docstore.Store
}

// NewDatastore creates a new member datastore.
func NewDatastore(store *docstore.Store) *Datastore {
	return &Datastore{store: store}
}

func (ds *Datastore) partition(o *org.Organization) (*mongo.Collection, error) {
	return ds.store.Partition(o.Name)
}

// Insert stores r in o's partition, tagged with the subject that joined
// with it. An empty subject marks an imported record. Insert returns a
// duplicate key error when the email is already present.
func (ds *Datastore) Insert(ctx context.Context, o *org.Organization, subject string, r schema.Record) error {
	coll, err := ds.partition(o)
	if err != nil {
		return err
	}

	doc := make(bson.M, len(r)+1)
	for k, v := range r {
		doc[k] = v
	}
	if subject != "" {
		doc[docstore.SubjectField] = subject
	}
	_, err = coll.InsertOne(ctx, doc)
	return err
}

// Owner returns the subject that joined with the record holding email, or
// an empty string for an imported record. A missing record is
// mongo.ErrNoDocuments.
func (ds *Datastore) Owner(ctx context.Context, o *org.Organization, email string) (string, error) {
	coll, err := ds.partition(o)
	if err != nil {
		return "", err
	}

	var doc struct {
		Subject string `bson:"subject_id"`
	}
	err = coll.FindOne(ctx, bson.M{"email": email},
		options.FindOne().SetProjection(bson.D{{Key: docstore.SubjectField, Value: 1}, {Key: "_id", Value: 0}})).
		Decode(&doc)
	if err != nil {
		return "", err
	}
	return doc.Subject, nil
}

// Delete removes the record holding email if subject joined with it.
func (ds *Datastore) Delete(ctx context.Context, o *org.Organization, subject, email string) error {
	coll, err := ds.partition(o)
	if err != nil {
		return err
	}
	_, err = coll.DeleteOne(ctx, bson.M{"email": email, docstore.SubjectField: subject})
	return err
}

// List returns every record in the partition, oldest first.
func (ds *Datastore) List(ctx context.Context, o *org.Organization) ([]schema.Record, error) {
	coll, err := ds.partition(o)
	if err != nil {
		return nil, err
	}

	cursor, err := coll.Find(ctx, bson.D{}, options.Find().
		SetProjection(docstore.RecordProjection).
		SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	records := make([]schema.Record, 0, len(docs))
	for _, d := range docs {
		delete(d, docstore.SubjectField)
		records = append(records, schema.Record(d))
	}
	return records, nil
}

// Emails returns the set of emails already present in the partition.
func (ds *Datastore) Emails(ctx context.Context, o *org.Organization) (map[string]bool, error) {
	coll, err := ds.partition(o)
	if err != nil {
		return nil, err
	}

	cursor, err := coll.Find(ctx,
		bson.M{"email": bson.M{"$type": "string"}},
		options.Find().SetProjection(bson.D{{Key: "email", Value: 1}, {Key: "_id", Value: 0}}))
	if err != nil {
		return nil, err
	}

	var docs []struct {
		Email string `bson:"email"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	emails := make(map[string]bool, len(docs))
	for _, d := range docs {
		emails[d.Email] = true
	}
	return emails, nil
}
