package alert

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Datastore writes alerts to the alerts collection.
type Datastore struct {
	coll *mongo.Collection
}

// NewDatastore creates a new alert datastore.
func NewDatastore(coll *mongo.Collection) *Datastore {
	return &Datastore{coll: coll}
}

// Upsert refreshes the alert for (org_name, email, type), reporting
// whether it did not exist before.
func (ds *Datastore) Upsert(ctx context.Context, a Alert) (bool, error) {
	res, err := ds.coll.UpdateOne(ctx,
		bson.D{
			{Key: "org_name", Value: a.OrgName},
			{Key: "email", Value: a.Email},
			{Key: "type", Value: a.Type},
		},
		bson.M{
			"$set": bson.M{
				"member_name": a.MemberName,
				"details":     a.Details,
				"updated_at":  a.UpdatedAt,
			},
			"$setOnInsert": bson.M{"created_at": a.UpdatedAt},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return false, err
	}
	return res.UpsertedCount > 0, nil
}
