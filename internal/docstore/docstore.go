// Package docstore owns the MongoDB client and the collection layout:
// shared directory collections plus one partition collection per organization.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"orgcrm/internal/config"
	"orgcrm/internal/upstream"
)

const (
	CollectionOrganizations = "organizations"
	CollectionSchemas       = "schemas"
	CollectionMemberships   = "memberships"
	CollectionAlerts        = "alerts"

	partitionPrefix = "org_"

	codeNamespaceExists = 48
)

// SubjectField stores the identity that joined with a member record. It is
// internal to the partition and stripped from every read.
const SubjectField = "subject_id"

// RecordProjection hides the internal fields of member records.
var RecordProjection = bson.D{{Key: "_id", Value: 0}, {Key: SubjectField, Value: 0}}

// ErrInvalidPartition is returned when a partition is requested for
// something that is not a normalized organization slug.
var ErrInvalidPartition = errors.New("invalid partition name")

var slugPattern = regexp.MustCompile(`^[a-z0-9_-]{3,}$`)

// Store wraps the application database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials MongoDB and verifies connectivity. Every operation issued
// through the client is bounded by timeout.
func Connect(ctx context.Context, cfg config.MongoConfig, timeout time.Duration) (*Store, error) {
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetTimeout(timeout).
		SetServerSelectionTimeout(timeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, Unavailable(fmt.Errorf("failed to ping mongodb: %w", err))
	}

	return &Store{client: client, db: client.Database(cfg.Database)}, nil
}

// New wraps an existing database handle.
func New(db *mongo.Database) *Store {
	return &Store{client: db.Client(), db: db}
}

// Disconnect closes the underlying client.
func (s *Store) Disconnect(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Health pings the primary.
func (s *Store) Health(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return Unavailable(err)
	}
	return nil
}

// Collection returns one of the shared collections.
func (s *Store) Collection(name string) *mongo.Collection {
	return s.db.Collection(name)
}

// EnsureIndexes creates the uniqueness indexes backing the directory
// invariants. It is safe to run on every start.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		CollectionOrganizations: {
			{Keys: bson.D{{Key: "name", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "invite_code", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		CollectionSchemas: {
			{Keys: bson.D{{Key: "org_name", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		CollectionMemberships: {
			{Keys: bson.D{{Key: "subject_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "org_name", Value: 1}}},
		},
		CollectionAlerts: {
			{Keys: bson.D{{Key: "org_name", Value: 1}, {Key: "email", Value: 1}, {Key: "type", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
	}

	for _, name := range []string{CollectionOrganizations, CollectionSchemas, CollectionMemberships, CollectionAlerts} {
		if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, indexes[name]); err != nil {
			return Unavailable(fmt.Errorf("failed to create indexes on %s: %w", name, err))
		}
	}
	return nil
}

// PartitionName maps an organization slug to its collection name. The
// prefix keeps partitions clear of the shared collection names.
func PartitionName(slug string) string {
	return partitionPrefix + slug
}

// Partition returns the member collection for an organization slug.
func (s *Store) Partition(slug string) (*mongo.Collection, error) {
	if !slugPattern.MatchString(slug) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPartition, slug)
	}
	return s.db.Collection(PartitionName(slug)), nil
}

// EnsurePartition creates the partition collection and its unique email
// index. An existing collection is reported as created=false, not an error.
func (s *Store) EnsurePartition(ctx context.Context, slug string) (bool, error) {
	coll, err := s.Partition(slug)
	if err != nil {
		return false, err
	}

	created := true
	if err := s.db.CreateCollection(ctx, coll.Name()); err != nil {
		if !isNamespaceExists(err) {
			return false, Unavailable(fmt.Errorf("failed to create partition %s: %w", coll.Name(), err))
		}
		created = false
	}

	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "email", Value: 1}},
		Options: options.Index().
			SetUnique(true).
			SetPartialFilterExpression(bson.M{"email": bson.M{"$type": "string"}}),
	})
	if err != nil {
		return false, Unavailable(fmt.Errorf("failed to index partition %s: %w", coll.Name(), err))
	}

	return created, nil
}

func isNamespaceExists(err error) bool {
	var cmdErr mongo.CommandError
	return errors.As(err, &cmdErr) && cmdErr.Code == codeNamespaceExists
}

// IsDuplicateKey reports a unique index violation.
func IsDuplicateKey(err error) bool {
	return mongo.IsDuplicateKeyError(err)
}

// Unavailable marks a document store failure as retryable by the caller.
func Unavailable(err error) error {
	return upstream.Wrap("mongodb", err)
}
