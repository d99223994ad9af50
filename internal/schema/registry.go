// Package schema holds the per-organization field contract for member
// records and the pure validation applied at the boundary.
package schema

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"

	"orgcrm/internal/docstore"
)

// ErrNotFound means the organization has no schema.
var ErrNotFound = errors.New("schema not found")

// Registry stores and retrieves schemas. Schemas are immutable once created.
type Registry struct {
	ds *Datastore
}

// NewRegistry creates a new schema registry.
func NewRegistry(ds *Datastore) *Registry {
	return &Registry{ds: ds}
}

// Get returns the schema for orgName.
func (r *Registry) Get(ctx context.Context, orgName string) (*Schema, error) {
	s, err := r.ds.Get(ctx, orgName)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, docstore.Unavailable(fmt.Errorf("failed to get schema: %w", err))
	}
	return s, nil
}

// PutDefault creates the default schema for orgName. It is a no-op when a
// schema already exists.
func (r *Registry) PutDefault(ctx context.Context, orgName string) (bool, error) {
	created, err := r.ds.InsertIfAbsent(ctx, orgName, DefaultFields())
	if err != nil {
		// Two concurrent upserts can race on the unique index; the loser
		// finds the winner's schema in place.
		if docstore.IsDuplicateKey(err) {
			return false, nil
		}
		return false, docstore.Unavailable(fmt.Errorf("failed to create default schema: %w", err))
	}
	return created, nil
}
