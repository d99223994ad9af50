// Package query is the Natural-Language Query Gateway. It asks a language
// model to turn a prompt into a filter, validates the filter against a
// restricted grammar and runs it against the caller's own partition.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"

	"orgcrm/internal/docstore"
	"orgcrm/internal/org"
	"orgcrm/internal/provider"
	"orgcrm/internal/schema"
)

// MaxResults caps the records returned for one query.
const MaxResults = 500

// NotAQueryMessage is shown when the prompt is not about member data.
const NotAQueryMessage = "That doesn't look like a question about your members. Try something like \"members with a GPA below 2.0\"."

// Schemas supplies the schema of a resolved organization.
// *member.Gateway implements it.
type Schemas interface {
	Schema(ctx context.Context, o *org.Organization) (*schema.Schema, error)
}

// Finder runs a validated filter on an organization's partition.
type Finder interface {
	Find(ctx context.Context, o *org.Organization, filter bson.D, limit int64) ([]schema.Record, error)
}

type Gateway struct {
	completer provider.Completer
	schemas   Schemas
	finder    Finder
}

// NewGateway creates a new query gateway.
func NewGateway(completer provider.Completer, schemas Schemas, finder Finder) *Gateway {
	return &Gateway{completer: completer, schemas: schemas, finder: finder}
}

// Result is a generated query and its matches.
type Result struct {
	Query     map[string]any  `json:"query"`
	Results   []schema.Record `json:"results"`
	Count     int             `json:"count"`
	Truncated bool            `json:"truncated"`
}

// Run generates a filter for prompt and executes it against o's partition.
// o comes from the caller's resolved identity; nothing in the model output
// can change which partition is read.
func (g *Gateway) Run(ctx context.Context, o *org.Organization, prompt string) (*Result, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrNotAQuery
	}

	s, err := g.schemas.Schema(ctx, o)
	if err != nil {
		return nil, err
	}

	raw, err := g.completer.Complete(ctx, SystemPrompt(s), UserPrompt(prompt))
	if err != nil {
		return nil, err
	}

	filter, err := Parse(raw, s)
	if err != nil {
		logger := log.Ctx(ctx)
		ev := logger.Info()
		if !errors.Is(err, ErrNotAQuery) {
			ev = logger.Error().Str("model_output", raw)
		}
		ev.Err(err).Str("org_name", o.Name).Msg("generated query rejected")
		return nil, err
	}

	records, err := g.finder.Find(ctx, o, filter.Doc, MaxResults+1)
	if err != nil {
		return nil, docstore.Unavailable(fmt.Errorf("failed to run query: %w", err))
	}

	res := &Result{Query: filter.JSON, Results: records}
	if len(records) > MaxResults {
		res.Results = records[:MaxResults]
		res.Truncated = true
	}
	res.Count = len(res.Results)

	log.Ctx(ctx).Info().
		Str("org_name", o.Name).
		Str("filter", compact(filter.JSON)).
		Int("count", res.Count).
		Msg("query executed")

	return res, nil
}
