package query

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"slices"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"orgcrm/internal/schema"
)

var (
	ErrNotAQuery             = errors.New("prompt is not a data query")
	ErrInvalidGeneratedQuery = errors.New("generated query is not an allowed filter")
)

const (
	// MaxDepth bounds filter nesting. A flat field filter has depth 1 and
	// its operator object depth 2.
	MaxDepth = 4
	// MaxListLength bounds $in and $nin.
	MaxListLength = 100
)

var logicalOperators = map[string]bool{"$and": true, "$or": true, "$nor": true}

type operatorKind int

const (
	literalOperand operatorKind = iota
	listOperand
	boolOperand
)

var fieldOperators = map[string]operatorKind{
	"$eq":     literalOperand,
	"$ne":     literalOperand,
	"$gt":     literalOperand,
	"$gte":    literalOperand,
	"$lt":     literalOperand,
	"$lte":    literalOperand,
	"$in":     listOperand,
	"$nin":    listOperand,
	"$exists": boolOperand,
}

func allowedOperatorNames() []string {
	names := make([]string, 0, len(fieldOperators))
	for op := range fieldOperators {
		names = append(names, op)
	}
	slices.Sort(names)
	return names
}

var fencePattern = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")

// Filter is a validated filter: Doc is executed, JSON echoes it to the caller.
type Filter struct {
	Doc  bson.D
	JSON map[string]any
}

// Parse classifies the model's raw reply and validates it against the
// filter grammar for s. It never consults the reply for a collection or
// organization.
func Parse(raw string, s *schema.Schema) (*Filter, error) {
	text := strings.TrimSpace(raw)
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}
	if strings.EqualFold(strings.Trim(text, ".\"'`"), NotAQuerySentinel) {
		return nil, ErrNotAQuery
	}

	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: not json: %v", ErrInvalidGeneratedQuery, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after filter", ErrInvalidGeneratedQuery)
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: filter must be an object", ErrInvalidGeneratedQuery)
	}

	doc, err := validateFilter(obj, s, 1)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeneratedQuery, err)
	}
	return &Filter{Doc: doc, JSON: obj}, nil
}

func validateFilter(obj map[string]any, s *schema.Schema, depth int) (bson.D, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("filter nested deeper than %d", MaxDepth)
	}

	doc := make(bson.D, 0, len(obj))
	for _, key := range sortedKeys(obj) {
		val := obj[key]

		if logicalOperators[key] {
			clauses, err := validateClauses(key, val, s, depth)
			if err != nil {
				return nil, err
			}
			doc = append(doc, bson.E{Key: key, Value: clauses})
			continue
		}

		if strings.HasPrefix(key, "$") {
			return nil, fmt.Errorf("operator %s is not allowed here", key)
		}
		if _, ok := s.Field(key); !ok {
			return nil, fmt.Errorf("unknown field %q", key)
		}

		cond, err := validateCondition(key, val, depth+1)
		if err != nil {
			return nil, err
		}
		doc = append(doc, bson.E{Key: key, Value: cond})
	}
	return doc, nil
}

func validateClauses(op string, val any, s *schema.Schema, depth int) (bson.A, error) {
	list, ok := val.([]any)
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("%s takes a non-empty array of filters", op)
	}
	out := make(bson.A, 0, len(list))
	for _, item := range list {
		sub, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s takes a non-empty array of filters", op)
		}
		d, err := validateFilter(sub, s, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// validateCondition accepts a literal (implicit $eq) or an object of
// allowed field operators.
func validateCondition(field string, val any, depth int) (any, error) {
	obj, ok := val.(map[string]any)
	if !ok {
		lit, err := literal(val)
		if err != nil {
			return nil, fmt.Errorf("field %s: %v", field, err)
		}
		return lit, nil
	}

	if depth > MaxDepth {
		return nil, fmt.Errorf("filter nested deeper than %d", MaxDepth)
	}
	if len(obj) == 0 {
		return nil, fmt.Errorf("field %s: empty condition", field)
	}

	cond := make(bson.D, 0, len(obj))
	for _, op := range sortedKeys(obj) {
		kind, ok := fieldOperators[op]
		if !ok {
			return nil, fmt.Errorf("field %s: operator %q is not allowed", field, op)
		}

		var (
			operand any
			err     error
		)
		switch kind {
		case literalOperand:
			operand, err = literal(obj[op])
		case listOperand:
			operand, err = literalList(obj[op])
		case boolOperand:
			b, isBool := obj[op].(bool)
			if !isBool {
				err = errors.New("expected a boolean")
			}
			operand = b
		}
		if err != nil {
			return nil, fmt.Errorf("field %s: %s: %v", field, op, err)
		}
		cond = append(cond, bson.E{Key: op, Value: operand})
	}
	return cond, nil
}

// literal accepts only plain JSON scalars. Numbers become float64.
func literal(v any) (any, error) {
	switch val := v.(type) {
	case nil, string, bool:
		return val, nil
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %s", val)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("expected a literal, got %s", describe(v))
	}
}

func literalList(v any) (bson.A, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, errors.New("expected an array of literals")
	}
	if len(list) > MaxListLength {
		return nil, fmt.Errorf("more than %d values", MaxListLength)
	}
	out := make(bson.A, 0, len(list))
	for _, item := range list {
		lit, err := literal(item)
		if err != nil {
			return nil, err
		}
		out = append(out, lit)
	}
	return out, nil
}

func describe(v any) string {
	switch v.(type) {
	case map[string]any:
		return "an object"
	case []any:
		return "an array"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// compact renders the filter for logs.
func compact(f map[string]any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(f); err != nil {
		return ""
	}
	return strings.TrimSpace(buf.String())
}
