package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/mail"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Validation errors. They are always wrapped in a *FieldError naming the field.
var (
	ErrMissingRequiredField = errors.New("missing required field")
	ErrUnknownField         = errors.New("unknown field")
	ErrInvalidFieldValue    = errors.New("invalid field value")
)

// FieldError ties a validation failure to a field.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Field)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// Record is a member record keyed by field name.
type Record map[string]any

// MissingRequired returns the required fields of s that are absent or
// empty in r, in schema order.
func MissingRequired(s *Schema, r Record) []string {
	var missing []string
	for _, f := range s.Fields {
		if f.Required && isEmpty(r[f.Name]) {
			missing = append(missing, f.Name)
		}
	}
	return missing
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}

// Validate checks r against s and returns a normalized copy: strings are
// trimmed, number fields become float64, emails are lower-cased and empty
// optional fields are dropped. Checks run in a fixed order so the reported
// field is deterministic: unknown keys (sorted), then fields in schema order.
func Validate(s *Schema, r Record) (Record, error) {
	var unknown []string
	for key := range r {
		if _, ok := s.Field(key); !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return nil, &FieldError{Field: unknown[0], Err: ErrUnknownField}
	}

	if missing := MissingRequired(s, r); len(missing) > 0 {
		return nil, &FieldError{Field: missing[0], Err: ErrMissingRequiredField}
	}

	out := make(Record, len(r))
	for _, f := range s.Fields {
		raw, ok := r[f.Name]
		if !ok || isEmpty(raw) {
			continue
		}
		v, err := normalize(f.Type, raw)
		if err != nil {
			return nil, &FieldError{Field: f.Name, Err: fmt.Errorf("%w: %v", ErrInvalidFieldValue, err)}
		}
		out[f.Name] = v
	}
	return out, nil
}

func normalize(t FieldType, raw any) (any, error) {
	switch t {
	case TypeNumber:
		return toNumber(raw)
	case TypeEmail:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", raw)
		}
		addr, err := mail.ParseAddress(strings.TrimSpace(s))
		if err != nil || addr.Name != "" {
			return nil, fmt.Errorf("not an email address")
		}
		return strings.ToLower(addr.Address), nil
	case TypeDate:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", raw)
		}
		s = strings.TrimSpace(s)
		if _, err := time.Parse(time.DateOnly, s); err != nil {
			return nil, fmt.Errorf("expected YYYY-MM-DD")
		}
		return s, nil
	default:
		switch v := raw.(type) {
		case string:
			return strings.TrimSpace(v), nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		case json.Number:
			return v.String(), nil
		case bool:
			return strconv.FormatBool(v), nil
		default:
			return nil, fmt.Errorf("expected text, got %T", raw)
		}
	}
}

func toNumber(raw any) (float64, error) {
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int32:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("expected number")
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("expected number")
		}
		f = parsed
	default:
		return 0, fmt.Errorf("expected number, got %T", raw)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("expected finite number")
	}
	return f, nil
}
