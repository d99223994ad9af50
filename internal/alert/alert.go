// Package alert scans an organization's roster for members needing
// attention and records one alert per member and condition.
package alert

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"orgcrm/internal/docstore"
	"orgcrm/internal/org"
	"orgcrm/internal/schema"
)

type Type string

const (
	TypeLowGPA     Type = "low_gpa"
	TypeGraduation Type = "graduation"
)

// LowGPAThreshold is the GPA below which a member is flagged.
const LowGPAThreshold = 2.0

// Alert is keyed by (OrgName, Email, Type).
type Alert struct {
	OrgName    string         `bson:"org_name" json:"org_name"`
	Email      string         `bson:"email" json:"email"`
	MemberName string         `bson:"member_name" json:"member_name"`
	Type       Type           `bson:"type" json:"type"`
	Details    map[string]any `bson:"details" json:"details"`
	UpdatedAt  time.Time      `bson:"updated_at" json:"updated_at"`
}

var yearPattern = regexp.MustCompile(`\b(\d{4})\b`)

// Evaluate returns the alerts rec raises at now. Records without an email
// cannot be keyed and raise none.
func Evaluate(orgName string, rec schema.Record, now time.Time) []Alert {
	email, _ := rec["email"].(string)
	if email == "" {
		return nil
	}
	name, _ := rec["name"].(string)

	base := Alert{OrgName: orgName, Email: email, MemberName: name, UpdatedAt: now.UTC()}
	var out []Alert

	if gpa, ok := number(rec["gpa"]); ok && gpa < LowGPAThreshold {
		a := base
		a.Type = TypeLowGPA
		a.Details = map[string]any{"gpa": gpa}
		out = append(out, a)
	}

	if grad, ok := rec["grad"].(string); ok {
		year := strconv.Itoa(now.Year())
		for _, m := range yearPattern.FindAllStringSubmatch(grad, -1) {
			if m[1] == year {
				a := base
				a.Type = TypeGraduation
				a.Details = map[string]any{"grad": grad}
				out = append(out, a)
				break
			}
		}
	}
	return out
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Roster lists an organization's member records.
type Roster interface {
	Roster(ctx context.Context, o *org.Organization) ([]schema.Record, error)
}

// Store persists alerts.
type Store interface {
	Upsert(ctx context.Context, a Alert) (bool, error)
}

// Scanner evaluates every member of an organization.
type Scanner struct {
	roster Roster
	store  Store
	now    func() time.Time
}

// NewScanner creates a new alert scanner.
func NewScanner(roster Roster, store Store) *Scanner {
	return &Scanner{roster: roster, store: store, now: time.Now}
}

// Report summarizes a scan.
type Report struct {
	Members int
	Raised  int
	New     int
	Counts  map[Type]int
}

// Scan evaluates o's roster and upserts the resulting alerts.
func (s *Scanner) Scan(ctx context.Context, o *org.Organization) (*Report, error) {
	records, err := s.roster.Roster(ctx, o)
	if err != nil {
		return nil, err
	}

	now := s.now()
	report := &Report{Members: len(records), Counts: map[Type]int{}}
	for _, rec := range records {
		for _, a := range Evaluate(o.Name, rec, now) {
			created, err := s.store.Upsert(ctx, a)
			if err != nil {
				return report, docstore.Unavailable(fmt.Errorf("failed to record alert: %w", err))
			}
			report.Raised++
			report.Counts[a.Type]++
			if created {
				report.New++
			}
		}
	}

	log.Ctx(ctx).Info().
		Str("org_name", o.Name).
		Int("members", report.Members).
		Int("raised", report.Raised).
		Int("new", report.New).
		Msg("alert scan finished")

	return report, nil
}
