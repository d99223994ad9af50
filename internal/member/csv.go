package member

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"orgcrm/internal/docstore"
	"orgcrm/internal/org"
	"orgcrm/internal/schema"
)

// ErrEmptyCSV means the input had no header row.
var ErrEmptyCSV = errors.New("csv input has no header row")

// RowError reports a row that failed validation. Line is 1-based and
// counts the header.
type RowError struct {
	Line int
	Err  error
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

// ImportReport summarizes a bulk import.
type ImportReport struct {
	Inserted   int
	Duplicates int
	Invalid    []RowError
}

// Import reads member records from CSV with a header row naming schema
// fields. Rows whose email is already in the partition, or repeated within
// the file, are skipped and counted as duplicates. Invalid rows are
// reported and skipped.
func (g *Gateway) Import(ctx context.Context, o *org.Organization, r io.Reader) (*ImportReport, error) {
	s, err := g.Schema(ctx, o)
	if err != nil {
		return nil, err
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyCSV
		}
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	for i, col := range header {
		col = strings.TrimSpace(strings.TrimPrefix(col, "\ufeff"))
		if _, ok := s.Field(col); !ok {
			return nil, &schema.FieldError{Field: col, Err: schema.ErrUnknownField}
		}
		header[i] = col
	}

	seen, err := g.records.Emails(ctx, o)
	if err != nil {
		return nil, docstore.Unavailable(fmt.Errorf("failed to load existing emails: %w", err))
	}

	report := &ImportReport{}
	line := 1
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			report.Invalid = append(report.Invalid, RowError{Line: line, Err: err})
			continue
		}

		rec := make(schema.Record, len(header))
		for i, col := range header {
			if i < len(row) && strings.TrimSpace(row[i]) != "" {
				rec[col] = row[i]
			}
		}
		if len(rec) == 0 {
			continue
		}

		clean, err := schema.Validate(s, rec)
		if err != nil {
			report.Invalid = append(report.Invalid, RowError{Line: line, Err: err})
			continue
		}

		email, _ := clean["email"].(string)
		if email != "" && seen[email] {
			report.Duplicates++
			continue
		}

		if err := g.records.Insert(ctx, o, "", clean); err != nil {
			if docstore.IsDuplicateKey(err) {
				report.Duplicates++
				continue
			}
			return report, docstore.Unavailable(fmt.Errorf("failed to insert line %d: %w", line, err))
		}
		if email != "" {
			seen[email] = true
		}
		report.Inserted++
	}

	log.Ctx(ctx).Info().
		Str("org_name", o.Name).
		Int("inserted", report.Inserted).
		Int("duplicates", report.Duplicates).
		Int("invalid", len(report.Invalid)).
		Msg("member import finished")

	return report, nil
}

// Export writes o's roster as CSV with the schema's field names as header,
// in schema order. It returns the number of records written.
func (g *Gateway) Export(ctx context.Context, o *org.Organization, w io.Writer) (int, error) {
	s, err := g.Schema(ctx, o)
	if err != nil {
		return 0, err
	}
	records, err := g.Roster(ctx, o)
	if err != nil {
		return 0, err
	}

	cw := csv.NewWriter(w)
	header := s.FieldNames()
	if err := cw.Write(header); err != nil {
		return 0, fmt.Errorf("failed to write csv header: %w", err)
	}

	row := make([]string, len(header))
	for _, rec := range records {
		for i, name := range header {
			row[i] = formatValue(rec[name])
		}
		if err := cw.Write(row); err != nil {
			return 0, fmt.Errorf("failed to write csv row: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, fmt.Errorf("failed to flush csv: %w", err)
	}
	return len(records), nil
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}
