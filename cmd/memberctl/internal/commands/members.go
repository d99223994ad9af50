package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"orgcrm/internal/alert"
	"orgcrm/internal/member"
)

type ImportCmd struct {
	Store StoreFlags `embed:""`
	Org   string     `help:"Organization name" required:""`
	File  string     `help:"CSV file to import" type:"existingfile" required:""`
}

func (c *ImportCmd) Run(ctx context.Context, globals *Globals) error {
	logger := setupLogger(globals)

	f, err := os.Open(c.File)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", c.File, err)
	}
	defer f.Close()

	s, err := c.Store.open(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	o, err := s.directory.Get(ctx, c.Org)
	if err != nil {
		return fmt.Errorf("failed to find organization %q: %w", c.Org, err)
	}

	report, err := s.members.Import(ctx, o, f)
	if err != nil {
		return fmt.Errorf("failed to import members: %w", err)
	}

	logger.Info().Str("org", o.Name).Str("file", c.File).Msg("import complete")
	printImportReport(os.Stdout, report)
	return nil
}

func printImportReport(w io.Writer, r *member.ImportReport) {
	fmt.Fprintf(w, "inserted:   %d\n", r.Inserted)
	fmt.Fprintf(w, "duplicates: %d\n", r.Duplicates)
	fmt.Fprintf(w, "invalid:    %d\n", len(r.Invalid))
	for _, rowErr := range r.Invalid {
		fmt.Fprintf(w, "  %v\n", rowErr)
	}
}

type ExportCmd struct {
	Store StoreFlags `embed:""`
	Org   string     `help:"Organization name" required:""`
	File  string     `help:"CSV file to write, or - for stdout" default:"-"`
}

func (c *ExportCmd) Run(ctx context.Context, globals *Globals) error {
	logger := setupLogger(globals)

	s, err := c.Store.open(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	o, err := s.directory.Get(ctx, c.Org)
	if err != nil {
		return fmt.Errorf("failed to find organization %q: %w", c.Org, err)
	}

	var n int
	export := func(w io.Writer) error {
		var err error
		n, err = s.members.Export(ctx, o, w)
		if err != nil {
			return fmt.Errorf("failed to export members: %w", err)
		}
		return nil
	}

	if c.File == "-" {
		err = export(os.Stdout)
	} else {
		var f *os.File
		if f, err = os.Create(c.File); err != nil {
			return fmt.Errorf("failed to create %s: %w", c.File, err)
		}
		err = writeAndClose(f, c.File, export)
	}
	if err != nil {
		return err
	}

	logger.Info().Str("org", o.Name).Int("records", n).Msg("export complete")
	return nil
}

// writeAndClose runs write against w and then closes it. A close failure is
// reported unless write already failed.
func writeAndClose(w io.WriteCloser, name string, write func(io.Writer) error) (err error) {
	defer func() {
		if cerr := w.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close %s: %w", name, cerr)
		}
	}()
	return write(w)
}

type AlertsCmd struct {
	Store StoreFlags `embed:""`
	Org   string     `help:"Organization name" required:""`
}

func (c *AlertsCmd) Run(ctx context.Context, globals *Globals) error {
	setupLogger(globals)

	s, err := c.Store.open(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	o, err := s.directory.Get(ctx, c.Org)
	if err != nil {
		return fmt.Errorf("failed to find organization %q: %w", c.Org, err)
	}

	report, err := s.alerts().Scan(ctx, o)
	if err != nil {
		return fmt.Errorf("failed to scan alerts: %w", err)
	}

	printAlertReport(os.Stdout, report)
	return nil
}

func printAlertReport(w io.Writer, r *alert.Report) {
	fmt.Fprintf(w, "members scanned: %d\n", r.Members)
	fmt.Fprintf(w, "alerts raised:   %d (%d new)\n", r.Raised, r.New)

	types := make([]string, 0, len(r.Counts))
	for t := range r.Counts {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(w, "  %s: %d\n", t, r.Counts[alert.Type(t)])
	}
}
