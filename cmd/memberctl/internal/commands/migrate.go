package commands

import (
	"context"
	"fmt"

	"orgcrm/internal/config"
	"orgcrm/internal/database"
)

type MigrateCmd struct {
	Up   MigrateUpCmd   `cmd:"" help:"Apply all pending migrations"`
	Down MigrateDownCmd `cmd:"" help:"Roll back migrations"`
}

// DatabaseFlags selects the identity cache database.
type DatabaseFlags struct {
	DatabaseURL string `name:"database-url" help:"PostgreSQL connection string" env:"DATABASE_URL" required:""`
	Path        string `name:"migrations" help:"Migrations directory" env:"MIGRATIONS_PATH" default:"migrations"`
}

func (f DatabaseFlags) open(ctx context.Context) (*database.DB, error) {
	return database.Open(ctx, config.DatabaseConfig{URL: f.DatabaseURL, MaxOpenConns: 2, MaxIdleConns: 1})
}

type MigrateUpCmd struct {
	Database DatabaseFlags `embed:""`
}

func (c *MigrateUpCmd) Run(ctx context.Context, globals *Globals) error {
	logger := setupLogger(globals)

	db, err := c.Database.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	version, err := db.MigrateUp(c.Database.Path)
	if err != nil {
		return err
	}
	logger.Info().Uint("version", version).Msg("migrations applied")
	return nil
}

type MigrateDownCmd struct {
	Database DatabaseFlags `embed:""`
	Steps    int           `help:"Number of migrations to roll back" default:"1"`
}

func (c *MigrateDownCmd) Run(ctx context.Context, globals *Globals) error {
	logger := setupLogger(globals)

	db, err := c.Database.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	version, err := db.MigrateDown(c.Database.Path, c.Steps)
	if err != nil {
		return fmt.Errorf("failed to roll back %d migration(s): %w", c.Steps, err)
	}
	logger.Info().Uint("version", version).Int("steps", c.Steps).Msg("migrations rolled back")
	return nil
}
