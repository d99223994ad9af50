package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"orgcrm/cmd/memberctl/internal/commands"
)

var version = "dev"

func main() {
	// A missing .env file is fine; the environment may already be set.
	_ = godotenv.Load()

	ctx := context.Background()
	var cli commands.CLI
	cmd := kong.Parse(&cli,
		kong.Name("memberctl"),
		kong.Description("Bulk member operations for orgcrm organizations."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
