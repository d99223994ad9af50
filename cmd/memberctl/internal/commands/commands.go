package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"orgcrm/internal/alert"
	"orgcrm/internal/config"
	"orgcrm/internal/docstore"
	"orgcrm/internal/logger"
	"orgcrm/internal/member"
	"orgcrm/internal/org"
	"orgcrm/internal/schema"
)

// CLI is the memberctl command tree.
type CLI struct {
	Import  ImportCmd  `cmd:"" help:"Import member records from a CSV file"`
	Export  ExportCmd  `cmd:"" help:"Export an organization's roster to CSV"`
	Alerts  AlertsCmd  `cmd:"" help:"Scan a roster and record member alerts"`
	Migrate MigrateCmd `cmd:"" help:"Apply or roll back identity cache migrations"`
	Debug   bool       `help:"Enable debug logging." env:"MEMBERCTL_DEBUG"`
	Version kong.VersionFlag
}

type Globals struct {
	Debug   bool
	Version string
}

// StoreFlags selects the document store.
type StoreFlags struct {
	MongoURI string        `name:"mongodb-uri" help:"Document store connection string" env:"MONGODB_URI" required:""`
	Database string        `name:"mongodb-database" help:"Document store database" env:"MONGODB_DATABASE" default:"memberdb"`
	Timeout  time.Duration `help:"Timeout for document store calls" env:"UPSTREAM_TIMEOUT" default:"10s"`
}

// session bundles the components a member command needs.
type session struct {
	store     *docstore.Store
	directory *org.Directory
	members   *member.Gateway
}

func setupLogger(globals *Globals) zerolog.Logger {
	l := logger.Setup(true)
	if !globals.Debug {
		l = l.Level(zerolog.InfoLevel)
	}
	log.Logger = l
	zerolog.DefaultContextLogger = &l
	return l
}

// open connects to the document store. The CLI never creates organizations
// or joins identities, so the directory runs without an identity provider.
func (f StoreFlags) open(ctx context.Context) (*session, error) {
	store, err := docstore.Connect(ctx, config.MongoConfig{URI: f.MongoURI, Database: f.Database}, f.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to document store: %w", err)
	}

	schemas := schema.NewRegistry(schema.NewDatastore(store.Collection(docstore.CollectionSchemas)))
	directory := org.NewDirectory(
		org.NewDatastore(store.Collection(docstore.CollectionOrganizations), store.Collection(docstore.CollectionMemberships)),
		nil,
		store,
		schemas,
		org.Options{},
	)

	return &session{
		store:     store,
		directory: directory,
		members:   member.NewGateway(directory, schemas, member.NewDatastore(store)),
	}, nil
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Disconnect(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to disconnect document store")
	}
}

func (s *session) alerts() *alert.Scanner {
	return alert.NewScanner(s.members, alert.NewDatastore(s.store.Collection(docstore.CollectionAlerts)))
}
