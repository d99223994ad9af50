package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"orgcrm/internal/auth"
	"orgcrm/internal/config"
	"orgcrm/internal/database"
	"orgcrm/internal/docstore"
	"orgcrm/internal/handler"
	"orgcrm/internal/idp"
	"orgcrm/internal/jwtauth"
	"orgcrm/internal/logger"
	"orgcrm/internal/login"
	"orgcrm/internal/member"
	"orgcrm/internal/org"
	"orgcrm/internal/provider"
	"orgcrm/internal/query"
	"orgcrm/internal/schema"
	"orgcrm/internal/user"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	l := logger.Setup(cfg.IsDevelopment())
	log.Logger = l
	zerolog.DefaultContextLogger = &l

	ctx := context.Background()

	// Identity cache
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			l.Error().Err(err).Msg("error closing database connection")
		}
	}()
	l.Info().Msg("database connection established")

	version, err := db.MigrateUp(getMigrationsPath())
	if err != nil {
		l.Fatal().Err(err).Msg("failed to run migrations")
	}
	l.Info().Uint("version", version).Msg("database migrations complete")

	// Document store
	store, err := docstore.Connect(ctx, cfg.Mongo, cfg.UpstreamTimeout)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to connect to document store")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Disconnect(shutdownCtx); err != nil {
			l.Error().Err(err).Msg("error disconnecting document store")
		}
	}()
	if err := store.EnsureIndexes(ctx); err != nil {
		l.Fatal().Err(err).Msg("failed to ensure document store indexes")
	}
	l.Info().Str("database", cfg.Mongo.Database).Msg("document store ready")

	// Identity provider
	verifier, err := jwtauth.NewVerifier(jwtauth.Config{
		Domain:   cfg.Auth0.Domain,
		Audience: cfg.Auth0.Audience,
	})
	if err != nil {
		l.Fatal().Err(err).Msg("failed to create token verifier")
	}
	sessions, err := auth.NewSessions(cfg.SessionKey, auth.SessionOptions{Secure: !cfg.IsDevelopment()})
	if err != nil {
		l.Fatal().Err(err).Msg("failed to create session store")
	}
	idpClient := idp.New(idp.Config{
		Domain:       cfg.Auth0.Domain,
		ClientID:     cfg.Auth0.MgmtClientID,
		ClientSecret: cfg.Auth0.MgmtClientSecret,
		Timeout:      cfg.UpstreamTimeout,
	})

	// Language model
	providers := provider.FromConfig(cfg.LLM)
	llm, err := providers.Get(cfg.LLM.Provider)
	if err != nil {
		l.Fatal().Err(err).Strs("registered", providers.Names()).Msg("language model provider not available")
	}
	l.Info().Str("provider", llm.Name()).Str("model", llm.Model()).Msg("language model selected")

	// Core components
	identities := user.NewManager(user.NewDatastore(db.DB))
	schemas := schema.NewRegistry(schema.NewDatastore(store.Collection(docstore.CollectionSchemas)))
	directory := org.NewDirectory(
		org.NewDatastore(store.Collection(docstore.CollectionOrganizations), store.Collection(docstore.CollectionMemberships)),
		idpClient,
		store,
		schemas,
		org.Options{AdminRoleID: cfg.Auth0.AdminRoleID},
	)
	members := member.NewGateway(directory, schemas, member.NewDatastore(store))
	queries := query.NewGateway(llm, members, query.NewDatastore(store))

	loginFlow, err := login.New(login.Config{
		Domain:       cfg.Auth0.Domain,
		ClientID:     cfg.Auth0.ClientID,
		ClientSecret: cfg.Auth0.ClientSecret,
		CallbackURL:  cfg.Auth0.CallbackURL,
		Audience:     cfg.Auth0.Audience,
		FrontendURL:  cfg.FrontendURL,
	}, sessions, verifier, identities)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to configure login")
	}

	router, err := handler.NewRouter(handler.Deps{
		Config:     cfg,
		Logger:     l,
		Verifier:   verifier,
		Sessions:   sessions,
		Login:      loginFlow,
		Directory:  directory,
		Members:    members,
		Queries:    queries,
		Identities: identities,
		Profiles:   idpClient,
		Health: map[string]handler.Checker{
			"postgres": db,
			"mongodb":  store,
		},
	})
	if err != nil {
		l.Fatal().Err(err).Msg("failed to build router")
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)

	go func() {
		l.Info().Str("port", cfg.Port).Str("env", cfg.Environment).Msg("orgcrm server starting")
		serverErr <- server.ListenAndServe()
	}()

	// Block until we receive a shutdown signal or server error
	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatal().Err(err).Msg("server error")
		}
	case sig := <-shutdown:
		l.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		l.Info().Msg("waiting for in-flight requests to complete")
		if err := server.Shutdown(ctx); err != nil {
			l.Error().Err(err).Msg("graceful shutdown failed, forcing shutdown")
			if err := server.Close(); err != nil {
				l.Error().Err(err).Msg("forced shutdown failed")
			}
		}

		l.Info().Msg("server shutdown complete")
	}
}

// getMigrationsPath returns the path to the migrations directory.
// It checks for the migrations folder relative to the executable or working directory.
func getMigrationsPath() string {
	if path := os.Getenv("MIGRATIONS_PATH"); path != "" {
		return path
	}

	// Try relative to working directory (for local development)
	if _, err := os.Stat("migrations"); err == nil {
		absPath, _ := filepath.Abs("migrations")
		return absPath
	}

	// Try relative to executable (for Docker)
	execPath, err := os.Executable()
	if err == nil {
		migrationsPath := filepath.Join(filepath.Dir(execPath), "migrations")
		if _, err := os.Stat(migrationsPath); err == nil {
			return migrationsPath
		}
	}

	return "/app/migrations"
}
