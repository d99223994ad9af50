package handler

import (
	"net/http"

	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"orgcrm/internal/auth"
	"orgcrm/internal/config"
	"orgcrm/internal/logger"
	"orgcrm/internal/middleware"
)

// Login serves the browser login flow.
type Login interface {
	LoginHandler(w http.ResponseWriter, r *http.Request)
	CallbackHandler(w http.ResponseWriter, r *http.Request)
	LogoutHandler(w http.ResponseWriter, r *http.Request)
}

// Deps holds everything the HTTP surface needs.
type Deps struct {
	Config     *config.Config
	Logger     zerolog.Logger
	Verifier   middleware.Verifier
	Sessions   *auth.Sessions
	Login      Login
	Directory  Directory
	Members    Members
	Queries    Queries
	Identities Identities
	Profiles   Profiles
	Health     map[string]Checker
}

// NewRouter registers every route and wraps the mux with CORS and request
// logging.
func NewRouter(deps Deps) (http.Handler, error) {
	limitQueries, err := middleware.RateLimit(deps.Config.QueryRateLimit)
	if err != nil {
		return nil, err
	}
	requireIdentity := middleware.RequireIdentity(deps.Verifier, deps.Sessions)
	authed := func(h http.HandlerFunc) http.Handler {
		return requireIdentity(h)
	}

	orgs := NewOrgsHandler(deps.Directory, deps.Members, deps.Queries)
	profile := NewProfileHandler(deps.Directory, deps.Identities, deps.Profiles)

	mux := http.NewServeMux()

	// No auth required
	mux.HandleFunc("GET /health", healthHandler(deps.Health))
	mux.HandleFunc("GET /api/v1/status", statusHandler(deps.Config))
	mux.HandleFunc("GET /login", deps.Login.LoginHandler)
	mux.HandleFunc("GET /auth", deps.Login.CallbackHandler)
	mux.HandleFunc("GET /logout", deps.Login.LogoutHandler)
	mux.HandleFunc("GET /organizations/schema", orgs.Schema)

	mux.Handle("POST /organizations", authed(orgs.Create))
	mux.Handle("POST /organizations/members", authed(orgs.Join))
	mux.Handle("GET /organizations/members", authed(orgs.Roster))
	mux.Handle("POST /organizations/query", requireIdentity(limitQueries(http.HandlerFunc(orgs.Query))))

	mux.Handle("GET /verify-session", authed(profile.VerifySession))
	mux.Handle("POST /profile/complete-setup", authed(profile.CompleteSetup))
	mux.Handle("POST /profile/nickname", authed(profile.Nickname))

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{deps.Config.FrontendURL},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", logger.RequestIDHeader},
		ExposedHeaders:   []string{logger.RequestIDHeader, "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
	})

	return logger.Requests(deps.Logger)(c.Handler(mux)), nil
}
