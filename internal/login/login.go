// Package login runs the Auth0 authorization code flow and keeps the
// resulting access token in the session cookie.
package login

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"orgcrm/internal/auth"
	"orgcrm/internal/jwtauth"
	"orgcrm/internal/user"
)

// Verifier checks the access token returned by the code exchange.
type Verifier interface {
	Verify(ctx context.Context, token string) (*jwtauth.Claims, error)
}

// IdentityCache keeps the local copy of a verified identity.
type IdentityCache interface {
	UpsertFromClaims(ctx context.Context, claims *jwtauth.Claims) (*user.Identity, error)
}

type Config struct {
	Domain       string
	ClientID     string
	ClientSecret string
	CallbackURL  string
	Audience     string
	FrontendURL  string

	// BaseURL overrides https://<Domain> for the authorize, token and
	// logout endpoints.
	BaseURL string
}

type Auth0 struct {
	config      *oauth2.Config
	audience    string
	baseURL     string
	clientID    string
	frontendURL string
	sessions    *auth.Sessions
	verifier    Verifier
	identities  IdentityCache
}

func New(cfg Config, sessions *auth.Sessions, verifier Verifier, identities IdentityCache) (*Auth0, error) {
	if cfg.Domain == "" || cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.CallbackURL == "" {
		return nil, fmt.Errorf("domain, client ID, client secret, and callback URL are required")
	}
	if sessions == nil {
		return nil, errors.New("sessions are required")
	}

	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		base = "https://" + cfg.Domain
	}

	return &Auth0{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.CallbackURL,
			Scopes:       []string{"openid", "profile", "email"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  base + "/authorize",
				TokenURL: base + "/oauth/token",
			},
		},
		audience:    cfg.Audience,
		baseURL:     base,
		clientID:    cfg.ClientID,
		frontendURL: cfg.FrontendURL,
		sessions:    sessions,
		verifier:    verifier,
		identities:  identities,
	}, nil
}

func (a *Auth0) LoginHandler(w http.ResponseWriter, r *http.Request) {
	log.Ctx(r.Context()).Debug().Msg("initiating Auth0 login")

	state := rand.Text()
	if err := a.sessions.SaveState(w, r, state); err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("failed to save login state")
		http.Error(w, "Failed to start login", http.StatusInternalServerError)
		return
	}

	var opts []oauth2.AuthCodeOption
	if a.audience != "" {
		opts = append(opts, oauth2.SetAuthURLParam("audience", a.audience))
	}
	http.Redirect(w, r, a.config.AuthCodeURL(state, opts...), http.StatusFound)
}

func (a *Auth0) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.Ctx(ctx)

	if errCode := r.FormValue("error"); errCode != "" {
		logger.Warn().Str("error", errCode).Str("description", r.FormValue("error_description")).Msg("login denied by identity provider")
		http.Error(w, "Authentication failed", http.StatusUnauthorized)
		return
	}

	code := r.FormValue("code")
	if code == "" {
		logger.Warn().Msg("login callback missing code")
		http.Error(w, "Authentication failed", http.StatusBadRequest)
		return
	}
	if err := a.sessions.CheckState(r, r.FormValue("state")); err != nil {
		logger.Warn().Err(err).Msg("login callback state mismatch")
		http.Error(w, "Authentication failed", http.StatusBadRequest)
		return
	}

	token, err := a.config.Exchange(ctx, code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil && retrieveErr.Response.StatusCode < 500 {
			logger.Warn().Err(err).Msg("failed to exchange login code")
			http.Error(w, "Authentication failed", http.StatusUnauthorized)
			return
		}
		logger.Error().Err(err).Msg("token endpoint unavailable")
		http.Error(w, "Authentication service unavailable", http.StatusServiceUnavailable)
		return
	}

	claims, err := a.verifier.Verify(ctx, token.AccessToken)
	if err != nil {
		if errors.Is(err, jwtauth.ErrUnauthenticated) {
			logger.Warn().Str("reason", jwtauth.Reason(err)).Msg("access token from code exchange rejected")
			http.Error(w, "Authentication failed", http.StatusUnauthorized)
			return
		}
		logger.Error().Err(err).Msg("failed to verify access token")
		http.Error(w, "Authentication service unavailable", http.StatusServiceUnavailable)
		return
	}

	// The identity cache is best effort here; /verify-session refreshes it.
	if a.identities != nil {
		if _, err := a.identities.UpsertFromClaims(ctx, claims); err != nil {
			logger.Error().Err(err).Str("subject_id", claims.SubjectID()).Msg("failed to cache identity")
		}
	}

	if err := a.sessions.SaveLogin(w, r, token.AccessToken); err != nil {
		logger.Error().Err(err).Msg("failed to save session")
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	logger.Info().Str("subject_id", claims.SubjectID()).Msg("user logged in")
	http.Redirect(w, r, a.frontendURL, http.StatusFound)
}

func (a *Auth0) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Clear(w, r); err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("failed to clear session")
	}
	http.Redirect(w, r, a.LogoutURL(), http.StatusFound)
}

// LogoutURL ends the Auth0 session and returns the browser to the frontend.
func (a *Auth0) LogoutURL() string {
	q := url.Values{}
	q.Set("client_id", a.clientID)
	q.Set("returnTo", a.frontendURL)
	return a.baseURL + "/v2/logout?" + q.Encode()
}
