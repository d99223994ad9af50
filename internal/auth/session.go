package auth

import (
	"crypto/sha512"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/sessions"
)

const (
	sessionName    = "orgcrm_session"
	keyAccessToken = "access_token"
	keyState       = "oauth_state"
)

// ErrStateMismatch means the OAuth callback state does not match the one
// stored when the login started.
var ErrStateMismatch = errors.New("oauth state mismatch")

// Sessions stores login state in an encrypted, signed cookie.
type Sessions struct {
	store *sessions.CookieStore
}

// SessionOptions controls the session cookie.
type SessionOptions struct {
	Secure bool
	MaxAge int // seconds
}

// NewSessions builds a cookie session store from a 32-byte key. The key
// encrypts the cookie; a hash derived from it signs the cookie.
func NewSessions(key []byte, opts SessionOptions) (*Sessions, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("session key must be 32 bytes, got %d", len(key))
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 7 * 24 * 60 * 60
	}

	hashKey := sha512.Sum512(key)
	store := sessions.NewCookieStore(hashKey[:], key)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   opts.MaxAge,
		HttpOnly: true,
		Secure:   opts.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	store.MaxAge(opts.MaxAge)

	return &Sessions{store: store}, nil
}

// get never fails: a cookie that cannot be decoded yields a fresh session.
func (s *Sessions) get(r *http.Request) *sessions.Session {
	session, err := s.store.Get(r, sessionName)
	if err != nil {
		session, _ = s.store.New(r, sessionName)
	}
	return session
}

// AccessToken returns the access token stored at login, or "".
func (s *Sessions) AccessToken(r *http.Request) string {
	token, _ := s.get(r).Values[keyAccessToken].(string)
	return token
}

// SaveLogin stores the access token obtained from the authorization code
// exchange. Only the access token is kept; the cookie must stay under the
// browser's 4096-byte limit.
func (s *Sessions) SaveLogin(w http.ResponseWriter, r *http.Request, accessToken string) error {
	session := s.get(r)
	delete(session.Values, keyState)
	session.Values[keyAccessToken] = accessToken
	return session.Save(r, w)
}

// SaveState records the OAuth state parameter before redirecting to login.
func (s *Sessions) SaveState(w http.ResponseWriter, r *http.Request, state string) error {
	session := s.get(r)
	session.Values[keyState] = state
	return session.Save(r, w)
}

// CheckState compares the callback state with the stored one.
func (s *Sessions) CheckState(r *http.Request, state string) error {
	stored, _ := s.get(r).Values[keyState].(string)
	if stored == "" || state == "" || stored != state {
		return ErrStateMismatch
	}
	return nil
}

// Clear expires the session cookie.
func (s *Sessions) Clear(w http.ResponseWriter, r *http.Request) error {
	session := s.get(r)
	session.Values = map[any]any{}
	session.Options.MaxAge = -1
	return session.Save(r, w)
}
