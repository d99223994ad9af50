package login

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orgcrm/internal/auth"
	"orgcrm/internal/jwtauth"
	"orgcrm/internal/user"
)

type fakeVerifier struct {
	err error
}

func (f fakeVerifier) Verify(_ context.Context, token string) (*jwtauth.Claims, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &jwtauth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "auth0|" + token}}, nil
}

type fakeCache struct {
	subjects []string
}

func (f *fakeCache) UpsertFromClaims(_ context.Context, claims *jwtauth.Claims) (*user.Identity, error) {
	f.subjects = append(f.subjects, claims.SubjectID())
	return &user.Identity{SubjectID: claims.SubjectID()}, nil
}

func newTokenServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/token" {
			http.NotFound(w, r)
			return
		}
		code := status
		if err := r.ParseForm(); err != nil || r.PostForm.Get("code") != "good-code" {
			code = http.StatusForbidden
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if code == http.StatusOK {
			_, _ = w.Write([]byte(`{"access_token":"alice","token_type":"Bearer","id_token":"id-alice","expires_in":86400}`))
			return
		}
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"bad code"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestAuth0(t *testing.T, baseURL string, v Verifier, cache IdentityCache) (*Auth0, *auth.Sessions) {
	t.Helper()
	sessions, err := auth.NewSessions([]byte(strings.Repeat("k", 32)), auth.SessionOptions{})
	require.NoError(t, err)

	a, err := New(Config{
		Domain:       "tenant.auth0.com",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		CallbackURL:  "http://localhost:8080/auth",
		Audience:     "https://api.orgcrm.test",
		FrontendURL:  "http://localhost:5173",
		BaseURL:      baseURL,
	}, sessions, v, cache)
	require.NoError(t, err)
	return a, sessions
}

// startLogin runs /login and returns the state and session cookie.
func startLogin(t *testing.T, a *Auth0) (string, []*http.Cookie) {
	t.Helper()
	rec := httptest.NewRecorder()
	a.LoginHandler(rec, httptest.NewRequest(http.MethodGet, "/login", nil))
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	return loc.Query().Get("state"), rec.Result().Cookies()
}

func callback(a *Auth0, query string, cookies []*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/auth?"+query, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	a.CallbackHandler(rec, req)
	return rec
}

func TestNew_RequiresConfig(t *testing.T) {
	sessions, err := auth.NewSessions([]byte(strings.Repeat("k", 32)), auth.SessionOptions{})
	require.NoError(t, err)

	_, err = New(Config{Domain: "tenant.auth0.com"}, sessions, fakeVerifier{}, nil)
	assert.Error(t, err)

	_, err = New(Config{Domain: "d", ClientID: "c", ClientSecret: "s", CallbackURL: "u"}, nil, fakeVerifier{}, nil)
	assert.Error(t, err)
}

func TestLoginHandler_Redirect(t *testing.T) {
	a, _ := newTestAuth0(t, "", fakeVerifier{}, nil)

	rec := httptest.NewRecorder()
	a.LoginHandler(rec, httptest.NewRequest(http.MethodGet, "/login", nil))

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)

	assert.Equal(t, "tenant.auth0.com", loc.Host)
	assert.Equal(t, "/authorize", loc.Path)
	q := loc.Query()
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "openid profile email", q.Get("scope"))
	assert.Equal(t, "https://api.orgcrm.test", q.Get("audience"))
	assert.Equal(t, "http://localhost:8080/auth", q.Get("redirect_uri"))
	assert.NotEmpty(t, q.Get("state"))
	assert.NotEmpty(t, rec.Result().Cookies(), "expected session cookie holding the state")
}

func TestCallbackHandler_Success(t *testing.T) {
	srv := newTokenServer(t, http.StatusOK)
	cache := &fakeCache{}
	a, sessions := newTestAuth0(t, srv.URL, fakeVerifier{}, cache)

	state, cookies := startLogin(t, a)
	rec := callback(a, "code=good-code&state="+url.QueryEscape(state), cookies)

	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Location"))
	assert.Equal(t, []string{"auth0|alice"}, cache.subjects)

	req := httptest.NewRequest(http.MethodGet, "/verify-session", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	assert.Equal(t, "alice", sessions.AccessToken(req))
}

func TestCallbackHandler_LargeTokens(t *testing.T) {
	accessToken := strings.Repeat("a", 1100)
	idToken := strings.Repeat("i", 1400)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"` + accessToken + `","token_type":"Bearer","id_token":"` + idToken + `","expires_in":86400}`))
	}))
	t.Cleanup(srv.Close)
	a, sessions := newTestAuth0(t, srv.URL, fakeVerifier{}, nil)

	state, cookies := startLogin(t, a)
	rec := callback(a, "code=good-code&state="+url.QueryEscape(state), cookies)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/verify-session", nil)
	for _, c := range rec.Result().Cookies() {
		assert.LessOrEqual(t, len(c.String()), 4096, "cookie %s", c.Name)
		req.AddCookie(c)
	}
	assert.Equal(t, accessToken, sessions.AccessToken(req))
}

func TestCallbackHandler_StateMismatch(t *testing.T) {
	srv := newTokenServer(t, http.StatusOK)
	a, _ := newTestAuth0(t, srv.URL, fakeVerifier{}, nil)

	_, cookies := startLogin(t, a)
	rec := callback(a, "code=good-code&state=forged", cookies)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = callback(a, "code=good-code&state=anything", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackHandler_MissingCode(t *testing.T) {
	a, _ := newTestAuth0(t, "", fakeVerifier{}, nil)

	state, cookies := startLogin(t, a)
	rec := callback(a, "state="+url.QueryEscape(state), cookies)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackHandler_ProviderError(t *testing.T) {
	a, _ := newTestAuth0(t, "", fakeVerifier{}, nil)

	rec := callback(a, "error=access_denied&error_description=user+cancelled", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCallbackHandler_BadCode(t *testing.T) {
	srv := newTokenServer(t, http.StatusOK)
	a, _ := newTestAuth0(t, srv.URL, fakeVerifier{}, nil)

	state, cookies := startLogin(t, a)
	rec := callback(a, "code=stale-code&state="+url.QueryEscape(state), cookies)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCallbackHandler_TokenEndpointDown(t *testing.T) {
	srv := newTokenServer(t, http.StatusBadGateway)
	a, _ := newTestAuth0(t, srv.URL, fakeVerifier{}, nil)

	state, cookies := startLogin(t, a)
	rec := callback(a, "code=good-code&state="+url.QueryEscape(state), cookies)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCallbackHandler_TokenRejected(t *testing.T) {
	srv := newTokenServer(t, http.StatusOK)
	a, _ := newTestAuth0(t, srv.URL, fakeVerifier{err: jwtauth.ErrBadClaims}, nil)

	state, cookies := startLogin(t, a)
	rec := callback(a, "code=good-code&state="+url.QueryEscape(state), cookies)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCallbackHandler_VerifierUnavailable(t *testing.T) {
	srv := newTokenServer(t, http.StatusOK)
	a, _ := newTestAuth0(t, srv.URL, fakeVerifier{err: errors.New("jwks unavailable")}, nil)

	state, cookies := startLogin(t, a)
	rec := callback(a, "code=good-code&state="+url.QueryEscape(state), cookies)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLogoutHandler(t *testing.T) {
	a, _ := newTestAuth0(t, "", fakeVerifier{}, nil)

	rec := httptest.NewRecorder()
	a.LogoutHandler(rec, httptest.NewRequest(http.MethodGet, "/logout", nil))

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "tenant.auth0.com", loc.Host)
	assert.Equal(t, "/v2/logout", loc.Path)
	assert.Equal(t, "client-id", loc.Query().Get("client_id"))
	assert.Equal(t, "http://localhost:5173", loc.Query().Get("returnTo"))

	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)
	assert.Less(t, cookies[0].MaxAge, 0)
}
