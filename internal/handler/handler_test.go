package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"orgcrm/internal/config"
	"orgcrm/internal/jwtauth"
	"orgcrm/internal/member"
	"orgcrm/internal/org"
	"orgcrm/internal/query"
	"orgcrm/internal/schema"
	"orgcrm/internal/upstream"
	"orgcrm/internal/user"
)

const (
	aliceToken = "alice-token"
	bobToken   = "bob-token"
)

type fakeVerifier struct{}

func (fakeVerifier) Verify(_ context.Context, token string) (*jwtauth.Claims, error) {
	switch token {
	case aliceToken:
		return &jwtauth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "auth0|alice"}, Email: "alice@example.com"}, nil
	case bobToken:
		return &jwtauth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "auth0|bob"}}, nil
	}
	return nil, jwtauth.ErrBadSignature
}

type fakeLogin struct{}

func (fakeLogin) LoginHandler(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://idp.example.com/authorize", http.StatusFound)
}
func (fakeLogin) CallbackHandler(w http.ResponseWriter, r *http.Request) {}
func (fakeLogin) LogoutHandler(w http.ResponseWriter, r *http.Request) {}

var chess = &org.Organization{Name: "chess_club", DisplayName: "Chess Club", InviteCode: "invite-1"}

type fakeDirectory struct {
	createErr  error
	members    map[string]*org.Membership
	resolveErr error
}

func (d *fakeDirectory) Create(_ context.Context, name, owner string) (*org.CreateResult, error) {
	if d.createErr != nil {
		return nil, d.createErr
	}
	slug, err := org.NormalizeName(name)
	if err != nil {
		return nil, err
	}
	return &org.CreateResult{Org: &org.Organization{Name: slug, DisplayName: name, InviteCode: "new-code"}, PartitionCreated: true}, nil
}

func (d *fakeDirectory) ResolveForIdentity(_ context.Context, subject string) (*org.Organization, *org.Membership, error) {
	if d.resolveErr != nil {
		return nil, nil, d.resolveErr
	}
	m, ok := d.members[subject]
	if !ok {
		return nil, nil, org.ErrNotMember
	}
	return chess, m, nil
}

type fakeMembers struct {
	joinErr error
	roster  []schema.Record
	joined  []string
}

func (m *fakeMembers) Join(_ context.Context, code, subject string, record schema.Record) (*member.JoinResult, error) {
	if code != chess.InviteCode {
		return nil, org.ErrInvalidInvite
	}
	if m.joinErr != nil {
		return nil, m.joinErr
	}
	if _, ok := record["email"]; !ok {
		return nil, &schema.FieldError{Field: "email", Err: schema.ErrMissingRequiredField}
	}
	m.joined = append(m.joined, subject)
	return &member.JoinResult{Org: chess, Record: record}, nil
}

func (m *fakeMembers) SchemaForInvite(_ context.Context, code string) (*org.Organization, *schema.Schema, error) {
	if code != chess.InviteCode {
		return nil, nil, org.ErrInvalidInvite
	}
	return chess, &schema.Schema{OrgName: chess.Name, Fields: schema.DefaultFields()}, nil
}

func (m *fakeMembers) Roster(_ context.Context, o *org.Organization) ([]schema.Record, error) {
	return m.roster, nil
}

type fakeQueries struct {
	result *query.Result
	err    error
	orgs   []string
}

func (q *fakeQueries) Run(_ context.Context, o *org.Organization, prompt string) (*query.Result, error) {
	q.orgs = append(q.orgs, o.Name)
	return q.result, q.err
}

type fakeIdentities struct {
	upsertErr error
	renamed   map[string]string
}

func (f *fakeIdentities) UpsertFromClaims(_ context.Context, c *jwtauth.Claims) (*user.Identity, error) {
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	return &user.Identity{SubjectID: c.SubjectID(), Email: c.Email}, nil
}

func (f *fakeIdentities) SetDisplayName(_ context.Context, subject, name string) error {
	if f.renamed == nil {
		f.renamed = map[string]string{}
	}
	f.renamed[subject] = name
	return nil
}

type fakeProfiles struct {
	err       error
	metadata  map[string]any
	nicknames map[string]string
}

func (f *fakeProfiles) UpdateAppMetadata(_ context.Context, subject string, md map[string]any) error {
	f.metadata = md
	return f.err
}

func (f *fakeProfiles) UpdateNickname(_ context.Context, subject, nickname string) error {
	if f.err != nil {
		return f.err
	}
	if f.nicknames == nil {
		f.nicknames = map[string]string{}
	}
	f.nicknames[subject] = nickname
	return nil
}

type fakeChecker struct{ err error }

func (f fakeChecker) Health(context.Context) error { return f.err }

type testEnv struct {
	router     http.Handler
	dir        *fakeDirectory
	members    *fakeMembers
	queries    *fakeQueries
	identities *fakeIdentities
	profiles   *fakeProfiles
}

func newTestEnv(t *testing.T, rate string) *testEnv {
	t.Helper()
	env := &testEnv{
		dir: &fakeDirectory{members: map[string]*org.Membership{
			"auth0|alice": {SubjectID: "auth0|alice", OrgName: chess.Name, Role: org.RoleAdmin, CreatedAt: time.Now()},
		}},
		members:    &fakeMembers{},
		queries:    &fakeQueries{},
		identities: &fakeIdentities{},
		profiles:   &fakeProfiles{},
	}
	router, err := NewRouter(Deps{
		Config:     &config.Config{Environment: "test", FrontendURL: "http://localhost:5173", QueryRateLimit: rate},
		Logger:     zerolog.Nop(),
		Verifier:   fakeVerifier{},
		Login:      fakeLogin{},
		Directory:  env.dir,
		Members:    env.members,
		Queries:    env.queries,
		Identities: env.identities,
		Profiles:   env.profiles,
		Health:     map[string]Checker{"mongodb": fakeChecker{}},
	})
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	env.router = router
	return env
}

func (e *testEnv) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return body
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	e, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("no error object in %v", body)
	}
	msg, _ := e["message"].(string)
	return msg
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "10-M")
	rec := env.do(http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
}

func TestHealth_Unhealthy(t *testing.T) {
	h := healthHandler(map[string]Checker{"postgres": fakeChecker{err: errors.New("down")}})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rec.Code)
	}
	services := decodeBody(t, rec)["services"].(map[string]any)
	if services["postgres"] != "unhealthy" {
		t.Errorf("postgres = %v, want unhealthy", services["postgres"])
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, "10-M")
	rec := env.do(http.MethodGet, "/api/v1/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["service"] != "orgcrm" {
		t.Errorf("service = %v, want orgcrm", body["service"])
	}
}

func TestLoginIsPublic(t *testing.T) {
	env := newTestEnv(t, "10-M")
	if rec := env.do(http.MethodGet, "/login", "", nil); rec.Code != http.StatusFound {
		t.Errorf("expected status 302, got %d", rec.Code)
	}
}

func TestAuthenticatedRoutesRequireCredential(t *testing.T) {
	env := newTestEnv(t, "10-M")
	routes := []struct{ method, path string }{
		{http.MethodPost, "/organizations"},
		{http.MethodPost, "/organizations/members?invite_code=invite-1"},
		{http.MethodGet, "/organizations/members"},
		{http.MethodPost, "/organizations/query"},
		{http.MethodGet, "/verify-session"},
		{http.MethodPost, "/profile/complete-setup"},
		{http.MethodPost, "/profile/nickname"},
	}
	for _, r := range routes {
		t.Run(r.method+" "+r.path, func(t *testing.T) {
			if rec := env.do(r.method, r.path, "", nil); rec.Code != http.StatusUnauthorized {
				t.Errorf("no token: expected status 401, got %d", rec.Code)
			}
			if rec := env.do(r.method, r.path, "forged", nil); rec.Code != http.StatusUnauthorized {
				t.Errorf("bad token: expected status 401, got %d", rec.Code)
			}
		})
	}
}

func TestCreateOrganization(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		createErr  error
		wantStatus int
	}{
		{"created", map[string]string{"name": "Debate Team"}, nil, http.StatusCreated},
		{"name too short", map[string]string{"name": "ab"}, nil, http.StatusBadRequest},
		{"invalid json", "{", nil, http.StatusBadRequest},
		{"already exists", map[string]string{"name": "Chess Club"}, org.ErrAlreadyExists, http.StatusConflict},
		{"already member", map[string]string{"name": "Chess Club"}, org.ErrAlreadyMember, http.StatusConflict},
		{"invite codes exhausted", map[string]string{"name": "Chess Club"}, org.ErrInviteCodeExhausted, http.StatusInternalServerError},
		{"idp down", map[string]string{"name": "Chess Club"}, upstream.Wrap("identity provider", errors.New("timeout")), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "10-M")
			env.dir.createErr = tt.createErr

			rec := env.do(http.MethodPost, "/organizations", bobToken, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if rec.Code != http.StatusCreated {
				return
			}
			body := decodeBody(t, rec)
			if body["name"] != "debate_team" || body["role"] != org.RoleAdmin || body["invite_code"] != "new-code" {
				t.Errorf("unexpected body %v", body)
			}
			if _, ok := body["idp_org_id"]; ok {
				t.Error("identity provider org id must not be exposed")
			}
		})
	}
}

func TestUpstreamErrorsAreGeneric(t *testing.T) {
	env := newTestEnv(t, "10-M")
	env.dir.createErr = upstream.Wrap("mongodb", errors.New("server selection error: secret-host:27017"))

	rec := env.do(http.MethodPost, "/organizations", bobToken, map[string]string{"name": "Chess Club"})
	if msg := errorMessage(t, rec); msg != "a required service is unavailable, please retry" {
		t.Errorf("message = %q leaks upstream detail", msg)
	}
}

func TestClassify_ServerErrors(t *testing.T) {
	for _, err := range []error{
		member.ErrSchemaNotFound,
		fmt.Errorf("%w: no filter", query.ErrInvalidGeneratedQuery),
		org.ErrInviteCodeExhausted,
		errors.New("boom"),
	} {
		status, errorType := classify(err)
		if status != http.StatusInternalServerError || errorType != "server_error" {
			t.Errorf("classify(%v) = %d %s, want 500 server_error", err, status, errorType)
		}
	}
}

func TestWriteError_LogsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"timeout", upstream.Wrap("mongodb", context.DeadlineExceeded), `"transient":true`},
		{"refused by collaborator", upstream.Wrap("identity provider", errors.New("status 500")), `"transient":false`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			ctx := zerolog.New(&logs).WithContext(context.Background())
			req := httptest.NewRequest(http.MethodGet, "/roster", nil).WithContext(ctx)
			rec := httptest.NewRecorder()

			writeError(rec, req, tt.err)

			if rec.Code != http.StatusServiceUnavailable {
				t.Errorf("expected 503, got %d", rec.Code)
			}
			if !strings.Contains(logs.String(), tt.want) {
				t.Errorf("expected log to contain %s, got %s", tt.want, logs.String())
			}
		})
	}
}

func TestGetSchema(t *testing.T) {
	env := newTestEnv(t, "10-M")

	rec := env.do(http.MethodGet, "/organizations/schema?invite_code=invite-1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var resp schemaResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Organization != chess.Name || len(resp.Fields) != len(schema.DefaultFields()) {
		t.Errorf("unexpected schema response %+v", resp)
	}

	if rec := env.do(http.MethodGet, "/organizations/schema?invite_code=nope", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown invite: expected status 404, got %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/organizations/schema", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing invite: expected status 404, got %d", rec.Code)
	}
}

func TestJoin(t *testing.T) {
	record := map[string]any{"name": "Bob", "email": "bob@example.com"}

	tests := []struct {
		name       string
		path       string
		body       any
		joinErr    error
		wantStatus int
	}{
		{"joined", "/organizations/members?invite_code=invite-1", record, nil, http.StatusCreated},
		{"invalid invite", "/organizations/members?invite_code=bad", record, nil, http.StatusNotFound},
		{"missing field", "/organizations/members?invite_code=invite-1", map[string]any{"name": "Bob"}, nil, http.StatusBadRequest},
		{"duplicate email", "/organizations/members?invite_code=invite-1", record, member.ErrDuplicateMember, http.StatusConflict},
		{"already member", "/organizations/members?invite_code=invite-1", record, org.ErrAlreadyMember, http.StatusConflict},
		{"schema missing", "/organizations/members?invite_code=invite-1", record, member.ErrSchemaNotFound, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "10-M")
			env.members.joinErr = tt.joinErr

			rec := env.do(http.MethodPost, tt.path, bobToken, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if tt.wantStatus == http.StatusCreated && (len(env.members.joined) != 1 || env.members.joined[0] != "auth0|bob") {
				t.Errorf("joined = %v, want the verified subject", env.members.joined)
			}
		})
	}
}

func TestJoin_MissingFieldMessage(t *testing.T) {
	env := newTestEnv(t, "10-M")
	rec := env.do(http.MethodPost, "/organizations/members?invite_code=invite-1", bobToken, map[string]any{"name": "Bob"})
	if msg := errorMessage(t, rec); msg != "missing required field: email" {
		t.Errorf("message = %q", msg)
	}
}

func TestRoster(t *testing.T) {
	env := newTestEnv(t, "10-M")
	env.members.roster = []schema.Record{{"name": "Alice", "email": "alice@example.com"}}

	rec := env.do(http.MethodGet, "/organizations/members", aliceToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["organization"] != chess.Name || body["count"] != float64(1) {
		t.Errorf("unexpected body %v", body)
	}

	if rec := env.do(http.MethodGet, "/organizations/members", bobToken, nil); rec.Code != http.StatusNotFound {
		t.Errorf("no org: expected status 404, got %d", rec.Code)
	}
}

func TestRoster_EmptyIsArray(t *testing.T) {
	env := newTestEnv(t, "10-M")
	rec := env.do(http.MethodGet, "/organizations/members", aliceToken, nil)
	if members, ok := decodeBody(t, rec)["members"].([]any); !ok || len(members) != 0 {
		t.Errorf("members = %v, want empty array", members)
	}
}

func TestQuery(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		result     *query.Result
		err        error
		wantStatus int
	}{
		{"match", aliceToken, &query.Result{Query: map[string]any{"gpa": map[string]any{"$lt": 2.0}}, Count: 1}, nil, http.StatusOK},
		{"not a query", aliceToken, nil, query.ErrNotAQuery, http.StatusOK},
		{"invalid generated query", aliceToken, nil, query.ErrInvalidGeneratedQuery, http.StatusInternalServerError},
		{"model down", aliceToken, nil, upstream.Wrap("openai", errors.New("timeout")), http.StatusServiceUnavailable},
		{"no organization", bobToken, nil, nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "10-M")
			env.queries.result, env.queries.err = tt.result, tt.err

			rec := env.do(http.MethodPost, "/organizations/query", tt.token, map[string]string{"prompt": "Show members with GPA below 2.0"})
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if errors.Is(tt.err, query.ErrNotAQuery) {
				body := decodeBody(t, rec)
				if body["not_a_query"] != true || body["message"] != query.NotAQueryMessage {
					t.Errorf("unexpected body %v", body)
				}
			}
			if tt.wantStatus == http.StatusNotFound && len(env.queries.orgs) != 0 {
				t.Error("query must not run without an organization")
			}
		})
	}
}

func TestQuery_UsesCallerOrganization(t *testing.T) {
	env := newTestEnv(t, "10-M")
	env.queries.result = &query.Result{}

	env.do(http.MethodPost, "/organizations/query?org=other_org", aliceToken, map[string]string{"prompt": "everyone"})
	if len(env.queries.orgs) != 1 || env.queries.orgs[0] != chess.Name {
		t.Errorf("queried orgs = %v, want [%s]", env.queries.orgs, chess.Name)
	}
}

func TestQuery_RateLimited(t *testing.T) {
	env := newTestEnv(t, "1-M")
	env.queries.result = &query.Result{}
	body := map[string]string{"prompt": "everyone"}

	if rec := env.do(http.MethodPost, "/organizations/query", aliceToken, body); rec.Code != http.StatusOK {
		t.Fatalf("first: expected status 200, got %d", rec.Code)
	}
	if rec := env.do(http.MethodPost, "/organizations/query", aliceToken, body); rec.Code != http.StatusTooManyRequests {
		t.Errorf("second: expected status 429, got %d", rec.Code)
	}
}

func TestVerifySession(t *testing.T) {
	env := newTestEnv(t, "10-M")

	rec := env.do(http.MethodGet, "/verify-session", aliceToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["role"] != org.RoleAdmin || body["organization"].(map[string]any)["name"] != chess.Name {
		t.Errorf("unexpected body %v", body)
	}

	rec = env.do(http.MethodGet, "/verify-session", bobToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("no org: expected status 200, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["organization"] != nil {
		t.Errorf("organization = %v, want null", body["organization"])
	}
}

func TestVerifySession_CacheDown(t *testing.T) {
	env := newTestEnv(t, "10-M")
	env.identities.upsertErr = upstream.Wrap("postgres", errors.New("connection refused"))

	if rec := env.do(http.MethodGet, "/verify-session", aliceToken, nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rec.Code)
	}
}

func TestCompleteSetup(t *testing.T) {
	env := newTestEnv(t, "10-M")

	rec := env.do(http.MethodPost, "/profile/complete-setup", aliceToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if env.profiles.metadata["completed_setup"] != true {
		t.Errorf("metadata = %v", env.profiles.metadata)
	}
}

func TestNickname(t *testing.T) {
	env := newTestEnv(t, "10-M")

	rec := env.do(http.MethodPost, "/profile/nickname", aliceToken, map[string]string{"nickname": "  ace  "})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if env.profiles.nicknames["auth0|alice"] != "ace" || env.identities.renamed["auth0|alice"] != "ace" {
		t.Errorf("nickname not propagated: idp=%v cache=%v", env.profiles.nicknames, env.identities.renamed)
	}

	if rec := env.do(http.MethodPost, "/profile/nickname", aliceToken, map[string]string{"nickname": " "}); rec.Code != http.StatusBadRequest {
		t.Errorf("blank nickname: expected status 400, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, "10-M")

	req := httptest.NewRequest(http.MethodOptions, "/organizations/query", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Access-Control-Allow-Credentials = %q", got)
	}
}

func TestNewRouter_InvalidRate(t *testing.T) {
	_, err := NewRouter(Deps{Config: &config.Config{QueryRateLimit: "fast"}})
	if err == nil {
		t.Error("expected error for invalid rate limit")
	}
}
