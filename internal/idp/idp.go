// Package idp is a client for the Auth0 Management API. It creates
// organizations, manages their members and edits user profile fields.
package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"orgcrm/internal/upstream"
)

const (
	service        = "identity provider"
	DefaultTimeout = 10 * time.Second
)

// APIError is a non-2xx response from the Management API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("management api returned %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Organization is the IdP's view of an organization.
type Organization struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

type Config struct {
	Domain       string
	ClientID     string
	ClientSecret string

	// BaseURL overrides https://<Domain> for the token and API endpoints.
	BaseURL string
	Timeout time.Duration
}

// Client calls the Management API with a machine-to-machine token.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Management API client. Tokens are fetched lazily and
// refreshed by the oauth2 transport.
func New(cfg Config) *Client {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		base = "https://" + cfg.Domain
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	cc := &clientcredentials.Config{
		ClientID:       cfg.ClientID,
		ClientSecret:   cfg.ClientSecret,
		TokenURL:       base + "/oauth/token",
		EndpointParams: url.Values{"audience": {"https://" + cfg.Domain + "/api/v2/"}},
		AuthStyle:      oauth2.AuthStyleInParams,
	}

	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: timeout})
	httpClient := cc.Client(tokenCtx)
	httpClient.Timeout = timeout

	return &Client{baseURL: base + "/api/v2", http: httpClient}
}

// CreateOrganization creates an organization named name. If the IdP already
// has one with that name, the existing organization is returned.
func (c *Client) CreateOrganization(ctx context.Context, name string) (Organization, error) {
	var org Organization
	body := map[string]string{"name": name, "display_name": name}
	err := c.do(ctx, http.MethodPost, "/organizations", body, &org)
	if err == nil {
		return org, nil
	}
	if !IsStatus(err, http.StatusConflict) {
		return Organization{}, fmt.Errorf("failed to create organization: %w", err)
	}

	log.Ctx(ctx).Debug().Str("org_name", name).Msg("organization exists in identity provider, fetching")
	if err := c.do(ctx, http.MethodGet, "/organizations/name/"+url.PathEscape(name), nil, &org); err != nil {
		return Organization{}, fmt.Errorf("failed to get existing organization: %w", err)
	}
	return org, nil
}

// AddMember adds subject to the organization.
func (c *Client) AddMember(ctx context.Context, orgID, subject string) error {
	body := map[string][]string{"members": {subject}}
	if err := c.do(ctx, http.MethodPost, "/organizations/"+url.PathEscape(orgID)+"/members", body, nil); err != nil {
		return fmt.Errorf("failed to add organization member: %w", err)
	}
	return nil
}

// AssignRoles grants roleIDs to subject within the organization. It does
// nothing when roleIDs is empty.
func (c *Client) AssignRoles(ctx context.Context, orgID, subject string, roleIDs []string) error {
	if len(roleIDs) == 0 {
		return nil
	}
	path := "/organizations/" + url.PathEscape(orgID) + "/members/" + url.PathEscape(subject) + "/roles"
	if err := c.do(ctx, http.MethodPost, path, map[string][]string{"roles": roleIDs}, nil); err != nil {
		return fmt.Errorf("failed to assign organization roles: %w", err)
	}
	return nil
}

// UpdateAppMetadata merges metadata into the user's app_metadata.
func (c *Client) UpdateAppMetadata(ctx context.Context, subject string, metadata map[string]any) error {
	if err := c.patchUser(ctx, subject, map[string]any{"app_metadata": metadata}); err != nil {
		return fmt.Errorf("failed to update app metadata: %w", err)
	}
	return nil
}

// UpdateNickname sets the user's nickname.
func (c *Client) UpdateNickname(ctx context.Context, subject, nickname string) error {
	if err := c.patchUser(ctx, subject, map[string]any{"nickname": nickname}); err != nil {
		return fmt.Errorf("failed to update nickname: %w", err)
	}
	return nil
}

func (c *Client) patchUser(ctx context.Context, subject string, body map[string]any) error {
	return c.do(ctx, http.MethodPatch, "/users/"+url.PathEscape(subject), body, nil)
}

// do sends a JSON request and decodes a 2xx response into out. Transport
// failures and 5xx responses are marked as upstream failures.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return upstream.Wrap(service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: readMessage(resp.Body)}
		if resp.StatusCode >= 500 {
			return upstream.Wrap(service, apiErr)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return upstream.Wrap(service, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func readMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 4096))
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &payload) == nil && payload.Message != "" {
		return payload.Message
	}
	return strings.TrimSpace(string(raw))
}
