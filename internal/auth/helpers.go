// Package auth extracts caller credentials from requests and keeps the
// browser session.
package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// Sentinel errors for token extraction failures.
// These can be used for debugging/logging but should NOT be exposed in responses.
var (
	ErrMissingAuthHeader = errors.New("missing authorization header")
	ErrInvalidAuthScheme = errors.New("invalid authorization scheme: expected Bearer")
	ErrEmptyToken        = errors.New("empty bearer token")
	ErrNoCredential      = errors.New("no bearer header or session token")
)

// ExtractBearerToken extracts the token from an "Authorization: Bearer <token>" header.
// Returns an error if the header is missing, uses wrong scheme, or token is empty.
func ExtractBearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", ErrMissingAuthHeader
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return "", ErrInvalidAuthScheme
	}

	token := strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))
	if token == "" {
		return "", ErrEmptyToken
	}

	return token, nil
}

// Credential sources, reported for logging.
const (
	SourceHeader  = "header"
	SourceSession = "session"
)

// ResolveToken picks the credential for a request. An Authorization header
// always wins; a malformed header is an error rather than a reason to fall
// back to the session. Without a header, the session's access token is used.
func ResolveToken(r *http.Request, sessions *Sessions) (token, source string, err error) {
	token, err = ExtractBearerToken(r)
	if err == nil {
		return token, SourceHeader, nil
	}
	if !errors.Is(err, ErrMissingAuthHeader) {
		return "", SourceHeader, err
	}

	if sessions != nil {
		if token = sessions.AccessToken(r); token != "" {
			return token, SourceSession, nil
		}
	}
	return "", "", ErrNoCredential
}

// APIError is the JSON error envelope used by every endpoint.
type APIError struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error message and type.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// WriteJSONError writes {"error": {"message": "<message>", "type": "<errorType>"}}.
func WriteJSONError(w http.ResponseWriter, status int, message, errorType string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIError{
		Error: ErrorDetail{
			Message: message,
			Type:    errorType,
		},
	}); err != nil {
		log.Error().Err(err).Msg("failed to write JSON error response")
	}
}

// WriteUnauthorized writes a 401 Unauthorized JSON response.
func WriteUnauthorized(w http.ResponseWriter) {
	WriteJSONError(w, http.StatusUnauthorized, "unauthorized", "authentication_error")
}

// WriteUnavailable writes a 503 for collaborator outages during authentication.
func WriteUnavailable(w http.ResponseWriter) {
	WriteJSONError(w, http.StatusServiceUnavailable, "authentication service unavailable, please retry", "upstream_error")
}
