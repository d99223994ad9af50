package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"orgcrm/internal/auth"
	"orgcrm/internal/jwtauth"
	"orgcrm/internal/member"
	"orgcrm/internal/org"
	"orgcrm/internal/schema"
	"orgcrm/internal/upstream"
	"orgcrm/internal/user"
)

const maxRequestBodySize = 1 << 20 // 1 MB

var errInvalidJSON = errors.New("invalid JSON")

// decodeJSON reads a single JSON object from the request body.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidJSON, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("%w: trailing data", errInvalidJSON)
	}
	return nil
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// writeError maps a domain error to a status code. Client errors carry
// their own message; server errors are logged and answered generically.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, errorType := classify(err)

	message := err.Error()
	switch {
	case status == http.StatusServiceUnavailable:
		message = "a required service is unavailable, please retry"
	case status >= http.StatusInternalServerError:
		message = "internal server error"
	}

	logger := log.Ctx(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Int("status", status).Bool("transient", upstream.IsTransient(err)).Msg("request failed")
	} else {
		logger.Debug().Err(err).Int("status", status).Msg("request rejected")
	}

	auth.WriteJSONError(w, status, message, errorType)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errInvalidJSON),
		errors.Is(err, org.ErrNameTooShort),
		errors.Is(err, schema.ErrMissingRequiredField),
		errors.Is(err, schema.ErrUnknownField),
		errors.Is(err, schema.ErrInvalidFieldValue),
		errors.Is(err, user.ErrInvalidNickname),
		errors.Is(err, user.ErrNicknameTooLong):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, jwtauth.ErrUnauthenticated):
		return http.StatusUnauthorized, "authentication_error"
	case errors.Is(err, org.ErrInvalidInvite),
		errors.Is(err, org.ErrNotMember),
		errors.Is(err, org.ErrNotFound):
		return http.StatusNotFound, "not_found_error"
	case errors.Is(err, org.ErrAlreadyExists),
		errors.Is(err, org.ErrAlreadyMember),
		errors.Is(err, member.ErrDuplicateMember):
		return http.StatusConflict, "conflict_error"
	case errors.Is(err, upstream.ErrUnavailable):
		return http.StatusServiceUnavailable, "upstream_error"
	default:
		// Includes member.ErrSchemaNotFound, query.ErrInvalidGeneratedQuery
		// and org.ErrInviteCodeExhausted.
		return http.StatusInternalServerError, "server_error"
	}
}
