// Package middleware provides HTTP middleware shared by the API routes.
package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"orgcrm/internal/auth"
	"orgcrm/internal/jwtauth"
)

// Verifier validates a bearer credential.
type Verifier interface {
	Verify(ctx context.Context, token string) (*jwtauth.Claims, error)
}

// RequireIdentity returns middleware that resolves the caller's credential
// (Authorization header first, then the session), verifies it and attaches
// the claims to the request context.
//
// Error responses:
//   - 401 Unauthorized: no credential, or the credential failed verification
//   - 503 Service Unavailable: the signing keys could not be fetched
func RequireIdentity(verifier Verifier, sessions *auth.Sessions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			logger := log.Ctx(ctx)

			token, source, err := auth.ResolveToken(r, sessions)
			if err != nil {
				logger.Debug().Err(err).Str("source", source).Msg("no usable credential")
				auth.WriteUnauthorized(w)
				return
			}

			claims, err := verifier.Verify(ctx, token)
			if err != nil {
				if errors.Is(err, jwtauth.ErrUnauthenticated) {
					logger.Info().
						Str("reason", jwtauth.Reason(err)).
						Str("source", source).
						Msg("credential rejected")
					auth.WriteUnauthorized(w)
					return
				}
				logger.Error().Err(err).Msg("credential verification unavailable")
				auth.WriteUnavailable(w)
				return
			}

			l := logger.With().Str("subject_id", claims.SubjectID()).Logger()
			ctx = l.WithContext(jwtauth.WithClaims(ctx, claims))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
