package middleware

import (
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"orgcrm/internal/auth"
	"orgcrm/internal/jwtauth"
)

// RateLimit returns middleware limiting requests per identity, or per
// client IP when no identity is attached. rate uses the limiter format,
// e.g. "10-M".
func RateLimit(rate string) (func(http.Handler) http.Handler, error) {
	r, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("invalid rate %q: %w", rate, err)
	}
	rateLimiter := limiter.New(memory.NewStore(), r)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := req.Context()

			result, err := rateLimiter.Get(ctx, clientKey(req))
			if err != nil {
				log.Ctx(ctx).Error().Err(err).Msg("rate limit check failed")
				auth.WriteJSONError(w, http.StatusInternalServerError, "rate limit error", "server_error")
				return
			}

			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", result.Limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", result.Remaining))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", result.Reset))

			if result.Reached {
				auth.WriteJSONError(w, http.StatusTooManyRequests, "too many requests, please try again later", "rate_limit_error")
				return
			}
			next.ServeHTTP(w, req)
		})
	}, nil
}

func clientKey(r *http.Request) string {
	if claims := jwtauth.GetClaims(r.Context()); claims != nil {
		return "sub:" + claims.SubjectID()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
