package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const healthTimeout = 2 * time.Second

// Checker reports whether a backing service is reachable.
type Checker interface {
	Health(ctx context.Context) error
}

// healthHandler pings every dependency. Any failure turns the response
// into a 503 listing the unhealthy services.
func healthHandler(checks map[string]Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		services := make(map[string]string, len(checks))
		status := http.StatusOK
		for name, c := range checks {
			if err := c.Health(ctx); err != nil {
				log.Ctx(ctx).Warn().Err(err).Str("service", name).Msg("health check failed")
				services[name] = "unhealthy"
				status = http.StatusServiceUnavailable
				continue
			}
			services[name] = "healthy"
		}

		overall := "healthy"
		if status != http.StatusOK {
			overall = "unhealthy"
		}
		writeJSON(w, status, map[string]any{
			"status":   overall,
			"services": services,
		})
	}
}
