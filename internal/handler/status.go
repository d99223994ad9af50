package handler

import (
	"net/http"

	"orgcrm/internal/config"
)

// Version is the reported service version.
const Version = "0.1.0"

// statusHandler reports the service identity and the selected language model.
func statusHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"service":      "orgcrm",
			"version":      Version,
			"status":       "operational",
			"environment":  cfg.Environment,
			"llm_provider": cfg.LLM.Provider,
		})
	}
}
