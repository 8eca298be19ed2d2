package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Handler serves the status returned by report as JSON. Unhealthy answers
// 503; healthy and degraded answer 200 with the state in the body.
func Handler(report func() Status, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		status := report()
		w.Header().Set("Content-Type", "application/json")
		if status.State == StateUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			logger.Error("Failed to encode health response", "error", err)
		}
	})
}
