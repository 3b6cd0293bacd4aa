package health

import (
	"encoding/json"
	"net/http"
)

// LivenessHandler always reports ok once the process is serving
// requests; it never runs a Checker's registered checks.
func LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// ReadinessHandler runs every registered check and reports 200 when all
// pass, 503 otherwise.
func ReadinessHandler(c *Checker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		results := c.CheckAll(r.Context())

		status := StatusHealthy
		for _, res := range results {
			if res.Status == StatusUnhealthy {
				status = StatusUnhealthy
				break
			}
			if res.Status == StatusDegraded {
				status = StatusDegraded
			}
		}

		code := http.StatusOK
		if status != StatusHealthy {
			code = http.StatusServiceUnavailable
		}

		writeJSON(w, code, map[string]any{
			"status": status,
			"checks": results,
		})
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
