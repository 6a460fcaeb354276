package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/R3E-Network/service_bridge/internal/engine/admission"
	"github.com/R3E-Network/service_bridge/pkg/logger"
)

// AdmissionMiddleware holds an admission permit of kind while next runs.
// Requests that cannot get one in time are answered with 503.
func AdmissionMiddleware(c *admission.Controller, kind admission.Kind, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if c == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			guard, err := admission.NewGuard(r.Context(), c, kind)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				log.WithFields(map[string]interface{}{
					"kind":   string(kind),
					"path":   r.URL.Path,
					"method": r.Method,
				}).WithError(err).Warn("request not admitted")

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
				return
			}
			defer guard.Release()
			next.ServeHTTP(w, r)
		})
	}
}
