package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/nikhilbhutani/asr-service/internal/api/handlers"
)

// Recover turns a handler panic into a 500 with the error envelope.
func Recover(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.ErrorContext(r.Context(), "panic in handler",
					"panic", rec,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				handlers.WriteError(w, http.StatusInternalServerError, "Internal server error", "")
			}()
			next.ServeHTTP(w, r)
		})
	}
}
