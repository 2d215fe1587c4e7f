package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"tubebridge/internal/observability/logging"
	"tubebridge/internal/relay"
	"tubebridge/internal/resolver"
	"tubebridge/internal/upload"
)

// statusFor maps an operation error to the response status and the message
// safe to return to the caller.
func statusFor(err error) (int, string) {
	var (
		valErr   validationError
		resErr   *resolver.Error
		upErr    *upload.Error
		relayErr *relay.Error
	)
	switch {
	case errors.As(err, &valErr):
		return http.StatusBadRequest, valErr.Error()
	case errors.As(err, &resErr):
		return http.StatusInternalServerError, resErr.Error()
	case errors.As(err, &upErr):
		return http.StatusInternalServerError, upErr.Error()
	case errors.As(err, &relayErr):
		return http.StatusInternalServerError, relayErr.Error()
	default:
		return http.StatusInternalServerError, fmt.Sprintf("Internal server error: %v", err)
	}
}

func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger(r.Context()).Error("request failed", "status", status, "error", err)
	}
	WriteJSON(w, status, errorResponse{Error: message})
}

// Recover turns a panic in next into a 500 JSON error. When the response was
// already committed the connection is left to the server to close.
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
				logging.FromContext(r.Context(), logger).Error("handler panic",
					"path", r.URL.Path,
					"panic", fmt.Sprint(rec),
					"stack", string(debug.Stack()),
				)
				WriteError(w, http.StatusInternalServerError, fmt.Errorf("Internal server error: %v", rec))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
