/*
errors.go - Error to HTTP status mapping

PURPOSE:
  Translates the leave error taxonomy into responses. Handlers never pick a
  status themselves; they hand the error to writeError.

MAPPING:
  *ValidationError             422  full violation list plus "first"
  NotFound                     404
  *TransitionError             409  checked before ErrConfiguration
  ConcurrencyConflict          409
  Configuration, bad amounts   400
  ExternalService              503
  documents.ErrTooLarge        413
  anything else                500  logged, details withheld
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/warp/leave-engine/documents"
	"github.com/warp/leave-engine/leave"
	"go.uber.org/zap"
)

func statusFor(err error) int {
	var (
		verr *leave.ValidationError
		terr *leave.TransitionError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity
	case leave.IsNotFound(err):
		return http.StatusNotFound
	case errors.As(err, &terr):
		return http.StatusConflict
	case errors.Is(err, leave.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, documents.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case leave.IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, leave.ErrExternalService):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: http.StatusText(status), Details: err.Error()}

	var verr *leave.ValidationError
	if errors.As(err, &verr) {
		first := verr.First()
		resp.Error = first.Message
		resp.First = &first
		resp.Violations = verr.Violations
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		if status == http.StatusInternalServerError {
			resp.Details = ""
		}
	}
	writeJSON(w, status, resp)
}

// badRequest reports malformed input that never reached the domain.
func (h *Handler) badRequest(w http.ResponseWriter, r *http.Request, reason string) {
	h.writeError(w, r, &leave.ConfigurationError{Reason: reason})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
