package web

// errors.go maps service errors to HTTP responses. Technical detail is
// logged with the request id for correlation; clients only ever see the
// taxonomy's messages.

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"tagvault/internal/importer"
)

// ErrorResponse is the JSON structure for API error responses.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

// respondError logs err and writes the response its kind calls for.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)

	slog.Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"request_id", middleware.GetReqID(r.Context()),
	)

	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "30")
	}
	writeStatusJSON(w, status, body)
}

// classify maps a service error to its status code and response body.
func classify(err error) (int, ErrorResponse) {
	var ve *importer.ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest, ErrorResponse{
			Error: ve.Message,
			Code:  "VALIDATION_FAILED",
			Field: ve.Field,
		}
	}

	var te *importer.InvalidTransitionError
	if errors.As(err, &te) {
		return http.StatusConflict, ErrorResponse{
			Error: te.Error(),
			Code:  "INVALID_STATE",
		}
	}

	switch {
	case errors.Is(err, importer.ErrSessionNotFound):
		return http.StatusNotFound, ErrorResponse{
			Error: "import session not found",
			Code:  "SESSION_NOT_FOUND",
		}
	case errors.Is(err, importer.ErrChannelNotFound):
		return http.StatusNotFound, ErrorResponse{
			Error: "progress channel not found",
			Code:  "CHANNEL_NOT_FOUND",
		}
	case errors.Is(err, importer.ErrNotResumable):
		return http.StatusUnprocessableEntity, ErrorResponse{
			Error: "session cannot be resumed: it is not paused or failed, or its resume window has expired",
			Code:  "NOT_RESUMABLE",
		}
	case errors.Is(err, importer.ErrTooManyJobs):
		return http.StatusTooManyRequests, ErrorResponse{
			Error: importer.ErrTooManyJobs.Error(),
			Code:  "TOO_MANY_JOBS",
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, ErrorResponse{
			Error: "request cancelled or timed out",
			Code:  "TIMEOUT",
		}
	}

	return http.StatusInternalServerError, ErrorResponse{
		Error: "internal server error",
		Code:  "INTERNAL",
	}
}
