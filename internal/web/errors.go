package web

// errors.go provides unified error response handling for the web layer.
//
// All errors are logged with full technical details server-side and
// returned to clients as user-friendly JSON messages with an action
// suggestion and a support code. Sentinel errors from the importer,
// tabular, and stock packages map to specific HTTP status codes.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/flylab/stockbook/internal/importer"
	"github.com/flylab/stockbook/internal/stock"
	"github.com/flylab/stockbook/internal/tabular"
	"github.com/go-chi/chi/v5/middleware"
)

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Code) and human-readable (Message, Action) fields.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// respondError logs the technical error with the request ID for correlation
// and writes a user-friendly JSON response with the status from statusFor.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	statusCode := statusFor(err)
	userMsg := importer.MapError(err)

	slog.Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", statusCode,
		"error", err.Error(),
		"code", userMsg.Code,
		"request_id", middleware.GetReqID(r.Context()),
	)

	respondErrorJSON(w, userMsg, statusCode)
}

// statusFor maps sentinel errors to HTTP status codes. Unknown errors
// default to 500.
func statusFor(err error) int {
	var valErr *stock.ValidationError
	switch {
	case errors.Is(err, tabular.ErrNoDataRows),
		errors.Is(err, tabular.ErrUnsupportedFile),
		errors.As(err, &valErr):
		return http.StatusBadRequest
	case errors.Is(err, importer.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, stock.ErrDuplicateStockID):
		return http.StatusConflict
	case errors.Is(err, importer.ErrTooManyImports):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondErrorJSON writes a JSON error response.
func respondErrorJSON(w http.ResponseWriter, msg importer.UserMessage, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   msg.Message,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	})
}

// respondBadRequest writes a 400 response with a literal message, for
// request-shape problems that never reach the import pipeline.
func respondBadRequest(w http.ResponseWriter, message string) {
	respondErrorJSON(w, importer.UserMessage{
		Message: message,
		Action:  "Check the request format and try again",
		Code:    "REQ400",
	}, http.StatusBadRequest)
}
