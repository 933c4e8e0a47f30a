// Package transport contains the HTTP router, middleware chain and request
// handlers of the work-order API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/pitabwire/workorder/internal/observability"
	"github.com/pitabwire/workorder/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:             http.StatusBadRequest,
	model.ErrUnauthorized:           http.StatusUnauthorized,
	model.ErrPermissionDenied:       http.StatusForbidden,
	model.ErrNotFound:               http.StatusNotFound,
	model.ErrConflict:               http.StatusConflict,
	model.ErrTransitionNotAvailable: http.StatusConflict,
	model.ErrInvalidState:           http.StatusConflict,
	model.ErrValidationError:        http.StatusUnprocessableEntity,
	model.ErrInternalError:          http.StatusInternalServerError,
}

// StatusFor returns the HTTP status an error is reported with.
func StatusFor(err error) int {
	if status, ok := statusForCode[model.ErrorCode(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// listResponse is the envelope of every paged listing.
type listResponse struct {
	Data   any `json:"data"`
	Total  int `json:"total"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as an ErrorEnvelope with the matching status. Errors
// that do not carry an envelope become a generic 500 and are logged, since
// their text never reaches the caller.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) {
		observability.RequestLogger(r.Context(), zap.L()).Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		env = model.NewInternalError()
	}

	out := *env
	if out.TraceID == "" {
		out.TraceID = observability.TraceIDFromContext(r.Context())
	}
	WriteJSON(w, StatusFor(env), errorResponse{Error: &out})
}

// decodeJSON reads a JSON body into dst. An empty body is a bad request.
func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

// queryInt returns the integer query parameter name or def when it is
// missing or malformed.
func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
