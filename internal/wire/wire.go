// Package wire provides helpers for rendering chunkvault JSON responses and
// for decoding error bodies on the client side.
package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	storeerr "github.com/bleepstore/chunkvault/internal/errors"
)

// RequestIDHeader carries the per-request id set by the server middleware.
const RequestIDHeader = "X-Request-Id"

type requestIDKey struct{}

// WithRequestID stores the request id for handlers that cannot see the
// response headers.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the id stored by WithRequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Code      storeerr.Code `json:"code"`
	Path      string        `json:"path,omitempty"`
	Message   string        `json:"message,omitempty"`
	Key       string        `json:"key,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
}

// NewErrorResponse builds the body for err. Foreign errors become Generic.
func NewErrorResponse(err error, requestID string) ErrorResponse {
	se := storeerr.As(err)
	return ErrorResponse{
		Code:      se.Code,
		Path:      se.Path,
		Message:   se.Message,
		Key:       se.Key,
		RequestID: requestID,
	}
}

// StoreError converts the body back into the typed error.
func (e ErrorResponse) StoreError() *storeerr.StoreError {
	return &storeerr.StoreError{Code: e.Code, Path: e.Path, Message: e.Message, Key: e.Key}
}

// WriteError renders err as a JSON error with its HTTP status.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := w.Header().Get(RequestIDHeader)
	if requestID == "" {
		requestID = RequestIDFromContext(r.Context())
	}
	se := storeerr.As(err)
	status := se.HTTPStatus()
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "request_id", requestID, "error", err)
	}
	WriteJSON(w, status, NewErrorResponse(se, requestID))
}

// WriteJSON marshals v as JSON and writes it with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if status == http.StatusNotModified {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// DecodeError turns an error response into a *StoreError. Bodies that are
// empty or not JSON fall back to the code implied by status.
func DecodeError(status int, body []byte) error {
	var resp ErrorResponse
	if len(body) > 0 && json.Unmarshal(body, &resp) == nil && resp.Code != "" {
		return resp.StoreError()
	}
	msg := http.StatusText(status)
	if len(body) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, truncate(body, 256))
	}
	return &storeerr.StoreError{Code: codeForStatus(status), Message: msg}
}

// IsStatus reports whether err carries a store error rendered with status.
func IsStatus(err error, status int) bool {
	var se *storeerr.StoreError
	return errors.As(err, &se) && se.HTTPStatus() == status
}

func codeForStatus(status int) storeerr.Code {
	switch status {
	case http.StatusNotFound:
		return storeerr.CodeNotFound
	case http.StatusConflict:
		return storeerr.CodeAlreadyExists
	case http.StatusPreconditionFailed:
		return storeerr.CodePrecondition
	case http.StatusNotModified:
		return storeerr.CodeNotModified
	case http.StatusBadRequest:
		return storeerr.CodeInvalidPath
	case http.StatusNotImplemented:
		return storeerr.CodeNotImplemented
	case http.StatusForbidden:
		return storeerr.CodePermissionDenied
	case http.StatusUnauthorized:
		return storeerr.CodeUnauthenticated
	default:
		return storeerr.CodeGeneric
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// FormatTimeHTTP formats t as an HTTP date per RFC 7231.
func FormatTimeHTTP(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}
