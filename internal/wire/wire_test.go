package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	storeerr "github.com/bleepstore/chunkvault/internal/errors"
)

func TestWriteErrorRoundTrip(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{storeerr.NotFound("a/b"), http.StatusNotFound},
		{storeerr.Precondition("a", "upload not completed"), http.StatusPreconditionFailed},
		{storeerr.AlreadyExists("x"), http.StatusConflict},
		{storeerr.PermissionDenied("", "no write permission"), http.StatusForbidden},
		{fmt.Errorf("reading chunk: %w", errors.New("disk gone")), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		w.Header().Set(RequestIDHeader, "req-1")
		r := httptest.NewRequest(http.MethodPost, "/v1/head", nil)
		WriteError(w, r, tt.err)

		if w.Code != tt.status {
			t.Errorf("%v: status = %d, want %d", tt.err, w.Code, tt.status)
		}
		var body ErrorResponse
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("decoding body: %v", err)
		}
		if body.RequestID != "req-1" {
			t.Errorf("request_id = %q, want req-1", body.RequestID)
		}

		got := DecodeError(w.Code, w.Body.Bytes())
		want := storeerr.As(tt.err)
		if se := storeerr.As(got); se.Code != want.Code || se.Path != want.Path || se.Message != want.Message {
			t.Errorf("DecodeError = %+v, want %+v", se, want)
		}
	}
}

func TestNotModifiedHasNoBody(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/get_opts", nil)
	WriteError(w, r, storeerr.NotModified("p", "etag matches"))
	if w.Code != http.StatusNotModified {
		t.Fatalf("status = %d, want 304", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", w.Body.String())
	}
	if err := DecodeError(w.Code, nil); !errors.Is(err, storeerr.ErrNotModified) {
		t.Errorf("DecodeError(304) = %v, want NotModified", err)
	}
}

func TestDecodeErrorFallsBackToStatus(t *testing.T) {
	err := DecodeError(http.StatusBadGateway, []byte("<html>upstream down</html>"))
	se := storeerr.As(err)
	if se.Code != storeerr.CodeGeneric {
		t.Errorf("code = %s, want Generic", se.Code)
	}
	if !IsStatus(DecodeError(http.StatusUnauthorized, nil), http.StatusUnauthorized) {
		t.Error("401 did not decode to an Unauthenticated error")
	}
}

func TestFormatTimeHTTP(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600))
	if got, want := FormatTimeHTTP(ts), "Fri, 02 Jan 2026 02:04:05 GMT"; got != want {
		t.Errorf("FormatTimeHTTP = %q, want %q", got, want)
	}
}

func TestRequestIDFromContext(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/head", nil)
	r = r.WithContext(WithRequestID(r.Context(), "ctx-id"))
	w := httptest.NewRecorder()
	WriteError(w, r, storeerr.NotFound("x"))

	var body ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.RequestID != "ctx-id" {
		t.Errorf("request_id = %q, want ctx-id", body.RequestID)
	}
}
