package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bleepstore/chunkvault/internal/config"
	"github.com/bleepstore/chunkvault/internal/engine"
	"github.com/bleepstore/chunkvault/internal/metadata"
	"github.com/bleepstore/chunkvault/internal/metrics"
	"github.com/bleepstore/chunkvault/internal/storage"
	"github.com/bleepstore/chunkvault/internal/wire"
)

func init() {
	// Register metrics once for the entire test binary so that tests
	// checking /metrics output see the expected collectors.
	metrics.Register()
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.Name = "server-test"
	cfg.Metrics.Enabled = true
	cfg.Auth.Enabled = false
	return cfg
}

// newTestServer creates a Server over a memory store.
func newTestServer(t *testing.T, cfg *config.Config, opts ...Option) *Server {
	t.Helper()
	kv, err := metadata.NewMemoryStore("", 0)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	e, err := engine.New(context.Background(), kv, storage.NewKVChunkStore(kv), engine.Options{
		Name:         cfg.Server.Name,
		Controllers:  cfg.Auth.Controllers,
		Managers:     cfg.Auth.Managers,
		Auditors:     cfg.Auth.Auditors,
		AuthDisabled: !cfg.Auth.Enabled,
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	srv, err := New(cfg, e, opts...)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return srv
}

// testRequest performs a request through the full middleware chain.
func testRequest(t *testing.T, srv *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, testConfig())
	rec := testRequest(t, srv, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body HealthBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}

	rec = testRequest(t, srv, http.MethodHead, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("HEAD status = %d, want 200", rec.Code)
	}
}

func TestHealthCheckFailure(t *testing.T) {
	srv := newTestServer(t, testConfig(), WithHealthCheck(func(context.Context) error {
		return errors.New("store down")
	}))
	if rec := testRequest(t, srv, http.MethodGet, "/health", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET status = %d, want 503", rec.Code)
	}
	if rec := testRequest(t, srv, http.MethodHead, "/health", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("HEAD status = %d, want 503", rec.Code)
	}
}

func TestCommonHeaders(t *testing.T) {
	srv := newTestServer(t, testConfig())
	rec := testRequest(t, srv, http.MethodGet, "/health", nil)
	if got := rec.Header().Get("Server"); got != "chunkvault" {
		t.Errorf("Server = %q, want chunkvault", got)
	}
	if id := rec.Header().Get(wire.RequestIDHeader); len(id) != 20 {
		t.Errorf("request id = %q, want 20 chars", id)
	}
	if rec.Header().Get("Date") == "" {
		t.Error("Date header missing")
	}
}

func TestDocsAndOpenAPI(t *testing.T) {
	srv := newTestServer(t, testConfig())
	rec := testRequest(t, srv, http.MethodGet, "/docs", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("/docs status = %d, want 200", rec.Code)
	}
	rec = testRequest(t, srv, http.MethodGet, "/openapi.json", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("/openapi.json status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "chunkvault RPC API") {
		t.Error("OpenAPI document does not carry the API title")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, testConfig())
	testRequest(t, srv, http.MethodPost, "/v1/get_state", []byte(`{}`))

	rec := testRequest(t, srv, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	for _, name := range []string{
		"chunkvault_http_requests_total",
		"chunkvault_operations_total",
		"chunkvault_objects_total",
	} {
		if !strings.Contains(rec.Body.String(), name) {
			t.Errorf("/metrics missing %s", name)
		}
	}
}

func TestRPCOverHTTP(t *testing.T) {
	srv := newTestServer(t, testConfig())

	rec := testRequest(t, srv, http.MethodPost, "/v1/put_opts", []byte(`{"path":"a/1.txt","payload":"aGVsbG8=","opts":{"mode":{"kind":"Overwrite"}}}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("put_opts status = %d: %s", rec.Code, rec.Body.String())
	}
	var put struct {
		ETag string `json:"e_tag"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &put); err != nil {
		t.Fatalf("decoding put_opts: %v", err)
	}
	if put.ETag != "0" {
		t.Errorf("e_tag = %q, want 0", put.ETag)
	}

	rec = testRequest(t, srv, http.MethodPost, "/v1/get_opts", []byte(`{"path":"a/1.txt","opts":{}}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("get_opts status = %d: %s", rec.Code, rec.Body.String())
	}
	var got struct {
		Payload []byte    `json:"payload"`
		Range   [2]uint64 `json:"range"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding get_opts: %v", err)
	}
	if string(got.Payload) != "hello" || got.Range != [2]uint64{0, 5} {
		t.Errorf("get_opts = %q %v", got.Payload, got.Range)
	}
}

func TestRPCErrorBody(t *testing.T) {
	srv := newTestServer(t, testConfig())

	tests := []struct {
		path   string
		body   string
		status int
		code   string
	}{
		{"/v1/head", `{"path":"missing"}`, http.StatusNotFound, "NotFound"},
		{"/v1/head", `{"path":"/bad"}`, http.StatusBadRequest, "InvalidPath"},
		{"/v1/copy", `{"from":"a","to":"a"}`, http.StatusPreconditionFailed, "Precondition"},
		{"/v1/no_such_method", `{}`, http.StatusNotImplemented, "NotImplemented"},
	}
	for _, tt := range tests {
		t.Run(tt.path+tt.body, func(t *testing.T) {
			rec := testRequest(t, srv, http.MethodPost, tt.path, []byte(tt.body))
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body.String())
			}
			var body wire.ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decoding error body %q: %v", rec.Body.String(), err)
			}
			if string(body.Code) != tt.code {
				t.Errorf("code = %q, want %q", body.Code, tt.code)
			}
			if body.RequestID != rec.Header().Get(wire.RequestIDHeader) {
				t.Errorf("request_id = %q, header = %q", body.RequestID, rec.Header().Get(wire.RequestIDHeader))
			}
		})
	}
}

func TestAuthEnabledRejectsUnsigned(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.Credentials = []config.Credential{{AccessKey: "writer", SecretKey: "secret"}}
	cfg.Auth.Managers = []string{"writer"}
	srv := newTestServer(t, cfg)

	rec := testRequest(t, srv, http.MethodPost, "/v1/get_state", []byte(`{}`))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unsigned status = %d, want 401", rec.Code)
	}
	if rec := testRequest(t, srv, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Errorf("/health status = %d, want 200 without a signature", rec.Code)
	}
}

func TestShutdownWithoutStart(t *testing.T) {
	srv := newTestServer(t, testConfig())
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
