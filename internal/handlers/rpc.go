package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/bleepstore/chunkvault/internal/auth"
	"github.com/bleepstore/chunkvault/internal/engine"
	storeerr "github.com/bleepstore/chunkvault/internal/errors"
	"github.com/bleepstore/chunkvault/internal/metrics"
	"github.com/bleepstore/chunkvault/internal/wire"
)

// access is the role a caller needs for a method.
type access int

const (
	accessOpen access = iota
	accessReader
	accessWriter
	accessController
)

// method is one entry of the RPC table.
type method interface {
	name() string
	register(api huma.API, s *Service)
	invoke(ctx context.Context, s *Service, body []byte) ([]byte, error)
}

// rpc binds a method name to a typed handler. Handlers run with the engine
// lock held.
type rpc[Req, Resp any] struct {
	op      string
	summary string
	tag     string
	access  access
	handle  func(ctx context.Context, e *engine.Engine, req *Req) (Resp, error)
}

type rpcInput[T any] struct {
	Body T
}

type rpcOutput[T any] struct {
	Body T
}

func (m rpc[Req, Resp]) name() string { return m.op }

func (m rpc[Req, Resp]) register(api huma.API, s *Service) {
	huma.Register(api, huma.Operation{
		OperationID:      strings.ReplaceAll(m.op, "_", "-"),
		Method:           http.MethodPost,
		Path:             "/v1/" + m.op,
		Summary:          m.summary,
		Tags:             []string{m.tag},
		MaxBodyBytes:     auth.DefaultMaxBodyBytes,
		SkipValidateBody: true,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusPreconditionFailed,
		},
	}, func(ctx context.Context, in *rpcInput[Req]) (*rpcOutput[Resp], error) {
		resp, err := m.run(ctx, s, &in.Body)
		if err != nil {
			return nil, newRPCError(ctx, err)
		}
		return &rpcOutput[Resp]{Body: resp}, nil
	})
}

func (m rpc[Req, Resp]) invoke(ctx context.Context, s *Service, body []byte) ([]byte, error) {
	var req Req
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, storeerr.Generic("decoding %s request: %v", m.op, err)
		}
	}
	resp, err := m.run(ctx, s, &req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}

// run checks the caller's role and calls the handler under the engine lock.
func (m rpc[Req, Resp]) run(ctx context.Context, s *Service, req *Req) (Resp, error) {
	start := time.Now()
	resp, err := m.locked(ctx, s, req)

	code := "ok"
	if err != nil {
		code = string(storeerr.CodeOf(err))
	}
	metrics.OperationsTotal.WithLabelValues(m.op, code).Inc()
	metrics.OperationDuration.WithLabelValues(m.op).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		s.logger.Debug("rpc", "method", m.op, "duration", time.Since(start))
	case storeerr.CodeOf(err) == storeerr.CodeGeneric:
		s.logger.Error("rpc failed", "method", m.op, "error", err)
	default:
		s.logger.Debug("rpc rejected", "method", m.op, "code", code, "error", err)
	}
	return resp, err
}

func (m rpc[Req, Resp]) locked(ctx context.Context, s *Service, req *Req) (Resp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero Resp
	if err := s.authorize(auth.CallerFromContext(ctx), m.access); err != nil {
		return zero, err
	}
	return m.handle(ctx, s.engine, req)
}

// rpcError renders a store error as the JSON error body with its status.
type rpcError struct {
	wire.ErrorResponse
	status int
	cause  error
}

func newRPCError(ctx context.Context, err error) *rpcError {
	se := storeerr.As(err)
	return &rpcError{
		ErrorResponse: wire.NewErrorResponse(se, wire.RequestIDFromContext(ctx)),
		status:        se.HTTPStatus(),
		cause:         err,
	}
}

func (e *rpcError) Error() string { return e.cause.Error() }

// GetStatus implements huma.StatusError.
func (e *rpcError) GetStatus() int { return e.status }

func (e *rpcError) Unwrap() error { return e.cause }
