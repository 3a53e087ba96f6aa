// Package handlers exposes the engine as a table of JSON RPC methods. Each
// method is served over HTTP as POST /v1/{method} through huma, and can be
// invoked in-process with Invoke.
package handlers

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/danielgtaylor/huma/v2"

	"github.com/bleepstore/chunkvault/internal/engine"
	storeerr "github.com/bleepstore/chunkvault/internal/errors"
	"github.com/bleepstore/chunkvault/internal/metrics"
	"github.com/bleepstore/chunkvault/internal/object"
)

// Service serializes every call into one engine.
type Service struct {
	mu      sync.Mutex
	engine  *engine.Engine
	logger  *slog.Logger
	methods map[string]method
}

// NewService wraps e. A nil logger uses slog.Default().
func NewService(e *engine.Engine, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{engine: e, logger: logger, methods: make(map[string]method)}
	for _, m := range table() {
		s.methods[m.name()] = m
	}
	return s
}

// Register adds one huma operation per method to api.
func (s *Service) Register(api huma.API) {
	for _, name := range s.Methods() {
		s.methods[name].register(api, s)
	}
}

// Methods returns the sorted method names.
func (s *Service) Methods() []string {
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs method with a JSON request body and returns the JSON result.
// The caller identity is taken from ctx as on the HTTP path.
func (s *Service) Invoke(ctx context.Context, name string, body []byte) ([]byte, error) {
	m, ok := s.methods[name]
	if !ok {
		return nil, storeerr.NotImplemented()
	}
	return m.invoke(ctx, s, body)
}

// RefreshObjectCount updates the objects gauge from the engine state.
func (s *Service) RefreshObjectCount(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.engine.GetState(ctx)
	if err != nil {
		return err
	}
	metrics.ObjectsTotal.Set(float64(st.Objects))
	return nil
}

func (s *Service) authorize(caller string, need access) error {
	switch need {
	case accessReader:
		if !s.engine.IsReader(caller) {
			return storeerr.PermissionDenied("", "no read permission")
		}
	case accessWriter:
		if !s.engine.IsWriter(caller) {
			return storeerr.PermissionDenied("", "no write permission")
		}
	case accessController:
		if !s.engine.IsController(caller) {
			return storeerr.PermissionDenied("", "caller is not a controller")
		}
	}
	return nil
}

func validPair(from, to string) error {
	if err := object.ValidatePath(from); err != nil {
		return err
	}
	if err := object.ValidatePath(to); err != nil {
		return err
	}
	if from == to {
		return storeerr.Precondition(to, "location 'to' is equal to 'from'")
	}
	return nil
}

func validPrefix(prefix *string) (string, error) {
	if prefix == nil {
		return "", nil
	}
	return *prefix, object.ValidatePrefix(*prefix)
}

func table() []method {
	return []method{
		rpc[PutOptsRequest, object.PutResult]{
			op: "put_opts", summary: "Store an object", tag: "Objects", access: accessWriter,
			handle: func(ctx context.Context, e *engine.Engine, req *PutOptsRequest) (object.PutResult, error) {
				if err := object.ValidatePath(req.Path); err != nil {
					return object.PutResult{}, err
				}
				if len(req.Payload) > object.MaxPayloadSize {
					return object.PutResult{}, storeerr.Preconditionf(req.Path, "payload size %d exceeds max size %d", len(req.Payload), object.MaxPayloadSize)
				}
				res, err := e.PutOpts(ctx, req.Path, req.Payload, req.Opts)
				if err == nil {
					metrics.PayloadBytesWritten.Add(float64(len(req.Payload)))
				}
				return res, err
			},
		},
		rpc[PathRequest, Empty]{
			op: "delete", summary: "Delete an object", tag: "Objects", access: accessWriter,
			handle: func(ctx context.Context, e *engine.Engine, req *PathRequest) (Empty, error) {
				if err := object.ValidatePath(req.Path); err != nil {
					return Empty{}, err
				}
				return Empty{}, e.Delete(ctx, req.Path)
			},
		},
		fromTo("copy", "Copy an object", (*engine.Engine).Copy),
		fromTo("copy_if_not_exists", "Copy an object unless the target exists", (*engine.Engine).CopyIfNotExists),
		fromTo("rename", "Rename an object", (*engine.Engine).Rename),
		fromTo("rename_if_not_exists", "Rename an object unless the target exists", (*engine.Engine).RenameIfNotExists),

		rpc[PathRequest, IDResponse]{
			op: "create_multipart", summary: "Start a multipart upload", tag: "Multipart", access: accessWriter,
			handle: func(ctx context.Context, e *engine.Engine, req *PathRequest) (IDResponse, error) {
				if err := object.ValidatePath(req.Path); err != nil {
					return IDResponse{}, err
				}
				id, err := e.CreateMultipart(ctx, req.Path)
				return IDResponse{ID: id}, err
			},
		},
		rpc[PutPartRequest, object.PartID]{
			op: "put_part", summary: "Upload one part", tag: "Multipart", access: accessWriter,
			handle: func(ctx context.Context, e *engine.Engine, req *PutPartRequest) (object.PartID, error) {
				if err := object.ValidatePath(req.Path); err != nil {
					return object.PartID{}, err
				}
				if req.PartIdx >= object.MaxParts {
					return object.PartID{}, storeerr.Preconditionf(req.Path, "part index %d exceeds max index %d", req.PartIdx, object.MaxParts-1)
				}
				if len(req.Payload) > object.ChunkSize {
					return object.PartID{}, storeerr.Preconditionf(req.Path, "part size %d exceeds max size %d", len(req.Payload), object.ChunkSize)
				}
				part, err := e.PutPart(ctx, req.Path, req.ID, req.PartIdx, req.Payload)
				if err == nil {
					metrics.PayloadBytesWritten.Add(float64(len(req.Payload)))
				}
				return part, err
			},
		},
		rpc[CompleteMultipartRequest, object.PutResult]{
			op: "complete_multipart", summary: "Commit a multipart upload", tag: "Multipart", access: accessWriter,
			handle: func(ctx context.Context, e *engine.Engine, req *CompleteMultipartRequest) (object.PutResult, error) {
				if err := object.ValidatePath(req.Path); err != nil {
					return object.PutResult{}, err
				}
				return e.CompleteMultipart(ctx, req.Path, req.ID, req.Opts)
			},
		},
		rpc[MultipartRequest, Empty]{
			op: "abort_multipart", summary: "Abort a multipart upload", tag: "Multipart", access: accessWriter,
			handle: func(ctx context.Context, e *engine.Engine, req *MultipartRequest) (Empty, error) {
				if err := object.ValidatePath(req.Path); err != nil {
					return Empty{}, err
				}
				return Empty{}, e.AbortMultipart(ctx, req.Path, req.ID)
			},
		},

		rpc[GetPartRequest, PayloadResponse]{
			op: "get_part", summary: "Read one stored chunk", tag: "Reads", access: accessReader,
			handle: func(ctx context.Context, e *engine.Engine, req *GetPartRequest) (PayloadResponse, error) {
				if err := object.ValidatePath(req.Path); err != nil {
					return PayloadResponse{}, err
				}
				if req.PartIdx >= object.MaxParts {
					return PayloadResponse{}, storeerr.Preconditionf(req.Path, "part index %d exceeds max index %d", req.PartIdx, object.MaxParts-1)
				}
				data, err := e.GetPart(ctx, req.Path, req.PartIdx)
				metrics.PayloadBytesRead.Add(float64(len(data)))
				return PayloadResponse{Payload: data}, err
			},
		},
		rpc[GetOptsRequest, object.GetResult]{
			op: "get_opts", summary: "Conditional and ranged read", tag: "Reads", access: accessReader,
			handle: func(ctx context.Context, e *engine.Engine, req *GetOptsRequest) (object.GetResult, error) {
				if err := object.ValidatePath(req.Path); err != nil {
					return object.GetResult{}, err
				}
				res, err := e.GetOpts(ctx, req.Path, req.Opts)
				metrics.PayloadBytesRead.Add(float64(len(res.Payload)))
				return res, err
			},
		},
		rpc[GetRangesRequest, PayloadsResponse]{
			op: "get_ranges", summary: "Read several byte ranges", tag: "Reads", access: accessReader,
			handle: func(ctx context.Context, e *engine.Engine, req *GetRangesRequest) (PayloadsResponse, error) {
				if err := object.ValidatePath(req.Path); err != nil {
					return PayloadsResponse{}, err
				}
				out, err := e.GetRanges(ctx, req.Path, req.Ranges)
				for _, p := range out {
					metrics.PayloadBytesRead.Add(float64(len(p)))
				}
				return PayloadsResponse{Payloads: out}, err
			},
		},
		rpc[PathRequest, object.ObjectMeta]{
			op: "head", summary: "Read object metadata", tag: "Reads", access: accessReader,
			handle: func(ctx context.Context, e *engine.Engine, req *PathRequest) (object.ObjectMeta, error) {
				if err := object.ValidatePath(req.Path); err != nil {
					return object.ObjectMeta{}, err
				}
				return e.Head(ctx, req.Path)
			},
		},
		rpc[ListRequest, ObjectsResponse]{
			op: "list", summary: "List objects below a prefix", tag: "Listing", access: accessReader,
			handle: func(ctx context.Context, e *engine.Engine, req *ListRequest) (ObjectsResponse, error) {
				prefix, err := validPrefix(req.Prefix)
				if err != nil {
					return ObjectsResponse{}, err
				}
				objs, err := e.List(ctx, prefix)
				return ObjectsResponse{Objects: objs}, err
			},
		},
		rpc[ListWithOffsetRequest, ObjectsResponse]{
			op: "list_with_offset", summary: "List objects after an offset", tag: "Listing", access: accessReader,
			handle: func(ctx context.Context, e *engine.Engine, req *ListWithOffsetRequest) (ObjectsResponse, error) {
				prefix, err := validPrefix(req.Prefix)
				if err != nil {
					return ObjectsResponse{}, err
				}
				objs, err := e.ListWithOffset(ctx, prefix, req.Offset)
				return ObjectsResponse{Objects: objs}, err
			},
		},
		rpc[ListRequest, object.ListResult]{
			op: "list_with_delimiter", summary: "List direct children of a prefix", tag: "Listing", access: accessReader,
			handle: func(ctx context.Context, e *engine.Engine, req *ListRequest) (object.ListResult, error) {
				prefix, err := validPrefix(req.Prefix)
				if err != nil {
					return object.ListResult{}, err
				}
				return e.ListWithDelimiter(ctx, prefix)
			},
		},

		rpc[Empty, object.StateInfo]{
			op: "get_state", summary: "Engine state and access lists", tag: "State", access: accessOpen,
			handle: func(ctx context.Context, e *engine.Engine, _ *Empty) (object.StateInfo, error) {
				st, err := e.GetState(ctx)
				if err == nil {
					metrics.ObjectsTotal.Set(float64(st.Objects))
				}
				return st, err
			},
		},
		rpc[IsMemberRequest, MemberResponse]{
			op: "is_member", summary: "Check manager or auditor membership", tag: "State", access: accessOpen,
			handle: func(_ context.Context, e *engine.Engine, req *IsMemberRequest) (MemberResponse, error) {
				ok, err := e.IsMember(req.Kind, req.User)
				return MemberResponse{Member: ok}, err
			},
		},

		members("admin_add_managers", "Grant write access", (*engine.Engine).AddManagers),
		members("admin_remove_managers", "Revoke write access", (*engine.Engine).RemoveManagers),
		members("admin_add_auditors", "Grant read access", (*engine.Engine).AddAuditors),
		members("admin_remove_auditors", "Revoke read access", (*engine.Engine).RemoveAuditors),
		rpc[Empty, Empty]{
			op: "admin_clear", summary: "Remove every object", tag: "Admin", access: accessController,
			handle: func(ctx context.Context, e *engine.Engine, _ *Empty) (Empty, error) {
				if err := e.Clear(ctx); err != nil {
					return Empty{}, err
				}
				metrics.ObjectsTotal.Set(0)
				return Empty{}, nil
			},
		},
		validateMembers("validate_admin_add_managers"),
		validateMembers("validate_admin_remove_managers"),
		validateMembers("validate_admin_add_auditors"),
		validateMembers("validate_admin_remove_auditors"),
	}
}

func fromTo(op, summary string, fn func(*engine.Engine, context.Context, string, string) error) method {
	return rpc[FromToRequest, Empty]{
		op: op, summary: summary, tag: "Objects", access: accessWriter,
		handle: func(ctx context.Context, e *engine.Engine, req *FromToRequest) (Empty, error) {
			if err := validPair(req.From, req.To); err != nil {
				return Empty{}, err
			}
			return Empty{}, fn(e, ctx, req.From, req.To)
		},
	}
}

func members(op, summary string, fn func(*engine.Engine, context.Context, []string) error) method {
	return rpc[MembersRequest, Empty]{
		op: op, summary: summary, tag: "Admin", access: accessController,
		handle: func(ctx context.Context, e *engine.Engine, req *MembersRequest) (Empty, error) {
			return Empty{}, fn(e, ctx, req.IDs)
		},
	}
}

func validateMembers(op string) method {
	return rpc[MembersRequest, StatusResponse]{
		op: op, summary: "Dry run of " + op[len("validate_"):], tag: "Admin", access: accessOpen,
		handle: func(_ context.Context, _ *engine.Engine, req *MembersRequest) (StatusResponse, error) {
			if err := engine.ValidateMembers(req.IDs); err != nil {
				return StatusResponse{}, err
			}
			return StatusResponse{Status: "ok"}, nil
		},
	}
}
