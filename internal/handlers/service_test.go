package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/bleepstore/chunkvault/internal/auth"
	"github.com/bleepstore/chunkvault/internal/engine"
	storeerr "github.com/bleepstore/chunkvault/internal/errors"
	"github.com/bleepstore/chunkvault/internal/metadata"
	"github.com/bleepstore/chunkvault/internal/object"
	"github.com/bleepstore/chunkvault/internal/storage"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	kv, err := metadata.NewMemoryStore("", 0)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	e, err := engine.New(context.Background(), kv, storage.NewKVChunkStore(kv), engine.Options{
		Name:        "test",
		Controllers: []string{"root"},
		Managers:    []string{"writer"},
		Auditors:    []string{"reader"},
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return NewService(e, nil)
}

func as(caller string) context.Context {
	return auth.WithCaller(context.Background(), caller)
}

// call marshals req, invokes method and decodes the result into out.
func call(t *testing.T, s *Service, caller, method string, req, out any) error {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal %s: %v", method, err)
	}
	resp, err := s.Invoke(as(caller), method, body)
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(resp, out); err != nil {
			t.Fatalf("decoding %s response %s: %v", method, resp, err)
		}
	}
	return nil
}

func wantCode(t *testing.T, err error, code storeerr.Code) {
	t.Helper()
	if got := storeerr.CodeOf(err); err == nil || got != code {
		t.Fatalf("err = %v, want %s", err, code)
	}
}

func TestMethodTable(t *testing.T) {
	s := newTestService(t)
	want := []string{
		"abort_multipart", "admin_add_auditors", "admin_add_managers", "admin_clear",
		"admin_remove_auditors", "admin_remove_managers", "complete_multipart",
		"copy", "copy_if_not_exists", "create_multipart", "delete", "get_opts",
		"get_part", "get_ranges", "get_state", "head", "is_member", "list",
		"list_with_delimiter", "list_with_offset", "put_opts", "put_part",
		"rename", "rename_if_not_exists",
		"validate_admin_add_auditors", "validate_admin_add_managers",
		"validate_admin_remove_auditors", "validate_admin_remove_managers",
	}
	got := s.Methods()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Methods() = %v, want %v", got, want)
	}

	_, err := s.Invoke(as("writer"), "format_disk", nil)
	wantCode(t, err, storeerr.CodeNotImplemented)
}

func TestPutAndGetThroughInvoke(t *testing.T) {
	s := newTestService(t)
	payload := []byte("hello chunkvault")

	var put object.PutResult
	if err := call(t, s, "writer", "put_opts", PutOptsRequest{Path: "a/1.txt", Payload: payload, Opts: object.PutOptions{Mode: object.Overwrite()}}, &put); err != nil {
		t.Fatalf("put_opts: %v", err)
	}
	if put.ETag == nil || *put.ETag != "0" {
		t.Errorf("e_tag = %v, want 0", put.ETag)
	}

	var got object.GetResult
	if err := call(t, s, "reader", "get_opts", GetOptsRequest{Path: "a/1.txt"}, &got); err != nil {
		t.Fatalf("get_opts: %v", err)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Errorf("payload = %q, want %q", got.Payload, payload)
	}
	if got.Range != [2]uint64{0, uint64(len(payload))} {
		t.Errorf("range = %v", got.Range)
	}

	var ranges PayloadsResponse
	if err := call(t, s, "reader", "get_ranges", GetRangesRequest{Path: "a/1.txt", Ranges: [][2]uint64{{0, 5}, {6, 16}}}, &ranges); err != nil {
		t.Fatalf("get_ranges: %v", err)
	}
	if len(ranges.Payloads) != 2 || string(ranges.Payloads[0]) != "hello" || string(ranges.Payloads[1]) != "chunkvault" {
		t.Errorf("payloads = %q", ranges.Payloads)
	}

	var part PayloadResponse
	if err := call(t, s, "reader", "get_part", GetPartRequest{Path: "a/1.txt"}, &part); err != nil {
		t.Fatalf("get_part: %v", err)
	}
	if !bytes.Equal(part.Payload, payload) {
		t.Errorf("get_part payload = %q", part.Payload)
	}

	var listed ObjectsResponse
	prefix := "a"
	if err := call(t, s, "reader", "list", ListRequest{Prefix: &prefix}, &listed); err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed.Objects) != 1 || listed.Objects[0].Location != "a/1.txt" {
		t.Errorf("list = %+v", listed.Objects)
	}
}

func TestPermissions(t *testing.T) {
	s := newTestService(t)
	put := PutOptsRequest{Path: "p", Payload: []byte("x")}

	tests := []struct {
		caller string
		method string
		req    any
		code   storeerr.Code
	}{
		{"reader", "put_opts", put, storeerr.CodePermissionDenied},
		{"stranger", "put_opts", put, storeerr.CodePermissionDenied},
		{"stranger", "head", PathRequest{Path: "p"}, storeerr.CodePermissionDenied},
		{"reader", "head", PathRequest{Path: "p"}, storeerr.CodeNotFound},
		{"writer", "admin_clear", Empty{}, storeerr.CodePermissionDenied},
		{"writer", "admin_add_managers", MembersRequest{IDs: []string{"x"}}, storeerr.CodePermissionDenied},
		{"reader", "create_multipart", PathRequest{Path: "p"}, storeerr.CodePermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.caller+"/"+tt.method, func(t *testing.T) {
			wantCode(t, call(t, s, tt.caller, tt.method, tt.req, nil), tt.code)
		})
	}

	err := call(t, s, "reader", "put_opts", put, nil)
	if se := storeerr.As(err); se.Message != "no write permission" {
		t.Errorf("message = %q, want no write permission", se.Message)
	}

	// Open methods need no role.
	var st object.StateInfo
	if err := call(t, s, "stranger", "get_state", Empty{}, &st); err != nil {
		t.Fatalf("get_state: %v", err)
	}
	if st.Name != "test" || len(st.Controllers) != 1 {
		t.Errorf("state = %+v", st)
	}
	var member MemberResponse
	if err := call(t, s, "stranger", "is_member", IsMemberRequest{Kind: "auditor", User: "reader"}, &member); err != nil {
		t.Fatalf("is_member: %v", err)
	}
	if !member.Member {
		t.Error("reader is not an auditor")
	}
}

func TestGuards(t *testing.T) {
	s := newTestService(t)
	var id IDResponse
	if err := call(t, s, "writer", "create_multipart", PathRequest{Path: "big.bin"}, &id); err != nil {
		t.Fatalf("create_multipart: %v", err)
	}

	tests := []struct {
		name   string
		method string
		req    any
		code   storeerr.Code
		msg    string
	}{
		{"oversized payload", "put_opts", PutOptsRequest{Path: "p", Payload: make([]byte, object.MaxPayloadSize+1)},
			storeerr.CodePrecondition, "payload size 2048001 exceeds max size 2048000"},
		{"part index", "put_part", PutPartRequest{Path: "big.bin", ID: id.ID, PartIdx: object.MaxParts, Payload: []byte("x")},
			storeerr.CodePrecondition, "part index 1024 exceeds max index 1023"},
		{"part size", "put_part", PutPartRequest{Path: "big.bin", ID: id.ID, Payload: make([]byte, object.ChunkSize+1)},
			storeerr.CodePrecondition, "part size 262145 exceeds max size 262144"},
		{"same location", "copy", FromToRequest{From: "a", To: "a"},
			storeerr.CodePrecondition, "location 'to' is equal to 'from'"},
		{"same location rename", "rename_if_not_exists", FromToRequest{From: "a", To: "a"},
			storeerr.CodePrecondition, "location 'to' is equal to 'from'"},
		{"leading slash", "put_opts", PutOptsRequest{Path: "/abs", Payload: []byte("x")}, storeerr.CodeInvalidPath, ""},
		{"dot segment", "head", PathRequest{Path: "a/../b"}, storeerr.CodeInvalidPath, ""},
		{"empty path", "delete", PathRequest{}, storeerr.CodeInvalidPath, ""},
		{"bad prefix", "list", ListRequest{Prefix: strPtr("a//b")}, storeerr.CodeInvalidPath, ""},
		{"get_part index", "get_part", GetPartRequest{Path: "big.bin", PartIdx: object.MaxParts},
			storeerr.CodePrecondition, "part index 1024 exceeds max index 1023"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := call(t, s, "writer", tt.method, tt.req, nil)
			wantCode(t, err, tt.code)
			if tt.msg != "" {
				if got := storeerr.As(err).Message; got != tt.msg {
					t.Errorf("message = %q, want %q", got, tt.msg)
				}
			}
		})
	}
}

func TestMultipartThroughInvoke(t *testing.T) {
	s := newTestService(t)
	var id IDResponse
	if err := call(t, s, "writer", "create_multipart", PathRequest{Path: "b.bin"}, &id); err != nil {
		t.Fatalf("create_multipart: %v", err)
	}
	var part object.PartID
	if err := call(t, s, "writer", "put_part", PutPartRequest{Path: "b.bin", ID: id.ID, PartIdx: 0, Payload: []byte("abc")}, &part); err != nil {
		t.Fatalf("put_part: %v", err)
	}
	if want := id.ID + "-0"; part.ContentID != want {
		t.Errorf("content_id = %q, want %q", part.ContentID, want)
	}
	// crc32 IEEE of "abc".
	if part.Checksum != 0x352441c2 {
		t.Errorf("checksum = %#x, want 0x352441c2", part.Checksum)
	}

	wantCode(t, call(t, s, "reader", "head", PathRequest{Path: "b.bin"}, nil), storeerr.CodePrecondition)

	var res object.PutResult
	if err := call(t, s, "writer", "complete_multipart", CompleteMultipartRequest{Path: "b.bin", ID: id.ID}, &res); err != nil {
		t.Fatalf("complete_multipart: %v", err)
	}
	var meta object.ObjectMeta
	if err := call(t, s, "reader", "head", PathRequest{Path: "b.bin"}, &meta); err != nil {
		t.Fatalf("head: %v", err)
	}
	if meta.Size != 3 {
		t.Errorf("size = %d, want 3", meta.Size)
	}

	wantCode(t, call(t, s, "writer", "abort_multipart", MultipartRequest{Path: "b.bin", ID: id.ID}, nil), storeerr.CodePrecondition)
}

func TestAdminMethods(t *testing.T) {
	s := newTestService(t)

	var status StatusResponse
	if err := call(t, s, "stranger", "validate_admin_add_managers", MembersRequest{IDs: []string{"bob"}}, &status); err != nil {
		t.Fatalf("validate_admin_add_managers: %v", err)
	}
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
	wantCode(t, call(t, s, "stranger", "validate_admin_remove_auditors", MembersRequest{}, nil), storeerr.CodeGeneric)
	wantCode(t, call(t, s, "stranger", "validate_admin_add_auditors", MembersRequest{IDs: []string{" "}}, nil), storeerr.CodeGeneric)

	if err := call(t, s, "root", "admin_add_managers", MembersRequest{IDs: []string{"bob"}}, nil); err != nil {
		t.Fatalf("admin_add_managers: %v", err)
	}
	if err := call(t, s, "bob", "put_opts", PutOptsRequest{Path: "x", Payload: []byte("1")}, nil); err != nil {
		t.Fatalf("put_opts as new manager: %v", err)
	}
	if err := call(t, s, "root", "admin_remove_managers", MembersRequest{IDs: []string{"bob"}}, nil); err != nil {
		t.Fatalf("admin_remove_managers: %v", err)
	}
	wantCode(t, call(t, s, "bob", "put_opts", PutOptsRequest{Path: "y", Payload: []byte("1")}, nil), storeerr.CodePermissionDenied)

	if err := call(t, s, "root", "admin_clear", Empty{}, nil); err != nil {
		t.Fatalf("admin_clear: %v", err)
	}
	var st object.StateInfo
	if err := call(t, s, "root", "get_state", Empty{}, &st); err != nil {
		t.Fatalf("get_state: %v", err)
	}
	if st.Objects != 0 || st.NextETag != 0 {
		t.Errorf("state after clear = %+v", st)
	}
}

func TestInvokeRejectsMalformedBody(t *testing.T) {
	s := newTestService(t)
	_, err := s.Invoke(as("writer"), "head", []byte(`{"path":`))
	wantCode(t, err, storeerr.CodeGeneric)
}

func strPtr(s string) *string { return &s }
