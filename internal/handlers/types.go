package handlers

import "github.com/bleepstore/chunkvault/internal/object"

// Request bodies. Byte payloads travel as base64 JSON strings.

// PathRequest addresses a single object.
type PathRequest struct {
	Path string `json:"path" doc:"Object path"`
}

// PutOptsRequest is the body of put_opts.
type PutOptsRequest struct {
	Path    string            `json:"path" doc:"Object path"`
	Payload []byte            `json:"payload" doc:"Object content"`
	Opts    object.PutOptions `json:"opts"`
}

// FromToRequest is the body of the copy and rename family.
type FromToRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// MultipartRequest addresses an in-progress upload.
type MultipartRequest struct {
	Path string             `json:"path"`
	ID   object.MultipartID `json:"id"`
}

// PutPartRequest is the body of put_part.
type PutPartRequest struct {
	Path    string             `json:"path"`
	ID      object.MultipartID `json:"id"`
	PartIdx uint32             `json:"part_idx"`
	Payload []byte             `json:"payload"`
}

// CompleteMultipartRequest is the body of complete_multipart.
type CompleteMultipartRequest struct {
	Path string                  `json:"path"`
	ID   object.MultipartID      `json:"id"`
	Opts object.PutMultipartOpts `json:"opts"`
}

// GetPartRequest is the body of get_part.
type GetPartRequest struct {
	Path    string `json:"path"`
	PartIdx uint32 `json:"part_idx"`
}

// GetOptsRequest is the body of get_opts.
type GetOptsRequest struct {
	Path string            `json:"path"`
	Opts object.GetOptions `json:"opts"`
}

// GetRangesRequest is the body of get_ranges. Each range is [start, end).
type GetRangesRequest struct {
	Path   string      `json:"path"`
	Ranges [][2]uint64 `json:"ranges"`
}

// ListRequest is the body of list and list_with_delimiter. A nil prefix
// lists from the root.
type ListRequest struct {
	Prefix *string `json:"prefix,omitempty"`
}

// ListWithOffsetRequest is the body of list_with_offset.
type ListWithOffsetRequest struct {
	Prefix *string `json:"prefix,omitempty"`
	Offset string  `json:"offset"`
}

// IsMemberRequest is the body of is_member.
type IsMemberRequest struct {
	Kind string `json:"kind" enum:"manager,auditor"`
	User string `json:"user"`
}

// MembersRequest carries a set of access keys.
type MembersRequest struct {
	IDs []string `json:"ids"`
}

// Empty is the body of operations without arguments or results.
type Empty struct{}

// Response bodies.

// IDResponse carries a multipart upload id.
type IDResponse struct {
	ID object.MultipartID `json:"id"`
}

// PayloadResponse carries the bytes of get_part.
type PayloadResponse struct {
	Payload []byte `json:"payload"`
}

// PayloadsResponse carries one payload per requested range.
type PayloadsResponse struct {
	Payloads [][]byte `json:"payloads"`
}

// ObjectsResponse carries a listing.
type ObjectsResponse struct {
	Objects []object.ObjectMeta `json:"objects"`
}

// MemberResponse is the result of is_member.
type MemberResponse struct {
	Member bool `json:"member"`
}

// StatusResponse is the result of the validate_admin_* dry runs.
type StatusResponse struct {
	Status string `json:"status" example:"ok"`
}
