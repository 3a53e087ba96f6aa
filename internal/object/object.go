// Package object defines the request and response types exchanged between
// the client SDK, the RPC handlers and the object engine, together with the
// range and precondition rules every layer agrees on.
package object

import (
	"encoding/base64"
	"fmt"
	"strconv"
)

const (
	// ChunkSize is the fixed storage and encryption unit. Every chunk of an
	// object except the last is exactly ChunkSize bytes.
	ChunkSize = 256 * 1024
	// MaxPayloadSize bounds a single put payload and a single read response.
	MaxPayloadSize = 2000 * 1024
	// MaxParts bounds the number of parts of a multipart upload.
	MaxParts = 1024
	// MaxListLimit caps the entries returned by one list call.
	MaxListLimit = 1000
	// NonceSize is the AES-256-GCM nonce length.
	NonceSize = 12
	// TagSize is the AES-256-GCM authentication tag length.
	TagSize = 16
)

// ChunkCount returns ceil(size / ChunkSize).
func ChunkCount(size uint64) uint64 {
	return (size + ChunkSize - 1) / ChunkSize
}

// Nonce is a per-object AES-256-GCM nonce. It is base64 on the wire.
type Nonce [NonceSize]byte

// MarshalText implements encoding.TextMarshaler.
func (n Nonce) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(n[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *Nonce) UnmarshalText(b []byte) error {
	return decodeFixed(n[:], b, "nonce")
}

// Tag is a per-chunk AES-256-GCM authentication tag. It is base64 on the wire.
type Tag [TagSize]byte

// MarshalText implements encoding.TextMarshaler.
func (t Tag) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(t[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tag) UnmarshalText(b []byte) error {
	return decodeFixed(t[:], b, "tag")
}

func decodeFixed(dst, src []byte, what string) error {
	raw, err := base64.StdEncoding.DecodeString(string(src))
	if err != nil {
		return fmt.Errorf("decoding %s: %w", what, err)
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("invalid %s length %d, want %d", what, len(raw), len(dst))
	}
	copy(dst, raw)
	return nil
}

// ObjectMeta describes a committed object.
type ObjectMeta struct {
	// Location is the full path of the object.
	Location string `json:"location"`
	// LastModified is the commit time in milliseconds since the Unix epoch.
	LastModified uint64 `json:"last_modified"`
	// Size is the logical (plaintext) size in bytes.
	Size uint64 `json:"size"`
	// ETag is the decimal object id.
	ETag *string `json:"e_tag,omitempty"`
	// Version is the caller-supplied version of the last conditional update.
	Version *string `json:"version,omitempty"`
	// AESNonce is set when the object was written encrypted.
	AESNonce *Nonce `json:"aes_nonce,omitempty"`
	// AESTags holds one tag per ChunkSize-aligned chunk, in chunk order.
	AESTags []Tag `json:"aes_tags,omitempty"`
}

// FormatETag renders an object id as an etag string.
func FormatETag(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// ParseETag parses an etag string back into an object id.
func ParseETag(etag string) (uint64, bool) {
	id, err := strconv.ParseUint(etag, 10, 64)
	return id, err == nil
}

// PutResult is returned by put_opts and complete_multipart.
type PutResult struct {
	ETag    *string `json:"e_tag,omitempty"`
	Version *string `json:"version,omitempty"`
}

// MultipartID identifies an in-progress multipart upload. It is the etag of
// the object the upload will commit.
type MultipartID = string

// PartID acknowledges a stored part.
type PartID struct {
	// ContentID is "<upload id>-<part index>".
	ContentID string `json:"content_id"`
	// Checksum is the CRC-32 (IEEE) of the stored part payload.
	Checksum uint32 `json:"checksum"`
}

// GetResult is returned by get_opts.
type GetResult struct {
	Payload    []byte     `json:"payload"`
	Meta       ObjectMeta `json:"meta"`
	Range      [2]uint64  `json:"range"`
	Attributes Attributes `json:"attributes,omitempty"`
}

// ListResult is returned by list_with_delimiter.
type ListResult struct {
	CommonPrefixes []string     `json:"common_prefixes"`
	Objects        []ObjectMeta `json:"objects"`
}

// StateInfo summarises the engine state and its access control lists.
type StateInfo struct {
	Name        string   `json:"name"`
	Managers    []string `json:"managers"`
	Auditors    []string `json:"auditors"`
	Controllers []string `json:"controllers"`
	Objects     uint64   `json:"objects"`
	NextETag    uint64   `json:"next_etag"`
}
