// Package client is the chunkvault SDK. A Client speaks the RPC protocol
// through a Caller and, when given a cipher, encrypts every chunk before it
// leaves the process and decrypts on read.
package client

import (
	"context"

	"github.com/bleepstore/chunkvault/internal/encryption"
	storeerr "github.com/bleepstore/chunkvault/internal/errors"
	"github.com/bleepstore/chunkvault/internal/handlers"
	"github.com/bleepstore/chunkvault/internal/object"
)

// DefaultPartConcurrency bounds in-flight put_part calls of a
// MultipartUploader.
const DefaultPartConcurrency = 8

// Client issues chunkvault operations.
type Client struct {
	caller          Caller
	cipher          *encryption.Cipher
	partConcurrency int
}

// Option configures a Client.
type Option func(*Client)

// WithCipher enables client-side encryption.
func WithCipher(c *encryption.Cipher) Option {
	return func(cl *Client) {
		cl.cipher = c
	}
}

// WithPartConcurrency bounds in-flight parts of a MultipartUploader.
func WithPartConcurrency(n int) Option {
	return func(cl *Client) {
		if n > 0 {
			cl.partConcurrency = n
		}
	}
}

// New returns a Client over caller.
func New(caller Caller, opts ...Option) *Client {
	c := &Client{caller: caller, partConcurrency: DefaultPartConcurrency}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Encrypted reports whether the client holds a cipher.
func (c *Client) Encrypted() bool {
	return c.cipher != nil
}

// Cipher returns the client cipher, or nil.
func (c *Client) Cipher() *encryption.Cipher {
	return c.cipher
}

// Put stores payload at path, replacing any existing object.
func (c *Client) Put(ctx context.Context, path string, payload []byte) (object.PutResult, error) {
	return c.PutOpts(ctx, path, payload, object.PutOptions{Mode: object.Overwrite()})
}

// PutOpts stores payload at path. With a cipher, the payload is copied and
// sealed chunk by chunk under one fresh nonce; the caller's slice is not
// modified.
func (c *Client) PutOpts(ctx context.Context, path string, payload []byte, opts object.PutOptions) (object.PutResult, error) {
	if len(payload) > object.MaxPayloadSize {
		return object.PutResult{}, storeerr.Preconditionf(path, "payload size %d exceeds max size %d", len(payload), object.MaxPayloadSize)
	}
	if c.cipher != nil {
		nonce, err := encryption.RandomNonce()
		if err != nil {
			return object.PutResult{}, storeerr.Generic("%v", err)
		}
		sealed := make([]byte, len(payload))
		copy(sealed, payload)
		opts.AESTags = c.cipher.SealPayload(nonce, sealed)
		opts.AESNonce = &nonce
		payload = sealed
	}
	var res object.PutResult
	err := c.caller.Call(ctx, "put_opts", handlers.PutOptsRequest{Path: path, Payload: payload, Opts: opts}, &res)
	return res, err
}

// Delete removes the object at path.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.caller.Call(ctx, "delete", handlers.PathRequest{Path: path}, nil)
}

// Copy duplicates from onto to, replacing to.
func (c *Client) Copy(ctx context.Context, from, to string) error {
	return c.caller.Call(ctx, "copy", handlers.FromToRequest{From: from, To: to}, nil)
}

// CopyIfNotExists is Copy failing with AlreadyExists when to exists.
func (c *Client) CopyIfNotExists(ctx context.Context, from, to string) error {
	return c.caller.Call(ctx, "copy_if_not_exists", handlers.FromToRequest{From: from, To: to}, nil)
}

// Rename moves from onto to, replacing to.
func (c *Client) Rename(ctx context.Context, from, to string) error {
	return c.caller.Call(ctx, "rename", handlers.FromToRequest{From: from, To: to}, nil)
}

// RenameIfNotExists is Rename failing with AlreadyExists when to exists.
func (c *Client) RenameIfNotExists(ctx context.Context, from, to string) error {
	return c.caller.Call(ctx, "rename_if_not_exists", handlers.FromToRequest{From: from, To: to}, nil)
}

// CreateMultipart starts an upload at path.
func (c *Client) CreateMultipart(ctx context.Context, path string) (object.MultipartID, error) {
	var res handlers.IDResponse
	err := c.caller.Call(ctx, "create_multipart", handlers.PathRequest{Path: path}, &res)
	return res.ID, err
}

// PutPart sends one part as is. Encryption is the caller's job here; see
// PutMultipart for the sealing writer.
func (c *Client) PutPart(ctx context.Context, path string, id object.MultipartID, idx uint32, payload []byte) (object.PartID, error) {
	var res object.PartID
	err := c.caller.Call(ctx, "put_part", handlers.PutPartRequest{Path: path, ID: id, PartIdx: idx, Payload: payload}, &res)
	return res, err
}

// CompleteMultipart commits the upload.
func (c *Client) CompleteMultipart(ctx context.Context, path string, id object.MultipartID, opts object.PutMultipartOpts) (object.PutResult, error) {
	var res object.PutResult
	err := c.caller.Call(ctx, "complete_multipart", handlers.CompleteMultipartRequest{Path: path, ID: id, Opts: opts}, &res)
	return res, err
}

// AbortMultipart discards the upload.
func (c *Client) AbortMultipart(ctx context.Context, path string, id object.MultipartID) error {
	return c.caller.Call(ctx, "abort_multipart", handlers.MultipartRequest{Path: path, ID: id}, nil)
}

// GetPart returns stored chunk idx without decrypting it.
func (c *Client) GetPart(ctx context.Context, path string, idx uint32) ([]byte, error) {
	var res handlers.PayloadResponse
	err := c.caller.Call(ctx, "get_part", handlers.GetPartRequest{Path: path, PartIdx: idx}, &res)
	return res.Payload, err
}

// Head returns the metadata of path.
func (c *Client) Head(ctx context.Context, path string) (object.ObjectMeta, error) {
	var res object.ObjectMeta
	err := c.caller.Call(ctx, "head", handlers.PathRequest{Path: path}, &res)
	return res, err
}

// Get returns the whole object at path.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	res, err := c.GetOpts(ctx, path, object.GetOptions{})
	return res.Payload, err
}

// List returns up to MaxListLimit objects below prefix. "" lists from the
// root.
func (c *Client) List(ctx context.Context, prefix string) ([]object.ObjectMeta, error) {
	var res handlers.ObjectsResponse
	err := c.caller.Call(ctx, "list", handlers.ListRequest{Prefix: optional(prefix)}, &res)
	return res.Objects, err
}

// ListWithOffset lists objects below prefix that sort after offset.
func (c *Client) ListWithOffset(ctx context.Context, prefix, offset string) ([]object.ObjectMeta, error) {
	var res handlers.ObjectsResponse
	err := c.caller.Call(ctx, "list_with_offset", handlers.ListWithOffsetRequest{Prefix: optional(prefix), Offset: offset}, &res)
	return res.Objects, err
}

// ListWithDelimiter lists the direct children of prefix.
func (c *Client) ListWithDelimiter(ctx context.Context, prefix string) (object.ListResult, error) {
	var res object.ListResult
	err := c.caller.Call(ctx, "list_with_delimiter", handlers.ListRequest{Prefix: optional(prefix)}, &res)
	return res, err
}

// GetState returns the engine state.
func (c *Client) GetState(ctx context.Context) (object.StateInfo, error) {
	var res object.StateInfo
	err := c.caller.Call(ctx, "get_state", handlers.Empty{}, &res)
	return res, err
}

// IsMember reports whether user is in the "manager" or "auditor" list.
func (c *Client) IsMember(ctx context.Context, kind, user string) (bool, error) {
	var res handlers.MemberResponse
	err := c.caller.Call(ctx, "is_member", handlers.IsMemberRequest{Kind: kind, User: user}, &res)
	return res.Member, err
}

// AddManagers grants write access to ids.
func (c *Client) AddManagers(ctx context.Context, ids []string) error {
	return c.caller.Call(ctx, "admin_add_managers", handlers.MembersRequest{IDs: ids}, nil)
}

// RemoveManagers revokes write access from ids.
func (c *Client) RemoveManagers(ctx context.Context, ids []string) error {
	return c.caller.Call(ctx, "admin_remove_managers", handlers.MembersRequest{IDs: ids}, nil)
}

// AddAuditors grants read access to ids.
func (c *Client) AddAuditors(ctx context.Context, ids []string) error {
	return c.caller.Call(ctx, "admin_add_auditors", handlers.MembersRequest{IDs: ids}, nil)
}

// RemoveAuditors revokes read access from ids.
func (c *Client) RemoveAuditors(ctx context.Context, ids []string) error {
	return c.caller.Call(ctx, "admin_remove_auditors", handlers.MembersRequest{IDs: ids}, nil)
}

// Clear removes every object.
func (c *Client) Clear(ctx context.Context) error {
	return c.caller.Call(ctx, "admin_clear", handlers.Empty{}, nil)
}

// ValidateAdmin dry-runs admin operation op ("admin_add_managers" and so
// on) against ids.
func (c *Client) ValidateAdmin(ctx context.Context, op string, ids []string) error {
	var res handlers.StatusResponse
	return c.caller.Call(ctx, "validate_"+op, handlers.MembersRequest{IDs: ids}, &res)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
