package client

import (
	"context"
	"errors"
	"io"

	storeerr "github.com/bleepstore/chunkvault/internal/errors"
	"github.com/bleepstore/chunkvault/internal/handlers"
	"github.com/bleepstore/chunkvault/internal/object"
)

var errReaderClosed = errors.New("client: read on closed object reader")

// GetOpts runs a conditional, optionally ranged read. Without a cipher a
// read that fits in one payload is a single call and larger reads are paged
// through get_ranges. With a cipher the metadata is fetched first and the
// covering chunks are fetched, decrypted and trimmed.
func (c *Client) GetOpts(ctx context.Context, path string, opts object.GetOptions) (object.GetResult, error) {
	if c.cipher == nil {
		return c.getOptsPlain(ctx, path, opts)
	}

	head := opts
	head.Head = true
	head.Range = nil
	res, err := c.getOpts(ctx, path, head)
	if err != nil || opts.Head {
		return res, err
	}
	size := res.Meta.Size
	if size == 0 {
		res.Payload = []byte{}
		res.Range = [2]uint64{0, 0}
		return res, nil
	}
	r, err := resolve(path, opts.Range, size)
	if err != nil {
		return object.GetResult{}, err
	}
	cache, err := c.newChunkCache(path, &res.Meta)
	if err != nil {
		return object.GetResult{}, err
	}
	if res.Payload, err = cache.read(ctx, r.Start, r.End); err != nil {
		return object.GetResult{}, err
	}
	res.Range = [2]uint64{r.Start, r.End}
	return res, nil
}

func (c *Client) getOpts(ctx context.Context, path string, opts object.GetOptions) (object.GetResult, error) {
	var res object.GetResult
	err := c.caller.Call(ctx, "get_opts", handlers.GetOptsRequest{Path: path, Opts: opts}, &res)
	return res, err
}

func (c *Client) getOptsPlain(ctx context.Context, path string, opts object.GetOptions) (object.GetResult, error) {
	res, err := c.getOpts(ctx, path, opts)
	if err == nil || !object.IsRangeTooLarge(err) {
		return res, err
	}

	// Preconditions already passed on the server; page the range.
	head := opts
	head.Head = true
	head.Range = nil
	if res, err = c.getOpts(ctx, path, head); err != nil {
		return object.GetResult{}, err
	}
	r, err := resolve(path, opts.Range, res.Meta.Size)
	if err != nil {
		return object.GetResult{}, err
	}
	payload := make([]byte, 0, r.Len())
	for start := r.Start; start < r.End; start += object.MaxPayloadSize {
		end := min(start+object.MaxPayloadSize, r.End)
		parts, err := c.getRanges(ctx, path, [][2]uint64{{start, end}})
		if err != nil {
			return object.GetResult{}, err
		}
		payload = append(payload, parts[0]...)
	}
	res.Payload = payload
	res.Range = [2]uint64{r.Start, r.End}
	return res, nil
}

// GetRanges returns each [start, end) range of path.
func (c *Client) GetRanges(ctx context.Context, path string, ranges [][2]uint64) ([][]byte, error) {
	if c.cipher == nil {
		return c.getRanges(ctx, path, ranges)
	}
	meta, err := c.Head(ctx, path)
	if err != nil {
		return nil, err
	}
	for _, r := range ranges {
		if r[0] >= r[1] || r[1] > meta.Size {
			return nil, storeerr.Preconditionf(path, "invalid range (%d, %d)", r[0], r[1])
		}
	}
	cache, err := c.newChunkCache(path, &meta)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(ranges))
	for _, r := range ranges {
		data, err := cache.read(ctx, r[0], r[1])
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

func (c *Client) getRanges(ctx context.Context, path string, ranges [][2]uint64) ([][]byte, error) {
	var res handlers.PayloadsResponse
	if err := c.caller.Call(ctx, "get_ranges", handlers.GetRangesRequest{Path: path, Ranges: ranges}, &res); err != nil {
		return nil, err
	}
	if len(res.Payloads) != len(ranges) {
		return nil, storeerr.Generic("get_ranges returned %d payloads for %d ranges", len(res.Payloads), len(ranges))
	}
	return res.Payloads, nil
}

// Reader streams [range] of path, holding at most one chunk in memory. A
// nil range reads the whole object.
func (c *Client) Reader(ctx context.Context, path string, rng *object.GetRange) (io.ReadCloser, object.ObjectMeta, error) {
	meta, err := c.Head(ctx, path)
	if err != nil {
		return nil, object.ObjectMeta{}, err
	}
	if meta.Size == 0 {
		return &objectReader{ctx: ctx}, meta, nil
	}
	r, err := resolve(path, rng, meta.Size)
	if err != nil {
		return nil, object.ObjectMeta{}, err
	}
	cache, err := c.newChunkCache(path, &meta)
	if err != nil {
		return nil, object.ObjectMeta{}, err
	}
	return &objectReader{ctx: ctx, cache: cache, pos: r.Start, end: r.End}, meta, nil
}

type objectReader struct {
	ctx    context.Context
	cache  *chunkCache
	pos    uint64
	end    uint64
	closed bool
}

func (r *objectReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, errReaderClosed
	}
	if r.pos >= r.end {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	idx := uint32(r.pos / object.ChunkSize)
	data, err := r.cache.chunk(r.ctx, idx)
	if err != nil {
		return 0, err
	}
	base := uint64(idx) * object.ChunkSize
	off := int(r.pos - base)
	limit := len(data)
	if r.end-base < uint64(limit) {
		limit = int(r.end - base)
	}
	if off >= limit {
		return 0, storeerr.Generic("short chunk %d: %d bytes", idx, len(data))
	}
	n := copy(p, data[off:limit])
	r.pos += uint64(n)
	return n, nil
}

func (r *objectReader) Close() error {
	r.closed = true
	if r.cache != nil {
		r.cache.data = nil
		r.cache.idx = -1
	}
	return nil
}

func resolve(path string, rng *object.GetRange, size uint64) (object.Range, error) {
	if rng == nil {
		return object.Range{Start: 0, End: size}, nil
	}
	r, err := rng.Resolve(size)
	if err != nil {
		return object.Range{}, storeerr.Precondition(path, err.Error())
	}
	return r, nil
}

// chunkCache fetches chunks of one object, decrypting them when the client
// has a cipher, and keeps only the most recent one.
type chunkCache struct {
	c    *Client
	path string
	meta *object.ObjectMeta
	idx  int64
	data []byte
}

func (c *Client) newChunkCache(path string, meta *object.ObjectMeta) (*chunkCache, error) {
	if c.cipher != nil {
		if meta.AESNonce == nil {
			return nil, storeerr.Generic("missing AES256 nonce")
		}
		if meta.AESTags == nil && meta.Size > 0 {
			return nil, storeerr.Generic("missing AES256 tags")
		}
	}
	return &chunkCache{c: c, path: path, meta: meta, idx: -1}, nil
}

func (cc *chunkCache) chunk(ctx context.Context, idx uint32) ([]byte, error) {
	if cc.idx == int64(idx) {
		return cc.data, nil
	}
	data, err := cc.c.GetPart(ctx, cc.path, idx)
	if err != nil {
		return nil, err
	}
	if cc.c.cipher != nil {
		if int(idx) >= len(cc.meta.AESTags) {
			return nil, storeerr.Generic("missing AES256 tag for chunk %d", idx)
		}
		if data, err = cc.c.cipher.OpenChunk(*cc.meta.AESNonce, cc.meta.AESTags[idx], data); err != nil {
			return nil, storeerr.Generic("AES256 decrypt failed: %v", err)
		}
	}
	cc.idx, cc.data = int64(idx), data
	return data, nil
}

// read returns [start, end) assembled from the covering chunks.
func (cc *chunkCache) read(ctx context.Context, start, end uint64) ([]byte, error) {
	out := make([]byte, 0, end-start)
	for _, sp := range object.Spans(start, end) {
		data, err := cc.chunk(ctx, sp.Index)
		if err != nil {
			return nil, err
		}
		if sp.To > len(data) {
			return nil, storeerr.Generic("short chunk %d: %d bytes", sp.Index, len(data))
		}
		out = append(out, data[sp.From:sp.To]...)
	}
	return out, nil
}
