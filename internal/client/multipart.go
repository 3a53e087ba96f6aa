package client

import (
	"context"
	"fmt"
	"hash/crc32"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bleepstore/chunkvault/internal/encryption"
	storeerr "github.com/bleepstore/chunkvault/internal/errors"
	"github.com/bleepstore/chunkvault/internal/object"
)

// ChecksumError reports a part whose acknowledged CRC-32 differs from the
// CRC-32 of the bytes that were sent.
type ChecksumError struct {
	Part uint32
	Got  uint32
	Want uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("part %d checksum mismatch: server %08x, local %08x", e.Part, e.Got, e.Want)
}

// VerifyPart checks ack against the CRC-32 of the payload sent as part idx.
func VerifyPart(idx uint32, payload []byte, ack object.PartID) error {
	if want := crc32.ChecksumIEEE(payload); ack.Checksum != want {
		return &ChecksumError{Part: idx, Got: ack.Checksum, Want: want}
	}
	return nil
}

// MultipartUploader is an io.Writer that frames writes into ChunkSize parts
// and uploads them concurrently. Call Complete to commit or Abort to
// discard. It is not safe for concurrent Write calls.
type MultipartUploader struct {
	c    *Client
	path string
	id   object.MultipartID
	opts object.PutMultipartOpts

	nonce *object.Nonce
	buf   []byte
	next  uint32

	g    *errgroup.Group
	gctx context.Context

	mu   sync.Mutex
	tags map[uint32]object.Tag

	finished bool
}

// PutMultipart starts an upload at path. opts is sent on Complete; its AES
// fields are filled in by the uploader.
func (c *Client) PutMultipart(ctx context.Context, path string, opts object.PutMultipartOpts) (*MultipartUploader, error) {
	id, err := c.CreateMultipart(ctx, path)
	if err != nil {
		return nil, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.partConcurrency)
	u := &MultipartUploader{
		c:    c,
		path: path,
		id:   id,
		opts: opts,
		buf:  make([]byte, 0, object.ChunkSize),
		g:    g,
		gctx: gctx,
		tags: make(map[uint32]object.Tag),
	}
	if c.cipher != nil {
		nonce, err := encryption.RandomNonce()
		if err != nil {
			return nil, storeerr.Generic("%v", err)
		}
		u.nonce = &nonce
	}
	return u, nil
}

// ID returns the upload id.
func (u *MultipartUploader) ID() object.MultipartID {
	return u.id
}

// Write buffers p and uploads every full part.
func (u *MultipartUploader) Write(p []byte) (int, error) {
	if u.finished {
		return 0, storeerr.Precondition(u.path, "upload already finished")
	}
	if err := u.gctx.Err(); err != nil {
		return 0, u.failure(err)
	}
	written := len(p)
	for len(p) > 0 {
		n := min(object.ChunkSize-len(u.buf), len(p))
		u.buf = append(u.buf, p[:n]...)
		p = p[n:]
		if len(u.buf) == object.ChunkSize {
			if err := u.flush(); err != nil {
				return written - len(p), err
			}
		}
	}
	return written, nil
}

// flush hands the buffered part to the group and starts a new buffer.
func (u *MultipartUploader) flush() error {
	idx := u.next
	if idx >= object.MaxParts {
		return storeerr.Preconditionf(u.path, "part index %d exceeds max index %d", idx, object.MaxParts-1)
	}
	u.next++
	part := u.buf
	u.buf = make([]byte, 0, object.ChunkSize)

	u.g.Go(func() error {
		if u.nonce != nil {
			tag := u.c.cipher.SealChunk(*u.nonce, part)
			u.mu.Lock()
			u.tags[idx] = tag
			u.mu.Unlock()
		}
		ack, err := u.c.PutPart(u.gctx, u.path, u.id, idx, part)
		if err != nil {
			return err
		}
		return VerifyPart(idx, part, ack)
	})
	return nil
}

// failure prefers the first part error over the context error it caused.
func (u *MultipartUploader) failure(err error) error {
	if gerr := u.g.Wait(); gerr != nil {
		return gerr
	}
	return err
}

// Complete uploads the remaining bytes, waits for every part and commits.
func (u *MultipartUploader) Complete(ctx context.Context) (object.PutResult, error) {
	if u.finished {
		return object.PutResult{}, storeerr.Precondition(u.path, "upload already finished")
	}
	u.finished = true
	if len(u.buf) > 0 {
		if err := u.flush(); err != nil {
			u.g.Wait()
			return object.PutResult{}, err
		}
	}
	if err := u.g.Wait(); err != nil {
		return object.PutResult{}, err
	}

	opts := u.opts
	if u.nonce != nil {
		opts.AESNonce = u.nonce
		opts.AESTags = make([]object.Tag, u.next)
		for i := range opts.AESTags {
			opts.AESTags[i] = u.tags[uint32(i)]
		}
	}
	return u.c.CompleteMultipart(ctx, u.path, u.id, opts)
}

// Abort waits for in-flight parts and discards the upload.
func (u *MultipartUploader) Abort(ctx context.Context) error {
	u.finished = true
	_ = u.g.Wait()
	return u.c.AbortMultipart(ctx, u.path, u.id)
}
