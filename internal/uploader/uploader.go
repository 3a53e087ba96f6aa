// Package uploader streams large objects into chunkvault as multipart
// uploads with bounded concurrency and resume, and downloads them back in
// parallel ranged windows.
package uploader

import (
	"context"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"log/slog"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/dustin/go-humanize"
	"golang.org/x/crypto/sha3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/bleepstore/chunkvault/internal/client"
	"github.com/bleepstore/chunkvault/internal/encryption"
	storeerr "github.com/bleepstore/chunkvault/internal/errors"
	"github.com/bleepstore/chunkvault/internal/object"
)

const (
	// DefaultConcurrency is the number of parts in flight when Concurrency
	// is unset.
	DefaultConcurrency = 16
	// MaxConcurrency caps Concurrency.
	MaxConcurrency = 64
)

// HashAttribute is the metadata attribute holding the hex SHA3-256 of the
// plaintext, set on every committed upload.
var HashAttribute = object.MetadataKey("sha3-256")

// ChecksumError is returned when a part acknowledgment does not match the
// bytes that were sent.
type ChecksumError = client.ChecksumError

// Uploader drives multipart uploads through a Client.
type Uploader struct {
	Client *client.Client
	// Concurrency bounds in-flight put_part calls, 1..64. Zero means
	// DefaultConcurrency.
	Concurrency int
	// RateLimit caps outgoing part bytes per second. Zero disables it.
	RateLimit int
	Logger    *slog.Logger
}

// UploadOptions configures one upload.
type UploadOptions struct {
	// Resume continues a failed upload. The reader must yield the same bytes
	// from the start; frames already in Resume.UploadedChunks are not sent.
	Resume     *UploadResult
	Attributes object.Attributes
	Tags       string
}

// UploadResult describes an upload. It is safe to read once the progress
// channel has been closed, and can be passed back as UploadOptions.Resume.
type UploadResult struct {
	Path string
	ID   object.MultipartID
	// Uploaded counts bytes accounted so far, including skipped frames.
	Uploaded       uint64
	UploadedChunks *roaring.Bitmap
	Nonce          *object.Nonce
	Tags           map[uint32]object.Tag
	// Hash is the hex SHA3-256 of the plaintext, set on success.
	Hash string
	// ETag is the committed object etag, set on success.
	ETag string
	Err  error
}

// Progress is one upload event. Exactly one event has Done or Err set and
// it is the last event before the channel closes.
type Progress struct {
	// Part is the index of the frame this event accounts for.
	Part uint32
	// Filled is the running total of accounted bytes.
	Filled uint64
	// Skipped marks a frame that was already uploaded.
	Skipped bool
	Done    bool
	Err     error
}

func (u *Uploader) concurrency() int {
	switch {
	case u.Concurrency <= 0:
		return DefaultConcurrency
	case u.Concurrency > MaxConcurrency:
		return MaxConcurrency
	default:
		return u.Concurrency
	}
}

func (u *Uploader) logger() *slog.Logger {
	if u.Logger != nil {
		return u.Logger
	}
	return slog.Default()
}

func (u *Uploader) limiter() *rate.Limiter {
	if u.RateLimit <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(u.RateLimit), max(u.RateLimit, object.ChunkSize))
}

// Upload streams r to path in the background. The returned channel must be
// drained; it closes after the terminal event.
func (u *Uploader) Upload(ctx context.Context, path string, r io.Reader, opts UploadOptions) (*UploadResult, <-chan Progress) {
	res := &UploadResult{Path: path, Tags: make(map[uint32]object.Tag)}
	events := make(chan Progress, u.concurrency())
	go func() {
		defer close(events)
		job := &upload{u: u, res: res, events: events}
		err := job.run(ctx, r, opts)
		job.mu.Lock()
		defer job.mu.Unlock()
		if err != nil {
			res.Err = err
			u.logger().Warn("upload failed", "path", path, "id", res.ID,
				"uploaded", humanize.IBytes(res.Uploaded), "error", err)
			events <- Progress{Filled: res.Uploaded, Err: err}
			return
		}
		u.logger().Info("upload committed", "path", path, "etag", res.ETag,
			"size", humanize.IBytes(res.Uploaded))
		events <- Progress{Filled: res.Uploaded, Done: true}
	}()
	return res, events
}

// upload is the state of one running Upload.
type upload struct {
	u      *Uploader
	res    *UploadResult
	events chan<- Progress

	mu sync.Mutex
}

// account records a finished frame and reports it.
func (j *upload) account(idx uint32, n int, skipped bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.res.Uploaded += uint64(n)
	j.res.UploadedChunks.Add(idx)
	j.events <- Progress{Part: idx, Filled: j.res.Uploaded, Skipped: skipped}
}

func (j *upload) run(ctx context.Context, r io.Reader, opts UploadOptions) error {
	c := j.u.Client
	if err := j.begin(ctx, opts.Resume); err != nil {
		return err
	}
	skip := roaring.New()
	if opts.Resume != nil && opts.Resume.UploadedChunks != nil {
		skip = opts.Resume.UploadedChunks.Clone()
	}
	j.res.UploadedChunks = roaring.New()

	sem := semaphore.NewWeighted(int64(j.u.concurrency()))
	limiter := j.u.limiter()
	g, gctx := errgroup.WithContext(ctx)
	hasher := sha3.New256()

	var (
		idx     uint32
		readErr error
	)
	for ; ; idx++ {
		frame, err := readFrame(r)
		if err != nil {
			readErr = storeerr.Generic("reading frame %d: %v", idx, err)
			break
		}
		if len(frame) == 0 {
			break
		}
		if idx >= object.MaxParts {
			readErr = storeerr.Preconditionf(j.res.Path, "part index %d exceeds max index %d", idx, object.MaxParts-1)
			break
		}
		hasher.Write(frame)
		n := len(frame)
		if j.res.Nonce != nil {
			tag := c.Cipher().SealChunk(*j.res.Nonce, frame)
			j.mu.Lock()
			j.res.Tags[idx] = tag
			j.mu.Unlock()
		}
		if skip.Contains(idx) {
			j.account(idx, n, true)
			continue
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			readErr = err
			break
		}
		part := idx
		g.Go(func() error {
			defer sem.Release(1)
			if limiter != nil {
				if err := limiter.WaitN(gctx, n); err != nil {
					return err
				}
			}
			ack, err := c.PutPart(gctx, j.res.Path, j.res.ID, part, frame)
			if err != nil {
				return err
			}
			if err := client.VerifyPart(part, frame, ack); err != nil {
				return err
			}
			j.account(part, n, false)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if readErr != nil {
		return readErr
	}
	return j.commit(ctx, idx, hasher, opts)
}

// begin creates the upload or adopts the resumed one.
func (j *upload) begin(ctx context.Context, resume *UploadResult) error {
	c := j.u.Client
	if resume != nil {
		if resume.ID == "" {
			return storeerr.Precondition(j.res.Path, "resume result carries no upload id")
		}
		if c.Encrypted() && resume.Nonce == nil {
			return storeerr.Generic("missing AES256 nonce")
		}
		j.res.ID = resume.ID
		j.res.Nonce = resume.Nonce
		return nil
	}
	id, err := c.CreateMultipart(ctx, j.res.Path)
	if err != nil {
		return err
	}
	j.res.ID = id
	if c.Encrypted() {
		nonce, err := encryption.RandomNonce()
		if err != nil {
			return storeerr.Generic("%v", err)
		}
		j.res.Nonce = &nonce
	}
	j.u.logger().Debug("upload started", "path", j.res.Path, "id", id)
	return nil
}

// commit completes the upload with the content hash attribute and the
// ordered chunk tags.
func (j *upload) commit(ctx context.Context, parts uint32, hasher hash.Hash, opts UploadOptions) error {
	sum := hex.EncodeToString(hasher.Sum(nil))
	mopts := object.PutMultipartOpts{
		Tags:       opts.Tags,
		Attributes: opts.Attributes.Clone().Set(HashAttribute, sum),
	}
	if j.res.Nonce != nil {
		mopts.AESNonce = j.res.Nonce
		mopts.AESTags = make([]object.Tag, parts)
		for i := range mopts.AESTags {
			mopts.AESTags[i] = j.res.Tags[uint32(i)]
		}
	}
	put, err := j.u.Client.CompleteMultipart(ctx, j.res.Path, j.res.ID, mopts)
	if err != nil {
		return err
	}
	j.mu.Lock()
	j.res.Hash = sum
	if put.ETag != nil {
		j.res.ETag = *put.ETag
	}
	j.mu.Unlock()
	return nil
}

// readFrame reads up to ChunkSize bytes. A short frame is only returned at
// the end of r.
func readFrame(r io.Reader) ([]byte, error) {
	buf := make([]byte, object.ChunkSize)
	n, err := io.ReadFull(r, buf)
	switch {
	case err == nil, errors.Is(err, io.ErrUnexpectedEOF):
		return buf[:n], nil
	case errors.Is(err, io.EOF):
		return nil, nil
	default:
		return nil, err
	}
}
