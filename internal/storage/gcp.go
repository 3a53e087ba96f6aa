package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSAPI is the subset of the GCS client used by GCPChunkStore. Tests
// substitute a mock.
type GCSAPI interface {
	// NewWriter returns a writer for the given GCS object.
	NewWriter(ctx context.Context, bucket, object string) io.WriteCloser
	// NewReader returns a reader for the given GCS object.
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	// Delete deletes the given GCS object.
	Delete(ctx context.Context, bucket, object string) error
	// Size returns the size of the given GCS object.
	Size(ctx context.Context, bucket, object string) (int64, error)
	// Copy copies a GCS object from src to dst within the same bucket.
	Copy(ctx context.Context, bucket, srcObject, dstObject string) error
	// ListObjects lists object names with the given prefix, in name order.
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	return c.client.Bucket(bucket).Object(object).NewWriter(ctx)
}

func (c *realGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewReader(ctx)
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) Size(ctx context.Context, bucket, object string) (int64, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return 0, err
	}
	return attrs.Size, nil
}

func (c *realGCSClient) Copy(ctx context.Context, bucket, srcObject, dstObject string) error {
	src := c.client.Bucket(bucket).Object(srcObject)
	dst := c.client.Bucket(bucket).Object(dstObject)
	_, err := dst.CopierFrom(src).Run(ctx)
	return err
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// GCPChunkStore implements ChunkStore on a Google Cloud Storage bucket.
type GCPChunkStore struct {
	// Bucket is the upstream GCS bucket name.
	Bucket string
	// Project is the GCP project ID.
	Project string
	// Prefix is the name prefix for all chunks in the bucket.
	Prefix string
	client GCSAPI
}

// NewGCPChunkStore creates a GCPChunkStore using Application Default
// Credentials, or credentialsFile when set.
func NewGCPChunkStore(ctx context.Context, bucket, project, prefix, credentialsFile string) (*GCPChunkStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	b := NewGCPChunkStoreWithClient(bucket, project, prefix, &realGCSClient{client: client})

	// Verify the upstream bucket is accessible.
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access upstream GCS bucket %q: %w", bucket, err)
	}

	slog.Info("GCP chunk store initialized", "bucket", bucket, "project", project, "prefix", prefix)
	return b, nil
}

// NewGCPChunkStoreWithClient wraps a pre-configured GCS client.
func NewGCPChunkStoreWithClient(bucket, project, prefix string, client GCSAPI) *GCPChunkStore {
	return &GCPChunkStore{
		Bucket:  bucket,
		Project: project,
		Prefix:  prefix,
		client:  client,
	}
}

func (b *GCPChunkStore) PutChunk(ctx context.Context, id uint64, idx uint32, data []byte) error {
	w := b.client.NewWriter(ctx, b.Bucket, chunkName(b.Prefix, id, idx))
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("writing chunk to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing chunk in GCS: %w", err)
	}
	return nil
}

func (b *GCPChunkStore) GetChunk(ctx context.Context, id uint64, idx uint32) ([]byte, error) {
	r, err := b.client.NewReader(ctx, b.Bucket, chunkName(b.Prefix, id, idx))
	if err != nil {
		if isGCSNotFound(err) {
			return nil, ErrChunkNotFound
		}
		return nil, fmt.Errorf("opening chunk in GCS: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading chunk from GCS: %w", err)
	}
	return data, nil
}

func (b *GCPChunkStore) ChunkSize(ctx context.Context, id uint64, idx uint32) (int64, error) {
	size, err := b.client.Size(ctx, b.Bucket, chunkName(b.Prefix, id, idx))
	if err != nil {
		if isGCSNotFound(err) {
			return 0, ErrChunkNotFound
		}
		return 0, fmt.Errorf("getting chunk attrs from GCS: %w", err)
	}
	return size, nil
}

func (b *GCPChunkStore) DeleteChunks(ctx context.Context, id uint64, from uint32) error {
	dir := chunkDir(b.Prefix, id)
	names, err := b.client.ListObjects(ctx, b.Bucket, dir)
	if err != nil {
		return fmt.Errorf("listing chunks of %d: %w", id, err)
	}
	for _, name := range names {
		idx, ok := parseChunkIndex(dir, name)
		if !ok || idx < from {
			continue
		}
		if err := b.client.Delete(ctx, b.Bucket, name); err != nil && !isGCSNotFound(err) {
			return fmt.Errorf("deleting chunk %s: %w", name, err)
		}
	}
	return nil
}

// CopyChunks uses GCS server-side copy.
func (b *GCPChunkStore) CopyChunks(ctx context.Context, src, dst uint64, count uint32) error {
	for idx := uint32(0); idx < count; idx++ {
		err := b.client.Copy(ctx, b.Bucket, chunkName(b.Prefix, src, idx), chunkName(b.Prefix, dst, idx))
		if err != nil {
			if isGCSNotFound(err) {
				return fmt.Errorf("chunk %d of %d: %w", idx, src, ErrChunkNotFound)
			}
			return fmt.Errorf("copying chunk in GCS: %w", err)
		}
	}
	return nil
}

// HealthCheck lists a name that never exists to confirm bucket access.
func (b *GCPChunkStore) HealthCheck(ctx context.Context) error {
	_, err := b.client.ListObjects(ctx, b.Bucket, "\x00nonexistent\x00")
	return err
}

// isGCSNotFound checks if a GCS error is a 404/not-found error.
func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return true
	}
	if errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "not found") || strings.Contains(msg, "404") {
			return true
		}
	}
	return false
}

var _ ChunkStore = (*GCPChunkStore)(nil)
