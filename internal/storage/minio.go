package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/bleepstore/chunkvault/internal/config"
)

// MinIOChunkStore implements ChunkStore on any S3-compatible endpoint
// through the MinIO client.
type MinIOChunkStore struct {
	// Bucket is the upstream bucket name.
	Bucket string
	// Prefix is the key prefix for all chunks in the bucket.
	Prefix string
	client *minio.Client
}

// NewMinIOChunkStore connects to cfg.Endpoint with static credentials and
// path-style addressing.
func NewMinIOChunkStore(ctx context.Context, cfg *config.MinIOConfig) (*MinIOChunkStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("creating MinIO client: %w", err)
	}

	b := NewMinIOChunkStoreWithClient(cfg.Bucket, cfg.Prefix, client)
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access upstream bucket %q: %w", cfg.Bucket, err)
	}

	slog.Info("MinIO chunk store initialized", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket, "prefix", cfg.Prefix)
	return b, nil
}

// NewMinIOChunkStoreWithClient wraps a pre-configured MinIO client.
func NewMinIOChunkStoreWithClient(bucket, prefix string, client *minio.Client) *MinIOChunkStore {
	return &MinIOChunkStore{Bucket: bucket, Prefix: prefix, client: client}
}

func (b *MinIOChunkStore) PutChunk(ctx context.Context, id uint64, idx uint32, data []byte) error {
	_, err := b.client.PutObject(ctx, b.Bucket, chunkName(b.Prefix, id, idx),
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("uploading chunk: %w", err)
	}
	return nil
}

func (b *MinIOChunkStore) GetChunk(ctx context.Context, id uint64, idx uint32) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.Bucket, chunkName(b.Prefix, id, idx), minio.GetObjectOptions{})
	if err != nil {
		if isMinIONotFound(err) {
			return nil, ErrChunkNotFound
		}
		return nil, fmt.Errorf("getting chunk: %w", err)
	}
	defer obj.Close()

	// GetObject is lazy; a missing key surfaces on the first read.
	data, err := io.ReadAll(obj)
	if err != nil {
		if isMinIONotFound(err) {
			return nil, ErrChunkNotFound
		}
		return nil, fmt.Errorf("reading chunk: %w", err)
	}
	return data, nil
}

func (b *MinIOChunkStore) ChunkSize(ctx context.Context, id uint64, idx uint32) (int64, error) {
	info, err := b.client.StatObject(ctx, b.Bucket, chunkName(b.Prefix, id, idx), minio.StatObjectOptions{})
	if err != nil {
		if isMinIONotFound(err) {
			return 0, ErrChunkNotFound
		}
		return 0, fmt.Errorf("stat chunk: %w", err)
	}
	return info.Size, nil
}

func (b *MinIOChunkStore) DeleteChunks(ctx context.Context, id uint64, from uint32) error {
	dir := chunkDir(b.Prefix, id)
	opts := minio.ListObjectsOptions{Prefix: dir, Recursive: true}
	if from > 0 {
		opts.StartAfter = chunkName(b.Prefix, id, from-1)
	}
	for obj := range b.client.ListObjects(ctx, b.Bucket, opts) {
		if obj.Err != nil {
			return fmt.Errorf("listing chunks of %d: %w", id, obj.Err)
		}
		idx, ok := parseChunkIndex(dir, obj.Key)
		if !ok || idx < from {
			continue
		}
		err := b.client.RemoveObject(ctx, b.Bucket, obj.Key, minio.RemoveObjectOptions{})
		if err != nil && !isMinIONotFound(err) {
			return fmt.Errorf("deleting chunk %s: %w", obj.Key, err)
		}
	}
	return nil
}

// CopyChunks uses server-side CopyObject.
func (b *MinIOChunkStore) CopyChunks(ctx context.Context, src, dst uint64, count uint32) error {
	for idx := uint32(0); idx < count; idx++ {
		_, err := b.client.CopyObject(ctx,
			minio.CopyDestOptions{Bucket: b.Bucket, Object: chunkName(b.Prefix, dst, idx)},
			minio.CopySrcOptions{Bucket: b.Bucket, Object: chunkName(b.Prefix, src, idx)},
		)
		if err != nil {
			if isMinIONotFound(err) {
				return fmt.Errorf("chunk %d of %d: %w", idx, src, ErrChunkNotFound)
			}
			return fmt.Errorf("copying chunk: %w", err)
		}
	}
	return nil
}

// HealthCheck verifies that the bucket exists.
func (b *MinIOChunkStore) HealthCheck(ctx context.Context) error {
	ok, err := b.client.BucketExists(ctx, b.Bucket)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %q does not exist", b.Bucket)
	}
	return nil
}

func isMinIONotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

var _ ChunkStore = (*MinIOChunkStore)(nil)
