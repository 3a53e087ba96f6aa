// Package storage defines the chunk store interface and its backends.
// A chunk is addressed by (object id, chunk index) and holds at most
// object.ChunkSize bytes.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bleepstore/chunkvault/internal/config"
	"github.com/bleepstore/chunkvault/internal/metadata"
)

// ErrChunkNotFound is returned when a chunk does not exist.
var ErrChunkNotFound = errors.New("storage: chunk not found")

// ChunkStore persists opaque byte chunks. All methods must be safe for
// concurrent use.
type ChunkStore interface {
	// PutChunk stores data at (id, idx), replacing any previous chunk.
	PutChunk(ctx context.Context, id uint64, idx uint32, data []byte) error

	// GetChunk returns the chunk at (id, idx) or ErrChunkNotFound.
	GetChunk(ctx context.Context, id uint64, idx uint32) ([]byte, error)

	// ChunkSize returns the length of the chunk at (id, idx) or
	// ErrChunkNotFound.
	ChunkSize(ctx context.Context, id uint64, idx uint32) (int64, error)

	// DeleteChunks removes every chunk of id whose index is >= from.
	DeleteChunks(ctx context.Context, id uint64, from uint32) error

	// CopyChunks duplicates chunks 0..count-1 of src under dst.
	CopyChunks(ctx context.Context, src, dst uint64, count uint32) error

	// HealthCheck verifies that the backend is operational.
	HealthCheck(ctx context.Context) error
}

// chunkName is the object name of a chunk in blob-style backends.
func chunkName(prefix string, id uint64, idx uint32) string {
	return fmt.Sprintf("%s%016x/%08x", prefix, id, idx)
}

// chunkDir is the name prefix shared by all chunks of id.
func chunkDir(prefix string, id uint64) string {
	return fmt.Sprintf("%s%016x/", prefix, id)
}

// parseChunkIndex extracts the chunk index from a name produced by
// chunkName. ok is false for names that do not belong to dir.
func parseChunkIndex(dir, name string) (uint32, bool) {
	if !strings.HasPrefix(name, dir) {
		return 0, false
	}
	idx, err := strconv.ParseUint(name[len(dir):], 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(idx), true
}

// copyByReading implements CopyChunks for backends without a server-side
// copy primitive.
func copyByReading(ctx context.Context, s ChunkStore, src, dst uint64, count uint32) error {
	for idx := uint32(0); idx < count; idx++ {
		data, err := s.GetChunk(ctx, src, idx)
		if err != nil {
			return fmt.Errorf("reading chunk %d of %d: %w", idx, src, err)
		}
		if err := s.PutChunk(ctx, dst, idx, data); err != nil {
			return fmt.Errorf("writing chunk %d of %d: %w", idx, dst, err)
		}
	}
	return nil
}

// Open builds the ChunkStore selected by cfg.Backend. The kv backend stores
// chunks in kv next to the metadata.
func Open(ctx context.Context, cfg *config.StorageConfig, kv metadata.KVStore) (ChunkStore, error) {
	switch cfg.Backend {
	case "kv":
		return NewKVChunkStore(kv), nil
	case "local":
		return NewLocalBackend(cfg.Local.RootDir)
	case "aws":
		a := cfg.AWS
		return NewAWSChunkStore(ctx, a.Bucket, a.Region, a.Prefix, a.EndpointURL, a.UsePathStyle, a.AccessKeyID, a.SecretAccessKey)
	case "gcp":
		return NewGCPChunkStore(ctx, cfg.GCP.Bucket, cfg.GCP.Project, cfg.GCP.Prefix, cfg.GCP.CredentialsFile)
	case "azure":
		return NewAzureChunkStore(ctx, &cfg.Azure)
	case "minio":
		return NewMinIOChunkStore(ctx, &cfg.MinIO)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
