package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/bleepstore/chunkvault/internal/metadata"
)

// KVChunkStore keeps chunks in the metadata KVStore under
// "chk/<id>/<idx>". This is the default backend and mirrors a deployment
// where chunks and metadata share one ordered store.
type KVChunkStore struct {
	kv metadata.KVStore
}

// NewKVChunkStore returns a chunk store over kv.
func NewKVChunkStore(kv metadata.KVStore) *KVChunkStore {
	return &KVChunkStore{kv: kv}
}

func (s *KVChunkStore) PutChunk(ctx context.Context, id uint64, idx uint32, data []byte) error {
	if err := s.kv.Put(ctx, metadata.ChunkKey(id, idx), data); err != nil {
		return fmt.Errorf("storing chunk %d/%d: %w", id, idx, err)
	}
	return nil
}

func (s *KVChunkStore) GetChunk(ctx context.Context, id uint64, idx uint32) ([]byte, error) {
	data, err := s.kv.Get(ctx, metadata.ChunkKey(id, idx))
	if errors.Is(err, metadata.ErrKeyNotFound) {
		return nil, ErrChunkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading chunk %d/%d: %w", id, idx, err)
	}
	return data, nil
}

func (s *KVChunkStore) ChunkSize(ctx context.Context, id uint64, idx uint32) (int64, error) {
	data, err := s.GetChunk(ctx, id, idx)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (s *KVChunkStore) DeleteChunks(ctx context.Context, id uint64, from uint32) error {
	prefix := metadata.ChunkKeyPrefix(id)
	var keys []string
	err := s.kv.Scan(ctx, metadata.ChunkKey(id, from), metadata.PrefixEnd(prefix), func(k string, _ []byte) bool {
		keys = append(keys, k)
		return true
	})
	if err != nil {
		return fmt.Errorf("listing chunks of %d: %w", id, err)
	}
	for _, k := range keys {
		if err := s.kv.Delete(ctx, k); err != nil {
			return fmt.Errorf("deleting %s: %w", k, err)
		}
	}
	return nil
}

func (s *KVChunkStore) CopyChunks(ctx context.Context, src, dst uint64, count uint32) error {
	return copyByReading(ctx, s, src, dst, count)
}

func (s *KVChunkStore) HealthCheck(ctx context.Context) error {
	return s.kv.Ping(ctx)
}

var _ ChunkStore = (*KVChunkStore)(nil)
