package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bleepstore/chunkvault/internal/uid"
)

// LocalBackend implements ChunkStore on the local filesystem. Each chunk is
// a file at {root}/{id[0:2]}/{id}/{idx}, the leading shard keeping
// directory fan-out bounded.
type LocalBackend struct {
	// RootDir is the base directory under which chunks are stored.
	RootDir string
}

// NewLocalBackend creates a LocalBackend rooted at rootDir, creating the
// root and temp directories as needed and removing leftovers from
// interrupted writes.
func NewLocalBackend(rootDir string) (*LocalBackend, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root directory %q: %w", rootDir, err)
	}
	tmpDir := filepath.Join(rootDir, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory %q: %w", tmpDir, err)
	}
	b := &LocalBackend{RootDir: rootDir}
	if err := b.CleanTempFiles(); err != nil {
		return nil, err
	}
	return b, nil
}

// CleanTempFiles removes all files in the .tmp directory. Temp files left
// behind indicate incomplete writes from a previous crash.
func (b *LocalBackend) CleanTempFiles() error {
	tmpDir := filepath.Join(b.RootDir, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

func (b *LocalBackend) objectDir(id uint64) string {
	hexID := fmt.Sprintf("%016x", id)
	return filepath.Join(b.RootDir, hexID[14:], hexID)
}

func (b *LocalBackend) chunkPath(id uint64, idx uint32) string {
	return filepath.Join(b.objectDir(id), fmt.Sprintf("%08x", idx))
}

func (b *LocalBackend) tempPath() string {
	return filepath.Join(b.RootDir, ".tmp", "tmp-"+uid.New())
}

// PutChunk writes the chunk with the crash-only pattern: write to a temp
// file, fsync, rename.
func (b *LocalBackend) PutChunk(ctx context.Context, id uint64, idx uint32, data []byte) error {
	final := b.chunkPath(id, idx)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return fmt.Errorf("creating chunk directory: %w", err)
	}

	tmpPath := b.tempPath()
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing chunk data: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file to final path: %w", err)
	}
	return nil
}

func (b *LocalBackend) GetChunk(ctx context.Context, id uint64, idx uint32) ([]byte, error) {
	data, err := os.ReadFile(b.chunkPath(id, idx))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrChunkNotFound
		}
		return nil, fmt.Errorf("reading chunk %d/%d: %w", id, idx, err)
	}
	return data, nil
}

func (b *LocalBackend) ChunkSize(ctx context.Context, id uint64, idx uint32) (int64, error) {
	info, err := os.Stat(b.chunkPath(id, idx))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrChunkNotFound
		}
		return 0, fmt.Errorf("stat chunk %d/%d: %w", id, idx, err)
	}
	return info.Size(), nil
}

func (b *LocalBackend) DeleteChunks(ctx context.Context, id uint64, from uint32) error {
	dir := b.objectDir(id)
	if from == 0 {
		if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing chunk directory %q: %w", dir, err)
		}
		cleanEmptyParents(filepath.Dir(dir), b.RootDir)
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading chunk directory %q: %w", dir, err)
	}
	for _, e := range entries {
		idx, ok := parseChunkIndex("", e.Name())
		if !ok || idx < from {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing chunk %d/%d: %w", id, idx, err)
		}
	}
	return nil
}

func (b *LocalBackend) CopyChunks(ctx context.Context, src, dst uint64, count uint32) error {
	return copyByReading(ctx, b, src, dst, count)
}

// HealthCheck verifies that the storage root directory is accessible.
func (b *LocalBackend) HealthCheck(ctx context.Context) error {
	_, err := os.Stat(b.RootDir)
	return err
}

// cleanEmptyParents removes empty directories starting from dir up to (but
// not including) stopAt.
func cleanEmptyParents(dir, stopAt string) {
	dir = filepath.Clean(dir)
	stopAt = filepath.Clean(stopAt)

	for dir != stopAt && strings.HasPrefix(dir, stopAt) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
}

var _ ChunkStore = (*LocalBackend)(nil)
