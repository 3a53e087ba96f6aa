package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/dustin/go-humanize"

	storeerr "github.com/bleepstore/chunkvault/internal/errors"
	"github.com/bleepstore/chunkvault/internal/metadata"
	"github.com/bleepstore/chunkvault/internal/object"
	"github.com/bleepstore/chunkvault/internal/storage"
)

// CreateMultipart starts an upload at path and returns its id. The path
// must be free.
func (e *Engine) CreateMultipart(ctx context.Context, path string) (object.MultipartID, error) {
	_, exists, err := e.lookup(ctx, path)
	if err != nil {
		return "", err
	}
	if exists {
		return "", storeerr.AlreadyExists(path)
	}

	id, err := e.allocateID(ctx)
	if err != nil {
		return "", err
	}
	if err := e.objects.Put(ctx, id, &metadata.ObjectRecord{LastModified: e.nowMillis()}); err != nil {
		return "", fmt.Errorf("writing object %d: %w", id, err)
	}
	if err := e.locations.Put(ctx, path, metadata.LocationEntry{ID: id, State: metadata.InProgress(0)}); err != nil {
		return "", fmt.Errorf("writing location %q: %w", path, err)
	}
	e.logger.Debug("multipart upload created", "path", path, "etag", id)
	return object.FormatETag(id), nil
}

// upload returns the in-progress entry at path whose id is id.
func (e *Engine) upload(ctx context.Context, path string, id object.MultipartID) (metadata.LocationEntry, error) {
	entry, ok, err := e.lookup(ctx, path)
	if err != nil {
		return entry, err
	}
	if !ok {
		return entry, storeerr.NotFound(path)
	}
	if object.FormatETag(entry.ID) != id {
		return entry, storeerr.Precondition(path, "NotFound: upload not found")
	}
	if entry.State.IsCommitted() {
		return entry, storeerr.Precondition(path, "upload already completed")
	}
	return entry, nil
}

// PutPart stores part idx of the upload. Parts may arrive in any order and
// a repeated index replaces the earlier payload.
func (e *Engine) PutPart(ctx context.Context, path string, id object.MultipartID, idx uint32, payload []byte) (object.PartID, error) {
	entry, err := e.upload(ctx, path, id)
	if err != nil {
		return object.PartID{}, err
	}
	if err := e.chunks.PutChunk(ctx, entry.ID, idx, payload); err != nil {
		return object.PartID{}, fmt.Errorf("writing part %d of %d: %w", idx, entry.ID, err)
	}
	if idx+1 > entry.State.PartsSeen {
		entry.State = metadata.InProgress(idx + 1)
		if err := e.locations.Put(ctx, path, entry); err != nil {
			return object.PartID{}, fmt.Errorf("writing location %q: %w", path, err)
		}
	}
	return object.PartID{
		ContentID: fmt.Sprintf("%s-%d", id, idx),
		Checksum:  crc32.ChecksumIEEE(payload),
	}, nil
}

// CompleteMultipart commits the upload once every part 0..parts_seen is
// present and every part but the last is exactly ChunkSize.
func (e *Engine) CompleteMultipart(ctx context.Context, path string, id object.MultipartID, opts object.PutMultipartOpts) (object.PutResult, error) {
	entry, err := e.upload(ctx, path, id)
	if err != nil {
		return object.PutResult{}, err
	}
	parts := entry.State.PartsSeen
	if opts.AESTags != nil && uint32(len(opts.AESTags)) != parts {
		return object.PutResult{}, storeerr.Preconditionf(path, "aes_tags size %d does not match parts %d", len(opts.AESTags), parts)
	}
	attrs, err := opts.Attributes.Normalize()
	if err != nil {
		return object.PutResult{}, storeerr.Generic("%v", err)
	}

	var size uint64
	for idx := uint32(0); idx < parts; idx++ {
		n, err := e.chunks.ChunkSize(ctx, entry.ID, idx)
		if errors.Is(err, storage.ErrChunkNotFound) {
			return object.PutResult{}, storeerr.Preconditionf(path, "missing part %d", idx)
		}
		if err != nil {
			return object.PutResult{}, fmt.Errorf("reading part %d of %d: %w", idx, entry.ID, err)
		}
		if idx != parts-1 && n != object.ChunkSize {
			return object.PutResult{}, storeerr.Preconditionf(path, "invalid part size %d at %d", n, idx)
		}
		size += uint64(n)
	}

	rec := &metadata.ObjectRecord{
		LastModified: e.nowMillis(),
		Size:         size,
		Tags:         opts.Tags,
		Attributes:   attrs,
		AESNonce:     opts.AESNonce,
		AESTags:      opts.AESTags,
	}
	if err := e.objects.Put(ctx, entry.ID, rec); err != nil {
		return object.PutResult{}, fmt.Errorf("writing object %d: %w", entry.ID, err)
	}
	if err := e.locations.Put(ctx, path, metadata.LocationEntry{ID: entry.ID, State: metadata.Committed(size)}); err != nil {
		return object.PutResult{}, fmt.Errorf("writing location %q: %w", path, err)
	}

	e.logger.Debug("multipart upload completed", "path", path, "etag", entry.ID, "parts", parts, "size", humanize.IBytes(size))
	etag := object.FormatETag(entry.ID)
	return object.PutResult{ETag: &etag}, nil
}

// AbortMultipart discards the upload and every stored part.
func (e *Engine) AbortMultipart(ctx context.Context, path string, id object.MultipartID) error {
	entry, err := e.upload(ctx, path, id)
	if err != nil {
		return err
	}
	if err := e.locations.Delete(ctx, path); err != nil {
		return fmt.Errorf("deleting location %q: %w", path, err)
	}
	if err := e.dropObject(ctx, entry.ID); err != nil {
		return err
	}
	e.logger.Debug("multipart upload aborted", "path", path, "etag", entry.ID)
	return nil
}
