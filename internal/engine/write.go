package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"

	storeerr "github.com/bleepstore/chunkvault/internal/errors"
	"github.com/bleepstore/chunkvault/internal/metadata"
	"github.com/bleepstore/chunkvault/internal/object"
)

// lookup returns the location entry of path.
func (e *Engine) lookup(ctx context.Context, path string) (metadata.LocationEntry, bool, error) {
	entry, ok, err := e.locations.Get(ctx, path)
	if err != nil {
		return entry, false, fmt.Errorf("reading location %q: %w", path, err)
	}
	return entry, ok, nil
}

// committed returns the entry of a visible object at path, failing with
// NotFound or Precondition("upload not completed").
func (e *Engine) committed(ctx context.Context, path string) (metadata.LocationEntry, error) {
	entry, ok, err := e.lookup(ctx, path)
	if err != nil {
		return entry, err
	}
	if !ok {
		return entry, storeerr.NotFound(path)
	}
	if !entry.State.IsCommitted() {
		return entry, storeerr.Precondition(path, "upload not completed")
	}
	return entry, nil
}

// writeChunks stores payload as ChunkSize pieces under id.
func (e *Engine) writeChunks(ctx context.Context, id uint64, payload []byte) error {
	for idx := 0; len(payload) > 0; idx++ {
		n := min(len(payload), object.ChunkSize)
		if err := e.chunks.PutChunk(ctx, id, uint32(idx), payload[:n]); err != nil {
			return fmt.Errorf("writing chunk %d of %d: %w", idx, id, err)
		}
		payload = payload[n:]
	}
	return nil
}

// dropObject removes the metadata and every chunk of id.
func (e *Engine) dropObject(ctx context.Context, id uint64) error {
	if err := e.objects.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting object %d: %w", id, err)
	}
	if err := e.chunks.DeleteChunks(ctx, id, 0); err != nil {
		return fmt.Errorf("deleting chunks of %d: %w", id, err)
	}
	return nil
}

// PutOpts stores payload at path according to opts.Mode.
func (e *Engine) PutOpts(ctx context.Context, path string, payload []byte, opts object.PutOptions) (object.PutResult, error) {
	size := uint64(len(payload))
	attrs, err := opts.Attributes.Normalize()
	if err != nil {
		return object.PutResult{}, storeerr.Generic("%v", err)
	}
	rec := &metadata.ObjectRecord{
		LastModified: e.nowMillis(),
		Size:         size,
		Tags:         opts.Tags,
		Attributes:   attrs,
		AESNonce:     opts.AESNonce,
		AESTags:      opts.AESTags,
	}
	if opts.AESTags != nil {
		parts := object.ChunkCount(size)
		if uint64(len(opts.AESTags)) != parts {
			return object.PutResult{}, storeerr.Preconditionf(path, "aes_tags size %d does not match parts %d", len(opts.AESTags), parts)
		}
	}

	prev, exists, err := e.lookup(ctx, path)
	if err != nil {
		return object.PutResult{}, err
	}

	var (
		id      uint64
		reuse   bool
		version *string
	)
	switch opts.Mode.Kind {
	case object.ModeOverwrite, "":
		if exists && prev.State.IsCommitted() {
			id, reuse = prev.ID, true
		}
	case object.ModeCreate:
		if exists {
			return object.PutResult{}, storeerr.AlreadyExists(path)
		}
	case object.ModeUpdate:
		if !exists {
			return object.PutResult{}, storeerr.Precondition(path, "NotFound: object not found")
		}
		if opts.Mode.ETag == nil {
			return object.PutResult{}, storeerr.Generic("e_tag required for conditional update")
		}
		current := object.FormatETag(prev.ID)
		if current != *opts.Mode.ETag {
			return object.PutResult{}, storeerr.Preconditionf(path, "%s does not match %s", current, *opts.Mode.ETag)
		}
		version = opts.Mode.Version
		rec.Version = version
	default:
		return object.PutResult{}, storeerr.Generic("unknown put mode %q", opts.Mode.Kind)
	}

	if !reuse {
		if id, err = e.allocateID(ctx); err != nil {
			return object.PutResult{}, err
		}
	}

	if err := e.writeChunks(ctx, id, payload); err != nil {
		return object.PutResult{}, err
	}
	if reuse {
		// Drop trailing chunks of the longer previous payload.
		if err := e.chunks.DeleteChunks(ctx, id, uint32(object.ChunkCount(size))); err != nil {
			return object.PutResult{}, fmt.Errorf("trimming chunks of %d: %w", id, err)
		}
	}
	if err := e.objects.Put(ctx, id, rec); err != nil {
		return object.PutResult{}, fmt.Errorf("writing object %d: %w", id, err)
	}
	if err := e.locations.Put(ctx, path, metadata.LocationEntry{ID: id, State: metadata.Committed(size)}); err != nil {
		return object.PutResult{}, fmt.Errorf("writing location %q: %w", path, err)
	}
	if exists && !reuse {
		if err := e.dropObject(ctx, prev.ID); err != nil {
			return object.PutResult{}, err
		}
	}

	e.logger.Debug("object stored", "path", path, "etag", id, "mode", opts.Mode.Kind, "size", humanize.IBytes(size))
	etag := object.FormatETag(id)
	return object.PutResult{ETag: &etag, Version: version}, nil
}

// Delete removes path and its data. Deleting an absent path succeeds.
func (e *Engine) Delete(ctx context.Context, path string) error {
	entry, ok, err := e.lookup(ctx, path)
	if err != nil || !ok {
		return err
	}
	if err := e.locations.Delete(ctx, path); err != nil {
		return fmt.Errorf("deleting location %q: %w", path, err)
	}
	if err := e.dropObject(ctx, entry.ID); err != nil {
		return err
	}
	e.logger.Debug("object deleted", "path", path, "etag", entry.ID)
	return nil
}

// Copy duplicates from under a fresh id at to, replacing anything there.
func (e *Engine) Copy(ctx context.Context, from, to string) error {
	return e.copyObject(ctx, from, to, false)
}

// CopyIfNotExists is Copy failing with AlreadyExists when to is taken.
func (e *Engine) CopyIfNotExists(ctx context.Context, from, to string) error {
	return e.copyObject(ctx, from, to, true)
}

func (e *Engine) copyObject(ctx context.Context, from, to string, exclusive bool) error {
	if from == to {
		return storeerr.Precondition(to, "location 'to' is equal to 'from'")
	}
	src, err := e.committed(ctx, from)
	if err != nil {
		return err
	}
	prev, exists, err := e.lookup(ctx, to)
	if err != nil {
		return err
	}
	if exists && exclusive {
		return storeerr.AlreadyExists(to)
	}

	rec, err := e.objects.Get(ctx, src.ID)
	if err != nil {
		return fmt.Errorf("reading object %d: %w", src.ID, err)
	}
	id, err := e.allocateID(ctx)
	if err != nil {
		return err
	}
	if err := e.chunks.CopyChunks(ctx, src.ID, id, uint32(object.ChunkCount(src.State.Size))); err != nil {
		return fmt.Errorf("copying chunks of %d: %w", src.ID, err)
	}
	if err := e.objects.Put(ctx, id, rec.Clone()); err != nil {
		return fmt.Errorf("writing object %d: %w", id, err)
	}
	if err := e.locations.Put(ctx, to, metadata.LocationEntry{ID: id, State: src.State}); err != nil {
		return fmt.Errorf("writing location %q: %w", to, err)
	}
	if exists {
		if err := e.dropObject(ctx, prev.ID); err != nil {
			return err
		}
	}
	e.logger.Debug("object copied", "from", from, "to", to, "etag", id)
	return nil
}

// Rename re-points from's entry to to, replacing anything there.
func (e *Engine) Rename(ctx context.Context, from, to string) error {
	return e.renameObject(ctx, from, to, false)
}

// RenameIfNotExists is Rename failing with AlreadyExists when to is taken.
func (e *Engine) RenameIfNotExists(ctx context.Context, from, to string) error {
	return e.renameObject(ctx, from, to, true)
}

func (e *Engine) renameObject(ctx context.Context, from, to string, exclusive bool) error {
	if from == to {
		return storeerr.Precondition(to, "location 'to' is equal to 'from'")
	}
	src, err := e.committed(ctx, from)
	if err != nil {
		return err
	}
	prev, exists, err := e.lookup(ctx, to)
	if err != nil {
		return err
	}
	if exists && exclusive {
		return storeerr.AlreadyExists(to)
	}

	if err := e.locations.Put(ctx, to, src); err != nil {
		return fmt.Errorf("writing location %q: %w", to, err)
	}
	if err := e.locations.Delete(ctx, from); err != nil {
		return fmt.Errorf("deleting location %q: %w", from, err)
	}
	if exists {
		if err := e.dropObject(ctx, prev.ID); err != nil {
			return err
		}
	}
	e.logger.Debug("object renamed", "from", from, "to", to, "etag", src.ID)
	return nil
}

// isNotFound reports whether err is a missing KV record.
func isNotFound(err error) bool {
	return errors.Is(err, metadata.ErrKeyNotFound)
}
