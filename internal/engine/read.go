package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	storeerr "github.com/bleepstore/chunkvault/internal/errors"
	"github.com/bleepstore/chunkvault/internal/metadata"
	"github.com/bleepstore/chunkvault/internal/object"
	"github.com/bleepstore/chunkvault/internal/storage"
)

// record loads the metadata of a committed entry.
func (e *Engine) record(ctx context.Context, entry metadata.LocationEntry) (*metadata.ObjectRecord, error) {
	rec, err := e.objects.Get(ctx, entry.ID)
	if isNotFound(err) {
		return nil, storeerr.Generic("metadata of object %d is missing", entry.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading object %d: %w", entry.ID, err)
	}
	return rec, nil
}

func objectMeta(path string, id uint64, rec *metadata.ObjectRecord) object.ObjectMeta {
	etag := object.FormatETag(id)
	return object.ObjectMeta{
		Location:     path,
		LastModified: rec.LastModified,
		Size:         rec.Size,
		ETag:         &etag,
		Version:      rec.Version,
		AESNonce:     rec.AESNonce,
		AESTags:      rec.AESTags,
	}
}

// GetPart returns chunk idx of a committed object.
func (e *Engine) GetPart(ctx context.Context, path string, idx uint32) ([]byte, error) {
	entry, err := e.committed(ctx, path)
	if err != nil {
		return nil, err
	}
	if entry.State.Size == 0 && idx == 0 {
		return []byte{}, nil
	}
	data, err := e.chunks.GetChunk(ctx, entry.ID, idx)
	if errors.Is(err, storage.ErrChunkNotFound) {
		return nil, storeerr.Preconditionf("", "missing part %d at %d", idx, entry.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading part %d of %d: %w", idx, entry.ID, err)
	}
	return data, nil
}

// Head returns the metadata of a committed object.
func (e *Engine) Head(ctx context.Context, path string) (object.ObjectMeta, error) {
	entry, err := e.committed(ctx, path)
	if err != nil {
		return object.ObjectMeta{}, err
	}
	rec, err := e.record(ctx, entry)
	if err != nil {
		return object.ObjectMeta{}, err
	}
	return objectMeta(path, entry.ID, rec), nil
}

// GetOpts evaluates the conditional options, then returns the requested
// range. Preconditions are checked before any chunk is read.
func (e *Engine) GetOpts(ctx context.Context, path string, opts object.GetOptions) (object.GetResult, error) {
	entry, err := e.committed(ctx, path)
	if err != nil {
		return object.GetResult{}, err
	}
	rec, err := e.record(ctx, entry)
	if err != nil {
		return object.GetResult{}, err
	}
	meta := objectMeta(path, entry.ID, rec)
	if err := opts.CheckPreconditions(&meta); err != nil {
		return object.GetResult{}, err
	}
	if opts.Version != nil && (meta.Version == nil || *meta.Version != *opts.Version) {
		return object.GetResult{}, storeerr.Preconditionf(path, "version %s not found", *opts.Version)
	}
	if opts.Head {
		return object.GetResult{Payload: []byte{}, Meta: meta, Attributes: rec.Attributes}, nil
	}

	r := object.Range{Start: 0, End: rec.Size}
	if opts.Range != nil {
		if r, err = opts.Range.Resolve(rec.Size); err != nil {
			return object.GetResult{}, storeerr.Precondition(path, err.Error())
		}
	}
	if r.Len() > object.MaxPayloadSize {
		return object.GetResult{}, object.RangeTooLarge(path, r.Len())
	}

	payload := []byte{}
	if r.Len() > 0 {
		out, err := e.readRanges(ctx, entry.ID, [][2]uint64{{r.Start, r.End}})
		if err != nil {
			return object.GetResult{}, err
		}
		payload = out[0]
	}
	return object.GetResult{
		Payload:    payload,
		Meta:       meta,
		Range:      [2]uint64{r.Start, r.End},
		Attributes: rec.Attributes,
	}, nil
}

// GetRanges returns each [start, end) range of a committed object. Every
// range must be non-empty and inside the object, and the total must fit in
// one payload.
func (e *Engine) GetRanges(ctx context.Context, path string, ranges [][2]uint64) ([][]byte, error) {
	entry, err := e.committed(ctx, path)
	if err != nil {
		return nil, err
	}
	size := entry.State.Size
	var total uint64
	for _, r := range ranges {
		if r[0] >= r[1] || r[1] > size {
			return nil, storeerr.Preconditionf(path, "invalid range (%d, %d)", r[0], r[1])
		}
		total += r[1] - r[0]
	}
	if total > object.MaxPayloadSize {
		return nil, storeerr.Precondition(path, "payload size exceeds max size")
	}
	return e.readRanges(ctx, entry.ID, ranges)
}

// readRanges slices ranges out of the chunks of id. The most recently read
// chunk is kept so consecutive ranges in one chunk fetch it once.
func (e *Engine) readRanges(ctx context.Context, id uint64, ranges [][2]uint64) ([][]byte, error) {
	out := make([][]byte, 0, len(ranges))
	var (
		cached   bool
		cacheIdx uint32
		cache    []byte
	)
	for _, r := range ranges {
		buf := make([]byte, 0, r[1]-r[0])
		for _, span := range object.Spans(r[0], r[1]) {
			if !cached || cacheIdx != span.Index {
				data, err := e.chunks.GetChunk(ctx, id, span.Index)
				if errors.Is(err, storage.ErrChunkNotFound) {
					return nil, storeerr.Preconditionf("", "missing part %d at %d", span.Index, id)
				}
				if err != nil {
					return nil, fmt.Errorf("reading part %d of %d: %w", span.Index, id, err)
				}
				cached, cacheIdx, cache = true, span.Index, data
			}
			if span.To > len(cache) {
				return nil, storeerr.Preconditionf("", "short part %d at %d: %d bytes", span.Index, id, len(cache))
			}
			buf = append(buf, cache[span.From:span.To]...)
		}
		out = append(out, buf)
	}
	return out, nil
}

type listed struct {
	path  string
	entry metadata.LocationEntry
}

// metas resolves listed entries to ObjectMeta after the scan has finished.
func (e *Engine) metas(ctx context.Context, items []listed) ([]object.ObjectMeta, error) {
	out := make([]object.ObjectMeta, 0, len(items))
	for _, it := range items {
		rec, err := e.record(ctx, it.entry)
		if err != nil {
			return nil, err
		}
		out = append(out, objectMeta(it.path, it.entry.ID, rec))
	}
	return out, nil
}

// List returns up to MaxListLimit committed objects below prefix, in path
// order.
func (e *Engine) List(ctx context.Context, prefix string) ([]object.ObjectMeta, error) {
	var items []listed
	err := e.locations.Scan(ctx, prefix, func(path string, entry metadata.LocationEntry) bool {
		if !entry.State.IsCommitted() {
			return true
		}
		if rest, ok := object.PrefixMatch(path, prefix); !ok || len(rest) == 0 {
			return true
		}
		items = append(items, listed{path, entry})
		return len(items) < object.MaxListLimit
	})
	if err != nil {
		return nil, fmt.Errorf("listing %q: %w", prefix, err)
	}
	return e.metas(ctx, items)
}

// ListWithOffset is List restricted to paths after offset.
func (e *Engine) ListWithOffset(ctx context.Context, prefix, offset string) ([]object.ObjectMeta, error) {
	var items []listed
	visit := func(path string, entry metadata.LocationEntry) bool {
		if !strings.HasPrefix(path, prefix) {
			return false
		}
		if path <= offset || !entry.State.IsCommitted() {
			return true
		}
		if rest, ok := object.PrefixMatch(path, prefix); !ok || len(rest) == 0 {
			return true
		}
		items = append(items, listed{path, entry})
		return len(items) < object.MaxListLimit
	}

	var err error
	if offset >= prefix {
		err = e.locations.ScanFrom(ctx, offset, visit)
	} else {
		err = e.locations.Scan(ctx, prefix, visit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing %q after %q: %w", prefix, offset, err)
	}
	return e.metas(ctx, items)
}

// ListWithDelimiter returns the direct children of prefix: objects one
// segment below it and the common prefixes of anything deeper.
func (e *Engine) ListWithDelimiter(ctx context.Context, prefix string) (object.ListResult, error) {
	var items []listed
	prefixes := make(map[string]struct{})
	err := e.locations.Scan(ctx, prefix, func(path string, entry metadata.LocationEntry) bool {
		if !entry.State.IsCommitted() {
			return true
		}
		rest, ok := object.PrefixMatch(path, prefix)
		if !ok || len(rest) == 0 {
			return true
		}
		if len(rest) > 1 {
			prefixes[object.Child(prefix, rest[0])] = struct{}{}
			return true
		}
		items = append(items, listed{path, entry})
		return len(items) < object.MaxListLimit
	})
	if err != nil {
		return object.ListResult{}, fmt.Errorf("listing %q: %w", prefix, err)
	}

	objects, err := e.metas(ctx, items)
	if err != nil {
		return object.ListResult{}, err
	}
	common := make([]string, 0, len(prefixes))
	for p := range prefixes {
		common = append(common, p)
	}
	sort.Strings(common)
	return object.ListResult{CommonPrefixes: common, Objects: objects}, nil
}
