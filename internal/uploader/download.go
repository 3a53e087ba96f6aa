package uploader

import (
	"context"
	"io"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/bleepstore/chunkvault/internal/object"
)

// downloadWindow is the largest chunk-aligned range that fits in one
// get_opts payload.
const downloadWindow = object.MaxPayloadSize / object.ChunkSize * object.ChunkSize

// Download writes the object at path into w, fetching windows in parallel.
// Every window is read with if_match on the etag seen at the start, so a
// concurrent overwrite fails the download instead of mixing versions.
func (u *Uploader) Download(ctx context.Context, path string, w io.WriterAt, concurrency int) (object.ObjectMeta, error) {
	meta, err := u.Client.Head(ctx, path)
	if err != nil {
		return meta, err
	}
	if meta.Size == 0 {
		return meta, nil
	}
	if concurrency <= 0 {
		concurrency = u.concurrency()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for start := uint64(0); start < meta.Size; start += downloadWindow {
		end := min(start+downloadWindow, meta.Size)
		g.Go(func() error {
			res, err := u.Client.GetOpts(gctx, path, object.GetOptions{
				IfMatch: meta.ETag,
				Range:   object.Bounded(start, end),
			})
			if err != nil {
				return err
			}
			_, err = w.WriteAt(res.Payload, int64(start))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return meta, err
	}
	u.logger().Debug("download finished", "path", path, "size", humanize.IBytes(meta.Size))
	return meta, nil
}
