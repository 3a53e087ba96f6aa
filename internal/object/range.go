package object

import (
	"errors"
	"fmt"
	"strings"

	storeerr "github.com/bleepstore/chunkvault/internal/errors"
)

// RangeKind selects how a GetRange is interpreted.
type RangeKind string

const (
	// RangeBounded requests [Start, End).
	RangeBounded RangeKind = "Bounded"
	// RangeOffset requests [Start, size).
	RangeOffset RangeKind = "Offset"
	// RangeSuffix requests the last Start bytes.
	RangeSuffix RangeKind = "Suffix"
)

// GetRange is a requested byte range. For RangeSuffix, Start holds the
// suffix length.
type GetRange struct {
	Kind  RangeKind `json:"kind"`
	Start uint64    `json:"start"`
	End   uint64    `json:"end,omitempty"`
}

// Bounded requests bytes [start, end).
func Bounded(start, end uint64) *GetRange {
	return &GetRange{Kind: RangeBounded, Start: start, End: end}
}

// Offset requests every byte from start.
func Offset(start uint64) *GetRange {
	return &GetRange{Kind: RangeOffset, Start: start}
}

// Suffix requests the last n bytes.
func Suffix(n uint64) *GetRange {
	return &GetRange{Kind: RangeSuffix, Start: n}
}

// Range is a resolved half-open byte range.
type Range struct {
	Start uint64
	End   uint64
}

// Len returns End - Start.
func (r Range) Len() uint64 { return r.End - r.Start }

// Resolve converts r into a concrete range over an object of size bytes.
// A bounded range ending past the object is clamped to the object size.
func (r GetRange) Resolve(size uint64) (Range, error) {
	switch r.Kind {
	case RangeBounded:
		if r.Start >= r.End {
			return Range{}, fmt.Errorf("wanted range starting at %d and ending at %d, but start >= end", r.Start, r.End)
		}
		if r.Start >= size {
			return Range{}, fmt.Errorf("wanted range starting at %d, but object was only %d bytes long", r.Start, size)
		}
		return Range{Start: r.Start, End: min(r.End, size)}, nil
	case RangeOffset:
		if r.Start >= size {
			return Range{}, fmt.Errorf("wanted range starting at %d, but object was only %d bytes long", r.Start, size)
		}
		return Range{Start: r.Start, End: size}, nil
	case RangeSuffix:
		if r.Start >= size {
			return Range{Start: 0, End: size}, nil
		}
		return Range{Start: size - r.Start, End: size}, nil
	default:
		return Range{}, fmt.Errorf("unknown range kind %q", r.Kind)
	}
}

// ChunkSpan describes the slice of one chunk that a byte range covers.
type ChunkSpan struct {
	Index uint32
	// From and To are offsets within the chunk.
	From int
	To   int
}

// Spans splits the non-empty range [start, end) into per-chunk spans.
func Spans(start, end uint64) []ChunkSpan {
	if start >= end {
		return nil
	}
	first := uint32(start / ChunkSize)
	last := uint32((end - 1) / ChunkSize)
	spans := make([]ChunkSpan, 0, last-first+1)
	for idx := first; idx <= last; idx++ {
		from := 0
		if idx == first {
			from = int(start % ChunkSize)
		}
		to := ChunkSize
		if idx == last {
			to = int((end-1)%ChunkSize + 1)
		}
		spans = append(spans, ChunkSpan{Index: idx, From: from, To: to})
	}
	return spans
}

// RangeTooLarge is the Precondition returned when a single read would not
// fit in one payload.
func RangeTooLarge(path string, n uint64) *storeerr.StoreError {
	return storeerr.Preconditionf(path, "range size %d exceeds max size %d", n, MaxPayloadSize)
}

// IsRangeTooLarge reports whether err was built by RangeTooLarge, including
// after a round trip through the wire error body.
func IsRangeTooLarge(err error) bool {
	var se *storeerr.StoreError
	return errors.As(err, &se) && se.Code == storeerr.CodePrecondition && strings.HasPrefix(se.Message, "range size ")
}
