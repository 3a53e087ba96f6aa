package object

import (
	"fmt"
	"testing"

	storeerr "github.com/bleepstore/chunkvault/internal/errors"
)

func TestGetRangeResolve(t *testing.T) {
	tests := []struct {
		name    string
		r       *GetRange
		size    uint64
		want    Range
		wantErr bool
	}{
		{"bounded", Bounded(10, 20), 100, Range{10, 20}, false},
		{"bounded clamps end", Bounded(90, 200), 100, Range{90, 100}, false},
		{"bounded empty", Bounded(20, 20), 100, Range{}, true},
		{"bounded past end", Bounded(100, 120), 100, Range{}, true},
		{"offset", Offset(40), 100, Range{40, 100}, false},
		{"offset past end", Offset(100), 100, Range{}, true},
		{"suffix", Suffix(10), 100, Range{90, 100}, false},
		{"suffix longer than object", Suffix(500), 100, Range{0, 100}, false},
		{"suffix of empty object", Suffix(5), 0, Range{0, 0}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.r.Resolve(tc.size)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Resolve = %v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got != tc.want {
				t.Errorf("Resolve = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSpans(t *testing.T) {
	spans := Spans(ChunkSize-10, 2*ChunkSize+5)
	if len(spans) != 3 {
		t.Fatalf("len(spans) = %d, want 3", len(spans))
	}
	want := []ChunkSpan{
		{Index: 0, From: ChunkSize - 10, To: ChunkSize},
		{Index: 1, From: 0, To: ChunkSize},
		{Index: 2, From: 0, To: 5},
	}
	for i := range want {
		if spans[i] != want[i] {
			t.Errorf("spans[%d] = %+v, want %+v", i, spans[i], want[i])
		}
	}

	single := Spans(299999, 300000)
	if len(single) != 1 || single[0].Index != 1 || single[0].To-single[0].From != 1 {
		t.Errorf("Spans(299999, 300000) = %+v, want one byte of chunk 1", single)
	}
	if got := Spans(5, 5); got != nil {
		t.Errorf("Spans(5, 5) = %+v, want nil", got)
	}
}

func TestChunkCount(t *testing.T) {
	tests := []struct {
		size uint64
		want uint64
	}{
		{0, 0},
		{1, 1},
		{ChunkSize, 1},
		{ChunkSize + 1, 2},
		{300000, 2},
	}
	for _, tc := range tests {
		if got := ChunkCount(tc.size); got != tc.want {
			t.Errorf("ChunkCount(%d) = %d, want %d", tc.size, got, tc.want)
		}
	}
}

func TestIsRangeTooLarge(t *testing.T) {
	err := RangeTooLarge("a", MaxPayloadSize+1)
	if !IsRangeTooLarge(err) {
		t.Errorf("IsRangeTooLarge(%v) = false", err)
	}
	if !IsRangeTooLarge(fmt.Errorf("get_opts: %w", err)) {
		t.Error("wrapped error not recognized")
	}
	// Same code, different reason.
	if IsRangeTooLarge(storeerr.Precondition("a", "upload not completed")) {
		t.Error("unrelated precondition recognized")
	}
	if IsRangeTooLarge(nil) {
		t.Error("nil recognized")
	}
}
