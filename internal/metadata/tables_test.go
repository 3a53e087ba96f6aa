package metadata

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/bleepstore/chunkvault/internal/object"
)

func newTestKV(t *testing.T) KVStore {
	t.Helper()
	s, err := NewMemoryStore("", 0)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLocationIndexRoundTrip(t *testing.T) {
	ctx := context.Background()
	idx := NewLocationIndex(newTestKV(t))

	if _, ok, err := idx.Get(ctx, "a/1"); err != nil || ok {
		t.Fatalf("Get(missing) = ok %v, err %v", ok, err)
	}

	want := LocationEntry{ID: 7, State: InProgress(3)}
	if err := idx.Put(ctx, "a/1", want); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := idx.Get(ctx, "a/1")
	if err != nil || !ok {
		t.Fatalf("Get = ok %v, err %v", ok, err)
	}
	if got != want {
		t.Errorf("Get = %+v, want %+v", got, want)
	}
	if got.State.IsCommitted() {
		t.Error("IsCommitted = true, want false")
	}

	idx.Put(ctx, "a/1", LocationEntry{ID: 7, State: Committed(0)})
	got, _, _ = idx.Get(ctx, "a/1")
	if !got.State.IsCommitted() || got.State.Size != 0 {
		t.Errorf("State = %v, want Committed(0)", got.State)
	}
}

func TestLocationIndexScan(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)
	idx := NewLocationIndex(kv)
	for i, p := range []string{"a/2", "a/1", "a1", "b", "a"} {
		idx.Put(ctx, p, LocationEntry{ID: uint64(i), State: Committed(1)})
	}
	// Keys from other tables must never leak into location scans.
	kv.Put(ctx, ObjectKey(1), []byte{0xa0})

	var paths []string
	idx.Scan(ctx, "a", func(p string, _ LocationEntry) bool {
		paths = append(paths, p)
		return true
	})
	want := []string{"a", "a/1", "a/2", "a1"}
	if !reflect.DeepEqual(paths, want) {
		t.Errorf("Scan(a) = %v, want %v", paths, want)
	}

	paths = nil
	idx.ScanFrom(ctx, "a/1", func(p string, _ LocationEntry) bool {
		paths = append(paths, p)
		return true
	})
	want = []string{"a/2", "a1", "b"}
	if !reflect.DeepEqual(paths, want) {
		t.Errorf("ScanFrom(a/1) = %v, want %v", paths, want)
	}

	n, err := idx.Count(ctx)
	if err != nil || n != 5 {
		t.Errorf("Count = %d, %v, want 5", n, err)
	}
}

func TestObjectTableRoundTrip(t *testing.T) {
	ctx := context.Background()
	tbl := NewObjectTable(newTestKV(t))

	if _, err := tbl.Get(ctx, 1); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrKeyNotFound", err)
	}

	version := "v2"
	nonce := object.Nonce{1, 2, 3}
	rec := &ObjectRecord{
		LastModified: 1700000000000,
		Size:         300000,
		Tags:         "k=v",
		Attributes: object.Attributes{}.
			Set(object.Attribute{Kind: object.ContentType}, "text/plain").
			Set(object.MetadataKey("sha3-256"), "abc"),
		Version:  &version,
		AESNonce: &nonce,
		AESTags:  []object.Tag{{1}, {2}},
	}
	if err := tbl.Put(ctx, 1, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := tbl.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !reflect.DeepEqual(got, rec) {
		t.Errorf("Get = %+v, want %+v", got, rec)
	}

	clone := rec.Clone()
	clone.AESTags[0] = object.Tag{9}
	*clone.Version = "changed"
	if rec.AESTags[0] != (object.Tag{1}) || *rec.Version != "v2" {
		t.Error("Clone shares state with the original")
	}
}

func TestStateTable(t *testing.T) {
	ctx := context.Background()
	tbl := NewStateTable(newTestKV(t))

	s, err := tbl.Load(ctx)
	if err != nil || s != nil {
		t.Fatalf("Load(empty) = %+v, %v, want nil", s, err)
	}
	want := &StateRecord{Name: "vault", NextETag: 42, Managers: []string{"m"}, Auditors: []string{"a"}}
	if err := tbl.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := tbl.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Load = %+v, want %+v", got, want)
	}
}

func TestKeyOrderingMatchesNumericOrder(t *testing.T) {
	if !(ObjectKey(9) < ObjectKey(10)) {
		t.Errorf("ObjectKey(9) >= ObjectKey(10)")
	}
	if !(ChunkKey(1, 15) < ChunkKey(1, 16)) {
		t.Errorf("ChunkKey(1,15) >= ChunkKey(1,16)")
	}
	if got := ChunkKey(1, 2); got != "chk/0000000000000001/00000002" {
		t.Errorf("ChunkKey = %q", got)
	}
}
