package metadata

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Key prefixes of the typed tables sharing one KVStore.
const (
	LocationPrefix = "loc/"
	ObjectPrefix   = "obj/"
	ChunkPrefix    = "chk/"
	StateKey       = "state"
)

// ObjectKey returns the KV key of an object record. Fixed-width hex keeps
// numeric order equal to key order.
func ObjectKey(id uint64) string {
	return fmt.Sprintf("%s%016x", ObjectPrefix, id)
}

// ChunkKey returns the KV key of one chunk.
func ChunkKey(id uint64, idx uint32) string {
	return fmt.Sprintf("%s%016x/%08x", ChunkPrefix, id, idx)
}

// ChunkKeyPrefix returns the prefix shared by every chunk of id.
func ChunkKeyPrefix(id uint64) string {
	return fmt.Sprintf("%s%016x/", ChunkPrefix, id)
}

// LocationIndex maps paths to LocationEntry values.
type LocationIndex struct {
	kv KVStore
}

// NewLocationIndex returns the location table over kv.
func NewLocationIndex(kv KVStore) *LocationIndex {
	return &LocationIndex{kv: kv}
}

// Get returns the entry for path. ok is false when the path is absent.
func (t *LocationIndex) Get(ctx context.Context, path string) (LocationEntry, bool, error) {
	var e LocationEntry
	data, err := t.kv.Get(ctx, LocationPrefix+path)
	if errors.Is(err, ErrKeyNotFound) {
		return e, false, nil
	}
	if err != nil {
		return e, false, err
	}
	if err := unmarshal(data, &e); err != nil {
		return e, false, fmt.Errorf("decoding location %q: %w", path, err)
	}
	return e, true, nil
}

// Put stores the entry for path.
func (t *LocationIndex) Put(ctx context.Context, path string, e LocationEntry) error {
	data, err := marshal(e)
	if err != nil {
		return fmt.Errorf("encoding location %q: %w", path, err)
	}
	return t.kv.Put(ctx, LocationPrefix+path, data)
}

// Delete removes path.
func (t *LocationIndex) Delete(ctx context.Context, path string) error {
	return t.kv.Delete(ctx, LocationPrefix+path)
}

// Scan visits paths >= start in order while they begin with the raw string
// prefix start. Undecodable entries are skipped.
func (t *LocationIndex) Scan(ctx context.Context, start string, fn func(path string, e LocationEntry) bool) error {
	var derr error
	err := ScanPrefix(ctx, t.kv, LocationPrefix+start, func(key string, value []byte) bool {
		var e LocationEntry
		if err := unmarshal(value, &e); err != nil {
			derr = fmt.Errorf("decoding location %q: %w", key, err)
			return false
		}
		return fn(strings.TrimPrefix(key, LocationPrefix), e)
	})
	if err != nil {
		return err
	}
	return derr
}

// ScanFrom visits every path strictly after offset, in order.
func (t *LocationIndex) ScanFrom(ctx context.Context, offset string, fn func(path string, e LocationEntry) bool) error {
	var derr error
	err := t.kv.Scan(ctx, LocationPrefix+offset, PrefixEnd(LocationPrefix), func(key string, value []byte) bool {
		path := strings.TrimPrefix(key, LocationPrefix)
		if path == offset {
			return true
		}
		var e LocationEntry
		if err := unmarshal(value, &e); err != nil {
			derr = fmt.Errorf("decoding location %q: %w", key, err)
			return false
		}
		return fn(path, e)
	})
	if err != nil {
		return err
	}
	return derr
}

// Count returns the number of paths, committed or not.
func (t *LocationIndex) Count(ctx context.Context) (uint64, error) {
	var n uint64
	err := ScanPrefix(ctx, t.kv, LocationPrefix, func(string, []byte) bool {
		n++
		return true
	})
	return n, err
}

// ObjectTable maps object ids to ObjectRecord values.
type ObjectTable struct {
	kv KVStore
}

// NewObjectTable returns the object table over kv.
func NewObjectTable(kv KVStore) *ObjectTable {
	return &ObjectTable{kv: kv}
}

// Get returns the record for id, or ErrKeyNotFound.
func (t *ObjectTable) Get(ctx context.Context, id uint64) (*ObjectRecord, error) {
	data, err := t.kv.Get(ctx, ObjectKey(id))
	if err != nil {
		return nil, err
	}
	var r ObjectRecord
	if err := unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding object %d: %w", id, err)
	}
	return &r, nil
}

// Put stores the record for id.
func (t *ObjectTable) Put(ctx context.Context, id uint64, r *ObjectRecord) error {
	data, err := marshal(r)
	if err != nil {
		return fmt.Errorf("encoding object %d: %w", id, err)
	}
	return t.kv.Put(ctx, ObjectKey(id), data)
}

// Delete removes the record for id.
func (t *ObjectTable) Delete(ctx context.Context, id uint64) error {
	return t.kv.Delete(ctx, ObjectKey(id))
}

// StateTable holds the single engine state record.
type StateTable struct {
	kv KVStore
}

// NewStateTable returns the state table over kv.
func NewStateTable(kv KVStore) *StateTable {
	return &StateTable{kv: kv}
}

// Load returns the stored state, or nil when none has been saved.
func (t *StateTable) Load(ctx context.Context) (*StateRecord, error) {
	data, err := t.kv.Get(ctx, StateKey)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s StateRecord
	if err := unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding state: %w", err)
	}
	return &s, nil
}

// Save stores s.
func (t *StateTable) Save(ctx context.Context, s *StateRecord) error {
	data, err := marshal(s)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	return t.kv.Put(ctx, StateKey, data)
}
