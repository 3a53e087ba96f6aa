// Package engine implements the object store: conditional writes, copy and
// rename, the multipart upload state machine, ranged reads and listing, over
// a metadata.KVStore and a storage.ChunkStore.
//
// An Engine is not safe for concurrent use. Callers serialize every method
// call so that each call is atomic with respect to all others.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	storeerr "github.com/bleepstore/chunkvault/internal/errors"
	"github.com/bleepstore/chunkvault/internal/metadata"
	"github.com/bleepstore/chunkvault/internal/object"
	"github.com/bleepstore/chunkvault/internal/storage"
)

// Options configures a new Engine.
type Options struct {
	// Name is recorded in the state on first start.
	Name string
	// Controllers may run admin operations.
	Controllers []string
	// Managers and Auditors seed the access lists on first start only.
	Managers []string
	Auditors []string
	// AuthDisabled treats every caller as controller and manager.
	AuthDisabled bool
	Logger       *slog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Engine is the object store.
type Engine struct {
	kv        metadata.KVStore
	locations *metadata.LocationIndex
	objects   *metadata.ObjectTable
	states    *metadata.StateTable
	chunks    storage.ChunkStore
	logger    *slog.Logger
	now       func() time.Time

	name         string
	nextETag     uint64
	managers     map[string]struct{}
	auditors     map[string]struct{}
	controllers  map[string]struct{}
	authDisabled bool
}

// New loads the persisted state from kv, or initializes it from opts when
// none exists yet.
func New(ctx context.Context, kv metadata.KVStore, chunks storage.ChunkStore, opts Options) (*Engine, error) {
	e := &Engine{
		kv:           kv,
		locations:    metadata.NewLocationIndex(kv),
		objects:      metadata.NewObjectTable(kv),
		states:       metadata.NewStateTable(kv),
		chunks:       chunks,
		logger:       opts.Logger,
		now:          opts.Now,
		controllers:  toSet(opts.Controllers),
		authDisabled: opts.AuthDisabled,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}

	st, err := e.states.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading engine state: %w", err)
	}
	if st == nil {
		e.name = opts.Name
		e.managers = toSet(opts.Managers)
		e.auditors = toSet(opts.Auditors)
		if err := e.saveState(ctx); err != nil {
			return nil, err
		}
		e.logger.Info("engine state initialized", "name", e.name, "managers", len(e.managers), "auditors", len(e.auditors))
	} else {
		e.name = st.Name
		e.nextETag = st.NextETag
		e.managers = toSet(st.Managers)
		e.auditors = toSet(st.Auditors)
		e.logger.Info("engine state loaded", "name", e.name, "next_etag", e.nextETag)
	}
	return e, nil
}

func (e *Engine) saveState(ctx context.Context) error {
	st := &metadata.StateRecord{
		Name:     e.name,
		NextETag: e.nextETag,
		Managers: sortedKeys(e.managers),
		Auditors: sortedKeys(e.auditors),
	}
	if err := e.states.Save(ctx, st); err != nil {
		return fmt.Errorf("saving engine state: %w", err)
	}
	return nil
}

// allocateID hands out the next object id and persists the counter before
// the id is used, so ids stay monotonic across restarts.
func (e *Engine) allocateID(ctx context.Context) (uint64, error) {
	id := e.nextETag
	e.nextETag++
	if err := e.saveState(ctx); err != nil {
		e.nextETag--
		return 0, err
	}
	return id, nil
}

func (e *Engine) nowMillis() uint64 {
	return uint64(e.now().UnixMilli())
}

// IsController reports whether caller may run admin operations.
func (e *Engine) IsController(caller string) bool {
	if e.authDisabled {
		return true
	}
	_, ok := e.controllers[caller]
	return ok
}

// IsWriter reports whether caller may mutate objects.
func (e *Engine) IsWriter(caller string) bool {
	if e.authDisabled {
		return true
	}
	_, ok := e.managers[caller]
	return ok
}

// IsReader reports whether caller may read objects.
func (e *Engine) IsReader(caller string) bool {
	if e.IsWriter(caller) {
		return true
	}
	_, ok := e.auditors[caller]
	return ok
}

// IsMember reports whether user belongs to the "manager" or "auditor" list.
func (e *Engine) IsMember(kind, user string) (bool, error) {
	switch kind {
	case "manager":
		_, ok := e.managers[user]
		return ok, nil
	case "auditor":
		_, ok := e.auditors[user]
		return ok, nil
	default:
		return false, storeerr.Generic("invalid member kind: %s", kind)
	}
}

// GetState summarises the engine state.
func (e *Engine) GetState(ctx context.Context) (object.StateInfo, error) {
	n, err := e.locations.Count(ctx)
	if err != nil {
		return object.StateInfo{}, fmt.Errorf("counting objects: %w", err)
	}
	return object.StateInfo{
		Name:        e.name,
		Managers:    sortedKeys(e.managers),
		Auditors:    sortedKeys(e.auditors),
		Controllers: sortedKeys(e.controllers),
		Objects:     n,
		NextETag:    e.nextETag,
	}, nil
}

// ValidateMembers rejects an empty member set or blank member ids.
func ValidateMembers(ids []string) error {
	if len(ids) == 0 {
		return storeerr.Generic("member set cannot be empty")
	}
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return storeerr.Generic("invalid member id %q", id)
		}
	}
	return nil
}

// AddManagers grants write access to ids.
func (e *Engine) AddManagers(ctx context.Context, ids []string) error {
	return e.updateMembers(ctx, e.managers, ids, true)
}

// RemoveManagers revokes write access from ids.
func (e *Engine) RemoveManagers(ctx context.Context, ids []string) error {
	return e.updateMembers(ctx, e.managers, ids, false)
}

// AddAuditors grants read access to ids.
func (e *Engine) AddAuditors(ctx context.Context, ids []string) error {
	return e.updateMembers(ctx, e.auditors, ids, true)
}

// RemoveAuditors revokes read access from ids.
func (e *Engine) RemoveAuditors(ctx context.Context, ids []string) error {
	return e.updateMembers(ctx, e.auditors, ids, false)
}

func (e *Engine) updateMembers(ctx context.Context, set map[string]struct{}, ids []string, add bool) error {
	if err := ValidateMembers(ids); err != nil {
		return err
	}
	for _, id := range ids {
		if add {
			set[id] = struct{}{}
		} else {
			delete(set, id)
		}
	}
	return e.saveState(ctx)
}

// Clear removes every object, upload and chunk and resets the id counter.
// Access lists are kept.
func (e *Engine) Clear(ctx context.Context) error {
	var ids []uint64
	err := e.locations.Scan(ctx, "", func(_ string, entry metadata.LocationEntry) bool {
		ids = append(ids, entry.ID)
		return true
	})
	if err != nil {
		return fmt.Errorf("scanning locations: %w", err)
	}
	for _, id := range ids {
		if err := e.chunks.DeleteChunks(ctx, id, 0); err != nil {
			return fmt.Errorf("deleting chunks of %d: %w", id, err)
		}
	}
	for _, prefix := range []string{metadata.LocationPrefix, metadata.ObjectPrefix, metadata.ChunkPrefix} {
		if _, err := metadata.DeletePrefix(ctx, e.kv, prefix); err != nil {
			return fmt.Errorf("clearing %s: %w", prefix, err)
		}
	}
	e.nextETag = 0
	if err := e.saveState(ctx); err != nil {
		return err
	}
	e.logger.Warn("engine cleared", "objects", len(ids))
	return nil
}

func toSet(ids []string) map[string]struct{} {
	s := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func sortedKeys(s map[string]struct{}) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
