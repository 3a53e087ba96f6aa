package metadata

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// MemoryStore is an in-memory ordered KVStore. It keeps a sorted key slice
// next to the value map so scans walk keys in order without re-sorting.
// It optionally persists a snapshot to a SQLite file.
type MemoryStore struct {
	mu     sync.RWMutex
	keys   []string
	values map[string][]byte

	snapshotPath     string
	snapshotInterval time.Duration
	stopCh           chan struct{}
	wg               sync.WaitGroup
	closeOnce        sync.Once
}

// NewMemoryStore creates a MemoryStore. When snapshotPath is set, any
// existing snapshot is loaded and, if interval > 0, a background goroutine
// rewrites it periodically.
func NewMemoryStore(snapshotPath string, interval time.Duration) (*MemoryStore, error) {
	s := &MemoryStore{
		values:           make(map[string][]byte),
		snapshotPath:     snapshotPath,
		snapshotInterval: interval,
		stopCh:           make(chan struct{}),
	}
	if snapshotPath != "" {
		if err := s.loadSnapshot(); err != nil {
			return nil, fmt.Errorf("loading snapshot: %w", err)
		}
		if interval > 0 {
			s.wg.Add(1)
			go s.snapshotLoop()
		}
	}
	return s, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.putLocked(key, value)
	return nil
}

func (s *MemoryStore) putLocked(key string, value []byte) {
	v := make([]byte, len(value))
	copy(v, value)
	if _, ok := s.values[key]; !ok {
		i := sort.SearchStrings(s.keys, key)
		s.keys = append(s.keys, "")
		copy(s.keys[i+1:], s.keys[i:])
		s.keys[i] = key
	}
	s.values[key] = v
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.values[key]; !ok {
		return nil
	}
	delete(s.values, key)
	i := sort.SearchStrings(s.keys, key)
	if i < len(s.keys) && s.keys[i] == key {
		s.keys = append(s.keys[:i], s.keys[i+1:]...)
	}
	return nil
}

// Scan walks the range in pages of scanPageSize keys. Each page is copied
// under the read lock and fn runs without holding it, so fn may call back
// into the store. Values passed to fn are copies.
func (s *MemoryStore) Scan(ctx context.Context, start, end string, fn ScanFunc) error {
	cursor := start
	inclusive := true
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page := s.page(cursor, end, inclusive)
		for _, p := range page {
			if !fn(p.k, p.v) {
				return nil
			}
		}
		if len(page) < scanPageSize {
			return nil
		}
		cursor = page[len(page)-1].k
		inclusive = false
	}
}

type kvPair struct {
	k string
	v []byte
}

// page copies at most scanPageSize entries starting at cursor.
func (s *MemoryStore) page(cursor, end string, inclusive bool) []kvPair {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := sort.SearchStrings(s.keys, cursor)
	if !inclusive && i < len(s.keys) && s.keys[i] == cursor {
		i++
	}
	var page []kvPair
	for ; i < len(s.keys) && len(page) < scanPageSize; i++ {
		k := s.keys[i]
		if end != "" && k >= end {
			break
		}
		page = append(page, kvPair{k: k, v: bytes.Clone(s.values[k])})
	}
	return page
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Len returns the number of keys held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Close stops the snapshot goroutine and writes a final snapshot.
func (s *MemoryStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		if s.snapshotPath != "" {
			if werr := s.writeSnapshot(); werr != nil {
				err = fmt.Errorf("writing final snapshot: %w", werr)
			}
		}
	})
	return err
}

func (s *MemoryStore) snapshotLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.writeSnapshot(); err != nil {
				slog.Error("Memory store snapshot failed", "path", s.snapshotPath, "error", err)
			}
		}
	}
}

// loadSnapshot restores state from the SQLite snapshot file. A missing
// file is a fresh start.
func (s *MemoryStore) loadSnapshot() error {
	if _, err := os.Stat(s.snapshotPath); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", s.snapshotPath)
	if err != nil {
		return fmt.Errorf("opening snapshot database: %w", err)
	}
	defer db.Close()

	var tableCount int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name = 'kv_snapshot'`).Scan(&tableCount)
	if err != nil {
		return fmt.Errorf("checking snapshot table: %w", err)
	}
	if tableCount == 0 {
		return nil
	}

	rows, err := db.Query("SELECT k, v FROM kv_snapshot ORDER BY k")
	if err != nil {
		return fmt.Errorf("querying snapshot: %w", err)
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return fmt.Errorf("scanning snapshot row: %w", err)
		}
		s.putLocked(k, v)
	}
	return rows.Err()
}

// writeSnapshot writes the current state to a temporary SQLite file and
// renames it over the snapshot path.
func (s *MemoryStore) writeSnapshot() error {
	s.mu.RLock()
	keys := make([]string, len(s.keys))
	copy(keys, s.keys)
	values := make(map[string][]byte, len(s.values))
	for k, v := range s.values {
		values[k] = v
	}
	s.mu.RUnlock()

	tmpPath := s.snapshotPath + ".tmp"
	os.Remove(tmpPath)

	db, err := sql.Open("sqlite", tmpPath)
	if err != nil {
		return fmt.Errorf("creating snapshot database: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE kv_snapshot (k TEXT PRIMARY KEY, v BLOB NOT NULL)`); err != nil {
		db.Close()
		return fmt.Errorf("creating snapshot table: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		db.Close()
		return fmt.Errorf("beginning snapshot transaction: %w", err)
	}
	stmt, err := tx.Prepare("INSERT INTO kv_snapshot (k, v) VALUES (?, ?)")
	if err != nil {
		tx.Rollback()
		db.Close()
		return fmt.Errorf("preparing snapshot insert: %w", err)
	}
	for _, k := range keys {
		if _, err := stmt.Exec(k, values[k]); err != nil {
			stmt.Close()
			tx.Rollback()
			db.Close()
			return fmt.Errorf("writing snapshot row: %w", err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		db.Close()
		return fmt.Errorf("committing snapshot: %w", err)
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("closing snapshot database: %w", err)
	}

	return os.Rename(tmpPath, s.snapshotPath)
}
