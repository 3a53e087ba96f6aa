package metadata

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/bleepstore/chunkvault/internal/config"
)

const localLogFile = "kv.jsonl"

// jsonlEntry is one line of the append-only log. Values marshal as base64.
type jsonlEntry struct {
	Key     string `json:"k"`
	Value   []byte `json:"v,omitempty"`
	Deleted bool   `json:"_deleted,omitempty"`
}

// LocalStore is a KVStore that keeps its working set in memory and records
// every mutation in an append-only JSONL file. Each append is fsynced before
// the mutation is applied. The log is replayed on open and optionally
// compacted.
type LocalStore struct {
	// mu serializes log appends with in-memory updates so the log order
	// matches the applied order.
	mu        sync.Mutex
	rootDir   string
	compactOn bool
	mem       *MemoryStore
	log       *os.File
}

// NewLocalStore opens or creates the log under cfg.RootDir.
func NewLocalStore(cfg *config.LocalMetaConfig) (*LocalStore, error) {
	if cfg == nil {
		cfg = &config.LocalMetaConfig{}
	}
	rootDir := cfg.RootDir
	if rootDir == "" {
		rootDir = "./data/metadata"
	}

	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("creating metadata directory: %w", err)
	}

	mem, err := NewMemoryStore("", 0)
	if err != nil {
		return nil, err
	}
	s := &LocalStore{
		rootDir:   rootDir,
		compactOn: cfg.CompactOnStartup,
		mem:       mem,
	}

	logPath := filepath.Join(rootDir, localLogFile)
	if err := s.loadJSONLFile(logPath); err != nil {
		return nil, fmt.Errorf("loading metadata: %w", err)
	}

	if s.compactOn {
		if err := s.compact(); err != nil {
			return nil, fmt.Errorf("compacting metadata: %w", err)
		}
	}

	s.log, err = os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening metadata log: %w", err)
	}
	return s, nil
}

// loadJSONLFile replays the log. Unparseable lines are logged and skipped.
// A final line without a newline is a torn append: it is dropped and the
// file truncated to the last complete line so later appends start clean.
func (s *LocalStore) loadJSONLFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	ctx := context.Background()
	r := bufio.NewReader(f)
	var offset int64
	for lineNo := 1; ; lineNo++ {
		raw, err := r.ReadBytes('\n')
		if err == io.EOF {
			if len(raw) > 0 {
				slog.Warn("Dropping torn metadata log tail",
					"path", path, "line", lineNo, "bytes", len(raw))
				if terr := f.Truncate(offset); terr != nil {
					return fmt.Errorf("truncating torn tail: %w", terr)
				}
			}
			return nil
		}
		if err != nil {
			return err
		}
		offset += int64(len(raw))

		line := bytes.TrimSpace(raw)
		if len(line) == 0 {
			continue
		}
		var entry jsonlEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			slog.Warn("Skipping unparseable metadata log line",
				"path", path, "line", lineNo, "error", err)
			continue
		}
		if entry.Deleted {
			s.mem.Delete(ctx, entry.Key)
		} else {
			s.mem.Put(ctx, entry.Key, entry.Value)
		}
	}
}

func (s *LocalStore) appendEntry(entry jsonlEntry) error {
	if s.log == nil {
		return os.ErrClosed
	}
	if err := writeJSONLLine(s.log, entry); err != nil {
		return err
	}
	return s.log.Sync()
}

// compact rewrites the log with one entry per live key.
func (s *LocalStore) compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.writeCompactFile(localLogFile, func(f *os.File) error {
		var werr error
		err := s.mem.Scan(context.Background(), "", "", func(k string, v []byte) bool {
			werr = writeJSONLLine(f, jsonlEntry{Key: k, Value: v})
			return werr == nil
		})
		if err != nil {
			return err
		}
		return werr
	})
}

func (s *LocalStore) writeCompactFile(filename string, writeFunc func(*os.File) error) error {
	path := filepath.Join(s.rootDir, filename)
	tmpPath := path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	if err := writeFunc(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	f.Close()

	return os.Rename(tmpPath, path)
}

func writeJSONLLine(f *os.File, entry jsonlEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	return s.mem.Get(ctx, key)
}

func (s *LocalStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendEntry(jsonlEntry{Key: key, Value: value}); err != nil {
		return fmt.Errorf("appending put %q: %w", key, err)
	}
	return s.mem.Put(ctx, key, value)
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.mem.Get(ctx, key); err == ErrKeyNotFound {
		return nil
	}
	if err := s.appendEntry(jsonlEntry{Key: key, Deleted: true}); err != nil {
		return fmt.Errorf("appending delete %q: %w", key, err)
	}
	return s.mem.Delete(ctx, key)
}

func (s *LocalStore) Scan(ctx context.Context, start, end string, fn ScanFunc) error {
	return s.mem.Scan(ctx, start, end, fn)
}

func (s *LocalStore) Ping(ctx context.Context) error {
	return nil
}

func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.log != nil {
		err = s.log.Close()
		s.log = nil
	}
	if merr := s.mem.Close(); err == nil {
		err = merr
	}
	return err
}
