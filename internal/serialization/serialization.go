// Package serialization handles export/import of chunkvault metadata
// between a KVStore and a JSON document.
package serialization

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/bleepstore/chunkvault/internal/metadata"
)

const (
	Version       = "0.1.0"
	ExportVersion = 1
)

// AllTables lists all valid table names in export order.
var AllTables = []string{"state", "locations", "objects", "chunks"}

// tablePrefix maps a table name to the KV prefix of its keys. The state
// table holds the single metadata.StateKey record.
var tablePrefix = map[string]string{
	"state":     metadata.StateKey,
	"locations": metadata.LocationPrefix,
	"objects":   metadata.ObjectPrefix,
	"chunks":    metadata.ChunkPrefix,
}

// insertOrder writes chunk data before the entries that reference it, so an
// interrupted import never exposes a location without its object.
var insertOrder = []string{"chunks", "objects", "locations", "state"}

// Record is one raw KV pair. Value is base64 in JSON.
type Record struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// Header identifies an export document.
type Header struct {
	Version    int    `json:"version"`
	ExportedAt string `json:"exported_at"`
	Source     string `json:"source"`
}

// StateSummary is a readable copy of the engine state. Import ignores it;
// the raw state record is authoritative.
type StateSummary struct {
	Name     string   `json:"name"`
	NextETag uint64   `json:"next_etag"`
	Managers []string `json:"managers"`
	Auditors []string `json:"auditors"`
	Objects  uint64   `json:"objects"`
}

// Document is the export format.
type Document struct {
	Export Header              `json:"chunkvault_export"`
	State  *StateSummary       `json:"state,omitempty"`
	Tables map[string][]Record `json:"tables"`
}

// ExportOptions configures what to export.
type ExportOptions struct {
	Tables []string
}

// ImportOptions configures how to import.
type ImportOptions struct {
	// Replace deletes every key of each imported table before writing.
	// Otherwise existing keys are kept and the incoming record is skipped.
	Replace bool
}

// ImportResult holds the result of an import operation.
type ImportResult struct {
	Counts   map[string]int
	Skipped  map[string]int
	Warnings []string
}

// ValidateTables rejects unknown table names.
func ValidateTables(tables []string) error {
	for _, t := range tables {
		if _, ok := tablePrefix[t]; !ok {
			return fmt.Errorf("invalid table name: %s", t)
		}
	}
	return nil
}

// Export reads the selected tables from kv.
func Export(ctx context.Context, kv metadata.KVStore, opts *ExportOptions) (*Document, error) {
	if opts == nil || len(opts.Tables) == 0 {
		opts = &ExportOptions{Tables: AllTables}
	}
	if err := ValidateTables(opts.Tables); err != nil {
		return nil, err
	}

	doc := &Document{
		Export: Header{
			Version:    ExportVersion,
			ExportedAt: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
			Source:     "go/" + Version,
		},
		Tables: make(map[string][]Record, len(opts.Tables)),
	}

	for _, table := range opts.Tables {
		records, err := exportTable(ctx, kv, table)
		if err != nil {
			return nil, fmt.Errorf("exporting %s: %w", table, err)
		}
		doc.Tables[table] = records
	}

	summary, err := summarize(ctx, kv)
	if err != nil {
		return nil, err
	}
	doc.State = summary
	return doc, nil
}

func exportTable(ctx context.Context, kv metadata.KVStore, table string) ([]Record, error) {
	records := make([]Record, 0)
	if table == "state" {
		data, err := kv.Get(ctx, metadata.StateKey)
		if errors.Is(err, metadata.ErrKeyNotFound) {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		return append(records, Record{Key: metadata.StateKey, Value: data}), nil
	}
	err := metadata.ScanPrefix(ctx, kv, tablePrefix[table], func(key string, value []byte) bool {
		records = append(records, Record{Key: key, Value: slices.Clone(value)})
		return true
	})
	return records, err
}

func summarize(ctx context.Context, kv metadata.KVStore) (*StateSummary, error) {
	st, err := metadata.NewStateTable(kv).Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}
	if st == nil {
		return nil, nil
	}
	objects, err := metadata.NewLocationIndex(kv).Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting objects: %w", err)
	}
	return &StateSummary{
		Name:     st.Name,
		NextETag: st.NextETag,
		Managers: st.Managers,
		Auditors: st.Auditors,
		Objects:  objects,
	}, nil
}

// Import writes doc into kv. KVStores have no transactions, so a failed
// import may leave a prefix of the tables written.
func Import(ctx context.Context, kv metadata.KVStore, doc *Document, opts *ImportOptions) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}
	if v := doc.Export.Version; v < 1 || v > ExportVersion {
		return nil, fmt.Errorf("unsupported export version: %v", v)
	}
	for table := range doc.Tables {
		if err := ValidateTables([]string{table}); err != nil {
			return nil, err
		}
	}

	result := &ImportResult{
		Counts:  make(map[string]int),
		Skipped: make(map[string]int),
	}

	if opts.Replace {
		for _, table := range insertOrder {
			if _, ok := doc.Tables[table]; !ok {
				continue
			}
			if err := clearTable(ctx, kv, table); err != nil {
				return nil, fmt.Errorf("deleting %s: %w", table, err)
			}
		}
	}

	for _, table := range insertOrder {
		records, ok := doc.Tables[table]
		if !ok {
			continue
		}
		inserted, skipped := 0, 0
		for _, rec := range records {
			if !belongs(table, rec.Key) {
				skipped++
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("Skipped %s record %q: key outside table", table, rec.Key))
				continue
			}
			if !opts.Replace {
				_, err := kv.Get(ctx, rec.Key)
				if err == nil {
					skipped++
					continue
				}
				if !errors.Is(err, metadata.ErrKeyNotFound) {
					return nil, fmt.Errorf("reading %q: %w", rec.Key, err)
				}
			}
			if err := kv.Put(ctx, rec.Key, rec.Value); err != nil {
				return nil, fmt.Errorf("writing %q: %w", rec.Key, err)
			}
			inserted++
		}
		result.Counts[table] = inserted
		result.Skipped[table] = skipped
	}
	return result, nil
}

func belongs(table, key string) bool {
	if table == "state" {
		return key == metadata.StateKey
	}
	return strings.HasPrefix(key, tablePrefix[table]) && len(key) > len(tablePrefix[table])
}

func clearTable(ctx context.Context, kv metadata.KVStore, table string) error {
	if table == "state" {
		return kv.Delete(ctx, metadata.StateKey)
	}
	_, err := metadata.DeletePrefix(ctx, kv, tablePrefix[table])
	return err
}

// Encode writes doc as indented JSON, zstd-compressed when compress is set.
func Encode(w io.Writer, doc *Document, compress bool) error {
	if !compress {
		return encodeJSON(w, doc)
	}
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("creating zstd writer: %w", err)
	}
	if err := encodeJSON(zw, doc); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func encodeJSON(w io.Writer, doc *Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// Decode reads a document written by Encode.
func Decode(r io.Reader, compressed bool) (*Document, error) {
	if compressed {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("creating zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	}
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	return &doc, nil
}

// Compressed reports whether path names a zstd file.
func Compressed(path string) bool {
	return strings.HasSuffix(path, ".zst")
}

// WriteFile encodes doc to path, compressing when path ends in .zst. The
// file is written to a temporary name and renamed into place.
func WriteFile(path string, doc *Document) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}
	if err := Encode(f, doc, Compressed(path)); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// ReadFile decodes the document at path.
func ReadFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f, Compressed(path))
}
