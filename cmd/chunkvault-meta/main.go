// Package main is the entry point for chunkvault-meta, the metadata
// export/import tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/bleepstore/chunkvault/internal/config"
	"github.com/bleepstore/chunkvault/internal/metadata"
	"github.com/bleepstore/chunkvault/internal/serialization"
)

const usage = "Usage: chunkvault-meta <export|import> [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "export":
		os.Exit(runExport(os.Args[2:]))
	case "import":
		os.Exit(runImport(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n%s\n", command, usage)
		os.Exit(1)
	}
}

// openStore loads the config at path and opens its metadata store.
func openStore(ctx context.Context, path string) (metadata.KVStore, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cfg.Metadata.Engine == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.Metadata.SQLite.Path), 0o755); err != nil {
			return nil, err
		}
	}
	return metadata.Open(ctx, &cfg.Metadata)
}

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "chunkvault.yaml", "Config file path")
	output := fs.String("output", "-", "Output file path (- for stdout, .zst suffix compresses)")
	tables := fs.String("tables", "", "Comma-separated table names")
	fs.Parse(args)

	opts := &serialization.ExportOptions{Tables: serialization.AllTables}
	if *tables != "" {
		opts.Tables = strings.Split(*tables, ",")
		for i := range opts.Tables {
			opts.Tables[i] = strings.TrimSpace(opts.Tables[i])
		}
		if err := serialization.ValidateTables(opts.Tables); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	ctx := context.Background()
	kv, err := openStore(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening metadata store: %v\n", err)
		return 1
	}
	defer kv.Close()

	doc, err := serialization.Export(ctx, kv, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error exporting: %v\n", err)
		return 1
	}

	if *output == "-" {
		if err := serialization.Encode(os.Stdout, doc, false); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
			return 1
		}
		return 0
	}
	if err := serialization.WriteFile(*output, doc); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		return 1
	}
	if info, err := os.Stat(*output); err == nil {
		fmt.Fprintf(os.Stderr, "Exported to %s (%s)\n", *output, humanize.IBytes(uint64(info.Size())))
	}
	return 0
}

func runImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "chunkvault.yaml", "Config file path")
	input := fs.String("input", "-", "Input file path (- for stdin, .zst suffix decompresses)")
	replace := fs.Bool("replace", false, "Replace mode (delete each imported table first)")
	fs.Parse(args)

	var (
		doc *serialization.Document
		err error
	)
	if *input == "-" {
		doc, err = serialization.Decode(os.Stdin, false)
	} else {
		doc, err = serialization.ReadFile(*input)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		return 1
	}

	ctx := context.Background()
	kv, err := openStore(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening metadata store: %v\n", err)
		return 1
	}
	defer kv.Close()

	result, err := serialization.Import(ctx, kv, doc, &serialization.ImportOptions{Replace: *replace})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error importing: %v\n", err)
		return 1
	}

	for _, table := range serialization.AllTables {
		count, ok := result.Counts[table]
		if !ok {
			continue
		}
		msg := fmt.Sprintf("  %s: %d imported", table, count)
		if skip := result.Skipped[table]; skip > 0 {
			msg += fmt.Sprintf(", %d skipped", skip)
		}
		fmt.Fprintln(os.Stderr, msg)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "  WARNING: %s\n", w)
	}
	return 0
}
