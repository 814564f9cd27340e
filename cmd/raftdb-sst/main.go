// raftdb-sst inspects the table files of a data directory offline.
// It reads the .sst files directly, so run it against a stopped node
// or a copy of the directory.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/twlk9/raftdb/compression"
	"github.com/twlk9/raftdb/keys"
	"github.com/twlk9/raftdb/sstable"
)

const version = "1.0.0"

var codec = flag.String("compression", "lz4", "codec the files were written with (lz4, snappy, s2, zstd, none)")

func main() {
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	command := args[0]
	args = args[1:]

	var err error
	switch command {
	case "list":
		err = listCommand(args)
	case "dump":
		err = dumpCommand(args)
	case "verify":
		err = verifyCommand(args)
	case "version":
		fmt.Printf("raftdb-sst version %s\n", version)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`raftdb-sst - Offline inspector for raftdb table files

Usage:
  raftdb-sst [-compression codec] <command> [arguments]

Commands:
  list <dir>          List every table with size, entry count and key range
  dump <dir> <id>     Print every entry of one table
  verify <dir>        Re-read every table and check key ordering
  version             Show version information
  help                Show this help message

Examples:
  raftdb-sst list /var/lib/raftdb
  raftdb-sst dump /var/lib/raftdb 17
  raftdb-sst -compression zstd verify /var/lib/raftdb

`)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func compressionConfig() (compression.Config, error) {
	t, err := compression.ParseType(*codec)
	if err != nil {
		return compression.Config{}, err
	}
	cfg := compression.DefaultConfig()
	cfg.Type = t
	cfg.Enabled = t != compression.None
	return cfg, nil
}

// tableIDs scans a directory for .sst files and returns their ids in
// ascending order.
func tableIDs(dir string) ([]uint64, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.sst"))
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(matches))
	for _, m := range matches {
		name := strings.TrimSuffix(filepath.Base(m), ".sst")
		id, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping %s: not a table file name\n", m)
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func openReader(dir string, id uint64) (*sstable.SSTableReader, error) {
	cc, err := compressionConfig()
	if err != nil {
		return nil, err
	}
	return sstable.NewSSTableReader(sstable.SSTableOpts{
		Dir:         dir,
		ID:          id,
		Compression: cc,
		Logger:      quietLogger(),
	})
}

func listCommand(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("list requires a data directory")
	}
	dir := args[0]

	ids, err := tableIDs(dir)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("No table files found")
		return nil
	}

	fmt.Printf("%-8s %-10s %-10s %-24s %s\n", "ID", "Size", "Entries", "First key", "Last key")
	var totalBytes int64
	var totalEntries uint64
	for _, id := range ids {
		r, err := openReader(dir, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "table %d: %v\n", id, err)
			continue
		}
		m := r.Meta()
		fmt.Printf("%-8d %-10s %-10d %-24s %s\n",
			m.ID, formatBytes(m.Size), m.NumEntries,
			printableKey(m.FirstKey, 22), printableKey(m.LastKey, 22))
		totalBytes += m.Size
		totalEntries += m.NumEntries
		r.Close()
	}
	fmt.Printf("\n%d tables, %s, %d entries\n", len(ids), formatBytes(totalBytes), totalEntries)
	return nil
}

func dumpCommand(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("dump requires a data directory and a table id")
	}
	dir := args[0]
	id, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid table id: %s", args[1])
	}

	r, err := openReader(dir, id)
	if err != nil {
		return err
	}
	defer r.Close()

	fmt.Printf("Table %d (%s, %d entries)\n\n", id, formatBytes(r.Size()), r.Meta().NumEntries)
	fmt.Printf("%-6s %-28s %-8s %s\n", "#", "Key", "Kind", "Value")

	it := r.NewIterator()
	defer it.Close()

	count := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		count++
		kind := "SET"
		if it.Kind() == keys.KindDelete {
			kind = "DELETE"
		}
		fmt.Printf("%-6d %-28s %-8s %s\n", count, printableKey(it.Key(), 26), kind, printableValue(it.Value(), 40))
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("iterate table %d: %w", id, err)
	}
	fmt.Printf("\n%d entries\n", count)
	return nil
}

func verifyCommand(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("verify requires a data directory")
	}
	dir := args[0]

	ids, err := tableIDs(dir)
	if err != nil {
		return err
	}

	bad := 0
	for _, id := range ids {
		if err := verifyTable(dir, id); err != nil {
			fmt.Printf("table %d: FAIL: %v\n", id, err)
			bad++
		} else {
			fmt.Printf("table %d: ok\n", id)
		}
	}
	if bad > 0 {
		return fmt.Errorf("%d of %d tables failed verification", bad, len(ids))
	}
	fmt.Printf("\nAll %d tables verified\n", len(ids))
	return nil
}

// verifyTable re-reads every entry and checks that keys ascend
// strictly and the entry count matches the block headers.
func verifyTable(dir string, id uint64) error {
	r, err := openReader(dir, id)
	if err != nil {
		return err
	}
	defer r.Close()

	it := r.NewIterator()
	defer it.Close()

	var prev keys.UserKey
	var count uint64
	for it.SeekToFirst(); it.Valid(); it.Next() {
		key := it.Key()
		if prev != nil && prev.Compare(key) >= 0 {
			return fmt.Errorf("key order violation at entry %d: %q after %q", count, key, prev)
		}
		prev = key.Clone()
		count++
	}
	if err := it.Error(); err != nil {
		return err
	}
	if count != r.Meta().NumEntries {
		return fmt.Errorf("entry count %d does not match block headers %d", count, r.Meta().NumEntries)
	}
	return nil
}

func printableKey(k keys.UserKey, max int) string {
	return truncate(printableString(k), max)
}

func printableValue(v []byte, max int) string {
	if v == nil {
		return "-"
	}
	return truncate(printableString(v), max)
}

func printableString(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		if c >= 0x20 && c < 0x7f {
			sb.WriteByte(c)
		} else {
			fmt.Fprintf(&sb, "\\x%02x", c)
		}
	}
	return sb.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGT"[exp])
}
