// lsmcalc prints the level layout and bloom filter overhead the
// engine would use for a given configuration. Handy for sizing a
// deployment before writing any data.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/twlk9/raftdb"
	"github.com/twlk9/raftdb/bloom"
	"github.com/twlk9/raftdb/sstable"
)

func main() {
	memtable := flag.Int64("memtable", raftdb.DefaultMemtableMaxSize, "memtable size in bytes")
	maxLevels := flag.Int("levels", 0, "level count (0 = engine default)")
	blockSize := flag.Int("block", sstable.DefaultBlockSize, "SST block size in bytes")
	fpRate := flag.Float64("fp", sstable.DefaultBloomFPRate, "bloom false positive rate")
	entrySize := flag.Int("entry", 128, "average key+value bytes, for per-block bloom sizing")
	flag.Parse()

	opts := raftdb.DefaultOptions()
	opts.Path = "."
	opts.MemtableMaxSize = *memtable
	opts.BlockSize = *blockSize
	opts.BloomFPRate = *fpRate
	if *maxLevels > 0 {
		opts.MaxLevels = *maxLevels
	}
	if err := opts.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Level layout (%d levels, bottom never compacts):\n", opts.MaxLevels)
	var total int64
	for level := 0; level < opts.MaxLevels; level++ {
		max := opts.LevelMaxBytes(level)
		total += max
		note := ""
		if level == opts.MaxLevels-1 {
			note = "  (bottom, unbounded in practice)"
		}
		fmt.Printf("  L%d: compacts above %s%s\n", level, formatBytes(max), note)
	}
	fmt.Printf("  capacity before the bottom level grows: %s\n\n", formatBytes(total))

	entriesPerBlock := *blockSize / *entrySize
	if entriesPerBlock < 1 {
		entriesPerBlock = 1
	}
	f := bloom.New(entriesPerBlock, *fpRate)
	size := f.BinarySize()
	fmt.Printf("Bloom filters (fp rate %.4f):\n", *fpRate)
	fmt.Printf("  ~%d entries per %s block -> %s filter (%.2f bits/key)\n",
		entriesPerBlock, formatBytes(int64(*blockSize)), formatBytes(int64(size)),
		float64(size*8)/float64(entriesPerBlock))
	fmt.Printf("  filter overhead: %.2f%% of block payload\n",
		100*float64(size)/float64(*blockSize))
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(1024), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGT"[exp])
}
