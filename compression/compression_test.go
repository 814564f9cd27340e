package compression

import (
	"bytes"
	"strings"
	"testing"
)

// compressibleData builds a payload with enough repetition that every
// codec should beat the reduction threshold.
func compressibleData(n int) []byte {
	return []byte(strings.Repeat("the quick brown fox jumps over the lazy dog ", n/44+1))[:n]
}

func TestCompressorRoundTrip(t *testing.T) {
	configs := []Config{
		DefaultConfig(),
		SnappyConfig(),
		S2Config(),
		ZstdConfig(),
		NoCompressionConfig(),
	}

	src := compressibleData(8192)
	for _, cfg := range configs {
		t.Run(cfg.Type.String(), func(t *testing.T) {
			c, err := NewCompressor(cfg)
			if err != nil {
				t.Fatalf("NewCompressor: %v", err)
			}

			compressed, applied, err := c.Compress(nil, src)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			if cfg.Type != None && !applied {
				t.Fatalf("%s should compress repetitive data", cfg.Type)
			}

			var out []byte
			if applied {
				out, err = Decompress(make([]byte, len(src)), compressed, c.Type())
			} else {
				out = compressed
			}
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if !bytes.Equal(out, src) {
				t.Fatalf("%s round trip mismatch: got %d bytes want %d", cfg.Type, len(out), len(src))
			}
		})
	}
}

func TestIncompressibleDataStoredRaw(t *testing.T) {
	// High-entropy bytes, nothing for the codec to find
	src := make([]byte, 4096)
	seed := uint32(0x9e3779b9)
	for i := range src {
		seed = seed*1664525 + 1013904223
		src[i] = byte(seed >> 24)
	}

	for _, cfg := range []Config{DefaultConfig(), SnappyConfig(), S2Config()} {
		c, err := NewCompressor(cfg)
		if err != nil {
			t.Fatalf("NewCompressor: %v", err)
		}
		out, applied, err := c.Compress(nil, src)
		if err != nil {
			t.Fatalf("Compress: %v", err)
		}
		if applied {
			t.Errorf("%s claimed to compress random bytes", cfg.Type)
		}
		if !bytes.Equal(out, src) {
			t.Errorf("%s raw passthrough mangled data", cfg.Type)
		}
	}
}

func TestDisabledConfigSkipsCompression(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	c, err := NewCompressor(cfg)
	if err != nil {
		t.Fatalf("NewCompressor: %v", err)
	}
	if c.Type() != None {
		t.Errorf("disabled config should yield the none compressor, got %s", c.Type())
	}
}

func TestCodecTagsRoundTrip(t *testing.T) {
	for _, typ := range []Type{LZ4, Snappy, Zstd, S2} {
		got, err := TypeForTag(typ.Tag())
		if err != nil {
			t.Fatalf("TypeForTag(%s): %v", typ, err)
		}
		if got != typ {
			t.Errorf("tag round trip: %s -> %d -> %s", typ, typ.Tag(), got)
		}
	}

	// Legacy files set only the compressed bit; tag 0 must mean LZ4.
	if got, _ := TypeForTag(0); got != LZ4 {
		t.Errorf("tag 0 should decode as lz4, got %s", got)
	}
}

func TestParseType(t *testing.T) {
	for s, want := range map[string]Type{
		"none": None, "lz4": LZ4, "snappy": Snappy, "zstd": Zstd, "s2": S2, "": None,
	} {
		got, err := ParseType(s)
		if err != nil || got != want {
			t.Errorf("ParseType(%q) = %v, %v; want %v", s, got, err, want)
		}
	}
	if _, err := ParseType("brotli"); err == nil {
		t.Error("ParseType should reject unknown codec names")
	}
}
