// Package bloom implements the per-block membership filter carried
// inside every sorted-table data block. The serialized form is part
// of the table file format, so layout changes here are format
// changes.
package bloom

import (
	"encoding/binary"
	"errors"
	"math"
	"math/rand/v2"
)

// ErrTruncated is returned when Load runs off the end of its input.
var ErrTruncated = errors.New("bloom: truncated filter data")

const wordBytes = 8

// Filter is a classic k-hash bloom filter over a []uint64 bit array.
// The hash family is a polynomial rolling hash keyed by k random
// seeds. Cheap to compute and the seed multiplicity supplies the
// dispersion.
type Filter struct {
	length uint64   // bit-array length in bits
	seeds  []uint64 // one per hash function
	words  []uint64
}

// New sizes a filter for n expected inserts at target false-positive
// rate p. The 2.35 widening factor buys headroom over the textbook
// optimum; the +1 keeps a degenerate n=0 or tiny-m filter non-empty.
func New(n int, p float64) *Filter {
	if n < 1 {
		n = 1
	}
	m := uint64(-math.Log(p)*float64(n)/(math.Ln2*math.Ln2)*2.35) + 1
	k := max(1, int(0.69*float64(m)/float64(n)))

	f := &Filter{
		length: m,
		seeds:  make([]uint64, k),
		words:  make([]uint64, m/64+1),
	}
	for i := range f.seeds {
		f.seeds[i] = rand.Uint64()
	}
	return f
}

func hash(s []byte, seed uint64) uint64 {
	var res uint64
	for _, b := range s {
		res = res*seed + uint64(b)
	}
	return res
}

// Insert sets the k bits for key. Re-inserting the same key is
// harmless.
func (f *Filter) Insert(key []byte) {
	for _, seed := range f.seeds {
		bit := hash(key, seed) % f.length
		f.words[bit/64] |= 1 << (bit & 63)
	}
}

// MayContain reports whether key might be present. False means
// definitely absent; true means probably present, at the
// false-positive rate the filter was sized for.
func (f *Filter) MayContain(key []byte) bool {
	for _, seed := range f.seeds {
		bit := hash(key, seed) % f.length
		if f.words[bit/64]&(1<<(bit&63)) == 0 {
			return false
		}
	}
	return true
}

// pad returns the byte count between the end of the seed list and the
// start of the bit array. The header is always word-aligned already,
// so this lands on a full word of padding every time. That quirk is
// baked into existing files and has to stay.
func pad(index int) int {
	return wordBytes - (index & (wordBytes - 1))
}

// BinarySize returns the exact number of bytes Save will produce.
func (f *Filter) BinarySize() int {
	header := 2*wordBytes + len(f.seeds)*wordBytes
	return header + pad(header) + len(f.words)*wordBytes
}

// Save appends the serialized filter to dst and returns the extended
// slice. Layout: [k][m][seed_0..seed_k-1][pad][bit words], all fields
// 8-byte little endian.
func (f *Filter) Save(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, uint64(len(f.seeds)))
	dst = binary.LittleEndian.AppendUint64(dst, f.length)
	for _, seed := range f.seeds {
		dst = binary.LittleEndian.AppendUint64(dst, seed)
	}
	for range pad(2*wordBytes + len(f.seeds)*wordBytes) {
		dst = append(dst, 0)
	}
	for _, w := range f.words {
		dst = binary.LittleEndian.AppendUint64(dst, w)
	}
	return dst
}

// Load parses a filter from the front of src and returns the number
// of bytes consumed. The bit array is copied out, so src does not
// need to outlive the filter.
func Load(src []byte) (*Filter, int, error) {
	if len(src) < 2*wordBytes {
		return nil, 0, ErrTruncated
	}
	k := binary.LittleEndian.Uint64(src)
	m := binary.LittleEndian.Uint64(src[wordBytes:])
	index := 2 * wordBytes

	if k == 0 || m == 0 || k > 64 {
		return nil, 0, ErrTruncated
	}
	if len(src) < index+int(k)*wordBytes {
		return nil, 0, ErrTruncated
	}
	f := &Filter{
		length: m,
		seeds:  make([]uint64, k),
		words:  make([]uint64, m/64+1),
	}
	for i := range f.seeds {
		f.seeds[i] = binary.LittleEndian.Uint64(src[index:])
		index += wordBytes
	}
	index += pad(index)
	if len(src) < index+len(f.words)*wordBytes {
		return nil, 0, ErrTruncated
	}
	for i := range f.words {
		f.words[i] = binary.LittleEndian.Uint64(src[index:])
		index += wordBytes
	}
	return f, index, nil
}
