package oracle

import (
	"math"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

const maxHashes = 30

// Filter is a Bloom filter over strings. Add and Test are safe for
// concurrent use: bits are only ever set, one word at a time, atomically.
type Filter struct {
	bits  []uint64
	m     uint64
	k     uint32
	added atomic.Uint64
}

// NewFilter sizes a filter for n items at false-positive rate p.
func NewFilter(n int, p float64) *Filter {
	if n < 1 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	m := math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2))
	k := uint32(math.Round(m / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > maxHashes {
		k = maxHashes
	}
	words := (uint64(m) + 63) / 64
	if words == 0 {
		words = 1
	}
	return &Filter{
		bits: make([]uint64, words),
		m:    words * 64,
		k:    k,
	}
}

// locations derives the k bit positions of s from one 64-bit hash split
// into two 32-bit halves: g_i = h1 + i*h2 mod m.
func (f *Filter) locations(s string, fn func(word uint64, mask uint64) bool) {
	h := xxhash.Sum64String(s)
	h1 := h & 0xffffffff
	h2 := h>>32 | 1
	for i := uint64(0); i < uint64(f.k); i++ {
		idx := (h1 + i*h2) % f.m
		if !fn(idx/64, 1<<(idx%64)) {
			return
		}
	}
}

func (f *Filter) Add(s string) {
	f.locations(s, func(word, mask uint64) bool {
		atomic.OrUint64(&f.bits[word], mask)
		return true
	})
	f.added.Add(1)
}

// Test reports false only if s was never added.
func (f *Filter) Test(s string) bool {
	present := true
	f.locations(s, func(word, mask uint64) bool {
		if atomic.LoadUint64(&f.bits[word])&mask == 0 {
			present = false
			return false
		}
		return true
	})
	return present
}

// Bits is the size of the bit array.
func (f *Filter) Bits() uint64 { return f.m }

// Hashes is the number of bit positions per item.
func (f *Filter) Hashes() uint32 { return f.k }

// Added counts Add calls, repeats included.
func (f *Filter) Added() uint64 { return f.added.Load() }

// EstimatedFalsePositiveRate is (1 - e^(-kn/m))^k for the items added so far.
func (f *Filter) EstimatedFalsePositiveRate() float64 {
	n := float64(f.added.Load())
	k := float64(f.k)
	return math.Pow(1-math.Exp(-k*n/float64(f.m)), k)
}
