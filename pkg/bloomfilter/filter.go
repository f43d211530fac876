// Package bloomfilter implements a standard counting-free Bloom filter
// sized from an expected element count and a target false-positive
// probability, used by pkg/verifier as the probabilistic first pass of
// its replay cache (spec.md §4.5).
package bloomfilter

import (
	"encoding/binary"
	"hash"
	"hash/fnv"
	"math"
)

// Filter is a fixed-size Bloom filter over arbitrary byte-slice keys.
type Filter struct {
	bits       []uint64
	numBits    uint
	numHashes  uint
}

// NewFilter sizes a Filter for n expected elements at the given target
// false-positive probability. falsePositiveProbability is clamped to
// (0, 1); values outside that range fall back to 0.01.
func NewFilter(n int, falsePositiveProbability float64) *Filter {
	if n <= 0 {
		n = 1
	}
	if falsePositiveProbability <= 0 || falsePositiveProbability >= 1 {
		falsePositiveProbability = 0.01
	}

	numBits := optimalNumBits(n, falsePositiveProbability)
	numHashes := optimalNumHashes(n, numBits)

	return &Filter{
		bits:      make([]uint64, (numBits+63)/64),
		numBits:   numBits,
		numHashes: numHashes,
	}
}

func optimalNumBits(n int, p float64) uint {
	m := math.Ceil(-1 * float64(n) * math.Log(p) / (math.Ln2 * math.Ln2))
	if m < 1 {
		m = 1
	}
	return uint(m)
}

func optimalNumHashes(n int, numBits uint) uint {
	k := math.Round(float64(numBits) / float64(n) * math.Ln2)
	if k < 1 {
		k = 1
	}
	return uint(k)
}

// Add inserts id into the filter.
func (f *Filter) Add(id []byte) {
	h1, h2 := baseHashes(id)
	for i := uint(0); i < f.numHashes; i++ {
		bit := f.indexFor(h1, h2, i)
		f.bits[bit/64] |= 1 << (bit % 64)
	}
}

// Contains reports whether id was possibly added to the filter. A
// false result is certain; a true result may be a false positive.
func (f *Filter) Contains(id []byte) bool {
	h1, h2 := baseHashes(id)
	for i := uint(0); i < f.numHashes; i++ {
		bit := f.indexFor(h1, h2, i)
		if f.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

func (f *Filter) indexFor(h1, h2 uint64, i uint) uint64 {
	return (h1 + uint64(i)*h2) % uint64(f.numBits)
}

// baseHashes computes the two independent hashes Add/Contains combine
// via double hashing (Kirsch-Mitzenmacher) to simulate numHashes
// independent hash functions from just two.
func baseHashes(id []byte) (uint64, uint64) {
	h1 := newHash64(0)
	h1.Write(id)
	sum1 := h1.Sum64()

	h2 := newHash64(1)
	h2.Write(id)
	sum2 := h2.Sum64()

	return sum1, sum2
}

func newHash64(seed uint32) hash64 {
	h := fnv.New64a()
	var seedBytes [4]byte
	binary.BigEndian.PutUint32(seedBytes[:], seed)
	_, _ = h.Write(seedBytes[:])
	return hash64{h}
}

type hash64 struct {
	hash.Hash64
}

func (h hash64) Write(p []byte) {
	_, _ = h.Hash64.Write(p)
}
