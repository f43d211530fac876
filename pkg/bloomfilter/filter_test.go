package bloomfilter

import (
	"crypto/rand"
	"os"
	"testing"
)

var ids [][]byte
var nbIDsInFilter int
var totalNbIDs int
var falsePositiveProbability float64

// generates 1 million random ids, adds 95% of them to the bloom
// filter, and then checks all of them against the bloom filter.

func TestMain(m *testing.M) {
	totalNbIDs = 1000000
	nbIDsInFilter = 950000
	ids = GenerateIDs(totalNbIDs)
	falsePositiveProbability = 0.1
	os.Exit(m.Run())
}

func TestNoFalseNegative(t *testing.T) {
	filter := NewFilter(len(ids), falsePositiveProbability)
	for _, id := range ids[:nbIDsInFilter] {
		filter.Add(id)
	}

	for _, id := range ids[:nbIDsInFilter] {
		if !filter.Contains(id) {
			t.Fatal("filter returns false negative!")
		}
	}
}

func TestBoundedFalsePositiveRate(t *testing.T) {
	filter := NewFilter(len(ids), falsePositiveProbability)
	for _, id := range ids[:nbIDsInFilter] {
		filter.Add(id)
	}

	falsePositives := 0
	notInFilter := ids[nbIDsInFilter:]
	for _, id := range notInFilter {
		if filter.Contains(id) {
			falsePositives++
		}
	}

	rate := float64(falsePositives) / float64(len(notInFilter))
	// allow generous slack over the target: this sizes the filter, it
	// does not guarantee the realized rate down to the decimal.
	if rate > falsePositiveProbability*2 {
		t.Fatalf("false positive rate %f exceeds 2x target %f", rate, falsePositiveProbability)
	}
}

// GenerateIDs generates n random 32-byte ids.
func GenerateIDs(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		id := make([]byte, 32)
		_, _ = rand.Read(id)
		out[i] = id
	}
	return out
}
