package teststore

import (
	"testing"

	"github.com/dreadstar/meshcore/private/kvstore/testsuite"
)

func TestSuite(t *testing.T) {
	testsuite.RunTests(t, New())
}
func BenchmarkSuite(b *testing.B) {
	testsuite.RunBenchmarks(b, New())
}
