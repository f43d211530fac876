package canon

import "strconv"

func formatInt(i int64) string {
	return strconv.FormatInt(i, 10)
}

func formatUint(u uint64) string {
	return strconv.FormatUint(u, 10)
}

// formatFloat renders f with the fewest digits that round-trip,
// without a trailing ".0" for whole numbers and without exponent
// notation, per spec.md §4.1's "without trailing zeros" rule.
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
