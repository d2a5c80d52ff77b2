package capture

// orderBetween returns the fractional order key of a node inserted between
// prev and next (nil when absent). Keys are never rebalanced: repeated
// insertion at the same point eventually exhausts float precision, which
// the caller detects through the exhausted flag.
func orderBetween(prev, next *float64) (key float64, exhausted bool) {
	switch {
	case prev != nil && next != nil:
		key = (*prev + *next) / 2
		return key, !(*prev < key && key < *next)
	case prev != nil:
		return *prev + 1, false
	case next != nil:
		return *next - 1, false
	}
	return 0, false
}
