// Package order allocates fractional sort keys for document rows.
//
// Keys are float64 values. Inserting between two existing rows takes the
// midpoint of their keys, so no sibling ever needs renumbering. Repeated
// insertion at one fixed point halves the gap each time and eventually
// exhausts float64 precision; Rebalance exists for that case and is only
// ever invoked explicitly by the admin surface.
package order

import "sort"

// KeyBetween returns a key strictly between prev and next.
// Either bound may be nil: nil prev means "before the first row",
// nil next means "after the last row", both nil means an empty list.
func KeyBetween(prev, next *float64) float64 {
	switch {
	case prev != nil && next != nil:
		return (*prev + *next) / 2
	case prev != nil:
		return *prev + 1
	case next != nil:
		return *next - 1
	default:
		return 1
	}
}

// InsertAfter computes the key for a row placed immediately after the row
// holding targetKey, given the current ordered key sequence. orderedKeys must
// be sorted ascending. The second return is false when targetKey is not
// present in the sequence.
func InsertAfter(targetKey float64, orderedKeys []float64) (float64, bool) {
	idx := sort.SearchFloat64s(orderedKeys, targetKey)
	if idx >= len(orderedKeys) || orderedKeys[idx] != targetKey {
		return 0, false
	}
	prev := orderedKeys[idx]
	if idx+1 < len(orderedKeys) {
		next := orderedKeys[idx+1]
		return KeyBetween(&prev, &next), true
	}
	return KeyBetween(&prev, nil), true
}

// Degenerate reports whether two adjacent keys have collapsed to the point
// where no midpoint distinct from both can be represented.
func Degenerate(prev, next float64) bool {
	mid := (prev + next) / 2
	return mid == prev || mid == next
}

// Rebalance maps n existing keys onto 1..n, preserving order. It returns a
// fresh slice; callers persist the result and broadcast the full new order.
func Rebalance(orderedKeys []float64) []float64 {
	out := make([]float64, len(orderedKeys))
	for i := range orderedKeys {
		out[i] = float64(i + 1)
	}
	return out
}
