package utils

import "math"

// Round rounds a float64 value to 2 decimal places
// Used for percentages and ratios reported to callers
func Round(val float64) float64 {
	return math.Round(val*100) / 100
}

// Ratio returns part/whole rounded to 2 decimal places, or 0 when whole is 0
func Ratio(part, whole uint64) float64 {
	if whole == 0 {
		return 0
	}
	return Round(float64(part) / float64(whole))
}

// SubCounter returns after-before for monotonic OS counters.
// A counter that went backwards (reset or wrap) yields 0.
func SubCounter(before, after uint64) uint64 {
	if after < before {
		return 0
	}
	return after - before
}
