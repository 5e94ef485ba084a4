package fetch

import "barreplay/internal/domain"

// HasGap reports whether any two adjacent bars are more than 1.5 intervals
// apart. The comparison is done in integers: 2*delta > 3*interval.
func HasGap(bars []domain.Bar, interval int64) bool {
	if interval <= 0 {
		return false
	}
	for i := 1; i < len(bars); i++ {
		if 2*(bars[i].TS-bars[i-1].TS) > 3*interval {
			return true
		}
	}
	return false
}

// Sufficient reports whether n bars cover at least 90% of expected.
func Sufficient(n, expected int) bool {
	return n >= int(float64(expected)*0.9)
}

// Acceptable reports whether a cached window can be returned as is: it is
// non-empty, gap-free, and dense enough for expected bars.
func Acceptable(bars []domain.Bar, interval int64, expected int) bool {
	return len(bars) > 0 && !HasGap(bars, interval) && Sufficient(len(bars), expected)
}
