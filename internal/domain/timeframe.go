package domain

import "strconv"

// DefaultIntervalMS is the interval assumed for empty or unparseable
// timeframe strings. Cached series are keyed by the raw string, so this
// fallback must stay at one minute.
const DefaultIntervalMS int64 = 60_000

const (
	minuteMS int64 = 60_000
	hourMS   int64 = 60 * minuteMS
	dayMS    int64 = 24 * hourMS
)

// TimeframeMillis converts a timeframe such as "15m", "4h", "1d", "1w" or
// "1M" into its nominal interval in milliseconds. "M" is a calendar month
// approximated as 30 days; lower-case "m" is minutes. Anything that is not a
// positive integer followed by a known unit yields DefaultIntervalMS.
func TimeframeMillis(tf string) int64 {
	if len(tf) < 2 {
		return DefaultIntervalMS
	}
	mult, err := strconv.ParseInt(tf[:len(tf)-1], 10, 64)
	if err != nil || mult <= 0 {
		return DefaultIntervalMS
	}
	switch tf[len(tf)-1] {
	case 'm':
		return mult * minuteMS
	case 'h', 'H':
		return mult * hourMS
	case 'd', 'D':
		return mult * dayMS
	case 'w', 'W':
		return mult * 7 * dayMS
	case 'M':
		return mult * 30 * dayMS
	}
	return DefaultIntervalMS
}
