// Package indicators computes technical series over float slices. Every
// function returns a slice aligned with its input, padded with NaN until
// enough samples have been seen.
package indicators

import "math"

// SMA returns the simple moving average over period p.
func SMA(x []float64, p int) []float64 {
	if p <= 0 {
		return nil
	}
	out := make([]float64, len(x))
	var sum float64
	for i, v := range x {
		sum += v
		if i >= p {
			sum -= x[i-p]
		}
		if i < p-1 {
			out[i] = math.NaN()
			continue
		}
		out[i] = sum / float64(p)
	}
	return out
}

// EMA returns the exponential moving average with smoothing 2/(p+1). The
// first defined value, at index p-1, is the SMA of the first p samples.
func EMA(x []float64, p int) []float64 {
	if p <= 0 {
		return nil
	}
	out := make([]float64, len(x))
	for i := range out {
		out[i] = math.NaN()
	}
	if len(x) < p {
		return out
	}
	var seed float64
	for _, v := range x[:p] {
		seed += v
	}
	out[p-1] = seed / float64(p)
	k := 2.0 / float64(p+1)
	for i := p; i < len(x); i++ {
		out[i] = out[i-1] + k*(x[i]-out[i-1])
	}
	return out
}

// CrossedAbove reports whether a crossed from at-or-below b to above b at
// index i. NaN inputs never cross.
func CrossedAbove(a, b []float64, i int) bool {
	if i < 1 || i >= len(a) || i >= len(b) {
		return false
	}
	return a[i] > b[i] && a[i-1] <= b[i-1]
}

// CrossedBelow reports whether a crossed from at-or-above b to below b at
// index i.
func CrossedBelow(a, b []float64, i int) bool {
	if i < 1 || i >= len(a) || i >= len(b) {
		return false
	}
	return a[i] < b[i] && a[i-1] >= b[i-1]
}
