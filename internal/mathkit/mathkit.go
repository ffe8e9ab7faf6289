// Package mathkit provides the numeric primitives shared by the scoring
// engine, the backfill reducers and the normalization builder. All functions
// are pure and deterministic.
package mathkit

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// minCoverage is the fraction of non-null samples a rolling window must
// contain before a value is emitted.
const minCoverage = 0.8

// ClampNorm maps v linearly into [0, 1] against the [lo, hi] bounds, clamping
// values outside the range. A degenerate range (hi == lo) yields 0.5 so that
// stale or single-valued histories contribute a neutral component instead of
// dividing by zero.
func ClampNorm(v, lo, hi float64) float64 {
	if hi == lo {
		return 0.5
	}
	n := (v - lo) / (hi - lo)
	return math.Max(0, math.Min(1, n))
}

// Round1 rounds to one decimal digit.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// RollingLogReturnStdDev computes the trailing sample standard deviation of
// log returns over the close series. The result has the same length as the
// input; position i is nil when fewer than window prior observations exist or
// when the trailing window covers fewer than 80% non-null returns.
func RollingLogReturnStdDev(closes []*float64, window int) []*float64 {
	out := make([]*float64, len(closes))
	if window < 2 || len(closes) < 2 {
		return out
	}

	// Log returns; nil where either endpoint is missing or non-positive.
	returns := make([]*float64, len(closes))
	for i := 1; i < len(closes); i++ {
		prev, cur := closes[i-1], closes[i]
		if prev == nil || cur == nil || *prev <= 0 || *cur <= 0 {
			continue
		}
		r := math.Log(*cur / *prev)
		returns[i] = &r
	}

	for i := window; i < len(closes); i++ {
		sample := make([]float64, 0, window)
		for k := i - window + 1; k <= i; k++ {
			if returns[k] != nil {
				sample = append(sample, *returns[k])
			}
		}
		if float64(len(sample)) < minCoverage*float64(window) || len(sample) < 2 {
			continue
		}
		sd := stat.StdDev(sample, nil)
		out[i] = &sd
	}
	return out
}

// RollingMean computes the trailing mean over the series with the same 80%
// non-null coverage gating as RollingLogReturnStdDev.
func RollingMean(values []*float64, window int) []*float64 {
	out := make([]*float64, len(values))
	if window < 1 {
		return out
	}
	for i := window - 1; i < len(values); i++ {
		sample := make([]float64, 0, window)
		for k := i - window + 1; k <= i; k++ {
			if values[k] != nil {
				sample = append(sample, *values[k])
			}
		}
		if float64(len(sample)) < minCoverage*float64(window) {
			continue
		}
		m := stat.Mean(sample, nil)
		out[i] = &m
	}
	return out
}

// PercentChange returns ((v - ref) / |ref|) * 100. The second return is false
// when ref is zero, in which case the change is undefined.
func PercentChange(v, ref float64) (float64, bool) {
	if ref == 0 {
		return 0, false
	}
	return (v - ref) / math.Abs(ref) * 100, true
}

// Percentile returns the p-th percentile (0-100) of values using linear
// interpolation on the fractional rank p/100*(n-1) over the sorted sample.
// The input is not modified.
func Percentile(values []float64, p float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

// Median returns the median of a non-empty sequence.
func Median(values []float64) float64 {
	return Percentile(values, 50)
}
