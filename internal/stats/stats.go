// Package stats holds the pure numeric helpers used to derive ping and
// jitter figures from raw round-trip samples. No I/O, no state.
package stats

import (
	"errors"
	"math"
	"sort"
)

var ErrEmptyInput = errors.New("stats: empty input")

// Median sorts a copy of values and returns the midpoint (average of the
// two central elements for an even count).
func Median(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, ErrEmptyInput
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2, nil
	}
	return sorted[mid], nil
}

func Mean(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, ErrEmptyInput
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values)), nil
}

// SampleStdDev returns the unbiased (N-1) standard deviation.
// Fewer than two samples have no spread, so the result is 0, not an error.
func SampleStdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean, _ := Mean(values)
	var sum float64
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)-1))
}

// PingAndJitter derives the (median, stddev) pair from raw round-trip
// samples in milliseconds.
func PingAndJitter(samples []float64) (pingMs, jitterMs float64, err error) {
	med, err := Median(samples)
	if err != nil {
		return 0, 0, err
	}
	return med, SampleStdDev(samples), nil
}
