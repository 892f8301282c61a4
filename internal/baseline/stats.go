// Package baseline maintains a running statistical profile of syscall call
// rates per (pid, syscall number), using Welford's online algorithm so that
// mean and variance can be updated one sample at a time without keeping any
// history.
package baseline

import "math"

// Stats is a Welford accumulator for a single (pid, syscall) counter. All
// fields are exported with JSON tags; the store's on-disk files use its own
// fileRecord shape, copied from these fields.
type Stats struct {
	Count uint64  `json:"count"`
	Mean  float64 `json:"mean"`
	M2    float64 `json:"m2"`
	Min   uint64  `json:"min"`
	Max   uint64  `json:"max"`
}

// Update folds a new observation (a per-scrape-interval count for this
// syscall) into the running statistics.
func (s *Stats) Update(value uint64) {
	s.Count++
	if s.Count == 1 || value < s.Min {
		s.Min = value
	}
	if value > s.Max {
		s.Max = value
	}

	fv := float64(value)
	delta := fv - s.Mean
	s.Mean += delta / float64(s.Count)
	delta2 := fv - s.Mean
	s.M2 += delta * delta2
}

// StdDev returns the sample standard deviation, or 0 if fewer than two
// observations have been folded in (the population is too small for a
// variance estimate to be meaningful).
func (s *Stats) StdDev() float64 {
	if s.Count < 2 {
		return 0
	}
	variance := s.M2 / float64(s.Count-1)
	if variance < 0 {
		// Guards against floating point error driving variance slightly
		// negative for near-constant series.
		variance = 0
	}
	return math.Sqrt(variance)
}

// ZScore returns how many standard deviations value is from the running
// mean. When StdDev is 0 (constant or single-sample series) and value
// differs from the mean, it returns +Inf so that any deviation from a
// perfectly flat baseline is treated as maximally anomalous rather than
// silently ignored by a division by zero.
func (s *Stats) ZScore(value uint64) float64 {
	stddev := s.StdDev()
	if stddev == 0 {
		if float64(value) == s.Mean {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(float64(value)-s.Mean) / stddev
}
