package util

import (
	"math"

	gometrics "github.com/rcrowley/go-metrics"
)

// ----------------------------------------------------------------------------
// Distribution statistics
// ----------------------------------------------------------------------------

type Stats struct {
	StdDeviation float64 `json:"std_deviation"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Mean         float64 `json:"mean"`
	MinMaxRatio  float64 `json:"min_max_ratio"`
}

// NewStats computes the population standard deviation, minimum, maximum and mean.
func NewStats(values []int64) Stats {
	if len(values) == 0 {
		return Stats{}
	}

	s := Stats{
		StdDeviation: gometrics.SampleStdDev(values),
		Min:          float64(gometrics.SampleMin(values)),
		Max:          float64(gometrics.SampleMax(values)),
		Mean:         gometrics.SampleMean(values),
		MinMaxRatio:  1.0,
	}
	if s.Max > 0 {
		s.MinMaxRatio = s.Min / s.Max
	}
	return s
}

type DistributionStats struct {
	Stats
	DistributionQuality float64 `json:"distribution_quality"`
}

// NewDistributionStats rates how evenly entries are spread over segments.
// A quality of 1 means every segment holds the same number of entries.
func NewDistributionStats(perSegment []int64) DistributionStats {
	stats := NewStats(perSegment)

	// coefficient of variation
	var cv float64
	if stats.Mean > 0 {
		cv = stats.StdDeviation / stats.Mean
	}

	return DistributionStats{
		Stats:               stats,
		DistributionQuality: (1.0-math.Min(1.0, cv))*0.5 + stats.MinMaxRatio*0.5,
	}
}

// ----------------------------------------------------------------------------
// Size sampling
// ----------------------------------------------------------------------------

// NewSizeSample returns a histogram over a uniform reservoir of capacity sizes,
// used to estimate value size percentiles without a full scan.
func NewSizeSample(capacity int) gometrics.Histogram {
	return gometrics.NewHistogram(gometrics.NewUniformSample(capacity))
}
