package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistributionStats(t *testing.T) {
	even := NewDistributionStats([]int64{10, 10, 10, 10})
	assert.Equal(t, 10.0, even.Mean)
	assert.Zero(t, even.StdDeviation)
	assert.Equal(t, 1.0, even.DistributionQuality)

	skewed := NewDistributionStats([]int64{0, 0, 0, 40})
	assert.Equal(t, 40.0, skewed.Max)
	assert.Zero(t, skewed.MinMaxRatio)
	assert.Less(t, skewed.DistributionQuality, even.DistributionQuality)

	assert.Zero(t, NewDistributionStats(nil).Mean)
}

func TestSizeSample(t *testing.T) {
	h := NewSizeSample(100)
	for i := 1; i <= 9; i++ {
		h.Update(int64(i))
	}
	assert.Equal(t, int64(9), h.Count())
	assert.Equal(t, 5.0, h.Percentile(0.5))
	assert.Equal(t, 5.0, h.Mean())
}
