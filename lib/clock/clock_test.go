package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSystemIsCloseToWallClock(t *testing.T) {
	before := uint64(time.Now().UnixNano())
	got := System{}.CurrentTime()
	after := uint64(time.Now().UnixNano())

	assert.GreaterOrEqual(t, got, before)
	assert.LessOrEqual(t, got, after)
}

func TestManual(t *testing.T) {
	m := NewManual(5)
	assert.Equal(t, uint64(5), m.CurrentTime())

	assert.Equal(t, uint64(15), m.Advance(10))
	assert.Equal(t, uint64(15), m.CurrentTime())
	assert.Equal(t, uint64(15+time.Second), m.Advance(time.Second))

	m.Set(3)
	assert.Equal(t, uint64(3), m.CurrentTime())
}

func TestIntervalBetween(t *testing.T) {
	start := uint64(time.Second)
	assert.Equal(t, 250*time.Millisecond, IntervalBetween(start, start+uint64(250*time.Millisecond)))
	assert.Equal(t, time.Duration(0), IntervalBetween(1250, 1000))
	assert.Equal(t, time.Duration(0), IntervalBetween(7, 7))
}
