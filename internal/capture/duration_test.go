package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func TestAccumulator_PauseResumeCycles(t *testing.T) {
	var a Accumulator
	now := epoch

	a.Open(now)
	now = now.Add(3 * time.Second)
	assert.Equal(t, 3*time.Second, a.Close(now))

	// paused time is not counted
	now = now.Add(5 * time.Second)
	assert.Equal(t, 3*time.Second, a.Elapsed(now))

	a.Open(now)
	now = now.Add(2 * time.Second)
	assert.Equal(t, 5*time.Second, a.Elapsed(now))
	assert.Equal(t, 5*time.Second, a.Close(now))
	assert.Equal(t, int64(5000), a.AccumulatedMs())
	assert.False(t, a.Running())
}

func TestAccumulator_OpenIsIdempotent(t *testing.T) {
	var a Accumulator
	a.Open(epoch)
	a.Open(epoch.Add(time.Second))
	assert.Equal(t, epoch, a.OpenedAt())
	assert.Equal(t, 2*time.Second, a.Close(epoch.Add(2*time.Second)))
}

func TestAccumulator_CloseWithoutOpen(t *testing.T) {
	var a Accumulator
	assert.Equal(t, time.Duration(0), a.Close(epoch))
	assert.Equal(t, time.Duration(0), a.Accumulated())
}

func TestAccumulator_ClockStepBackwards(t *testing.T) {
	var a Accumulator
	a.Open(epoch)
	assert.Equal(t, 2*time.Second, a.Elapsed(epoch.Add(2*time.Second)))

	// wall clock jumps back; elapsed holds instead of decreasing
	assert.Equal(t, 2*time.Second, a.Elapsed(epoch.Add(time.Second)))
	assert.Equal(t, 2*time.Second, a.Close(epoch.Add(-time.Minute)))
	assert.Equal(t, 2*time.Second, a.Accumulated())
}

func TestTickRemainder(t *testing.T) {
	cases := []struct {
		elapsed time.Duration
		want    time.Duration
	}{
		{0, time.Second},
		{2500 * time.Millisecond, 500 * time.Millisecond},
		{3 * time.Second, time.Second},
		{3999 * time.Millisecond, time.Millisecond},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, TickRemainder(tc.elapsed), "elapsed=%s", tc.elapsed)
	}
}

func TestFormatElapsed(t *testing.T) {
	assert.Equal(t, "00:00:00", FormatElapsed(0))
	assert.Equal(t, "00:00:00", FormatElapsed(-time.Second))
	assert.Equal(t, "00:00:05", FormatElapsed(5999*time.Millisecond))
	assert.Equal(t, "00:01:05", FormatElapsed(65*time.Second))
	assert.Equal(t, "01:01:01", FormatElapsed(time.Hour+time.Minute+time.Second))
	assert.Equal(t, "100:00:00", FormatElapsed(100*time.Hour))
}
