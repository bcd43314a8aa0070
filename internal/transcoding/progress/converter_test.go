package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvert_FullLine(t *testing.T) {
	c := NewConverter(100 * time.Second)

	update, ok := c.Convert("frame= 1234 fps=25.0 q=28.0 size=  10240kB time=00:00:50.00 bitrate=1638.4kbits/s speed=1.05x")
	require.True(t, ok)

	assert.Equal(t, int64(1234), update.Frame)
	assert.Equal(t, 25.0, update.FPS)
	assert.Equal(t, int64(10240*1024), update.BytesWritten)
	assert.Equal(t, 50*time.Second, update.Time)
	assert.Equal(t, 1.05, update.Speed)
	assert.InDelta(t, 50.0, update.PercentComplete, 0.1)
	assert.Greater(t, update.TimeRemaining, time.Duration(0))
}

func TestConvert_NonProgressLine(t *testing.T) {
	c := NewConverter(time.Minute)

	_, ok := c.Convert("Stream #0:0(und): Video: h264 (High), yuv420p")
	assert.False(t, ok)
}

func TestConvert_PercentCapped(t *testing.T) {
	c := NewConverter(10 * time.Second)

	update, ok := c.Convert("time=00:00:12.00 speed=1.0x")
	require.True(t, ok)
	assert.Equal(t, 100.0, update.PercentComplete)
}

func TestConvert_UnknownDuration(t *testing.T) {
	c := NewConverter(0)

	update, ok := c.Convert("time=00:00:12.00 speed=1.0x")
	require.True(t, ok)
	assert.Equal(t, 0.0, update.PercentComplete)
}

func TestOverallPercent(t *testing.T) {
	tests := []struct {
		name      string
		completed int
		total     int
		current   float64
		want      float64
	}{
		{"first quality halfway", 0, 2, 50, 25},
		{"second quality starting", 1, 2, 0, 50},
		{"all done", 2, 2, 0, 100},
		{"single quality", 0, 1, 80, 80},
		{"three qualities one done", 1, 3, 0, 33.33},
		{"no qualities", 0, 0, 50, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, OverallPercent(tt.completed, tt.total, tt.current), 0.1)
		})
	}
}

