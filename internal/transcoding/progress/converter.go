// Package progress interprets ffmpeg's stderr output to extract real-time
// transcoding progress, and throttles how often that progress is published.
package progress

import (
	"regexp"
	"strconv"
	"time"
)

// Compiled once; Convert runs on every stderr line
var (
	frameRegex = regexp.MustCompile(`frame=\s*(\d+)`)
	fpsRegex   = regexp.MustCompile(`fps=\s*([\d.]+)`)
	sizeRegex  = regexp.MustCompile(`size=\s*(\d+)kB`)
	timeRegex  = regexp.MustCompile(`time=(\d+):(\d+):(\d+\.\d+)`)
	speedRegex = regexp.MustCompile(`speed=\s*([\d.]+)x`)
)

// Update is one parsed progress sample from an encoder process
type Update struct {
	Frame           int64
	FPS             float64
	Time            time.Duration
	Speed           float64
	BytesWritten    int64
	PercentComplete float64
	TimeElapsed     time.Duration
	TimeRemaining   time.Duration
}

// Converter converts ffmpeg stderr lines into progress updates for one
// encode. It needs the input's total duration to compute percentages.
type Converter struct {
	startTime     time.Time
	totalDuration time.Duration
	lastBytes     int64
}

// NewConverter creates a converter for an encode of the given duration
func NewConverter(totalDuration time.Duration) *Converter {
	return &Converter{
		startTime:     time.Now(),
		totalDuration: totalDuration,
	}
}

// Convert parses one stderr line. The second return value is false when the
// line carries no progress information.
//
// Example line:
// frame= 1234 fps=25.0 q=28.0 size=  10240kB time=00:00:51.20 bitrate=1638.4kbits/s speed=1.05x
func (c *Converter) Convert(line string) (Update, bool) {
	update := Update{TimeElapsed: time.Since(c.startTime)}
	matched := false

	if match := frameRegex.FindStringSubmatch(line); match != nil {
		update.Frame, _ = strconv.ParseInt(match[1], 10, 64)
		matched = true
	}

	if match := fpsRegex.FindStringSubmatch(line); match != nil {
		update.FPS, _ = strconv.ParseFloat(match[1], 64)
		matched = true
	}

	if match := sizeRegex.FindStringSubmatch(line); match != nil {
		kb, _ := strconv.ParseInt(match[1], 10, 64)
		update.BytesWritten = kb * 1024
		c.lastBytes = update.BytesWritten
		matched = true
	} else {
		update.BytesWritten = c.lastBytes
	}

	if match := timeRegex.FindStringSubmatch(line); match != nil {
		hours, _ := strconv.Atoi(match[1])
		mins, _ := strconv.Atoi(match[2])
		secs, _ := strconv.ParseFloat(match[3], 64)
		update.Time = time.Duration(hours)*time.Hour +
			time.Duration(mins)*time.Minute +
			time.Duration(secs*float64(time.Second))
		matched = true

		if c.totalDuration > 0 {
			update.PercentComplete = float64(update.Time) / float64(c.totalDuration) * 100
			if update.PercentComplete > 100 {
				update.PercentComplete = 100
			}
		}
	}

	if match := speedRegex.FindStringSubmatch(line); match != nil {
		update.Speed, _ = strconv.ParseFloat(match[1], 64)
		matched = true
	}

	if update.PercentComplete > 0 && update.PercentComplete < 100 {
		elapsed := float64(update.TimeElapsed)
		total := elapsed / (update.PercentComplete / 100)
		update.TimeRemaining = time.Duration(total - elapsed)
	}

	return update, matched
}

// OverallPercent maps per-quality progress into overall job progress.
// A job with three qualities sits at 33% when the first finishes.
func OverallPercent(completedQualities, totalQualities int, currentPercent float64) float64 {
	if totalQualities <= 0 {
		return 0
	}
	overall := (float64(completedQualities) + currentPercent/100) /
		float64(totalQualities) * 100
	if overall > 100 {
		overall = 100
	}
	return overall
}
