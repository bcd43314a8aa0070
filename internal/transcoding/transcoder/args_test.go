package transcoder

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brocrad/Obselis-sub002/internal/database"
	"github.com/Brocrad/Obselis-sub002/internal/transcoding/analyzer"
)

func target(t *testing.T, quality string) analyzer.QualityTarget {
	t.Helper()
	tgt, ok := analyzer.Target(quality)
	require.True(t, ok)
	return tgt
}

func TestBuildArgs_Software(t *testing.T) {
	args := buildArgs(argsRequest{
		inputPath:  "/in.mkv",
		outputPath: "/tmp/out.mp4",
		settings:   &database.TranscodeSettings{Quality: 20, Preset: "slow"},
		target:     target(t, "1080p"),
		encoder:    "libx264",
	})
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-i /in.mkv")
	assert.Contains(t, joined, "-c:v libx264")
	assert.Contains(t, joined, "-crf 20")
	assert.Contains(t, joined, "-preset slow")
	assert.Contains(t, joined, "-threads")
	assert.Contains(t, joined, "scale=-2:'min(1080,ih)'")
	assert.Contains(t, joined, "-c:a aac")
	assert.Contains(t, joined, "-b:a 128k")
	assert.Contains(t, joined, "-movflags +faststart")
	assert.Equal(t, "/tmp/out.mp4", args[len(args)-1])
}

func TestBuildArgs_VAAPI(t *testing.T) {
	args := buildArgs(argsRequest{
		inputPath:  "/in.mkv",
		outputPath: "/tmp/out.mp4",
		settings:   &database.TranscodeSettings{},
		target:     target(t, "720p"),
		encoder:    "h264_vaapi",
		gpuDevice:  "/dev/dri/renderD129",
	})
	joined := strings.Join(args, " ")

	// Device setup precedes the input
	assert.Less(t, strings.Index(joined, "-vaapi_device"), strings.Index(joined, "-i "))
	assert.Contains(t, joined, "-vaapi_device /dev/dri/renderD129")
	assert.Contains(t, joined, "hwupload")
	assert.Contains(t, joined, "scale_vaapi=-2:'min(720,ih)'")
	assert.NotContains(t, joined, "-threads")
}

func TestBuildArgs_FirstPass(t *testing.T) {
	args := buildArgs(argsRequest{
		inputPath:  "/in.mkv",
		outputPath: "/tmp/out.mp4",
		settings:   &database.TranscodeSettings{TwoPass: true},
		target:     target(t, "1080p"),
		encoder:    "libx264",
		pass:       1,
		passLog:    "/tmp/job.2pass",
	})
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-pass 1")
	assert.Contains(t, joined, "-passlogfile /tmp/job.2pass")
	assert.Contains(t, joined, "-b:v 5000k")
	assert.Contains(t, joined, "-an -f null /dev/null")
	assert.NotContains(t, joined, "-c:a")
	assert.NotContains(t, joined, "-crf")
}

func TestBuildArgs_Filters(t *testing.T) {
	args := buildArgs(argsRequest{
		inputPath:  "/media/It's Here.mkv",
		outputPath: "/tmp/out.mp4",
		settings: &database.TranscodeSettings{
			Deinterlace:   true,
			BurnSubtitles: true,
		},
		target:  target(t, "480p"),
		encoder: "libx264",
	})
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "yadif")
	assert.Contains(t, joined, `subtitles=/media/It\'s Here.mkv`)
	// Deinterlace and burn-in run before the scale
	assert.Less(t, strings.Index(joined, "yadif"), strings.Index(joined, "scale="))
}

func TestBuildArgs_Metadata(t *testing.T) {
	keep := buildArgs(argsRequest{
		inputPath:  "/in.mkv",
		outputPath: "/tmp/out.mp4",
		settings:   &database.TranscodeSettings{CopyMetadata: true},
		target:     target(t, "1080p"),
		encoder:    "libx264",
	})
	assert.Contains(t, strings.Join(keep, " "), "-map_metadata 0")

	strip := buildArgs(argsRequest{
		inputPath:  "/in.mkv",
		outputPath: "/tmp/out.mp4",
		settings:   &database.TranscodeSettings{},
		target:     target(t, "1080p"),
		encoder:    "libx264",
	})
	assert.Contains(t, strings.Join(strip, " "), "-map_metadata -1")
}
