package analyzer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	txerrors "github.com/Brocrad/Obselis-sub002/internal/transcoding/errors"
)

// mockRunner returns canned ffprobe output
type mockRunner struct {
	output []byte
	err    error
}

func (m *mockRunner) Run(ctx context.Context, cmd string, args ...string) ([]byte, error) {
	return m.output, m.err
}

func writeTestInput(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.mkv")
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0644))
	return path
}

const probeJSON = `{
	"format": {"duration": "3600.0", "bit_rate": "12000000", "size": "5400000000"},
	"streams": [
		{"codec_type": "audio", "codec_name": "aac"},
		{"codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080}
	]
}`

func TestAnalyze_HighBitrateSource(t *testing.T) {
	a := NewWithRunner(hclog.NewNullLogger(), 10, &mockRunner{output: []byte(probeJSON)})

	analysis, err := a.Analyze(context.Background(), writeTestInput(t, 1024), "1080p")
	require.NoError(t, err)

	assert.Equal(t, "h264", analysis.Codec)
	assert.Equal(t, 1920, analysis.Width)
	assert.Equal(t, 1080, analysis.Height)
	assert.Equal(t, time.Hour, analysis.Duration)
	assert.Equal(t, int64(12_000_000), analysis.Bitrate)
	assert.False(t, analysis.IsCorrupt)

	// 12 Mbps source against a 5 Mbps target saves well over the 10% floor
	assert.True(t, analysis.ShouldTranscode)
	assert.InDelta(t, 58.3, analysis.EstimatedSavingsPercent, 0.1)
}

func TestAnalyze_AlreadyCompressed(t *testing.T) {
	json := `{
		"format": {"duration": "3600.0", "bit_rate": "3000000"},
		"streams": [{"codec_type": "video", "codec_name": "hevc", "width": 1920, "height": 1080}]
	}`
	a := NewWithRunner(hclog.NewNullLogger(), 10, &mockRunner{output: []byte(json)})

	analysis, err := a.Analyze(context.Background(), writeTestInput(t, 1024), "1080p")
	require.NoError(t, err)

	// Source bitrate below the target promises no savings
	assert.False(t, analysis.ShouldTranscode)
	assert.Equal(t, float64(0), analysis.EstimatedSavingsPercent)
}

func TestAnalyze_LowResolutionSource(t *testing.T) {
	json := `{
		"format": {"duration": "600.0", "bit_rate": "6000000"},
		"streams": [{"codec_type": "video", "codec_name": "h264", "width": 854, "height": 480}]
	}`
	a := NewWithRunner(hclog.NewNullLogger(), 10, &mockRunner{output: []byte(json)})

	analysis, err := a.Analyze(context.Background(), writeTestInput(t, 1024), "1080p")
	require.NoError(t, err)

	// Savings estimated against the source height, not the full 1080p target
	assert.True(t, analysis.ShouldTranscode)
	assert.Greater(t, analysis.EstimatedSavingsPercent, 50.0)
}

func TestAnalyze_CorruptInput(t *testing.T) {
	a := NewWithRunner(hclog.NewNullLogger(), 10,
		&mockRunner{err: errors.New("exit status 1")})

	_, err := a.Analyze(context.Background(), writeTestInput(t, 1024), "1080p")
	require.Error(t, err)

	assert.Equal(t, txerrors.ErrorTypeAnalysis, txerrors.GetType(err))
	assert.False(t, txerrors.IsRecoverable(err))
	assert.ErrorIs(t, err, txerrors.ErrCorruptInput)
}

func TestAnalyze_ZeroDuration(t *testing.T) {
	json := `{
		"format": {"duration": "0.0"},
		"streams": [{"codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080}]
	}`
	a := NewWithRunner(hclog.NewNullLogger(), 10, &mockRunner{output: []byte(json)})

	analysis, err := a.Analyze(context.Background(), writeTestInput(t, 1024), "1080p")
	require.Error(t, err)
	assert.True(t, analysis.IsCorrupt)
	assert.ErrorIs(t, err, txerrors.ErrZeroDuration)
	assert.False(t, txerrors.IsRecoverable(err))
}

func TestAnalyze_NoVideoStream(t *testing.T) {
	json := `{
		"format": {"duration": "3600.0"},
		"streams": [{"codec_type": "audio", "codec_name": "flac"}]
	}`
	a := NewWithRunner(hclog.NewNullLogger(), 10, &mockRunner{output: []byte(json)})

	analysis, err := a.Analyze(context.Background(), writeTestInput(t, 1024), "1080p")
	require.Error(t, err)
	assert.True(t, analysis.IsCorrupt)
	assert.ErrorIs(t, err, txerrors.ErrCorruptInput)
}

func TestAnalyze_MissingFile(t *testing.T) {
	a := NewWithRunner(hclog.NewNullLogger(), 10, &mockRunner{output: []byte(probeJSON)})

	_, err := a.Analyze(context.Background(), "/nonexistent/input.mkv", "1080p")
	require.Error(t, err)
	assert.Equal(t, txerrors.ErrorTypeAnalysis, txerrors.GetType(err))
}

func TestAnalyze_UnknownQuality(t *testing.T) {
	a := NewWithRunner(hclog.NewNullLogger(), 10, &mockRunner{output: []byte(probeJSON)})

	_, err := a.Analyze(context.Background(), writeTestInput(t, 1024), "144p")
	require.Error(t, err)
	assert.False(t, txerrors.IsRecoverable(err))
}

func TestAnalyze_DerivedBitrate(t *testing.T) {
	// No bit_rate in the container; derived from size and duration
	json := `{
		"format": {"duration": "100.0"},
		"streams": [{"codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080}]
	}`
	a := NewWithRunner(hclog.NewNullLogger(), 10, &mockRunner{output: []byte(json)})

	analysis, err := a.Analyze(context.Background(), writeTestInput(t, 1_000_000), "1080p")
	require.NoError(t, err)
	assert.Equal(t, int64(80_000), analysis.Bitrate)
}

func TestTarget(t *testing.T) {
	target, ok := Target("720p")
	require.True(t, ok)
	assert.Equal(t, 720, target.Height)

	_, ok = Target("8000p")
	assert.False(t, ok)
}
