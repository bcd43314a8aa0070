// Package analyzer probes candidate inputs with ffprobe and decides whether
// transcoding them to a given quality target is worthwhile.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"

	txerrors "github.com/Brocrad/Obselis-sub002/internal/transcoding/errors"
)

// CommandRunner interface for command execution (enables mocking in tests)
type CommandRunner interface {
	Run(ctx context.Context, cmd string, args ...string) ([]byte, error)
}

// DefaultCommandRunner implements CommandRunner using os/exec
type DefaultCommandRunner struct{}

// Run executes a command using os/exec
func (r *DefaultCommandRunner) Run(ctx context.Context, cmd string, args ...string) ([]byte, error) {
	command := exec.CommandContext(ctx, cmd, args...)
	return command.Output()
}

// QualityTarget describes one output rendition profile
type QualityTarget struct {
	Name         string
	Height       int
	VideoBitrate int64 // target bits per second
}

// qualityTargets maps quality labels to rendition profiles. Bitrates follow
// common H.264 streaming ladders.
var qualityTargets = map[string]QualityTarget{
	"2160p": {Name: "2160p", Height: 2160, VideoBitrate: 16_000_000},
	"1080p": {Name: "1080p", Height: 1080, VideoBitrate: 5_000_000},
	"720p":  {Name: "720p", Height: 720, VideoBitrate: 2_800_000},
	"480p":  {Name: "480p", Height: 480, VideoBitrate: 1_400_000},
	"360p":  {Name: "360p", Height: 360, VideoBitrate: 800_000},
}

// Target looks up the profile for a quality label
func Target(quality string) (QualityTarget, bool) {
	t, ok := qualityTargets[quality]
	return t, ok
}

// Analysis is the result of probing one input against one quality target
type Analysis struct {
	Codec                   string
	Width                   int
	Height                  int
	Duration                time.Duration
	Bitrate                 int64 // bits per second
	Size                    int64 // bytes
	IsCorrupt               bool
	ShouldTranscode         bool
	EstimatedSavingsPercent float64
}

// probeResult mirrors ffprobe's JSON output
type probeResult struct {
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
		Size     string `json:"size"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		BitRate   string `json:"bit_rate"`
	} `json:"streams"`
}

// Analyzer probes media files using ffprobe
type Analyzer struct {
	logger                hclog.Logger
	runner                CommandRunner
	ffprobePath           string
	minCompressionPercent float64
}

// New creates an analyzer with the default command runner
func New(logger hclog.Logger, minCompressionPercent float64) *Analyzer {
	return NewWithRunner(logger, minCompressionPercent, &DefaultCommandRunner{})
}

// NewWithRunner creates an analyzer with a custom command runner (for testing)
func NewWithRunner(logger hclog.Logger, minCompressionPercent float64, runner CommandRunner) *Analyzer {
	ffprobePath := "ffprobe"
	if customPath := os.Getenv("FFPROBE_PATH"); customPath != "" {
		ffprobePath = customPath
	}

	return &Analyzer{
		logger:                logger.Named("analyzer"),
		runner:                runner,
		ffprobePath:           ffprobePath,
		minCompressionPercent: minCompressionPercent,
	}
}

// Analyze probes the input and decides whether transcoding it to the given
// quality is worthwhile. Corrupt or unreadable inputs return an analysis
// error, which the job manager treats as non-recoverable.
func (a *Analyzer) Analyze(ctx context.Context, path string, quality string) (*Analysis, error) {
	target, ok := Target(quality)
	if !ok {
		return nil, txerrors.AnalysisError("analyze",
			fmt.Errorf("unknown quality target: %s", quality))
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, txerrors.AnalysisError("analyze",
			fmt.Errorf("input not readable: %w", err))
	}
	if info.Size() == 0 {
		return nil, txerrors.AnalysisError("analyze", txerrors.ErrCorruptInput)
	}

	output, err := a.runner.Run(ctx, a.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return nil, txerrors.AnalysisError("probe",
			fmt.Errorf("%w: ffprobe failed: %v", txerrors.ErrCorruptInput, err))
	}

	var result probeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, txerrors.AnalysisError("probe",
			fmt.Errorf("failed to parse ffprobe output: %w", err))
	}

	analysis := &Analysis{Size: info.Size()}

	for _, stream := range result.Streams {
		if stream.CodecType == "video" {
			analysis.Codec = stream.CodecName
			analysis.Width = stream.Width
			analysis.Height = stream.Height
			break
		}
	}

	if result.Format.Duration != "" {
		seconds, err := strconv.ParseFloat(result.Format.Duration, 64)
		if err == nil {
			analysis.Duration = time.Duration(seconds * float64(time.Second))
		}
	}
	if result.Format.BitRate != "" {
		if br, err := strconv.ParseInt(result.Format.BitRate, 10, 64); err == nil {
			analysis.Bitrate = br
		}
	}

	// A file with no decodable video stream or zero duration is unfixable
	if analysis.Codec == "" {
		analysis.IsCorrupt = true
		return analysis, txerrors.AnalysisError("analyze",
			fmt.Errorf("%w: no video stream", txerrors.ErrCorruptInput))
	}
	if analysis.Duration <= 0 {
		analysis.IsCorrupt = true
		return analysis, txerrors.AnalysisError("analyze", txerrors.ErrZeroDuration)
	}

	// Derive bitrate from size when the container doesn't report one
	if analysis.Bitrate == 0 {
		analysis.Bitrate = int64(float64(analysis.Size*8) / analysis.Duration.Seconds())
	}

	analysis.EstimatedSavingsPercent = a.estimateSavings(analysis, target)
	analysis.ShouldTranscode = analysis.EstimatedSavingsPercent >= a.minCompressionPercent

	a.logger.Debug("analyzed input",
		"path", path,
		"codec", analysis.Codec,
		"resolution", fmt.Sprintf("%dx%d", analysis.Width, analysis.Height),
		"duration", analysis.Duration,
		"bitrate", analysis.Bitrate,
		"quality", quality,
		"estimated_savings_percent", analysis.EstimatedSavingsPercent,
		"should_transcode", analysis.ShouldTranscode)

	return analysis, nil
}

// estimateSavings compares the source bitrate against the target profile's
// bitrate. A source already below the target, or already smaller than the
// target resolution, promises little to no savings.
func (a *Analyzer) estimateSavings(analysis *Analysis, target QualityTarget) float64 {
	if analysis.Bitrate <= 0 {
		return 0
	}

	effectiveTarget := target.VideoBitrate
	if analysis.Height > 0 && analysis.Height < target.Height {
		// Upscaling gains nothing; estimate against the source's own height
		// by scaling the target bitrate down proportionally.
		effectiveTarget = int64(float64(target.VideoBitrate) *
			float64(analysis.Height) / float64(target.Height))
	}

	if analysis.Bitrate <= effectiveTarget {
		return 0
	}

	savings := (1 - float64(effectiveTarget)/float64(analysis.Bitrate)) * 100
	if savings < 0 {
		savings = 0
	}
	return savings
}
