// Package transcoder runs ffmpeg encodes with hardware acceleration,
// one-shot software fallback, and output validation.
package transcoder

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/Brocrad/Obselis-sub002/internal/database"
	"github.com/Brocrad/Obselis-sub002/internal/transcoding/analyzer"
	txerrors "github.com/Brocrad/Obselis-sub002/internal/transcoding/errors"
	"github.com/Brocrad/Obselis-sub002/internal/transcoding/progress"
)

// Executor runs an encoder process and streams its stderr lines to a
// callback (enables mocking in tests)
type Executor interface {
	Run(ctx context.Context, onLine func(string), cmd string, args ...string) error
}

// DefaultExecutor implements Executor using os/exec
type DefaultExecutor struct{}

// Run executes a command, feeding each stderr line to onLine. The returned
// error carries the tail of stderr so failures can be classified.
func (e *DefaultExecutor) Run(ctx context.Context, onLine func(string), cmd string, args ...string) error {
	command := exec.CommandContext(ctx, cmd, args...)

	stderr, err := command.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := command.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", cmd, err)
	}

	var tail []string
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if onLine != nil {
			onLine(line)
		}
		tail = append(tail, line)
		if len(tail) > 20 {
			tail = tail[1:]
		}
	}

	if err := command.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s exited: %w: %s", cmd, err, strings.Join(tail, "\n"))
	}
	return nil
}

// Config holds the transcoder's slice of the engine configuration
type Config struct {
	TempDirectory        string
	EnableGPU            bool
	GPUDevice            string
	PreventDataInflation bool
}

// Output describes one successfully encoded rendition, still at its
// temporary path
type Output struct {
	TempPath         string
	OriginalSize     int64
	TranscodedSize   int64
	CompressionRatio float64
	Encoder          string
	UsedHardware     bool
}

// Transcoder encodes renditions of an input file
type Transcoder struct {
	logger     hclog.Logger
	cfg        Config
	detector   *Detector
	exec       Executor
	ffmpegPath string
}

// New creates a transcoder with the default executor
func New(logger hclog.Logger, cfg Config, detector *Detector) *Transcoder {
	return NewWithExecutor(logger, cfg, detector, &DefaultExecutor{})
}

// NewWithExecutor creates a transcoder with a custom executor (for testing)
func NewWithExecutor(logger hclog.Logger, cfg Config, detector *Detector, executor Executor) *Transcoder {
	ffmpegPath := "ffmpeg"
	if customPath := os.Getenv("FFMPEG_PATH"); customPath != "" {
		ffmpegPath = customPath
	}

	return &Transcoder{
		logger:     logger.Named("transcoder"),
		cfg:        cfg,
		detector:   detector,
		exec:       executor,
		ffmpegPath: ffmpegPath,
	}
}

// Transcode encodes one quality rendition of the job's input into the temp
// directory. Hardware encodes that fail with a hardware error are retried
// once on the software encoder before giving up. The returned output remains
// at its temporary path until the storage manager publishes it.
func (t *Transcoder) Transcode(ctx context.Context, job *database.TranscodingJob, quality string, analysis *analyzer.Analysis, onProgress func(progress.Update)) (*Output, error) {
	target, ok := analyzer.Target(quality)
	if !ok {
		return nil, txerrors.InternalError("transcode",
			fmt.Errorf("unknown quality target: %s", quality)).WithJob(job.ID).WithQuality(quality)
	}

	settings, err := job.GetSettings()
	if err != nil {
		return nil, txerrors.InternalError("transcode", err).WithJob(job.ID)
	}

	// Two-pass rate control is unsupported by the hardware paths
	allowHardware := t.cfg.EnableGPU && settings.EnableHardwareAcceleration && !settings.TwoPass
	encoder, usedHardware := t.detector.BestEncoder(settings.VideoCodec, allowHardware)

	tempPath := filepath.Join(t.cfg.TempDirectory,
		fmt.Sprintf("%s_%s.partial.mp4", job.ID, quality))

	err = t.encode(ctx, job, quality, settings, target, encoder, tempPath, analysis, onProgress)
	if err != nil && usedHardware && isHardwareError(err) && ctx.Err() == nil {
		t.logger.Warn("hardware encode failed, falling back to software",
			"job_id", job.ID, "quality", quality, "encoder", encoder, "error", err)
		os.Remove(tempPath)

		encoder = SoftwareEncoder(settings.VideoCodec)
		usedHardware = false
		err = t.encode(ctx, job, quality, settings, target, encoder, tempPath, analysis, onProgress)
	}

	if err != nil {
		os.Remove(tempPath)
		if ctx.Err() != nil {
			return nil, txerrors.New(txerrors.ErrorTypeEncode, "transcode",
				txerrors.ErrCancelled).WithJob(job.ID).WithQuality(quality)
		}
		return nil, txerrors.EncodeError("transcode",
			fmt.Errorf("%w: %v", txerrors.ErrEncoderExit, err)).WithJob(job.ID).WithQuality(quality)
	}

	output, err := t.validate(job, quality, tempPath, encoder, usedHardware, analysis.Size)
	if err != nil {
		os.Remove(tempPath)
		return nil, err
	}

	t.logger.Info("rendition encoded",
		"job_id", job.ID,
		"quality", quality,
		"encoder", encoder,
		"original_size", output.OriginalSize,
		"transcoded_size", output.TranscodedSize,
		"compression_ratio", fmt.Sprintf("%.2f", output.CompressionRatio))

	return output, nil
}

// encode runs one or two ffmpeg passes for a single rendition
func (t *Transcoder) encode(ctx context.Context, job *database.TranscodingJob, quality string, settings *database.TranscodeSettings, target analyzer.QualityTarget, encoder, tempPath string, analysis *analyzer.Analysis, onProgress func(progress.Update)) error {
	converter := progress.NewConverter(analysis.Duration)
	onLine := func(line string) {
		if update, ok := converter.Convert(line); ok && onProgress != nil {
			onProgress(update)
		}
	}

	req := argsRequest{
		inputPath:  job.InputPath,
		outputPath: tempPath,
		settings:   settings,
		target:     target,
		encoder:    encoder,
		gpuDevice:  t.cfg.GPUDevice,
	}

	if settings.TwoPass {
		req.passLog = filepath.Join(t.cfg.TempDirectory,
			fmt.Sprintf("%s_%s.2pass", job.ID, quality))
		defer func() {
			matches, _ := filepath.Glob(req.passLog + "*")
			for _, m := range matches {
				os.Remove(m)
			}
		}()

		req.pass = 1
		if err := t.exec.Run(ctx, nil, t.ffmpegPath, buildArgs(req)...); err != nil {
			return err
		}
		req.pass = 2
	}

	return t.exec.Run(ctx, onLine, t.ffmpegPath, buildArgs(req)...)
}

// validate checks the encoded output before it can be published
func (t *Transcoder) validate(job *database.TranscodingJob, quality, tempPath, encoder string, usedHardware bool, originalSize int64) (*Output, error) {
	info, err := os.Stat(tempPath)
	if err != nil {
		return nil, txerrors.IOError("validate", err).WithJob(job.ID).WithQuality(quality)
	}

	if info.Size() == 0 {
		return nil, txerrors.ValidationError("validate",
			txerrors.ErrZeroByteOutput).WithJob(job.ID).WithQuality(quality)
	}

	if t.cfg.PreventDataInflation && info.Size() > originalSize {
		return nil, txerrors.ValidationError("validate",
			fmt.Errorf("%w: %d > %d bytes", txerrors.ErrOutputInflated,
				info.Size(), originalSize)).WithJob(job.ID).WithQuality(quality)
	}

	return &Output{
		TempPath:         tempPath,
		OriginalSize:     originalSize,
		TranscodedSize:   info.Size(),
		CompressionRatio: 1 - float64(info.Size())/float64(originalSize),
		Encoder:          encoder,
		UsedHardware:     usedHardware,
	}, nil
}

// isHardwareError checks whether an encoder failure looks like a hardware
// acceleration problem rather than a bad input
func isHardwareError(err error) bool {
	msg := strings.ToLower(err.Error())
	patterns := []string{
		"function not implemented",
		"no device available",
		"failed to initialize",
		"device creation failed",
		"cannot load",
		"vaapi",
		"nvenc",
	}
	for _, pattern := range patterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
