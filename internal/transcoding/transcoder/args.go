package transcoder

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Brocrad/Obselis-sub002/internal/database"
	"github.com/Brocrad/Obselis-sub002/internal/transcoding/analyzer"
)

// argsRequest collects everything the builder needs for one encoder pass
type argsRequest struct {
	inputPath  string
	outputPath string
	settings   *database.TranscodeSettings
	target     analyzer.QualityTarget
	encoder    string
	gpuDevice  string
	pass       int    // 0 for single pass, 1 or 2 for two-pass
	passLog    string // two-pass stats file prefix
}

// buildArgs constructs the ffmpeg argument list for one encoder pass
func buildArgs(req argsRequest) []string {
	var args []string

	// Hardware device setup comes before the input
	if strings.HasSuffix(req.encoder, "_vaapi") {
		device := req.gpuDevice
		if device == "" {
			device = "/dev/dri/renderD128"
		}
		args = append(args, "-vaapi_device", device)
	}

	args = append(args, "-i", req.inputPath)

	args = append(args, "-c:v", req.encoder)

	// Rate control: CRF when requested, otherwise the target's bitrate ladder.
	// NVENC and VAAPI use their own quality flags.
	switch {
	case strings.HasSuffix(req.encoder, "_nvenc"):
		if req.settings.Quality > 0 {
			args = append(args, "-cq", strconv.Itoa(req.settings.Quality))
		} else {
			args = append(args, "-b:v", bitrateArg(req.target.VideoBitrate))
		}
	case strings.HasSuffix(req.encoder, "_vaapi"):
		if req.settings.Quality > 0 {
			args = append(args, "-qp", strconv.Itoa(req.settings.Quality))
		} else {
			args = append(args, "-b:v", bitrateArg(req.target.VideoBitrate))
		}
	case req.pass > 0:
		// Two-pass encodes target an average bitrate, not CRF
		args = append(args, "-b:v", bitrateArg(req.target.VideoBitrate))
		args = append(args, "-pass", strconv.Itoa(req.pass), "-passlogfile", req.passLog)
	case req.settings.Quality > 0:
		args = append(args, "-crf", strconv.Itoa(req.settings.Quality))
	default:
		args = append(args, "-crf", "23")
	}

	if req.settings.Preset != "" {
		args = append(args, "-preset", req.settings.Preset)
	}

	if !IsHardwareEncoder(req.encoder) {
		args = append(args, "-threads", strconv.Itoa(encoderThreads()))
	}

	args = append(args, "-vf", videoFilter(req))

	if req.pass == 1 {
		// First pass analyzes only; no audio, no container
		args = append(args, "-an", "-f", "null", "/dev/null")
		return args
	}

	audioCodec := req.settings.AudioCodec
	if audioCodec == "" {
		audioCodec = "aac"
	}
	args = append(args, "-c:a", audioEncoder(audioCodec))

	audioBitrate := req.settings.AudioBitrate
	if audioBitrate == "" {
		audioBitrate = "128k"
	}
	args = append(args, "-b:a", audioBitrate)

	if req.settings.CopyMetadata {
		args = append(args, "-map_metadata", "0")
	} else {
		args = append(args, "-map_metadata", "-1")
	}

	args = append(args, "-movflags", "+faststart")
	args = append(args, "-y", req.outputPath)

	return args
}

// videoFilter builds the -vf chain: scale to the target height (never
// upscale), plus optional deinterlacing and subtitle burn-in.
func videoFilter(req argsRequest) string {
	var filters []string

	if req.settings.Deinterlace {
		filters = append(filters, "yadif")
	}

	if req.settings.BurnSubtitles {
		filters = append(filters, fmt.Sprintf("subtitles=%s", escapeFilterPath(req.inputPath)))
	}

	scale := fmt.Sprintf("scale=-2:'min(%d,ih)'", req.target.Height)
	if strings.HasSuffix(req.encoder, "_vaapi") {
		filters = append(filters, "format=nv12", "hwupload",
			fmt.Sprintf("scale_vaapi=-2:'min(%d,ih)'", req.target.Height))
	} else {
		filters = append(filters, scale)
	}

	return strings.Join(filters, ",")
}

// escapeFilterPath escapes characters ffmpeg's filter parser treats specially
func escapeFilterPath(path string) string {
	replacer := strings.NewReplacer(
		`\`, `\\`,
		`:`, `\:`,
		`'`, `\'`,
		`[`, `\[`,
		`]`, `\]`,
		`,`, `\,`,
	)
	return replacer.Replace(path)
}

// audioEncoder maps generic codec names to specific encoders
func audioEncoder(codec string) string {
	switch codec {
	case "aac":
		return "aac"
	case "mp3":
		return "libmp3lame"
	case "opus":
		return "libopus"
	case "ac3":
		return "ac3"
	default:
		return codec
	}
}

func bitrateArg(bps int64) string {
	return fmt.Sprintf("%dk", bps/1000)
}
