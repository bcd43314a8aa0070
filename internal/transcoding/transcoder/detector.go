package transcoder

import (
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v4/cpu"
)

// HardwareInfo contains information about available hardware acceleration
type HardwareInfo struct {
	Available bool
	Type      string
	Encoders  map[string][]string
}

// Detector detects available hardware acceleration. Detection shells out to
// nvidia-smi and ffmpeg, so results are cached.
type Detector struct {
	logger    hclog.Logger
	gpuDevice string

	hwInfo       *HardwareInfo
	lastDetect   time.Time
	encoderCheck func(string) bool
	mu           sync.RWMutex
}

// NewDetector creates a hardware detector probing the given render device
func NewDetector(logger hclog.Logger, gpuDevice string) *Detector {
	d := &Detector{
		logger:    logger.Named("hardware"),
		gpuDevice: gpuDevice,
	}
	d.encoderCheck = d.isEncoderAvailable
	return d
}

// NewDetectorWithInfo creates a detector with pre-seeded results (for
// testing); every listed encoder is treated as available.
func NewDetectorWithInfo(logger hclog.Logger, info *HardwareInfo) *Detector {
	return &Detector{
		logger:       logger.Named("hardware"),
		hwInfo:       info,
		lastDetect:   time.Now(),
		encoderCheck: func(string) bool { return true },
	}
}

// Detect returns available hardware acceleration, probing at most once per
// five minutes.
func (d *Detector) Detect() *HardwareInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.hwInfo != nil && time.Since(d.lastDetect) < 5*time.Minute {
		return d.hwInfo
	}

	d.logger.Info("detecting hardware acceleration capabilities")

	hwInfo := &HardwareInfo{
		Available: false,
		Type:      "none",
		Encoders:  make(map[string][]string),
	}

	if d.hasNVIDIA() {
		hwInfo.Available = true
		hwInfo.Type = "nvidia"
		hwInfo.Encoders["h264"] = []string{"h264_nvenc"}
		hwInfo.Encoders["hevc"] = []string{"hevc_nvenc"}
		d.logger.Info("NVIDIA hardware acceleration detected")
	}

	if d.hasVAAPI() {
		hwInfo.Available = true
		if hwInfo.Type == "none" {
			hwInfo.Type = "vaapi"
		}
		hwInfo.Encoders["h264"] = append(hwInfo.Encoders["h264"], "h264_vaapi")
		hwInfo.Encoders["hevc"] = append(hwInfo.Encoders["hevc"], "hevc_vaapi")
		d.logger.Info("VAAPI hardware acceleration detected", "device", d.gpuDevice)
	}

	d.hwInfo = hwInfo
	d.lastDetect = time.Now()

	return hwInfo
}

// BestEncoder returns the best available encoder for the codec, preferring
// hardware when allowHardware is set. The second return reports whether the
// chosen encoder is hardware accelerated.
func (d *Detector) BestEncoder(codec string, allowHardware bool) (string, bool) {
	if codec == "" {
		codec = "h264"
	}
	if allowHardware {
		hwInfo := d.Detect()
		if hwInfo.Available {
			for _, encoder := range hwInfo.Encoders[codec] {
				if d.encoderCheck(encoder) {
					return encoder, true
				}
			}
		}
	}
	return SoftwareEncoder(codec), false
}

// isEncoderAvailable checks the local ffmpeg build for an encoder
func (d *Detector) isEncoderAvailable(encoder string) bool {
	cmd := exec.Command("ffmpeg", "-hide_banner", "-encoders")
	output, err := cmd.Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(output), encoder)
}

func (d *Detector) hasNVIDIA() bool {
	cmd := exec.Command("nvidia-smi", "--query-gpu=name", "--format=csv,noheader")
	return cmd.Run() == nil
}

func (d *Detector) hasVAAPI() bool {
	if d.gpuDevice == "" {
		return false
	}
	_, err := os.Stat(d.gpuDevice)
	return err == nil
}

// SoftwareEncoder returns the software encoder for a codec
func SoftwareEncoder(codec string) string {
	switch codec {
	case "h264", "":
		return "libx264"
	case "h265", "hevc":
		return "libx265"
	case "vp9":
		return "libvpx-vp9"
	case "av1":
		return "libaom-av1"
	default:
		return codec
	}
}

// IsHardwareEncoder reports whether an encoder name is hardware accelerated
func IsHardwareEncoder(encoder string) bool {
	return strings.HasSuffix(encoder, "_nvenc") ||
		strings.HasSuffix(encoder, "_vaapi") ||
		strings.HasSuffix(encoder, "_qsv") ||
		strings.HasSuffix(encoder, "_videotoolbox")
}

// encoderThreads picks a thread count for software encoders, leaving one
// logical CPU free for the rest of the system.
func encoderThreads() int {
	count, err := cpu.Counts(true)
	if err != nil || count <= 1 {
		return 1
	}
	return count - 1
}
