package transcode

import (
	"fmt"
	"strings"
)

// Accelerator names a hardware encoder family.
type Accelerator string

const (
	AccelNone         Accelerator = "none"
	AccelNVENC        Accelerator = "nvenc"
	AccelQSV          Accelerator = "qsv"
	AccelVAAPI        Accelerator = "vaapi"
	AccelVideoToolbox Accelerator = "videotoolbox"
)

// ParseAccelerator parses a configured accelerator preference.
func ParseAccelerator(s string) (Accelerator, error) {
	switch a := Accelerator(strings.ToLower(strings.TrimSpace(s))); a {
	case "", AccelNone:
		return AccelNone, nil
	case AccelNVENC, AccelQSV, AccelVAAPI, AccelVideoToolbox:
		return a, nil
	default:
		return AccelNone, fmt.Errorf("unknown hardware accelerator %q", s)
	}
}

// Profile holds the ffmpeg flags for one accelerator.
type Profile struct {
	Accelerator  Accelerator
	DecodeFlags  []string
	Encoder      string
	EncoderFlags []string
	ScaleFilter  string // format string taking width and height
}

// ProfileFor returns the ffmpeg profile of accel.
func ProfileFor(accel Accelerator) Profile {
	switch accel {
	case AccelNVENC:
		return Profile{
			Accelerator:  AccelNVENC,
			DecodeFlags:  []string{"-hwaccel", "cuda", "-hwaccel_output_format", "cuda"},
			Encoder:      "h264_nvenc",
			EncoderFlags: []string{"-preset", "p4", "-tune", "ll", "-forced-idr", "1"},
			ScaleFilter:  "scale_cuda=%d:%d:format=nv12",
		}
	case AccelQSV:
		return Profile{
			Accelerator:  AccelQSV,
			DecodeFlags:  []string{"-hwaccel", "qsv", "-hwaccel_output_format", "qsv"},
			Encoder:      "h264_qsv",
			EncoderFlags: []string{"-preset", "veryfast"},
			ScaleFilter:  "scale_qsv=%d:%d:format=nv12",
		}
	case AccelVAAPI:
		return Profile{
			Accelerator: AccelVAAPI,
			DecodeFlags: []string{"-hwaccel", "vaapi", "-vaapi_device", "/dev/dri/renderD128", "-hwaccel_output_format", "vaapi"},
			Encoder:     "h264_vaapi",
			ScaleFilter: "scale_vaapi=%d:%d:format=nv12",
		}
	case AccelVideoToolbox:
		return Profile{
			Accelerator:  AccelVideoToolbox,
			DecodeFlags:  []string{"-hwaccel", "videotoolbox"},
			Encoder:      "h264_videotoolbox",
			EncoderFlags: []string{"-realtime", "true", "-prio_speed", "true"},
			ScaleFilter:  "scale=%d:%d",
		}
	default:
		return Profile{
			Accelerator:  AccelNone,
			Encoder:      "libx264",
			EncoderFlags: []string{"-preset", "veryfast", "-tune", "zerolatency", "-pix_fmt", "yuv420p"},
			ScaleFilter:  "scale=%d:%d",
		}
	}
}

// acceleratorFailures are lowercase stderr fragments ffmpeg prints when a
// hardware device or encoder cannot be used.
var acceleratorFailures = []string{
	"cannot load libcuda",
	"cannot load libnvidia-encode",
	"no nvenc capable devices found",
	"openencodesessionex failed",
	"no capable devices found",
	"cuda_error",
	"failed to initialise vaapi connection",
	"no va display found",
	"failed to create a vaapi device",
	"error creating a mfx session",
	"failed to create hardware device",
	"device creation failed",
	"error initializing an internal mfx session",
	"vtcompressionsessioncreate",
	"cannot create compression session",
	"could not open encoder before eof",
	"error while opening encoder",
}

// IsAcceleratorFailure reports whether stderr carries a hardware
// acceleration failure signature.
func IsAcceleratorFailure(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, sig := range acceleratorFailures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// missingAudio are lowercase stderr fragments ffmpeg prints when the audio
// map finds no stream in the source.
var missingAudio = []string{
	"stream map '0:a:0' matches no streams",
	"unable to map stream at a:",
}

// IsMissingAudio reports whether stderr says the source has no audio stream.
func IsMissingAudio(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, sig := range missingAudio {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}
