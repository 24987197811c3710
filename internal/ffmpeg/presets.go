package ffmpeg

import (
	"strconv"
	"strings"

	ffmpeggo "github.com/u2takey/ffmpeg-go"

	"github.com/gwlsn/foldermerge/internal/media"
)

// encoderSettings defines codec-specific output options that the user does
// not configure directly
type encoderSettings struct {
	pixFmt    string            // output pixel format for broad player support
	extraArgs map[string]string // additional encoder-specific args
	presets   bool              // encoder understands -preset
}

var encoderConfigs = map[string]encoderSettings{
	"libx264": {
		pixFmt:    "yuv420p",
		extraArgs: map[string]string{"movflags": "+faststart"},
		presets:   true,
	},
	"libx265": {
		pixFmt:    "yuv420p",
		extraArgs: map[string]string{"movflags": "+faststart", "tag:v": "hvc1"},
		presets:   true,
	},
	"libvpx-vp9": {
		pixFmt:    "yuv420p",
		extraArgs: map[string]string{"row-mt": "1"},
	},
	"libaom-av1": {
		pixFmt:    "yuv420p",
		extraArgs: map[string]string{"cpu-used": "6"},
	},
	"mpeg4": {
		pixFmt: "yuv420p",
	},
}

// Intermediate clip renders favour speed and fidelity; the final encode
// applies the user's codec settings.
const (
	segmentCodec      = "libx264"
	segmentPreset     = "veryfast"
	segmentCRF        = "16"
	segmentAudioCodec = "pcm_s16le"
	segmentSampleRate = "48000"
	segmentChannels   = "2"
)

// BuildEncodeArgs returns the output options for the final encode
func BuildEncodeArgs(opts media.CodecOptions) ffmpeggo.KwArgs {
	codec := opts.VideoCodec
	if codec == "" {
		codec = "libx264"
	}

	kw := ffmpeggo.KwArgs{"c:v": codec}

	settings, known := encoderConfigs[codec]
	if known && settings.pixFmt != "" {
		kw["pix_fmt"] = settings.pixFmt
	}
	for k, v := range settings.extraArgs {
		kw[k] = v
	}

	if bitrate := normalizeBitrate(opts.VideoBitrate); bitrate != "" {
		kw["b:v"] = bitrate
	}
	if opts.FPS > 0 {
		kw["r"] = strconv.Itoa(opts.FPS)
	}
	if opts.Preset != "" && (!known || settings.presets) {
		kw["preset"] = opts.Preset
	}
	if opts.Threads > 0 {
		kw["threads"] = strconv.Itoa(opts.Threads)
	}

	audio := opts.AudioCodec
	if audio == "" {
		audio = "aac"
	}
	kw["c:a"] = audio
	if bitrate := normalizeBitrate(opts.AudioBitrate); bitrate != "" {
		kw["b:a"] = bitrate
	}

	return kw
}

// segmentKwArgs returns the output options for an intermediate clip render
func segmentKwArgs(fps int) ffmpeggo.KwArgs {
	return ffmpeggo.KwArgs{
		"c:v":     segmentCodec,
		"preset":  segmentPreset,
		"crf":     segmentCRF,
		"pix_fmt": "yuv420p",
		"r":       strconv.Itoa(fps),
		"c:a":     segmentAudioCodec,
		"ar":      segmentSampleRate,
		"ac":      segmentChannels,
	}
}

// normalizeBitrate treats empty and zero bitrates as "let the encoder decide".
func normalizeBitrate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return ""
	}
	return s
}
