// Package media defines the boundary between the merge engine and the
// decoder/encoder that does the pixel work.
package media

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Kind classifies a media file.
type Kind int

const (
	KindUnknown Kind = iota
	KindImage
	KindVideo
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindVideo:
		return "video"
	}
	return "unknown"
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".gif":  true,
	".tiff": true,
	".tif":  true,
	".webp": true,
}

var videoExtensions = map[string]bool{
	".mp4":  true,
	".mkv":  true,
	".avi":  true,
	".mov":  true,
	".wmv":  true,
	".flv":  true,
	".webm": true,
	".m4v":  true,
}

// KindOf classifies path by its extension, case-insensitively.
func KindOf(path string) Kind {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case imageExtensions[ext]:
		return KindImage
	case videoExtensions[ext]:
		return KindVideo
	}
	return KindUnknown
}

// Size is a frame size in pixels.
type Size struct {
	Width  int
	Height int
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Empty reports whether either dimension is not positive.
func (s Size) Empty() bool {
	return s.Width <= 0 || s.Height <= 0
}

// Rect is a crop region.
type Rect struct {
	X, Y          int
	Width, Height int
}

// Color is an opaque RGB color.
type Color struct {
	R, G, B uint8
}

// Black is the default canvas color.
var Black = Color{}

// Hex renders the color as RRGGBB.
func (c Color) Hex() string {
	return fmt.Sprintf("%02X%02X%02X", c.R, c.G, c.B)
}

// ParseColor parses "#RRGGBB" (the leading # is optional).
func ParseColor(s string) (Color, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) != 6 {
		return Color{}, fmt.Errorf("invalid color %q: want #RRGGBB", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return Color{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	return Color{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v)}, nil
}

// Item is a decoded visual sequence that can be transformed. Transformations
// return new items and leave the receiver untouched.
type Item interface {
	Size() Size
	Duration() time.Duration
	Resize(size Size) Item
	Crop(rect Rect) Item
	CompositeCentered(canvas Size, bg Color) Item
}

// Clip is a loaded item that owns engine resources until closed.
type Clip interface {
	Item
	Path() string
	Close() error
}

// Sequence is an ordered concatenation ready to be written.
type Sequence interface {
	Duration() time.Duration
	Len() int
	Close() error
}

// ConcatMode controls how clips of different sizes are joined.
type ConcatMode string

const (
	// ConcatChain plays clips back to back as they are.
	ConcatChain ConcatMode = "chain"
	// ConcatCompose pads every clip onto a canvas of the largest size.
	ConcatCompose ConcatMode = "compose"
)

// CodecOptions configure the final encode.
type CodecOptions struct {
	VideoCodec   string
	VideoBitrate string
	AudioCodec   string
	AudioBitrate string
	FPS          int
	Preset       string
	Threads      int
}

// ProgressFunc receives the write fraction in [0,1]. Returning an error
// aborts the write and the error is returned from WriteOutput.
type ProgressFunc func(fraction float64) error

// Engine loads, combines and encodes media.
type Engine interface {
	LoadImage(ctx context.Context, path string, duration time.Duration) (Clip, error)
	LoadVideo(ctx context.Context, path string) (Clip, error)
	Concatenate(items []Item, mode ConcatMode) (Sequence, error)
	WriteOutput(ctx context.Context, seq Sequence, path string, opts CodecOptions, progress ProgressFunc) error
}
