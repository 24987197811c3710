package ffmpeg

import (
	"strconv"
	"sync/atomic"
	"time"

	ffmpeggo "github.com/u2takey/ffmpeg-go"

	"github.com/gwlsn/foldermerge/internal/media"
)

// source is a loaded input file shared by every item derived from it
type source struct {
	path     string
	kind     media.Kind
	hasAudio bool
	closed   atomic.Bool
}

// filterOp is one deferred video filter
type filterOp struct {
	name string
	args ffmpeggo.Args
}

// clip is an immutable view of a source plus the filters applied to it.
// Nothing is decoded until the sequence is written.
type clip struct {
	src      *source
	size     media.Size
	duration time.Duration
	filters  []filterOp
}

var _ media.Clip = (*clip)(nil)

func (c *clip) Size() media.Size        { return c.size }
func (c *clip) Duration() time.Duration { return c.duration }
func (c *clip) Path() string            { return c.src.path }

// Close releases the source. Items derived from it can no longer be concatenated.
func (c *clip) Close() error {
	c.src.closed.Store(true)
	return nil
}

func (c *clip) with(size media.Size, op filterOp) *clip {
	filters := make([]filterOp, len(c.filters), len(c.filters)+1)
	copy(filters, c.filters)
	return &clip{
		src:      c.src,
		size:     size,
		duration: c.duration,
		filters:  append(filters, op),
	}
}

func (c *clip) Resize(size media.Size) media.Item {
	return c.with(size, filterOp{"scale", ffmpeggo.Args{itoa(size.Width), itoa(size.Height)}})
}

func (c *clip) Crop(r media.Rect) media.Item {
	size := media.Size{Width: r.Width, Height: r.Height}
	return c.with(size, filterOp{"crop", ffmpeggo.Args{itoa(r.Width), itoa(r.Height), itoa(r.X), itoa(r.Y)}})
}

func (c *clip) CompositeCentered(canvas media.Size, bg media.Color) media.Item {
	return c.with(canvas, padFilter(canvas, bg))
}

func padFilter(canvas media.Size, bg media.Color) filterOp {
	return filterOp{"pad", ffmpeggo.Args{
		itoa(canvas.Width), itoa(canvas.Height),
		"(ow-iw)/2", "(oh-ih)/2",
		"0x" + bg.Hex(),
	}}
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

// segmentArgs builds the command that renders c into a self-contained
// segment at the given frame rate. A non-empty canvas pads the frame onto it.
func segmentArgs(c *clip, out string, fps int, canvas media.Size) []string {
	var video, audio *ffmpeggo.Stream

	switch c.src.kind {
	case media.KindImage:
		in := ffmpeggo.Input(c.src.path, ffmpeggo.KwArgs{
			"loop":      "1",
			"framerate": itoa(fps),
			"t":         seconds(c.duration),
		})
		video = in.Video()
	default:
		in := ffmpeggo.Input(c.src.path)
		video = in.Video()
		if c.src.hasAudio {
			audio = in.Audio()
		}
	}

	if audio == nil {
		audio = ffmpeggo.Input("anullsrc=channel_layout=stereo:sample_rate="+segmentSampleRate, ffmpeggo.KwArgs{
			"f": "lavfi",
			"t": seconds(c.duration),
		})
	}

	for _, op := range c.filters {
		video = video.Filter(op.name, op.args)
	}
	// the canvas is the largest width and height, so every clip fits on it
	if !canvas.Empty() && canvas != c.size {
		pad := padFilter(canvas, media.Black)
		video = video.Filter(pad.name, pad.args)
	}
	// yuv420p needs even dimensions
	video = video.
		Filter("scale", ffmpeggo.Args{"trunc(iw/2)*2", "trunc(ih/2)*2"}).
		Filter("setsar", ffmpeggo.Args{"1"}).
		Filter("fps", ffmpeggo.Args{itoa(fps)}).
		Filter("format", ffmpeggo.Args{"yuv420p"})

	return ffmpeggo.Output([]*ffmpeggo.Stream{video, audio}, out, segmentKwArgs(fps)).
		OverWriteOutput().
		GetArgs()
}
