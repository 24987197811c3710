package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	ffmpeggo "github.com/u2takey/ffmpeg-go"

	"github.com/gwlsn/foldermerge/internal/media"
)

// Engine implements media.Engine on top of the ffmpeg and ffprobe binaries.
// Clips are probed on load and rendered to intermediate segments on write,
// which are then joined with the concat demuxer in a final encode.
type Engine struct {
	ffmpegPath string
	prober     *Prober
	tempDir    string
	log        zerolog.Logger
}

var _ media.Engine = (*Engine)(nil)

// NewEngine creates an Engine. An empty tempDir uses the OS temp dir.
func NewEngine(ffmpegPath, ffprobePath, tempDir string, log zerolog.Logger) *Engine {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Engine{
		ffmpegPath: ffmpegPath,
		prober:     NewProber(ffprobePath),
		tempDir:    tempDir,
		log:        log.With().Str("component", "ffmpeg").Logger(),
	}
}

// LoadImage probes a still image and shows it for duration.
func (e *Engine) LoadImage(ctx context.Context, path string, duration time.Duration) (media.Clip, error) {
	if duration <= 0 {
		return nil, fmt.Errorf("invalid image duration %v", duration)
	}
	probe, err := e.prober.Probe(ctx, path)
	if err != nil {
		return nil, err
	}
	if !probe.HasVideo() || probe.Width <= 0 || probe.Height <= 0 {
		return nil, fmt.Errorf("no decodable image in %s", filepath.Base(path))
	}
	w, h := probe.DisplaySize()
	return &clip{
		src:      &source{path: path, kind: media.KindImage},
		size:     media.Size{Width: w, Height: h},
		duration: duration,
	}, nil
}

// LoadVideo probes a video file and keeps its natural duration.
func (e *Engine) LoadVideo(ctx context.Context, path string) (media.Clip, error) {
	probe, err := e.prober.Probe(ctx, path)
	if err != nil {
		return nil, err
	}
	if !probe.HasVideo() || probe.Width <= 0 || probe.Height <= 0 {
		return nil, fmt.Errorf("no video stream in %s", filepath.Base(path))
	}
	if probe.Duration <= 0 {
		return nil, fmt.Errorf("could not determine duration of %s", filepath.Base(path))
	}
	w, h := probe.DisplaySize()
	return &clip{
		src:      &source{path: path, kind: media.KindVideo, hasAudio: probe.HasAudio()},
		size:     media.Size{Width: w, Height: h},
		duration: probe.Duration,
	}, nil
}

// sequence is an ordered list of clips plus the scratch directory used
// while writing it.
type sequence struct {
	clips  []*clip
	mode   media.ConcatMode
	canvas media.Size

	mu      sync.Mutex
	workDir string
	closed  bool
}

func (s *sequence) Len() int { return len(s.clips) }

func (s *sequence) Duration() time.Duration {
	var total time.Duration
	for _, c := range s.clips {
		total += c.duration
	}
	return total
}

// Close removes intermediate segments.
func (s *sequence) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.workDir == "" {
		return nil
	}
	err := os.RemoveAll(s.workDir)
	s.workDir = ""
	return err
}

// Concatenate joins items in order. Every item must come from this engine.
func (e *Engine) Concatenate(items []media.Item, mode media.ConcatMode) (media.Sequence, error) {
	if len(items) == 0 {
		return nil, errors.New("nothing to concatenate")
	}
	if mode == "" {
		mode = media.ConcatChain
	}
	if mode != media.ConcatChain && mode != media.ConcatCompose {
		return nil, fmt.Errorf("unknown concat mode %q", mode)
	}

	seq := &sequence{mode: mode, clips: make([]*clip, 0, len(items))}
	for i, item := range items {
		c, ok := item.(*clip)
		if !ok {
			return nil, fmt.Errorf("item %d was not loaded by this engine", i)
		}
		if c.src.closed.Load() {
			return nil, fmt.Errorf("item %d (%s) is closed", i, filepath.Base(c.src.path))
		}
		seq.clips = append(seq.clips, c)
		if c.size.Width > seq.canvas.Width {
			seq.canvas.Width = c.size.Width
		}
		if c.size.Height > seq.canvas.Height {
			seq.canvas.Height = c.size.Height
		}
	}
	if mode == media.ConcatChain {
		seq.canvas = media.Size{}
	}
	return seq, nil
}

// WriteOutput renders every clip to a segment, then encodes the joined
// segments to path. progress receives the combined fraction of both phases.
func (e *Engine) WriteOutput(ctx context.Context, s media.Sequence, path string, opts media.CodecOptions, progress media.ProgressFunc) error {
	seq, ok := s.(*sequence)
	if !ok {
		return errors.New("sequence was not created by this engine")
	}
	if opts.FPS <= 0 {
		opts.FPS = 30
	}
	if progress == nil {
		progress = func(float64) error { return nil }
	}

	workDir, err := seq.prepare(e.tempDir)
	if err != nil {
		return err
	}

	total := seq.Duration()
	// each clip is processed twice: once rendered, once in the final encode
	report := func(done time.Duration) error {
		if total <= 0 {
			return progress(0)
		}
		frac := float64(done) / float64(2*total)
		if frac > 1 {
			frac = 1
		}
		return progress(frac)
	}

	var done time.Duration
	segments := make([]string, 0, len(seq.clips))
	for i, c := range seq.clips {
		segPath := filepath.Join(workDir, fmt.Sprintf("%04d.mkv", i))
		args := segmentArgs(c, segPath, opts.FPS, seq.canvas)

		base := done
		err := runFFmpeg(ctx, e.ffmpegPath, args, c.duration, e.log, func(p Progress) error {
			t := p.Time
			if t > c.duration {
				t = c.duration
			}
			return report(base + t)
		})
		if err != nil {
			return fmt.Errorf("render %s: %w", filepath.Base(c.src.path), err)
		}

		done += c.duration
		segments = append(segments, segPath)
		if err := report(done); err != nil {
			return err
		}
	}

	listPath := filepath.Join(workDir, "concat.txt")
	if err := os.WriteFile(listPath, []byte(concatList(segments)), 0644); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}

	args := ffmpeggo.Input(listPath, ffmpeggo.KwArgs{"f": "concat", "safe": "0"}).
		Output(path, BuildEncodeArgs(opts)).
		OverWriteOutput().
		GetArgs()

	err = runFFmpeg(ctx, e.ffmpegPath, args, total, e.log, func(p Progress) error {
		return report(total + p.Time)
	})
	if err != nil {
		return err
	}
	return progress(1)
}

// prepare creates the scratch directory for a write.
func (s *sequence) prepare(tempDir string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", errors.New("sequence is closed")
	}
	if s.workDir != "" {
		os.RemoveAll(s.workDir)
	}
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return "", err
	}
	dir, err := os.MkdirTemp(tempDir, "foldermerge-*")
	if err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	s.workDir = dir
	return dir, nil
}

// concatList renders a concat demuxer script. Single quotes inside paths
// are closed, escaped and reopened.
func concatList(paths []string) string {
	var b strings.Builder
	for _, p := range paths {
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(p, "'", `'\''`))
		b.WriteString("'\n")
	}
	return b.String()
}
