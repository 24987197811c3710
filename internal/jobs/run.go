package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gwlsn/foldermerge/internal/browse"
	"github.com/gwlsn/foldermerge/internal/config"
	"github.com/gwlsn/foldermerge/internal/media"
	"github.com/gwlsn/foldermerge/internal/scaling"
	"github.com/gwlsn/foldermerge/internal/sortkey"
)

// Loading covers the first 40% of the progress scale, writing the rest.
const (
	loadShare  = 40.0
	writeShare = 60.0
)

// defaultTarget is used when no input size could be determined.
var defaultTarget = media.Size{Width: 1280, Height: 720}

// runState tracks what a run has acquired so it can be released.
type runState struct {
	outputPath         string
	overwriteConfirmed bool
	writeBegan         bool
	clips              []media.Clip
	seq                media.Sequence
}

// Run executes the job on the calling goroutine and returns once the
// terminal event has been published. Cancelling ctx cancels the job.
// Run does nothing if the job already ran or was cancelled before starting.
func (j *Job) Run(ctx context.Context) {
	j.mu.Lock()
	if j.executing || j.finished {
		j.mu.Unlock()
		return
	}
	if !j.claimed {
		if j.cancelRequested || !isValidTransition(j.status, StatusRunning) {
			j.mu.Unlock()
			return
		}
		j.claimed = true
		j.setStatusLocked(StatusRunning)
	}
	j.executing = true
	j.startedAt = time.Now()
	j.mu.Unlock()

	stop := context.AfterFunc(ctx, j.Cancel)
	defer stop()

	j.log.Info().Msg("Starting merge")
	j.finish(j.execute(ctx))
}

func (j *Job) execute(ctx context.Context) (err error) {
	var st runState
	defer func() { j.cleanup(&st, err) }()
	defer func() {
		if r := recover(); r != nil {
			j.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Job panicked")
			err = fmt.Errorf("internal error: %v", r)
		}
	}()

	if err := j.setStage("Resolving output path"); err != nil {
		return err
	}
	path, err := j.resolveOutputPath()
	if err != nil {
		return err
	}

	info, statErr := os.Stat(j.FolderPath)
	if statErr != nil || !info.IsDir() {
		return validationErrorf("folder does not exist: %s", j.FolderPath)
	}

	if _, err := os.Stat(path); err == nil {
		if j.opts.ConfirmOverwrite {
			st.overwriteConfirmed = true
		} else {
			ok, err := j.awaitOverwrite(path)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: overwrite of %s declined", ErrCancelled, filepath.Base(path))
			}
			st.overwriteConfirmed = true
		}
	}
	st.outputPath = path

	if err := j.setStage("Searching for media files"); err != nil {
		return err
	}
	files, err := browse.DiscoverMediaFiles(j.FolderPath, path)
	if err != nil {
		return fmt.Errorf("list folder: %w", err)
	}
	if len(files) == 0 {
		return validationErrorf("no image or video files found in folder %s", j.FolderPath)
	}

	if err := j.setStage("Sorting files"); err != nil {
		return err
	}
	sortkey.Sort(files, sortkey.Method(j.settings.SortMethod), j.settings.CustomRegex)

	largest, err := j.loadClips(ctx, files, &st)
	if err != nil {
		return err
	}
	if len(st.clips) == 0 {
		return validationErrorf("no usable clips could be loaded from %s", j.FolderPath)
	}

	items, mode := j.normalize(st.clips, largest)

	if err := j.setStage("Merging clips"); err != nil {
		return err
	}
	seq, err := j.engine.Concatenate(items, mode)
	if err != nil {
		return fmt.Errorf("concatenate clips: %w", err)
	}
	st.seq = seq

	if err := j.enterPauseLock(); err != nil {
		return err
	}
	if err := j.setStage("Writing output video"); err != nil {
		return err
	}

	st.writeBegan = true
	stopWatch := j.watchOutput(path)
	err = j.engine.WriteOutput(ctx, seq, path, j.codecOptions(), j.writeProgress)
	stopWatch()
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	if err := j.checkpoint(); err != nil {
		return err
	}

	j.setStage("Processing completed successfully")
	return nil
}

// loadClips loads every file in order, skipping the ones the engine cannot
// read. It returns the largest width and height seen.
func (j *Job) loadClips(ctx context.Context, files []string, st *runState) (media.Size, error) {
	var largest media.Size
	imageDuration := time.Duration(j.settings.ImageDuration) * time.Second

	for i, path := range files {
		name := filepath.Base(path)
		if err := j.setStage(fmt.Sprintf("Loading %d/%d: %s", i+1, len(files), name)); err != nil {
			return largest, err
		}
		if err := j.advance(float64(i) / float64(len(files)) * loadShare); err != nil {
			return largest, err
		}

		var clip media.Clip
		var err error
		if media.KindOf(path) == media.KindImage {
			clip, err = j.engine.LoadImage(ctx, path, imageDuration)
		} else {
			clip, err = j.engine.LoadVideo(ctx, path)
		}
		if err != nil {
			if cerr := j.checkpoint(); cerr != nil {
				return largest, cerr
			}
			j.log.Warn().Err(err).Str("file", name).Msg("Skipping file that could not be loaded")
			if err := j.setStage(fmt.Sprintf("Skipped %s: %v", name, err)); err != nil {
				return largest, err
			}
			continue
		}

		st.clips = append(st.clips, clip)
		size := clip.Size()
		if size.Width > largest.Width {
			largest.Width = size.Width
		}
		if size.Height > largest.Height {
			largest.Height = size.Height
		}
	}
	return largest, nil
}

// normalize scales clips onto the output frame when normalization is on.
// Clips that do not end up at the frame size, or all clips when
// normalization is off, are composed onto a shared canvas.
func (j *Job) normalize(clips []media.Clip, largest media.Size) ([]media.Item, media.ConcatMode) {
	items := make([]media.Item, len(clips))
	for i, c := range clips {
		items[i] = c
	}
	if !j.settings.NormalizeAllClips {
		return items, media.ConcatCompose
	}

	target := j.targetSize(largest)
	bg, err := media.ParseColor(j.settings.BackgroundColor)
	if err != nil {
		j.log.Warn().Err(err).Msg("Invalid background color, using black")
		bg = media.Black
	}
	mode := scaling.Mode(j.settings.ScalingMode)
	concat := media.ConcatChain
	for i, item := range items {
		items[i] = scaling.Apply(item, target, mode, j.settings.MaintainAspectRatio, bg)
		if items[i].Size() != target {
			concat = media.ConcatCompose
		}
	}
	if concat == media.ConcatCompose {
		j.log.Warn().Str("scaling_mode", j.settings.ScalingMode).Msg("Clips not normalized to the output size, composing instead")
	}
	return items, concat
}

func (j *Job) targetSize(largest media.Size) media.Size {
	if w, h, ok := j.settings.TargetSize(); ok {
		return media.Size{Width: w, Height: h}
	}
	if largest.Empty() {
		return defaultTarget
	}
	return largest
}

func (j *Job) codecOptions() media.CodecOptions {
	s := j.settings
	return media.CodecOptions{
		VideoCodec:   s.VideoCodec,
		VideoBitrate: s.VideoBitrate,
		AudioCodec:   s.AudioCodec,
		AudioBitrate: s.AudioBitrate,
		FPS:          s.FPS,
		Preset:       s.Preset,
		Threads:      s.Threads,
	}
}

// writeProgress maps the engine's write fraction onto 40-100%. Inside the
// pause-lock the checkpoint only observes cancellation.
func (j *Job) writeProgress(fraction float64) error {
	return j.advance(loadShare + writeShare*fraction)
}

// resolveOutputPath builds the output file path from the naming template and
// the output location policy.
func (j *Job) resolveOutputPath() (string, error) {
	name, err := ResolveFileName(j.settings.OutputFilenameFormat, filepath.Base(j.FolderPath), time.Now())
	if err != nil {
		return "", err
	}

	var path string
	switch j.settings.OutputPathType {
	case config.OutputFixedFolder:
		dir := j.settings.FixedFolder()
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("create output folder: %w", err)
		}
		path = filepath.Join(dir, name)
	case config.OutputAskUser:
		answer, err := j.awaitOutputPath(filepath.Join(j.FolderPath, name))
		if err != nil {
			return "", err
		}
		if info, err := os.Stat(answer); err == nil && info.IsDir() {
			path = filepath.Join(answer, name)
		} else {
			dir := filepath.Dir(answer)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return "", fmt.Errorf("create output folder: %w", err)
			}
			path = filepath.Join(dir, SanitizeFileName(filepath.Base(answer)))
		}
	default:
		path = filepath.Join(j.FolderPath, name)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve output path: %w", err)
	}
	j.mu.Lock()
	j.outputPath = abs
	j.mu.Unlock()
	return abs, nil
}

// awaitOutputPath asks for an output location and waits a bounded time for
// the answer.
func (j *Job) awaitOutputPath(defaultPath string) (string, error) {
	j.request(EventOutputPathRequest, defaultPath)
	defer j.clearRequest()

	timer := time.NewTimer(j.opts.OutputPathTimeout)
	defer timer.Stop()

	select {
	case answer := <-j.pathReply:
		if strings.TrimSpace(answer) == "" {
			return "", fmt.Errorf("%w: no output path chosen", ErrCancelled)
		}
		return answer, nil
	case <-j.cancelCh:
		return "", j.cancelErr()
	case <-timer.C:
		return "", fmt.Errorf("%w: no output path provided within %s", ErrCancelled, j.opts.OutputPathTimeout)
	}
}

// awaitOverwrite asks whether path may be replaced and waits for the answer.
func (j *Job) awaitOverwrite(path string) (bool, error) {
	j.request(EventOverwriteRequest, path)
	defer j.clearRequest()

	select {
	case ok := <-j.overwriteReply:
		return ok, nil
	case <-j.cancelCh:
		return false, j.cancelErr()
	}
}

func (j *Job) request(kind EventType, path string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.awaiting = kind
	j.publishLocked(Event{Type: kind, Path: path})
}

func (j *Job) clearRequest() {
	j.mu.Lock()
	j.awaiting = ""
	j.mu.Unlock()
}

// setStage publishes a new stage description, then checkpoints.
func (j *Job) setStage(stage string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if stage != j.stage {
		j.stage = stage
		j.publishLocked(Event{Type: EventStage, Stage: stage})
	}
	return j.waitLocked()
}

// advance raises progress to percent, refreshes the time estimate, then
// checkpoints. Progress never moves backwards.
func (j *Job) advance(percent float64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if percent > 100 {
		percent = 100
	}
	if percent > j.progress {
		j.progress = percent
		j.publishLocked(Event{Type: EventProgress, Percent: percent})

		now := time.Now()
		elapsed := j.elapsedLocked(now)
		if est, ok := j.estimator.Update(now, elapsed, percent); ok {
			j.remaining = est.Remaining
			j.publishLocked(Event{
				Type:      EventTiming,
				Percent:   percent,
				Elapsed:   est.Elapsed,
				Remaining: est.Remaining,
			})
		}
	}
	return j.waitLocked()
}

// checkpoint parks while the job is paused and reports cancellation.
func (j *Job) checkpoint() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.waitLocked()
}

// waitLocked parks on the condition variable until the job is resumed or
// cancelled. Pauses are not honored inside the pause-lock.
func (j *Job) waitLocked() error {
	for j.pauseRequested && !j.pauseLocked && !j.cancelRequested {
		j.cond.Wait()
	}
	if j.cancelRequested {
		return j.cancelErrLocked()
	}
	return nil
}

func (j *Job) cancelErr() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelErrLocked()
}

// enterPauseLock honors a pending pause, then defers all further pauses
// until the lock is released.
func (j *Job) enterPauseLock() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.waitLocked(); err != nil {
		return err
	}
	j.pauseLocked = true
	return nil
}

// cleanup releases everything the run acquired and removes a partially
// written output.
func (j *Job) cleanup(st *runState, err error) {
	j.mu.Lock()
	j.pauseLocked = false
	j.mu.Unlock()

	for _, c := range st.clips {
		if cerr := c.Close(); cerr != nil {
			j.log.Warn().Err(cerr).Str("file", filepath.Base(c.Path())).Msg("Failed to close clip")
		}
	}
	if st.seq != nil {
		if cerr := st.seq.Close(); cerr != nil {
			j.log.Warn().Err(cerr).Msg("Failed to release sequence")
		}
	}

	if err == nil || !st.writeBegan || st.overwriteConfirmed || st.outputPath == "" {
		return
	}
	if rmErr := os.Remove(st.outputPath); rmErr == nil {
		j.log.Info().Str("path", st.outputPath).Msg("Removed partial output")
	} else if !os.IsNotExist(rmErr) {
		j.log.Warn().Err(rmErr).Str("path", st.outputPath).Msg("Failed to remove partial output")
	}
}

// finish records the outcome, publishes the terminal event exactly once and
// then notifies the scheduler.
func (j *Job) finish(err error) {
	now := time.Now()

	j.mu.Lock()
	if j.finished {
		j.mu.Unlock()
		return
	}
	j.finished = true

	if j.status == StatusPaused {
		j.resumeLocked(now)
		j.setStatusLocked(StatusRunning)
	}

	var final Status
	switch {
	case j.cancelRequested || isCancellation(err):
		final = StatusCancelled
		if j.cancelRequested {
			err = j.cancelErrLocked()
		}
		if j.status != StatusCancelling {
			j.setStatusLocked(StatusCancelling)
		}
	case err != nil:
		final = StatusFailed
	default:
		final = StatusCompleted
		j.progress = 100
	}

	if !j.startedAt.IsZero() {
		j.elapsed = j.elapsedLocked(now)
	}
	j.finishedAt = now
	j.remaining = 0
	j.err = err
	if err != nil {
		j.message = err.Error()
	} else {
		j.message = "merge completed"
	}
	j.setStatusLocked(final)

	j.publishLocked(Event{
		Type:    EventTerminal,
		Status:  final,
		Success: final == StatusCompleted,
		Message: j.message,
		Elapsed: j.elapsed,
		Percent: j.progress,
		Path:    j.outputPath,
	})

	logEvent := j.log.Info()
	if final == StatusFailed {
		logEvent = j.log.Error().Err(err)
	}
	logEvent.Str("status", string(final)).Dur("elapsed", j.elapsed).Msg("Job finished")

	onTerminal := j.onTerminal
	j.mu.Unlock()

	close(j.done)
	if onTerminal != nil {
		onTerminal(j)
	}
}
