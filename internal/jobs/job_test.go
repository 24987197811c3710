package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gwlsn/foldermerge/internal/config"
	"github.com/gwlsn/foldermerge/internal/media"
)

func newTestJob(t *testing.T, folder string, settings config.Settings, engine *fakeEngine, opts Options) (*Job, *Bus) {
	t.Helper()
	bus := NewBus()
	j, err := NewJob(folder, settings, engine, bus, opts)
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}
	return j, bus
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusQueued, true},
		{StatusPending, StatusRunning, true},
		{StatusQueued, StatusRunning, true},
		{StatusRunning, StatusPaused, true},
		{StatusPaused, StatusRunning, true},
		{StatusQueued, StatusCancelling, true},
		{StatusPaused, StatusCancelling, true},
		{StatusCancelling, StatusCancelled, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusCancelling, StatusFailed, false},
		{StatusQueued, StatusCompleted, false},
		{StatusPaused, StatusCompleted, false},
		{StatusCompleted, StatusRunning, false},
		{StatusCancelled, StatusQueued, false},
	}
	for _, tt := range tests {
		if got := isValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("isValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestJobCompletes(t *testing.T) {
	folder := makeFolder(t, "Holiday", "b.png", "a.jpg", "c.mp4", "notes.txt", ".hidden.jpg")
	engine := newFakeEngine()
	j, bus := newTestJob(t, folder, testSettings(), engine, Options{})
	events, _ := bus.Subscribe()

	j.Run(context.Background())

	info := j.Info()
	if info.Status != StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", info.Status, info.Message)
	}
	if info.Progress != 100 {
		t.Errorf("progress = %v, want 100", info.Progress)
	}
	wantOutput := filepath.Join(folder, "Holiday_video.mp4")
	if info.OutputPath != wantOutput {
		t.Errorf("output = %s, want %s", info.OutputPath, wantOutput)
	}
	if data, err := os.ReadFile(wantOutput); err != nil || string(data) != "complete" {
		t.Errorf("output file = %q, %v", data, err)
	}
	if j.Err() != nil {
		t.Errorf("Err() = %v", j.Err())
	}

	loaded := engine.loadedPaths()
	want := []string{"a.jpg", "b.png", "c.mp4"}
	if len(loaded) != len(want) {
		t.Fatalf("loaded %v, want %v", loaded, want)
	}
	for i := range want {
		if filepath.Base(loaded[i]) != want[i] {
			t.Errorf("loaded[%d] = %s, want %s", i, filepath.Base(loaded[i]), want[i])
		}
	}
	engine.allReleased(t)

	all := collect(bus, events)
	terminal := ofType(all, EventTerminal)
	if len(terminal) != 1 {
		t.Fatalf("got %d terminal events, want 1", len(terminal))
	}
	if last := all[len(all)-1]; last.Type != EventTerminal || !last.Success || last.Path != wantOutput {
		t.Errorf("last event = %+v, want successful terminal", last)
	}

	var prev float64
	for _, e := range ofType(all, EventProgress) {
		if e.Percent < prev {
			t.Errorf("progress went backwards: %v after %v", e.Percent, prev)
		}
		prev = e.Percent
	}
	for i := 1; i < len(all); i++ {
		if all[i].Seq <= all[i-1].Seq {
			t.Fatalf("events out of order at %d", i)
		}
	}

	stages := ofType(all, EventStage)
	for i := 1; i < len(stages); i++ {
		if stages[i].Stage == stages[i-1].Stage {
			t.Errorf("duplicate stage event %q", stages[i].Stage)
		}
	}
}

func TestJobNormalizesToLargestInput(t *testing.T) {
	folder := makeFolder(t, "mixed", "a.jpg", "b.jpg")
	engine := newFakeEngine()
	engine.sizes["a.jpg"] = media.Size{Width: 1920, Height: 1080}
	engine.sizes["b.jpg"] = media.Size{Width: 1080, Height: 1350}

	j, _ := newTestJob(t, folder, testSettings(), engine, Options{})
	j.Run(context.Background())

	if j.Status() != StatusCompleted {
		t.Fatalf("status = %s: %v", j.Status(), j.Err())
	}
	seq := engine.sequences[0]
	if seq.mode != media.ConcatChain {
		t.Errorf("mode = %s, want chain", seq.mode)
	}
	for i, item := range seq.items {
		if item.Size() != (media.Size{Width: 1920, Height: 1350}) {
			t.Errorf("item %d size = %v, want 1920x1350", i, item.Size())
		}
	}
}

func TestJobWithoutNormalizationComposes(t *testing.T) {
	folder := makeFolder(t, "raw", "a.jpg", "b.jpg")
	engine := newFakeEngine()
	engine.sizes["b.jpg"] = media.Size{Width: 100, Height: 100}

	settings := testSettings()
	settings.NormalizeAllClips = false
	j, _ := newTestJob(t, folder, settings, engine, Options{})
	j.Run(context.Background())

	seq := engine.sequences[0]
	if seq.mode != media.ConcatCompose {
		t.Errorf("mode = %s, want compose", seq.mode)
	}
	if seq.items[1].Size() != (media.Size{Width: 100, Height: 100}) {
		t.Errorf("clip was resized without normalization: %v", seq.items[1].Size())
	}
}

func TestJobUnknownScalingModeComposes(t *testing.T) {
	folder := makeFolder(t, "zoomed", "a.jpg", "b.jpg")
	engine := newFakeEngine()
	engine.sizes["a.jpg"] = media.Size{Width: 1920, Height: 1080}
	engine.sizes["b.jpg"] = media.Size{Width: 640, Height: 480}

	settings := testSettings()
	settings.ScalingMode = "zoom"
	j, _ := newTestJob(t, folder, settings, engine, Options{})
	j.Run(context.Background())

	if j.Status() != StatusCompleted {
		t.Fatalf("status = %s: %v", j.Status(), j.Err())
	}
	seq := engine.sequences[0]
	if seq.mode != media.ConcatCompose {
		t.Errorf("mode = %s, want compose for clips of different sizes", seq.mode)
	}
	if seq.items[1].Size() != (media.Size{Width: 640, Height: 480}) {
		t.Errorf("unknown mode changed the clip: %v", seq.items[1].Size())
	}
}

func TestJobSortsByCaptureTime(t *testing.T) {
	folder := makeFolder(t, "trip",
		"a_first.jpg",
		"IMG_03_15_2024_02_30_45 PM.jpg",
		"IMG_03_15_2024_12_05_00 AM.jpg",
		"IMG_03_14_2024_11_00_00 PM.jpg",
	)
	engine := newFakeEngine()
	j, _ := newTestJob(t, folder, testSettings(), engine, Options{})
	j.Run(context.Background())

	want := []string{
		"IMG_03_14_2024_11_00_00 PM.jpg",
		"IMG_03_15_2024_12_05_00 AM.jpg",
		"IMG_03_15_2024_02_30_45 PM.jpg",
		"a_first.jpg",
	}
	loaded := engine.loadedPaths()
	for i := range want {
		if filepath.Base(loaded[i]) != want[i] {
			t.Errorf("loaded[%d] = %s, want %s", i, filepath.Base(loaded[i]), want[i])
		}
	}
}

func TestJobSkipsUnloadableFiles(t *testing.T) {
	folder := makeFolder(t, "partly", "a.jpg", "b.mp4", "c.jpg")
	engine := newFakeEngine()
	engine.failLoad["b.mp4"] = true

	j, bus := newTestJob(t, folder, testSettings(), engine, Options{})
	events, _ := bus.Subscribe()
	j.Run(context.Background())

	if j.Status() != StatusCompleted {
		t.Fatalf("status = %s: %v", j.Status(), j.Err())
	}
	if n := len(engine.sequences[0].items); n != 2 {
		t.Errorf("sequence has %d items, want 2", n)
	}

	var skipped bool
	for _, e := range ofType(collect(bus, events), EventStage) {
		if strings.HasPrefix(e.Stage, "Skipped b.mp4") {
			skipped = true
		}
	}
	if !skipped {
		t.Error("expected a stage message for the skipped file")
	}
}

func TestJobValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		folder  func(t *testing.T) string
		setup   func(*config.Settings, *fakeEngine)
		wantMsg string
	}{
		{
			name:    "missing folder",
			folder:  func(t *testing.T) string { return filepath.Join(t.TempDir(), "gone") },
			wantMsg: "folder does not exist",
		},
		{
			name:    "no media",
			folder:  func(t *testing.T) string { return makeFolder(t, "docs", "readme.txt") },
			wantMsg: "no image or video files found",
		},
		{
			name:   "nothing loads",
			folder: func(t *testing.T) string { return makeFolder(t, "broken", "a.jpg") },
			setup: func(_ *config.Settings, e *fakeEngine) {
				e.failLoad["a.jpg"] = true
			},
			wantMsg: "no usable clips",
		},
		{
			name:   "bad template",
			folder: func(t *testing.T) string { return makeFolder(t, "tmpl", "a.jpg") },
			setup: func(s *config.Settings, _ *fakeEngine) {
				s.OutputFilenameFormat = "{folder_name}_{resolution}.mp4"
			},
			wantMsg: "malformed filename template",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := testSettings()
			engine := newFakeEngine()
			if tt.setup != nil {
				tt.setup(&settings, engine)
			}
			j, _ := newTestJob(t, tt.folder(t), settings, engine, Options{})
			j.Run(context.Background())

			if j.Status() != StatusFailed {
				t.Fatalf("status = %s, want failed", j.Status())
			}
			var verr *ValidationError
			if !errors.As(j.Err(), &verr) {
				t.Errorf("Err() = %T %v, want *ValidationError", j.Err(), j.Err())
			}
			if !strings.Contains(j.Info().Message, tt.wantMsg) {
				t.Errorf("message = %q, want it to contain %q", j.Info().Message, tt.wantMsg)
			}
			engine.allReleased(t)
		})
	}
}

func TestJobFixedFolderOutput(t *testing.T) {
	folder := makeFolder(t, "src", "a.jpg")
	out := filepath.Join(t.TempDir(), "exports", "videos")

	settings := testSettings()
	settings.OutputPathType = config.OutputFixedFolder
	settings.FixedOutputFolder = out
	settings.OutputFilenameFormat = "{folder_name}: final"

	j, _ := newTestJob(t, folder, settings, newFakeEngine(), Options{})
	j.Run(context.Background())

	want := filepath.Join(out, "src_ final.mp4")
	if got := j.Info().OutputPath; got != want {
		t.Errorf("output = %s, want %s", got, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("output missing: %v", err)
	}
}

func TestJobCancelDuringWriteRemovesPartialOutput(t *testing.T) {
	folder := makeFolder(t, "long", "a.jpg", "b.jpg")
	engine := newFakeEngine()
	engine.gate(folder)

	j, _ := newTestJob(t, folder, testSettings(), engine, Options{})
	go j.Run(context.Background())

	path := <-engine.writing
	if err := j.Pause(); !errors.Is(err, ErrPauseLocked) {
		t.Errorf("Pause during write = %v, want ErrPauseLocked", err)
	}
	j.Cancel()
	waitDone(t, j)

	if j.Status() != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", j.Status())
	}
	if !errors.Is(j.Err(), ErrCancelled) {
		t.Errorf("Err() = %v, want ErrCancelled", j.Err())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("partial output should be removed, stat err = %v", err)
	}
	engine.allReleased(t)
}

func TestJobCancelKeepsConfirmedOverwrite(t *testing.T) {
	folder := makeFolder(t, "again", "a.jpg", "again_video.mp4")
	engine := newFakeEngine()
	engine.gate(folder)

	j, _ := newTestJob(t, folder, testSettings(), engine, Options{ConfirmOverwrite: true})
	go j.Run(context.Background())

	path := <-engine.writing
	j.Cancel()
	waitDone(t, j)

	if j.Status() != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", j.Status())
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("confirmed overwrite target should be kept: %v", err)
	}
}

func TestJobOverwriteDeclined(t *testing.T) {
	folder := makeFolder(t, "keep", "a.jpg")
	existing := filepath.Join(folder, "keep_video.mp4")
	if err := os.WriteFile(existing, []byte("precious"), 0644); err != nil {
		t.Fatal(err)
	}

	engine := newFakeEngine()
	j, bus := newTestJob(t, folder, testSettings(), engine, Options{})
	events, _ := bus.Subscribe()
	go j.Run(context.Background())

	req := nextOfType(t, events, EventOverwriteRequest)
	if req.Path != existing || req.JobID != j.ID {
		t.Errorf("request = %+v", req)
	}
	if err := j.ConfirmOverwrite(false); err != nil {
		t.Fatalf("ConfirmOverwrite failed: %v", err)
	}
	waitDone(t, j)

	if j.Status() != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", j.Status())
	}
	if data, _ := os.ReadFile(existing); string(data) != "precious" {
		t.Errorf("existing output was modified: %q", data)
	}
	if len(engine.loadedPaths()) != 0 {
		t.Error("nothing should be loaded after declining")
	}
	if err := j.ConfirmOverwrite(true); !errors.Is(err, ErrNoPendingRequest) {
		t.Errorf("late answer = %v, want ErrNoPendingRequest", err)
	}
}

func TestJobOverwriteAccepted(t *testing.T) {
	folder := makeFolder(t, "replace", "a.jpg", "replace_video.mp4")
	j, bus := newTestJob(t, folder, testSettings(), newFakeEngine(), Options{})
	events, _ := bus.Subscribe()
	go j.Run(context.Background())

	nextOfType(t, events, EventOverwriteRequest)
	j.ConfirmOverwrite(true)
	waitDone(t, j)

	if j.Status() != StatusCompleted {
		t.Fatalf("status = %s: %v", j.Status(), j.Err())
	}
}

func TestJobAskUserOutputPath(t *testing.T) {
	folder := makeFolder(t, "ask", "a.jpg")
	target := t.TempDir()

	settings := testSettings()
	settings.OutputPathType = config.OutputAskUser
	j, bus := newTestJob(t, folder, settings, newFakeEngine(), Options{})
	events, _ := bus.Subscribe()
	go j.Run(context.Background())

	req := nextOfType(t, events, EventOutputPathRequest)
	if req.Path != filepath.Join(folder, "ask_video.mp4") {
		t.Errorf("default path = %s", req.Path)
	}
	if err := j.ProvideOutputPath(filepath.Join(target, "chosen")); err != nil {
		t.Fatalf("ProvideOutputPath failed: %v", err)
	}
	waitDone(t, j)

	want := filepath.Join(target, "chosen.mp4")
	if got := j.Info().OutputPath; got != want {
		t.Errorf("output = %s, want %s", got, want)
	}
	if j.Status() != StatusCompleted {
		t.Errorf("status = %s: %v", j.Status(), j.Err())
	}
}

func TestJobAskUserCreatesMissingFolder(t *testing.T) {
	folder := makeFolder(t, "nested", "a.jpg")
	target := filepath.Join(t.TempDir(), "exports", "2024")

	settings := testSettings()
	settings.OutputPathType = config.OutputAskUser
	j, bus := newTestJob(t, folder, settings, newFakeEngine(), Options{})
	events, _ := bus.Subscribe()
	go j.Run(context.Background())

	nextOfType(t, events, EventOutputPathRequest)
	if err := j.ProvideOutputPath(filepath.Join(target, "trip")); err != nil {
		t.Fatalf("ProvideOutputPath failed: %v", err)
	}
	waitDone(t, j)

	if j.Status() != StatusCompleted {
		t.Fatalf("status = %s: %v", j.Status(), j.Err())
	}
	want := filepath.Join(target, "trip.mp4")
	if got := j.Info().OutputPath; got != want {
		t.Errorf("output = %s, want %s", got, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("output not written: %v", err)
	}
}

func TestJobAskUserTimeout(t *testing.T) {
	folder := makeFolder(t, "slow", "a.jpg")
	settings := testSettings()
	settings.OutputPathType = config.OutputAskUser

	j, _ := newTestJob(t, folder, settings, newFakeEngine(), Options{OutputPathTimeout: 20 * time.Millisecond})
	j.Run(context.Background())

	if j.Status() != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", j.Status())
	}
	if !strings.Contains(j.Info().Message, "no output path provided") {
		t.Errorf("message = %q", j.Info().Message)
	}
}

func TestJobAskUserEmptyAnswerCancels(t *testing.T) {
	folder := makeFolder(t, "empty", "a.jpg")
	settings := testSettings()
	settings.OutputPathType = config.OutputAskUser

	j, bus := newTestJob(t, folder, settings, newFakeEngine(), Options{})
	events, _ := bus.Subscribe()
	go j.Run(context.Background())

	nextOfType(t, events, EventOutputPathRequest)
	j.ProvideOutputPath("  ")
	waitDone(t, j)

	if j.Status() != StatusCancelled {
		t.Errorf("status = %s, want cancelled", j.Status())
	}
}

func TestJobPauseAndResume(t *testing.T) {
	folder := makeFolder(t, "pause", "a.jpg", "b.jpg", "c.jpg")
	engine := newFakeEngine()
	firstLoad := make(chan struct{})
	proceed := make(chan struct{})
	var once bool
	engine.onLoad = func(string) {
		if !once {
			once = true
			close(firstLoad)
			<-proceed
		}
	}

	j, _ := newTestJob(t, folder, testSettings(), engine, Options{})
	go j.Run(context.Background())

	<-firstLoad
	if err := j.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if j.Status() != StatusPaused {
		t.Errorf("status = %s, want paused immediately", j.Status())
	}
	if err := j.Pause(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("second Pause = %v, want ErrNotRunning", err)
	}
	close(proceed)

	// the job parks at the next checkpoint and loads nothing else
	time.Sleep(50 * time.Millisecond)
	if n := len(engine.loadedPaths()); n != 1 {
		t.Errorf("loaded %d files while paused, want 1", n)
	}

	if err := j.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if err := j.Resume(); !errors.Is(err, ErrNotPaused) {
		t.Errorf("second Resume = %v, want ErrNotPaused", err)
	}
	waitDone(t, j)

	info := j.Info()
	if info.Status != StatusCompleted {
		t.Fatalf("status = %s: %v", info.Status, j.Err())
	}
	wall := info.FinishedAt.Sub(info.StartedAt)
	if info.Elapsed > wall-40*time.Millisecond {
		t.Errorf("elapsed %v should exclude the ~50ms pause (wall %v)", info.Elapsed, wall)
	}
}

func TestJobCancelWhilePaused(t *testing.T) {
	folder := makeFolder(t, "stop", "a.jpg", "b.jpg")
	engine := newFakeEngine()
	firstLoad := make(chan struct{})
	proceed := make(chan struct{})
	var once bool
	engine.onLoad = func(string) {
		if !once {
			once = true
			close(firstLoad)
			<-proceed
		}
	}

	j, _ := newTestJob(t, folder, testSettings(), engine, Options{})
	go j.Run(context.Background())

	<-firstLoad
	j.Pause()
	close(proceed)
	waitFor(t, "job to park", func() bool { return j.Status() == StatusPaused })

	j.Cancel()
	waitDone(t, j)

	if j.Status() != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", j.Status())
	}
	engine.allReleased(t)
}

func TestJobContextCancellation(t *testing.T) {
	folder := makeFolder(t, "ctx", "a.jpg")
	engine := newFakeEngine()
	engine.gate(folder)

	ctx, cancel := context.WithCancel(context.Background())
	j, _ := newTestJob(t, folder, testSettings(), engine, Options{})
	go j.Run(ctx)

	<-engine.writing
	cancel()
	waitDone(t, j)

	if j.Status() != StatusCancelled {
		t.Errorf("status = %s, want cancelled", j.Status())
	}
}

func TestJobOutputIntegrityError(t *testing.T) {
	folder := makeFolder(t, "vanish", "a.jpg")
	engine := newFakeEngine()
	engine.gate(folder)

	j, bus := newTestJob(t, folder, testSettings(), engine, Options{IntegrityInterval: 10 * time.Millisecond})
	events, _ := bus.Subscribe()
	go j.Run(context.Background())

	path := <-engine.writing
	// let the monitor see the file before it disappears
	time.Sleep(40 * time.Millisecond)
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	waitDone(t, j)

	if j.Status() != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", j.Status())
	}
	var integrity *OutputIntegrityError
	if !errors.As(j.Err(), &integrity) {
		t.Fatalf("Err() = %v, want *OutputIntegrityError", j.Err())
	}
	if errors.Is(j.Err(), ErrCancelled) {
		t.Error("integrity failure should be distinct from user cancellation")
	}

	all := collect(bus, events)
	if len(ofType(all, EventOutputFileError)) != 1 {
		t.Errorf("expected one output_file_error event")
	}
	terminal := ofType(all, EventTerminal)
	if len(terminal) != 1 || terminal[0].Message != integrity.Error() {
		t.Errorf("terminal events = %+v", terminal)
	}
}

func TestJobPanicBecomesFailure(t *testing.T) {
	folder := makeFolder(t, "boom", "a.jpg")
	engine := newFakeEngine()
	engine.panicOnConcat = true

	j, _ := newTestJob(t, folder, testSettings(), engine, Options{})
	j.Run(context.Background())

	if j.Status() != StatusFailed {
		t.Fatalf("status = %s, want failed", j.Status())
	}
	if !strings.Contains(j.Info().Message, "concat exploded") {
		t.Errorf("message = %q", j.Info().Message)
	}
	engine.allReleased(t)
}

func TestJobCancelBeforeRun(t *testing.T) {
	folder := makeFolder(t, "never", "a.jpg")
	engine := newFakeEngine()
	j, bus := newTestJob(t, folder, testSettings(), engine, Options{})
	events, _ := bus.Subscribe()

	j.Cancel()
	waitDone(t, j)
	j.Run(context.Background())

	if j.Status() != StatusCancelled {
		t.Errorf("status = %s, want cancelled", j.Status())
	}
	if len(engine.loadedPaths()) != 0 {
		t.Error("cancelled job should never run")
	}
	if n := len(ofType(collect(bus, events), EventTerminal)); n != 1 {
		t.Errorf("got %d terminal events, want 1", n)
	}
}

func TestJobSettingsSnapshot(t *testing.T) {
	settings := testSettings()
	j, _ := newTestJob(t, t.TempDir(), settings, newFakeEngine(), Options{})

	settings.ImageDuration = 99
	settings.OutputFilenameFormat = "changed.mp4"

	got := j.Settings()
	if got.ImageDuration != 2 || got.OutputFilenameFormat != "{folder_name}_video.mp4" {
		t.Errorf("job settings changed with caller's copy: %+v", got)
	}
}
