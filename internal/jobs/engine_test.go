package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gwlsn/foldermerge/internal/config"
	"github.com/gwlsn/foldermerge/internal/media"
)

// fakeItem is a transformed clip. Transformations only change the size.
type fakeItem struct {
	src  *fakeClip
	size media.Size
}

func (f *fakeItem) Size() media.Size        { return f.size }
func (f *fakeItem) Duration() time.Duration { return f.src.duration }

func (f *fakeItem) Resize(size media.Size) media.Item {
	return &fakeItem{src: f.src, size: size}
}

func (f *fakeItem) Crop(r media.Rect) media.Item {
	return &fakeItem{src: f.src, size: media.Size{Width: r.Width, Height: r.Height}}
}

func (f *fakeItem) CompositeCentered(canvas media.Size, _ media.Color) media.Item {
	return &fakeItem{src: f.src, size: canvas}
}

type fakeClip struct {
	fakeItem
	path     string
	duration time.Duration
	closed   atomic.Bool
}

func (c *fakeClip) Path() string { return c.path }

func (c *fakeClip) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeSequence struct {
	items  []media.Item
	mode   media.ConcatMode
	closed atomic.Bool
}

func (s *fakeSequence) Duration() time.Duration { return time.Duration(len(s.items)) * time.Second }
func (s *fakeSequence) Len() int                { return len(s.items) }
func (s *fakeSequence) Close() error {
	s.closed.Store(true)
	return nil
}

// fakeEngine loads any file instantly and writes a small output file,
// reporting progress in steps. Gates let tests hold a job at a given point.
type fakeEngine struct {
	mu        sync.Mutex
	failLoad  map[string]bool       // base names that fail to load
	sizes     map[string]media.Size // base name -> size, default 640x480
	loaded    []string
	clips     []*fakeClip
	sequences []*fakeSequence

	// onLoad runs before each load returns
	onLoad func(path string)
	// writing receives the output path once the output file exists
	writing chan string
	// gates hold WriteOutput for outputs in the named folder until closed
	gates map[string]chan struct{}
	// ignoreCancel keeps writing after progress returns an error
	ignoreCancel bool
	// panicOnConcat makes Concatenate panic
	panicOnConcat bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		failLoad: make(map[string]bool),
		sizes:    make(map[string]media.Size),
		gates:    make(map[string]chan struct{}),
		writing:  make(chan string, 16),
	}
}

func (e *fakeEngine) load(path string, d time.Duration) (media.Clip, error) {
	if e.onLoad != nil {
		e.onLoad(path)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	name := filepath.Base(path)
	e.loaded = append(e.loaded, path)
	if e.failLoad[name] {
		return nil, errors.New("unsupported codec")
	}
	size, ok := e.sizes[name]
	if !ok {
		size = media.Size{Width: 640, Height: 480}
	}
	c := &fakeClip{path: path, duration: d}
	c.fakeItem = fakeItem{src: c, size: size}
	e.clips = append(e.clips, c)
	return c, nil
}

func (e *fakeEngine) LoadImage(_ context.Context, path string, d time.Duration) (media.Clip, error) {
	return e.load(path, d)
}

func (e *fakeEngine) LoadVideo(_ context.Context, path string) (media.Clip, error) {
	return e.load(path, 3*time.Second)
}

func (e *fakeEngine) Concatenate(items []media.Item, mode media.ConcatMode) (media.Sequence, error) {
	if e.panicOnConcat {
		panic("concat exploded")
	}
	seq := &fakeSequence{items: append([]media.Item(nil), items...), mode: mode}
	e.mu.Lock()
	e.sequences = append(e.sequences, seq)
	e.mu.Unlock()
	return seq, nil
}

func (e *fakeEngine) WriteOutput(_ context.Context, _ media.Sequence, path string, _ media.CodecOptions, progress media.ProgressFunc) error {
	if err := os.WriteFile(path, []byte("partial"), 0644); err != nil {
		return err
	}
	select {
	case e.writing <- path:
	default:
	}

	e.mu.Lock()
	gate := e.gates[filepath.Base(filepath.Dir(path))]
	e.mu.Unlock()

	if err := progress(0.25); err != nil && !e.ignoreCancel {
		return err
	}
	if gate != nil {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
	wait:
		for {
			select {
			case <-gate:
				break wait
			case <-ticker.C:
				if err := progress(0.5); err != nil && !e.ignoreCancel {
					return err
				}
			}
		}
	}
	if err := progress(1); err != nil && !e.ignoreCancel {
		return err
	}
	return os.WriteFile(path, []byte("complete"), 0644)
}

func (e *fakeEngine) gate(folder string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan struct{})
	e.gates[filepath.Base(folder)] = ch
	return ch
}

func (e *fakeEngine) loadedPaths() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.loaded...)
}

func (e *fakeEngine) allReleased(t *testing.T) {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.clips {
		if !c.closed.Load() {
			t.Errorf("clip %s was not closed", filepath.Base(c.path))
		}
	}
	for i, s := range e.sequences {
		if !s.closed.Load() {
			t.Errorf("sequence %d was not closed", i)
		}
	}
}

// makeFolder creates a folder with the named (empty) files in a temp dir.
func makeFolder(t *testing.T, name string, files ...string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func testSettings() config.Settings {
	s := config.DefaultSettings()
	s.ImageDuration = 2
	return s
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitDone(t *testing.T, j *Job) {
	t.Helper()
	select {
	case <-j.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("job %s did not finish (status %s)", j.ID, j.Status())
	}
}

// collect closes the bus and returns every event it delivered to ch.
func collect(bus *Bus, ch <-chan Event) []Event {
	bus.Close()
	var events []Event
	for e := range ch {
		events = append(events, e)
	}
	return events
}

func ofType(events []Event, typ EventType) []Event {
	var out []Event
	for _, e := range events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// nextOfType reads from ch until an event of typ arrives.
func nextOfType(t *testing.T, ch <-chan Event, typ EventType) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				t.Fatalf("event stream closed before %s", typ)
			}
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
		}
	}
}
