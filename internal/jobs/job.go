package jobs

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gwlsn/foldermerge/internal/config"
	"github.com/gwlsn/foldermerge/internal/media"
)

// Status represents the current state of a job
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued" // Waiting for a free slot
	StatusRunning    Status = "running"
	StatusPaused     Status = "paused"
	StatusCancelling Status = "cancelling"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal returns true if no further transitions are possible
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// isValidTransition enforces the allowed job state machine edges.
func isValidTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusQueued || to == StatusRunning || to == StatusCancelling
	case StatusQueued:
		return to == StatusRunning || to == StatusCancelling
	case StatusRunning:
		return to == StatusPaused || to == StatusCancelling || to == StatusCompleted || to == StatusFailed
	case StatusPaused:
		return to == StatusRunning || to == StatusCancelling
	case StatusCancelling:
		return to == StatusCancelled
	default:
		return false
	}
}

// Options tune job behaviour that is not part of the merge settings.
type Options struct {
	// OutputPathTimeout bounds the wait for an answer to an output path
	// request (default 60s).
	OutputPathTimeout time.Duration
	// IntegrityInterval is how often the output file is checked while
	// it is written (default 2s).
	IntegrityInterval time.Duration
	// ConfirmOverwrite replaces existing outputs without asking.
	ConfirmOverwrite bool
	Logger           zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.OutputPathTimeout <= 0 {
		o.OutputPathTimeout = 60 * time.Second
	}
	if o.IntegrityInterval <= 0 {
		o.IntegrityInterval = 2 * time.Second
	}
	return o
}

// Job merges the media of one folder into a single video.
type Job struct {
	ID         string
	FolderPath string

	settings config.Settings
	engine   media.Engine
	bus      *Bus
	opts     Options
	log      zerolog.Logger

	mu         sync.Mutex
	cond       *sync.Cond
	status     Status
	progress   float64
	stage      string
	outputPath string
	message    string
	err        error
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
	elapsed    time.Duration
	remaining  time.Duration

	pauseStart  time.Time
	pausedTotal time.Duration

	pauseRequested  bool
	pauseLocked     bool
	cancelRequested bool
	cancelReason    error
	cancelCh        chan struct{}

	awaiting       EventType // pending request, if any
	pathReply      chan string
	overwriteReply chan bool

	estimator  Estimator
	claimed    bool // moved to running, or finished without running
	executing  bool
	finished   bool
	done       chan struct{}
	onTerminal func(*Job)
}

// NewJob creates a pending job for folder. settings is copied, so later
// changes to the caller's value do not affect the job.
func NewJob(folder string, settings config.Settings, engine media.Engine, bus *Bus, opts Options) (*Job, error) {
	abs, err := filepath.Abs(folder)
	if err != nil {
		return nil, fmt.Errorf("resolve folder: %w", err)
	}
	if bus == nil {
		bus = NewBus()
	}
	opts = opts.withDefaults()

	j := &Job{
		ID:             uuid.NewString(),
		FolderPath:     abs,
		settings:       settings,
		engine:         engine,
		bus:            bus,
		opts:           opts,
		status:         StatusPending,
		createdAt:      time.Now(),
		cancelCh:       make(chan struct{}),
		pathReply:      make(chan string, 1),
		overwriteReply: make(chan bool, 1),
		done:           make(chan struct{}),
	}
	j.cond = sync.NewCond(&j.mu)
	j.log = opts.Logger.With().
		Str("component", "job").
		Str("job_id", j.ID).
		Str("folder", abs).
		Logger()
	return j, nil
}

// Info is a point-in-time snapshot of a job
type Info struct {
	ID         string        `json:"id"`
	FolderPath string        `json:"folder_path"`
	OutputPath string        `json:"output_path,omitempty"`
	Status     Status        `json:"status"`
	Progress   float64       `json:"progress"` // 0-100
	Stage      string        `json:"stage,omitempty"`
	Message    string        `json:"message,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
	Remaining  time.Duration `json:"remaining"`
	CreatedAt  time.Time     `json:"created_at"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
}

// Info returns a snapshot of the job's state.
func (j *Job) Info() Info {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Info{
		ID:         j.ID,
		FolderPath: j.FolderPath,
		OutputPath: j.outputPath,
		Status:     j.status,
		Progress:   j.progress,
		Stage:      j.stage,
		Message:    j.message,
		Elapsed:    j.elapsedLocked(time.Now()),
		Remaining:  j.remaining,
		CreatedAt:  j.createdAt,
		StartedAt:  j.startedAt,
		FinishedAt: j.finishedAt,
	}
}

// Status returns the current status.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Settings returns the job's settings snapshot.
func (j *Job) Settings() config.Settings {
	return j.settings
}

// Err returns why the job did not complete: nil while it runs and after
// success, an *OutputIntegrityError or ErrCancelled when it was cancelled,
// and the failure otherwise.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Done is closed after the terminal event has been published.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Pause asks a running job to stop at its next checkpoint. The status
// changes immediately. Jobs that are writing their output refuse.
func (j *Job) Pause() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status != StatusRunning || j.cancelRequested {
		return ErrNotRunning
	}
	if j.pauseLocked {
		return ErrPauseLocked
	}
	j.pauseRequested = true
	j.pauseStart = time.Now()
	j.setStatusLocked(StatusPaused)
	j.log.Info().Msg("Paused")
	return nil
}

// Resume continues a paused job.
func (j *Job) Resume() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status != StatusPaused {
		return ErrNotPaused
	}
	j.resumeLocked(time.Now())
	j.setStatusLocked(StatusRunning)
	j.log.Info().Msg("Resumed")
	return nil
}

func (j *Job) resumeLocked(now time.Time) {
	if !j.pauseStart.IsZero() {
		j.pausedTotal += now.Sub(j.pauseStart)
		j.pauseStart = time.Time{}
	}
	j.pauseRequested = false
	j.cond.Broadcast()
}

// Cancel requests cooperative cancellation. It returns immediately; the job
// stops at its next checkpoint.
func (j *Job) Cancel() {
	j.cancelWith(ErrCancelled)
}

func (j *Job) cancelWith(reason error) {
	j.mu.Lock()
	if j.status.IsTerminal() || j.cancelRequested {
		j.mu.Unlock()
		return
	}
	j.cancelRequested = true
	j.cancelReason = reason
	close(j.cancelCh)
	j.cond.Broadcast()
	j.log.Info().Err(reason).Msg("Cancellation requested")

	if !j.claimed {
		// never started: nothing to clean up
		j.claimed = true
		j.setStatusLocked(StatusCancelling)
		j.mu.Unlock()
		j.finish(reason)
		return
	}
	if j.status == StatusPaused {
		j.resumeLocked(time.Now())
	}
	j.setStatusLocked(StatusCancelling)
	j.mu.Unlock()
}

// ProvideOutputPath answers an output path request. An empty path cancels
// the job.
func (j *Job) ProvideOutputPath(path string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.awaiting != EventOutputPathRequest {
		return ErrNoPendingRequest
	}
	j.awaiting = ""
	j.pathReply <- path
	return nil
}

// ConfirmOverwrite answers an overwrite request. Declining cancels the job.
func (j *Job) ConfirmOverwrite(overwrite bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.awaiting != EventOverwriteRequest {
		return ErrNoPendingRequest
	}
	j.awaiting = ""
	j.overwriteReply <- overwrite
	return nil
}

// start claims a pending or queued job for execution and marks it running.
// It fails once the job has been cancelled or claimed.
func (j *Job) start() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelRequested || j.claimed || !isValidTransition(j.status, StatusRunning) {
		return false
	}
	j.claimed = true
	j.setStatusLocked(StatusRunning)
	return true
}

// enqueue marks a pending job as waiting for a slot.
func (j *Job) enqueue() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusPending || j.cancelRequested {
		return false
	}
	j.setStatusLocked(StatusQueued)
	return true
}

// notify registers fn to run after the job's terminal event.
func (j *Job) notify(fn func(*Job)) {
	j.mu.Lock()
	j.onTerminal = fn
	j.mu.Unlock()
}

func (j *Job) setStatusLocked(status Status) {
	if j.status == status {
		return
	}
	if !isValidTransition(j.status, status) {
		j.log.Warn().
			Str("from", string(j.status)).
			Str("to", string(status)).
			Msg("Ignoring invalid status transition")
		return
	}
	j.status = status
	j.publishLocked(Event{Type: EventStatus, Status: status})
}

// publishLocked stamps an event with the job's identity. The bus never
// blocks, so it is safe to call with j.mu held.
func (j *Job) publishLocked(event Event) {
	event.JobID = j.ID
	event.Folder = j.FolderPath
	if event.Status == "" {
		event.Status = j.status
	}
	j.bus.Publish(event)
}

func (j *Job) elapsedLocked(now time.Time) time.Duration {
	if j.startedAt.IsZero() {
		return 0
	}
	if !j.finishedAt.IsZero() {
		return j.elapsed
	}
	paused := j.pausedTotal
	if !j.pauseStart.IsZero() {
		paused += now.Sub(j.pauseStart)
	}
	return now.Sub(j.startedAt) - paused
}

// cancelErrLocked returns the reason the job is stopping.
func (j *Job) cancelErrLocked() error {
	if j.cancelReason != nil {
		return j.cancelReason
	}
	return ErrCancelled
}

// isCancellation reports whether err ends a job as cancelled rather than failed.
func isCancellation(err error) bool {
	var integrity *OutputIntegrityError
	return errors.Is(err, ErrCancelled) || errors.As(err, &integrity)
}
