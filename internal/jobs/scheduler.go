package jobs

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gwlsn/foldermerge/internal/config"
	"github.com/gwlsn/foldermerge/internal/media"
)

// SchedulerOptions configure a Scheduler.
type SchedulerOptions struct {
	// MaxConcurrent is the number of jobs that run at once (default 2)
	MaxConcurrent int
	// CancelTimeout bounds how long Cancel waits for a running job to stop
	// (default 500ms)
	CancelTimeout time.Duration
	// Job is applied to every job created by Submit. Its Logger is
	// replaced by Logger.
	Job    Options
	Logger zerolog.Logger
}

// Scheduler admits jobs up to a fixed concurrency limit and runs the rest
// in submission order as slots free up.
type Scheduler struct {
	mu            sync.Mutex
	maxConcurrent int
	cancelTimeout time.Duration
	jobOpts       Options

	engine media.Engine
	store  *config.Store
	bus    *Bus
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	jobs    map[string]*Job
	order   []string // Job IDs in order of submission
	running map[string]*Job
	waiting []*Job // FIFO

	drained bool          // all_complete already sent for the current batch
	idle    chan struct{} // closed while nothing is running or waiting
}

// NewScheduler creates a scheduler. store supplies the settings snapshot for
// jobs created by Submit.
func NewScheduler(engine media.Engine, store *config.Store, bus *Bus, opts SchedulerOptions) *Scheduler {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 2
	}
	if opts.CancelTimeout <= 0 {
		opts.CancelTimeout = 500 * time.Millisecond
	}
	if bus == nil {
		bus = NewBus()
	}
	opts.Job.Logger = opts.Logger

	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	return &Scheduler{
		maxConcurrent: opts.MaxConcurrent,
		cancelTimeout: opts.CancelTimeout,
		jobOpts:       opts.Job,
		engine:        engine,
		store:         store,
		bus:           bus,
		log:           opts.Logger.With().Str("component", "scheduler").Logger(),
		ctx:           ctx,
		cancel:        cancel,
		jobs:          make(map[string]*Job),
		running:       make(map[string]*Job),
		drained:       true,
		idle:          idle,
	}
}

// Bus returns the bus that jobs and the scheduler publish to.
func (s *Scheduler) Bus() *Bus {
	return s.bus
}

// MaxConcurrent returns the concurrency limit.
func (s *Scheduler) MaxConcurrent() int {
	return s.maxConcurrent
}

// Submit creates a job for folder with a snapshot of the current settings
// and schedules it.
func (s *Scheduler) Submit(folder string) (*Job, error) {
	var settings config.Settings
	if s.store != nil {
		settings = s.store.Snapshot()
	} else {
		settings = config.DefaultSettings()
	}

	job, err := NewJob(folder, settings, s.engine, s.bus, s.jobOpts)
	if err != nil {
		return nil, err
	}
	if err := s.SubmitJob(job); err != nil {
		return nil, err
	}
	return job, nil
}

// SubmitJob schedules a pending job. It starts immediately when a slot is
// free and is queued otherwise.
func (s *Scheduler) SubmitJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already submitted", job.ID)
	}
	if job.Status() != StatusPending {
		return fmt.Errorf("job %s is %s, not pending", job.ID, job.Status())
	}
	if other := s.activeForFolderLocked(job.FolderPath); other != nil {
		return fmt.Errorf("%w: %s (job %s)", ErrDuplicateFolder, job.FolderPath, other.ID)
	}
	if job.bus != s.bus {
		return fmt.Errorf("job %s publishes to a different bus", job.ID)
	}

	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	job.notify(s.onJobTerminal)

	if s.drained {
		s.drained = false
		s.idle = make(chan struct{})
	}

	if len(s.running) < s.maxConcurrent && len(s.waiting) == 0 {
		s.runLocked(job)
	} else {
		job.enqueue()
		s.waiting = append(s.waiting, job)
		s.log.Info().Str("job_id", job.ID).Int("position", len(s.waiting)).Msg("Job queued")
	}
	s.publishDepthLocked()
	return nil
}

func (s *Scheduler) activeForFolderLocked(folder string) *Job {
	folder = filepath.Clean(folder)
	for _, id := range s.order {
		job := s.jobs[id]
		if job.FolderPath == folder && !job.Status().IsTerminal() {
			return job
		}
	}
	return nil
}

// runLocked claims job and starts it on its own goroutine.
func (s *Scheduler) runLocked(job *Job) bool {
	if !job.start() {
		return false
	}
	s.running[job.ID] = job
	s.log.Info().Str("job_id", job.ID).Str("folder", job.FolderPath).Msg("Job started")
	go job.Run(s.ctx)
	return true
}

// onJobTerminal frees the job's slot and promotes waiting jobs.
func (s *Scheduler) onJobTerminal(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retireLocked(job)
}

// retireLocked removes job from the running set or the wait queue. It is a
// no-op for jobs that were already retired.
func (s *Scheduler) retireLocked(job *Job) {
	if _, ok := s.running[job.ID]; ok {
		delete(s.running, job.ID)
	} else if i := s.waitingIndexLocked(job.ID); i >= 0 {
		s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
	} else {
		return
	}

	s.promoteLocked()
	s.publishDepthLocked()
	s.checkDrainedLocked()
}

// promoteLocked starts waiting jobs, oldest first, while slots are free.
func (s *Scheduler) promoteLocked() {
	for len(s.running) < s.maxConcurrent && len(s.waiting) > 0 {
		next := s.waiting[0]
		s.waiting[0] = nil
		s.waiting = s.waiting[1:]
		s.runLocked(next)
	}
}

func (s *Scheduler) waitingIndexLocked(id string) int {
	for i, job := range s.waiting {
		if job.ID == id {
			return i
		}
	}
	return -1
}

func (s *Scheduler) publishDepthLocked() {
	s.bus.Publish(Event{
		Type:    EventQueueDepth,
		Running: len(s.running),
		Queued:  len(s.waiting),
	})
}

func (s *Scheduler) checkDrainedLocked() {
	if s.drained || len(s.running) > 0 || len(s.waiting) > 0 {
		return
	}
	s.drained = true
	close(s.idle)
	s.log.Info().Msg("All jobs complete")
	s.bus.Publish(Event{Type: EventAllComplete})
}

// Cancel stops a job. Queued jobs end without ever running. For running jobs
// Cancel waits up to the cancel timeout for the job to finish, then stops
// tracking it either way.
func (s *Scheduler) Cancel(id string) error {
	job := s.Get(id)
	if job == nil {
		return ErrJobNotFound
	}
	if job.Status().IsTerminal() {
		return nil
	}

	job.Cancel()

	timer := time.NewTimer(s.cancelTimeout)
	defer timer.Stop()
	select {
	case <-job.Done():
	case <-timer.C:
		s.log.Warn().
			Str("job_id", id).
			Dur("timeout", s.cancelTimeout).
			Msg("Job did not acknowledge cancellation in time, releasing its slot")
	}

	s.mu.Lock()
	s.retireLocked(job)
	s.mu.Unlock()
	return nil
}

// CancelAll cancels every job that has not finished. Waiting jobs are
// cancelled first so none of them is promoted in the meantime.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	waiting := append([]*Job(nil), s.waiting...)
	running := make([]*Job, 0, len(s.running))
	for _, job := range s.running {
		running = append(running, job)
	}
	s.mu.Unlock()

	for _, job := range waiting {
		s.Cancel(job.ID)
	}

	var wg sync.WaitGroup
	for _, job := range running {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			s.Cancel(id)
		}(job.ID)
	}
	wg.Wait()
}

// Pause pauses a running job.
func (s *Scheduler) Pause(id string) error {
	job, err := s.runningJob(id)
	if err != nil {
		return err
	}
	return job.Pause()
}

// Resume resumes a paused job.
func (s *Scheduler) Resume(id string) error {
	job, err := s.runningJob(id)
	if err != nil {
		return err
	}
	return job.Resume()
}

func (s *Scheduler) runningJob(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.running[id]; ok {
		return job, nil
	}
	if _, ok := s.jobs[id]; ok {
		return nil, ErrNotRunning
	}
	return nil, ErrJobNotFound
}

// HasRunningJobs reports whether any job holds a slot.
func (s *Scheduler) HasRunningJobs() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running) > 0
}

// Counts returns the number of running and waiting jobs.
func (s *Scheduler) Counts() (running, queued int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running), len(s.waiting)
}

// Get returns a job by ID, or nil.
func (s *Scheduler) Get(id string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

// Jobs returns all tracked jobs in submission order.
func (s *Scheduler) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*Job, 0, len(s.order))
	for _, id := range s.order {
		if job, ok := s.jobs[id]; ok {
			result = append(result, job)
		}
	}
	return result
}

// Remove stops tracking a finished job.
func (s *Scheduler) Remove(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if !job.Status().IsTerminal() {
		return nil, ErrJobActive
	}

	delete(s.jobs, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return job, nil
}

// Rebuild submits a fresh job for the folder of a finished job using the
// current settings. The finished job is left as it is.
func (s *Scheduler) Rebuild(id string) (*Job, error) {
	old := s.Get(id)
	if old == nil {
		return nil, ErrJobNotFound
	}
	if !old.Status().IsTerminal() {
		return nil, ErrJobActive
	}
	return s.Submit(old.FolderPath)
}

// Wait blocks until no job is running or waiting, or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		idle := s.idle
		s.mu.Unlock()

		select {
		case <-idle:
			s.mu.Lock()
			done := s.drained
			s.mu.Unlock()
			if done {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown cancels all jobs and waits for them to stop tracking.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.CancelAll()
	s.cancel()
	return s.Wait(ctx)
}

// Stats returns scheduler statistics
type Stats struct {
	Pending    int `json:"pending"`
	Queued     int `json:"queued"`
	Running    int `json:"running"`
	Paused     int `json:"paused"`
	Cancelling int `json:"cancelling"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Total      int `json:"total"`
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats Stats
	for _, job := range s.jobs {
		stats.Total++
		switch job.Status() {
		case StatusPending:
			stats.Pending++
		case StatusQueued:
			stats.Queued++
		case StatusRunning:
			stats.Running++
		case StatusPaused:
			stats.Paused++
		case StatusCancelling:
			stats.Cancelling++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats
}
