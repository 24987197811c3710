package jobs

import (
	"errors"
	"os"
	"time"
)

// watchOutput checks the output file every IntegrityInterval while it is
// written. Once the file has appeared, losing it or losing write access
// cancels the job with an *OutputIntegrityError. The returned function stops
// the watcher and waits for it to exit.
func (j *Job) watchOutput(path string) (stop func()) {
	quit := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(j.opts.IntegrityInterval)
		defer ticker.Stop()

		var seen bool
		for {
			select {
			case <-quit:
				return
			case <-j.cancelCh:
				return
			case <-ticker.C:
				err := checkOutput(path, &seen)
				if err == nil {
					continue
				}
				j.log.Error().Err(err).Msg("Output file integrity check failed")
				j.mu.Lock()
				j.publishLocked(Event{Type: EventOutputFileError, Message: err.Error(), Path: path})
				j.mu.Unlock()
				j.cancelWith(err)
				return
			}
		}
	}()

	return func() {
		close(quit)
		<-done
	}
}

// checkOutput verifies that path still exists and can be opened for
// appending. Nothing is checked until the file has been seen once.
func checkOutput(path string, seen *bool) error {
	if _, err := os.Stat(path); err != nil {
		if !*seen {
			return nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return &OutputIntegrityError{Path: path, Err: errors.New("file was removed during write")}
		}
		return &OutputIntegrityError{Path: path, Err: err}
	}
	*seen = true

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return &OutputIntegrityError{Path: path, Err: err}
	}
	f.Close()
	return nil
}
