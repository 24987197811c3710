package jobs

import "time"

const (
	estimateInterval = 2 * time.Second
	estimateStep     = 2.0 // percentage points
)

// Estimate is one elapsed/remaining time sample.
type Estimate struct {
	Percent   float64
	Elapsed   time.Duration
	Remaining time.Duration
}

// Estimator rate-limits remaining-time estimates for a single job. The zero
// value is ready to use.
type Estimator struct {
	lastEmit    time.Time
	lastPercent float64
	emitted     bool
}

// Update returns a new estimate when percent is positive and either two
// seconds have passed since the last one or progress moved two points.
func (e *Estimator) Update(now time.Time, elapsed time.Duration, percent float64) (Estimate, bool) {
	if percent <= 0 {
		return Estimate{}, false
	}
	if e.emitted && now.Sub(e.lastEmit) < estimateInterval && percent-e.lastPercent < estimateStep {
		return Estimate{}, false
	}

	e.lastEmit = now
	e.lastPercent = percent
	e.emitted = true
	return Estimate{
		Percent:   percent,
		Elapsed:   elapsed,
		Remaining: Remaining(elapsed, percent),
	}, true
}

// Remaining extrapolates the time left from the time spent so far.
func Remaining(elapsed time.Duration, percent float64) time.Duration {
	if percent <= 0 || percent >= 100 {
		return 0
	}
	return time.Duration(float64(elapsed) * (100 - percent) / percent)
}
