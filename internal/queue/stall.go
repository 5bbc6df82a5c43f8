package queue

import "time"

// StallDetector watches the backend's completed counter and signals once
// when it stops moving for longer than Threshold. After signalling it stays
// quiet until the counter increases again.
type StallDetector struct {
	Threshold time.Duration

	started       bool
	lastCompleted int
	lastProgress  time.Time
	warned        bool
}

// NewStallDetector creates a detector with the given threshold.
func NewStallDetector(threshold time.Duration) *StallDetector {
	return &StallDetector{Threshold: threshold}
}

// Observe feeds one reading of the completed counter taken at now. It
// returns true exactly when a new stall begins.
func (d *StallDetector) Observe(completed int, now time.Time) bool {
	if !d.started {
		d.started = true
		d.lastCompleted = completed
		d.lastProgress = now
		return false
	}

	if completed > d.lastCompleted {
		d.lastCompleted = completed
		d.lastProgress = now
		d.warned = false
		return false
	}

	if d.warned || d.Threshold <= 0 {
		return false
	}
	if now.Sub(d.lastProgress) > d.Threshold {
		d.warned = true
		return true
	}
	return false
}

// StalledFor returns how long the counter has not moved.
func (d *StallDetector) StalledFor(now time.Time) time.Duration {
	if !d.started {
		return 0
	}
	return now.Sub(d.lastProgress)
}

// Stalled reports whether a stall has been signalled and not yet cleared.
func (d *StallDetector) Stalled() bool {
	return d.warned
}

// LastCompleted returns the highest counter value seen.
func (d *StallDetector) LastCompleted() int {
	return d.lastCompleted
}
