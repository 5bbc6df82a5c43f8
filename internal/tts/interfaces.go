package tts

import (
	"context"
	"time"

	"github.com/dgnsrekt/episode-tts/internal/queue"
	"github.com/dgnsrekt/episode-tts/internal/ttypes"
)

// ArtifactStore persists per-segment audio.
// Implementations must make Save atomic so that a crash never leaves a
// partially written file under the final name.
type ArtifactStore interface {
	// Path returns where the artifact for a segment lives, whether or not
	// it exists yet.
	Path(name string) string

	// Save writes a validated body and returns its path.
	Save(name string, audio []byte) (string, error)

	// Reject keeps a body that failed validation for later inspection.
	Reject(name string, attempt int, body []byte, reason string) error
}

// JobDispatcher submits one round of segments and reports each outcome.
type JobDispatcher interface {
	Dispatch(ctx context.Context, segs []ttypes.Segment, attempt int) map[string]ttypes.Job
}

// Observer is told about progress as it happens. Implementations must be
// safe for concurrent use; JobFinished is called from dispatch workers.
type Observer interface {
	AttemptStarted(ctx context.Context, attempt int, segments []string)
	JobFinished(ctx context.Context, job ttypes.Job)
}

// QueueMonitor is the part of the queue monitor the pipeline needs.
type QueueMonitor interface {
	Poll(ctx context.Context) (ttypes.QueueSnapshot, error)
	Drain(ctx context.Context, timeout time.Duration) (queue.DrainResult, error)
	Watch(ctx context.Context)
}

// Assembler turns validated segment files into the published artifact.
type Assembler interface {
	Assemble(ctx context.Context, paths []string, gap time.Duration) (*ttypes.FinalArtifact, error)
}

// Releaser is a held run lock.
type Releaser interface {
	Release()
}

// LockFunc acquires the run lock for an episode directory.
type LockFunc func(dir string) (Releaser, error)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Observers fans events out to several observers.
type Observers []Observer

// AttemptStarted implements Observer.
func (o Observers) AttemptStarted(ctx context.Context, attempt int, segments []string) {
	for _, obs := range o {
		if obs != nil {
			obs.AttemptStarted(ctx, attempt, segments)
		}
	}
}

// JobFinished implements Observer.
func (o Observers) JobFinished(ctx context.Context, job ttypes.Job) {
	for _, obs := range o {
		if obs != nil {
			obs.JobFinished(ctx, job)
		}
	}
}
