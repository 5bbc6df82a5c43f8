package ledger

import (
	"context"

	"github.com/dgnsrekt/episode-tts/internal/ttypes"
)

// Recorder writes the jobs of one run as they finish. It satisfies the
// pipeline's observer interface.
type Recorder struct {
	ledger *Ledger
	runID  string
}

// Recorder returns an observer bound to runID.
func (l *Ledger) Recorder(runID string) *Recorder {
	return &Recorder{ledger: l, runID: runID}
}

// AttemptStarted is a no-op; attempts are implied by job rows.
func (r *Recorder) AttemptStarted(context.Context, int, []string) {}

// JobFinished persists the job. Write errors are logged and swallowed so
// a broken ledger never fails a run.
func (r *Recorder) JobFinished(ctx context.Context, j ttypes.Job) {
	if err := r.ledger.RecordJob(context.WithoutCancel(ctx), r.runID, j); err != nil {
		r.ledger.logger.Warn("could not record job", "segment", j.Segment, "attempt", j.Attempt, "err", err)
	}
}
