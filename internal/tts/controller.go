package tts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/episode-tts/internal/episode"
	"github.com/dgnsrekt/episode-tts/internal/lock"
	"github.com/dgnsrekt/episode-tts/internal/queue"
	"github.com/dgnsrekt/episode-tts/internal/ttypes"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNilRetry indicates the pipeline was built without a retry controller
	ErrNilRetry = errors.New("retry controller cannot be nil")

	// ErrNilAssembler indicates the pipeline was built without an assembler
	ErrNilAssembler = errors.New("assembler cannot be nil")
)

// DefaultGap is the silence between segments in the final artifact.
const DefaultGap = time.Second

// SegmentRunner is the part of RetryController the pipeline needs.
type SegmentRunner interface {
	Run(ctx context.Context, segs []ttypes.Segment) (*ttypes.RetryReport, error)
}

// Compactor writes a reduced-size copy of the final artifact when needed.
type Compactor interface {
	Compact(ctx context.Context, art *ttypes.FinalArtifact) (bool, error)
}

// RunHooks is told when a run begins and ends. RunStarted is only called
// once the lock is held and segments are loaded; RunFinished is called
// exactly once after RunStarted.
type RunHooks interface {
	RunStarted(ctx context.Context, res *RunResult)
	RunFinished(ctx context.Context, res *RunResult, err error)
}

// PipelineDeps wires a Pipeline.
type PipelineDeps struct {
	Lock LockFunc

	// Preflight is polled before dispatch and drained in wait mode.
	Preflight QueueMonitor

	// Watcher runs while segments are dispatched and reports stalls.
	// Nil disables stall detection.
	Watcher QueueMonitor

	Retry     SegmentRunner
	Assembler Assembler
	Compactor Compactor
	Hooks     RunHooks
	Logger    *log.Logger
}

// RunRequest describes one invocation.
type RunRequest struct {
	// RunID identifies the run in logs, the ledger and events. Empty
	// means a new UUID.
	RunID   string
	Episode episode.Episode

	// Load returns the segments to synthesize. It is called after the
	// lock is acquired and the queue checked.
	Load func() ([]ttypes.Segment, error)

	Gap time.Duration

	// Force skips the busy-queue check; Wait drains the queue first.
	Force       bool
	Wait        bool
	WaitTimeout time.Duration

	// Confirm asks the operator whether to continue with a busy queue.
	// Nil means the run is not interactive.
	Confirm func(ttypes.QueueSnapshot) bool
}

// RunResult is everything a run produced.
type RunResult struct {
	RunID    string
	Episode  string
	Segments []ttypes.Segment

	Report       *ttypes.RetryReport
	Artifact     *ttypes.FinalArtifact
	Timeline     []ttypes.SegmentTiming
	TimelinePath string

	Started       time.Time
	Finished      time.Time
	SynthesisTime time.Duration
	CompactErr    error
}

// Pipeline runs an episode from manifest to published MP3.
type Pipeline struct {
	deps   PipelineDeps
	logger *log.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewPipeline creates a pipeline.
func NewPipeline(deps PipelineDeps) (*Pipeline, error) {
	if deps.Retry == nil {
		return nil, ErrNilRetry
	}
	if deps.Assembler == nil {
		return nil, ErrNilAssembler
	}
	if deps.Lock == nil {
		deps.Lock = func(string) (Releaser, error) { return noopReleaser{}, nil }
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{
		deps:   deps,
		logger: logger.WithPrefix("pipeline"),
		tracer: otel.Tracer(instrumentationName),
		now:    time.Now,
	}, nil
}

// FileLock returns a LockFunc backed by the advisory lock file in the
// episode directory.
func FileLock(logger *log.Logger) LockFunc {
	return func(dir string) (Releaser, error) {
		l, err := lock.AcquireWithLogger(dir, logger)
		if err != nil {
			if errors.Is(err, lock.ErrContention) {
				return nil, NewTTSError(ErrorCodeLockContention, "episode is locked", err)
			}
			return nil, err
		}
		return l, nil
	}
}

type noopReleaser struct{}

func (noopReleaser) Release() {}

// Run executes the whole pipeline. The result is returned even on error
// and holds whatever was produced before the failure.
func (p *Pipeline) Run(ctx context.Context, req RunRequest) (res *RunResult, err error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if req.Gap < 0 {
		req.Gap = 0
	}
	res = &RunResult{RunID: req.RunID, Episode: req.Episode.Name, Started: p.now()}
	logger := p.logger.With("run", shortID(req.RunID))

	ctx, span := p.tracer.Start(ctx, "tts.pipeline", trace.WithAttributes(
		attribute.String("run_id", req.RunID),
		attribute.String("episode", req.Episode.Name),
	))
	defer func() {
		res.Finished = p.now()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	release, err := p.deps.Lock(req.Episode.Dir)
	if err != nil {
		if CodeOf(err) == ErrorCodeLockContention {
			return res, err
		}
		return res, fmt.Errorf("acquire lock: %w", err)
	}
	defer release.Release()
	logger.Debug("lock acquired", "dir", req.Episode.Dir)

	if err := p.preflight(ctx, req, logger); err != nil {
		return res, err
	}

	segs, err := req.Load()
	if err != nil {
		return res, err
	}
	if len(segs) == 0 {
		return res, NewTTSError(ErrorCodeInvalidInput, "manifest lists no segments", ErrNoSegments)
	}
	res.Segments = segs
	logger.Info("loaded segments", "count", len(segs))

	if p.deps.Hooks != nil {
		p.deps.Hooks.RunStarted(ctx, res)
		defer func() { p.deps.Hooks.RunFinished(context.WithoutCancel(ctx), res, err) }()
	}

	prepared := PrepareSegments(segs)

	start := p.now()
	report, err := p.synthesize(ctx, prepared)
	res.SynthesisTime = p.now().Sub(start)
	res.Report = report
	if err != nil {
		if report != nil {
			for _, f := range report.Failed {
				logger.Error("segment failed", "segment", f.Name, "attempts", f.Attempts, "reason", f.Reason)
			}
		}
		return res, err
	}
	logger.Info("all segments validated",
		"segments", len(report.Validated),
		"reused", len(report.Skipped),
		"attempts", report.Attempts,
		"took", res.SynthesisTime.Round(time.Millisecond))

	paths := make([]string, len(report.Validated))
	for i, v := range report.Validated {
		paths[i] = v.Path
	}
	art, err := p.deps.Assembler.Assemble(ctx, paths, req.Gap)
	if err != nil {
		return res, err
	}
	res.Artifact = art

	res.Timeline = episode.Timeline(segs, durationsByName(report.Validated, art.SegmentDurations), req.Gap)
	if path, terr := episode.WriteTimeline(req.Episode, res.Timeline); terr != nil {
		logger.Warn("could not write timeline", "err", terr)
	} else {
		res.TimelinePath = path
	}

	if p.deps.Compactor != nil {
		if _, cerr := p.deps.Compactor.Compact(ctx, art); cerr != nil {
			res.CompactErr = cerr
			logger.Warn("compact copy failed", "err", cerr)
		}
	}

	span.SetAttributes(
		attribute.Float64("duration_seconds", art.Duration.Seconds()),
		attribute.Int("segments", len(segs)),
	)
	return res, nil
}

// preflight refuses to start while the backend is busy unless the
// request says how to deal with it.
func (p *Pipeline) preflight(ctx context.Context, req RunRequest, logger *log.Logger) error {
	if p.deps.Preflight == nil {
		return nil
	}
	snap, err := p.deps.Preflight.Poll(ctx)
	if err != nil {
		return NewTTSError(ErrorCodeServiceUnavailable, "TTS server unreachable", err)
	}
	logger.Info("TTS server status", "active", snap.TotalActive, "queued", snap.TotalQueued)
	if snap.Idle() {
		return nil
	}

	switch {
	case req.Force:
		logger.Warn("queue not empty, continuing because of --force")
		return nil
	case req.Wait:
		logger.Info("waiting for queue to drain", "timeout", req.WaitTimeout)
		result, err := p.deps.Preflight.Drain(ctx, req.WaitTimeout)
		if err != nil {
			return err
		}
		if result != queue.Drained {
			return NewTTSError(ErrorCodeDrainTimeout,
				fmt.Sprintf("queue did not drain within %s", req.WaitTimeout), nil)
		}
		logger.Info("queue drained")
		return nil
	case req.Confirm != nil:
		logger.Warn("TTS queue not empty; this may indicate orphaned jobs from a previous run")
		if req.Confirm(snap) {
			return nil
		}
		return NewTTSError(ErrorCodeQueueBusy, "aborted by operator", ErrAborted)
	default:
		return NewTTSError(ErrorCodeQueueBusy,
			fmt.Sprintf("TTS queue not empty (%d active, %d queued); use --force to skip the check or --wait to wait for it to drain",
				snap.TotalActive, snap.TotalQueued), nil)
	}
}

// synthesize runs the retry controller while the watcher polls the queue.
func (p *Pipeline) synthesize(ctx context.Context, segs []ttypes.Segment) (*ttypes.RetryReport, error) {
	if p.deps.Watcher == nil {
		return p.deps.Retry.Run(ctx, segs)
	}

	watchCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.deps.Watcher.Watch(watchCtx)
	}()

	report, err := p.deps.Retry.Run(ctx, segs)
	stop()
	wg.Wait()
	return report, err
}

// durationsByName maps assembler durations, which follow the validated
// order, back to segment names.
func durationsByName(validated []ttypes.ValidatedSegment, durations []time.Duration) map[string]time.Duration {
	out := make(map[string]time.Duration, len(validated))
	for i, v := range validated {
		if i < len(durations) {
			out[v.Name] = durations[i]
		}
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
