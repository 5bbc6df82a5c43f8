package tts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/episode-tts/internal/ttypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const instrumentationName = "github.com/dgnsrekt/episode-tts/internal/tts"

// DefaultWorkers is how many synthesis requests are in flight at once.
// The backend balances across its own workers, so this only bounds local
// sockets and memory.
const DefaultWorkers = 25

var (
	// ErrNilSynthesizer indicates the dispatcher was built without a backend
	ErrNilSynthesizer = errors.New("synthesizer cannot be nil")

	// ErrNilStore indicates the dispatcher was built without a store
	ErrNilStore = errors.New("artifact store cannot be nil")
)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// Workers bounds concurrent requests. Zero means DefaultWorkers.
	Workers int

	// Limiter paces submissions. Nil means no pacing.
	Limiter *rate.Limiter

	Observer Observer
	Logger   *log.Logger
}

// Dispatcher fires one synthesis request per segment with bounded
// concurrency and persists every validated body as soon as it arrives.
// It never retries.
type Dispatcher struct {
	synth    ttypes.Synthesizer
	store    ArtifactStore
	workers  int
	limiter  *rate.Limiter
	observer Observer
	logger   *log.Logger
	tracer   trace.Tracer
	metrics  dispatchMetrics
	now      func() time.Time
}

type dispatchMetrics struct {
	jobs     metric.Int64Counter
	bytes    metric.Int64Counter
	duration metric.Float64Histogram
}

// NewDispatcher creates a dispatcher for the given backend and store.
func NewDispatcher(synth ttypes.Synthesizer, store ArtifactStore, cfg DispatcherConfig) (*Dispatcher, error) {
	if synth == nil {
		return nil, ErrNilSynthesizer
	}
	if store == nil {
		return nil, ErrNilStore
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = Observers(nil)
	}

	d := &Dispatcher{
		synth:    synth,
		store:    store,
		workers:  workers,
		limiter:  cfg.Limiter,
		observer: observer,
		logger:   logger.WithPrefix("dispatch"),
		tracer:   otel.Tracer(instrumentationName),
		now:      time.Now,
	}
	if err := d.initMetrics(); err != nil {
		return nil, fmt.Errorf("create dispatch metrics: %w", err)
	}
	return d, nil
}

func (d *Dispatcher) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	d.metrics.jobs, err = meter.Int64Counter("episode_tts.jobs",
		metric.WithDescription("Synthesis jobs by outcome"))
	if err != nil {
		return err
	}
	d.metrics.bytes, err = meter.Int64Counter("episode_tts.audio_bytes",
		metric.WithDescription("Validated audio bytes received"),
		metric.WithUnit("By"))
	if err != nil {
		return err
	}
	d.metrics.duration, err = meter.Float64Histogram("episode_tts.job_duration",
		metric.WithDescription("Time from submission to answer"),
		metric.WithUnit("s"))
	return err
}

// Workers returns the concurrency bound.
func (d *Dispatcher) Workers() int {
	return d.workers
}

// Dispatch submits all segments and waits for every job to finish or fail.
// The returned map is keyed by segment name and holds one Job per segment.
func (d *Dispatcher) Dispatch(ctx context.Context, segs []ttypes.Segment, attempt int) map[string]ttypes.Job {
	// One slot per segment; each slot has exactly one writer.
	jobs := make([]ttypes.Job, len(segs))

	var g errgroup.Group
	g.SetLimit(d.workers)
	for i, seg := range segs {
		g.Go(func() error {
			jobs[i] = d.dispatchOne(ctx, seg, attempt)
			d.observer.JobFinished(ctx, jobs[i])
			return nil
		})
	}
	_ = g.Wait()

	results := make(map[string]ttypes.Job, len(jobs))
	for _, j := range jobs {
		results[j.Segment] = j
	}
	return results
}

func (d *Dispatcher) dispatchOne(ctx context.Context, seg ttypes.Segment, attempt int) (job ttypes.Job) {
	ctx, span := d.tracer.Start(ctx, "tts.synthesize", trace.WithAttributes(
		attribute.String("segment", seg.Name),
		attribute.Int("attempt", attempt),
	))
	job = ttypes.Job{
		Segment: seg.Name,
		Attempt: attempt,
		Started: d.now(),
	}
	defer func() {
		job.Finished = d.now()
		d.record(ctx, job)
		if job.OK() {
			span.SetStatus(codes.Ok, "")
		} else {
			span.SetStatus(codes.Error, job.Reason)
		}
		span.SetAttributes(
			attribute.String("job_id", job.JobID),
			attribute.String("outcome", job.Outcome.String()),
		)
		span.End()
	}()

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			job.Outcome = ttypes.OutcomeTransport
			job.Reason = fmt.Sprintf("submission cancelled: %v", err)
			return job
		}
	}

	d.logger.Debug("submitting", "segment", seg.Name, "attempt", attempt, "chars", len(seg.Text))

	res, err := d.synth.Synthesize(ctx, seg)
	job.JobID = res.JobID
	if err != nil {
		job.Outcome = classify(err)
		job.Reason = reasonOf(err)
		d.logger.Warn("segment failed", "segment", seg.Name, "attempt", attempt, "job", job.JobID, "reason", job.Reason)
		return job
	}

	job.Bytes = len(res.Audio)
	if ok, reason := ValidateAudio(res.Audio); !ok {
		job.Outcome = ttypes.OutcomeValidation
		job.Reason = reason
		d.logger.Warn("invalid audio", "segment", seg.Name, "attempt", attempt, "job", job.JobID, "reason", reason)
		if err := d.store.Reject(seg.Name, attempt, res.Audio, reason); err != nil {
			d.logger.Debug("could not keep rejected body", "segment", seg.Name, "err", err)
		}
		return job
	}

	path, err := d.store.Save(seg.Name, res.Audio)
	if err != nil {
		job.Outcome = ttypes.OutcomeValidation
		job.Reason = fmt.Sprintf("write artifact: %v", err)
		d.logger.Error("could not write artifact", "segment", seg.Name, "err", err)
		return job
	}

	job.Outcome = ttypes.OutcomeSuccess
	job.Path = path
	d.logger.Info("segment done", "segment", seg.Name, "attempt", attempt, "job", job.JobID, "bytes", job.Bytes, "took", d.now().Sub(job.Started).Round(time.Millisecond))
	return job
}

func (d *Dispatcher) record(ctx context.Context, job ttypes.Job) {
	attrs := metric.WithAttributes(attribute.String("outcome", job.Outcome.String()))
	d.metrics.jobs.Add(ctx, 1, attrs)
	d.metrics.duration.Record(ctx, job.Duration().Seconds(), attrs)
	if job.OK() {
		d.metrics.bytes.Add(ctx, int64(job.Bytes))
	}
}

// classify maps a backend error onto a job outcome.
func classify(err error) ttypes.Outcome {
	switch CodeOf(err) {
	case ErrorCodeServer:
		return ttypes.OutcomeServer
	case ErrorCodeValidation:
		return ttypes.OutcomeValidation
	default:
		return ttypes.OutcomeTransport
	}
}

// reasonOf returns the short, user-facing part of an error.
func reasonOf(err error) string {
	var te *TTSError
	if errors.As(err, &te) && te.Message != "" {
		return te.Message
	}
	return err.Error()
}
