package tts

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/episode-tts/internal/ttypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultMaxAttempts is the dispatch budget per run.
	DefaultMaxAttempts = 3

	// DefaultBackoffBase is the wait before the second attempt. Each later
	// wait doubles.
	DefaultBackoffBase = 2 * time.Second
)

// RetryConfig configures a RetryController.
type RetryConfig struct {
	MaxAttempts int
	BackoffBase time.Duration

	// Sleep waits between attempts. Nil means Sleep.
	Sleep SleepFunc

	// Validate decides whether an artifact on disk is usable. Nil means
	// ValidateExisting.
	Validate func(path string) bool

	Observer Observer
	Logger   *log.Logger
}

// RetryController drives the dispatcher across a fixed attempt budget.
// Segments that already have a valid artifact are never dispatched, and a
// segment validated in one attempt is never sent again.
type RetryController struct {
	dispatcher  JobDispatcher
	store       ArtifactStore
	maxAttempts int
	base        time.Duration
	sleep       SleepFunc
	validate    func(string) bool
	observer    Observer
	logger      *log.Logger
	tracer      trace.Tracer
}

// NewRetryController creates a controller around a dispatcher.
func NewRetryController(dispatcher JobDispatcher, store ArtifactStore, cfg RetryConfig) *RetryController {
	rc := &RetryController{
		dispatcher:  dispatcher,
		store:       store,
		maxAttempts: cfg.MaxAttempts,
		base:        cfg.BackoffBase,
		sleep:       cfg.Sleep,
		validate:    cfg.Validate,
		observer:    cfg.Observer,
		logger:      cfg.Logger,
		tracer:      otel.Tracer(instrumentationName),
	}
	if rc.maxAttempts <= 0 {
		rc.maxAttempts = DefaultMaxAttempts
	}
	if rc.base < 0 {
		rc.base = 0
	}
	if rc.sleep == nil {
		rc.sleep = Sleep
	}
	if rc.validate == nil {
		rc.validate = ValidateExisting
	}
	if rc.observer == nil {
		rc.observer = Observers(nil)
	}
	if rc.logger == nil {
		rc.logger = log.Default()
	}
	rc.logger = rc.logger.WithPrefix("retry")
	return rc
}

// MaxAttempts returns the attempt budget.
func (rc *RetryController) MaxAttempts() int {
	return rc.maxAttempts
}

// newBackOff returns base, 2·base, 4·base, ... with no jitter.
func (rc *RetryController) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rc.base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run dispatches every segment that lacks a valid artifact until all are
// valid or the budget is spent. The report is always returned. The error is
// non-nil when segments remain invalid (ErrExhaustedRetries) or ctx ends.
func (rc *RetryController) Run(ctx context.Context, segs []ttypes.Segment) (*ttypes.RetryReport, error) {
	if err := checkUnique(segs); err != nil {
		return &ttypes.RetryReport{}, err
	}

	ctx, span := rc.tracer.Start(ctx, "tts.retry", trace.WithAttributes(
		attribute.Int("segments", len(segs)),
		attribute.Int("max_attempts", rc.maxAttempts),
	))
	defer span.End()

	report := &ttypes.RetryReport{}
	validated := make(map[string]string, len(segs))
	lastReason := make(map[string]string)
	attempts := make(map[string]int)

	var pending []ttypes.Segment
	for _, s := range segs {
		if p := rc.store.Path(s.Name); rc.validate(p) {
			validated[s.Name] = p
			report.Skipped = append(report.Skipped, s.Name)
			continue
		}
		pending = append(pending, s)
	}
	if len(report.Skipped) > 0 {
		rc.logger.Info("reusing existing artifacts", "count", len(report.Skipped), "first", preview(report.Skipped, 5))
	}
	if len(pending) == 0 {
		rc.logger.Info("all segments already have valid artifacts")
	}

	bo := rc.newBackOff()
	var runErr error
	for attempt := 1; attempt <= rc.maxAttempts && len(pending) > 0; attempt++ {
		if attempt > 1 {
			delay := bo.NextBackOff()
			rc.logger.Info("retrying", "attempt", attempt, "of", rc.maxAttempts, "segments", len(pending), "backoff", delay)
			if err := rc.sleep(ctx, delay); err != nil {
				runErr = err
				break
			}
		}
		report.Attempts = attempt

		rc.logger.Info("dispatching", "attempt", attempt, "segments", len(pending))
		rc.observer.AttemptStarted(ctx, attempt, names(pending))
		results := rc.dispatcher.Dispatch(ctx, pending, attempt)

		var missing []ttypes.Segment
		for _, s := range pending {
			attempts[s.Name]++
			job, ok := results[s.Name]
			if ok {
				report.Jobs = append(report.Jobs, job)
			}
			if ok && job.OK() {
				validated[s.Name] = job.Path
				delete(lastReason, s.Name)
				continue
			}

			// The body may have landed after our side gave up waiting.
			if p := rc.store.Path(s.Name); rc.validate(p) {
				rc.logger.Info("recovered artifact written after failure", "segment", s.Name)
				validated[s.Name] = p
				delete(lastReason, s.Name)
				continue
			}

			reason := "no result"
			if ok {
				reason = job.Reason
			}
			lastReason[s.Name] = reason
			missing = append(missing, s)
		}
		pending = missing

		if len(pending) > 0 {
			rc.logger.Warn("segments still missing", "attempt", attempt, "count", len(pending), "names", preview(names(pending), 8))
		}
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
	}

	for _, s := range segs {
		if p, ok := validated[s.Name]; ok {
			report.Validated = append(report.Validated, ttypes.ValidatedSegment{Segment: s, Path: p})
			continue
		}
		reason, ok := lastReason[s.Name]
		if !ok {
			reason = "unknown"
		}
		report.Failed = append(report.Failed, ttypes.FailedSegment{
			Name:     s.Name,
			Reason:   reason,
			Attempts: attempts[s.Name],
		})
	}

	span.SetAttributes(
		attribute.Int("validated", len(report.Validated)),
		attribute.Int("failed", len(report.Failed)),
		attribute.Int("attempts", report.Attempts),
	)

	if runErr != nil {
		return report, runErr
	}
	if len(report.Failed) > 0 {
		return report, NewTTSError(ErrorCodeExhaustedRetries,
			fmt.Sprintf("%d segments failed after %d attempts", len(report.Failed), rc.maxAttempts), nil).
			WithContext("segments", report.FailedNames())
	}
	return report, nil
}

func checkUnique(segs []ttypes.Segment) error {
	seen := make(map[string]bool, len(segs))
	for _, s := range segs {
		if s.Name == "" {
			return NewTTSError(ErrorCodeInvalidInput, "segment with empty name", nil)
		}
		if seen[s.Name] {
			return NewTTSError(ErrorCodeInvalidInput, fmt.Sprintf("duplicate segment name %q", s.Name), nil)
		}
		seen[s.Name] = true
	}
	return nil
}

func names(segs []ttypes.Segment) []string {
	out := make([]string, len(segs))
	for i, s := range segs {
		out[i] = s.Name
	}
	return out
}

// preview joins at most n names for a log line.
func preview(list []string, n int) string {
	if len(list) <= n {
		return strings.Join(list, ", ")
	}
	return strings.Join(list[:n], ", ") + ", ..."
}
