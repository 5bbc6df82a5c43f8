// Package ttypes contains shared types for the episode audio pipeline.
// This package is used to break import cycles between tts, engines, audio, and queue packages.
package ttypes

import (
	"context"
	"time"
)

// Segment is one named unit of text. Its Index is its position in the
// manifest and fixes its place in the final artifact.
type Segment struct {
	Index int
	Name  string
	Text  string
}

// Outcome classifies how a single dispatch attempt ended.
type Outcome int

const (
	// OutcomeSuccess means a validated body was persisted
	OutcomeSuccess Outcome = iota

	// OutcomeTransport means the request timed out or could not connect
	OutcomeTransport

	// OutcomeServer means the backend answered with a non-success status
	OutcomeServer

	// OutcomeValidation means the body was not a usable WAV
	OutcomeValidation
)

// String returns the string representation of the outcome
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransport:
		return "transport_error"
	case OutcomeServer:
		return "server_error"
	case OutcomeValidation:
		return "validation_error"
	default:
		return "unknown"
	}
}

// Job records one dispatch attempt for a segment. Jobs are never updated
// once finished; a retry produces a new Job.
type Job struct {
	Segment  string
	Attempt  int
	JobID    string
	Outcome  Outcome
	Reason   string
	Bytes    int
	Path     string
	Started  time.Time
	Finished time.Time
}

// OK reports whether the job produced a validated artifact.
func (j Job) OK() bool {
	return j.Outcome == OutcomeSuccess
}

// Duration returns how long the job took.
func (j Job) Duration() time.Duration {
	return j.Finished.Sub(j.Started)
}

// SynthesisResult is the raw answer of the synthesis backend.
type SynthesisResult struct {
	Audio []byte
	JobID string
}

// WorkerLoad is the state of one backend worker (GPU).
type WorkerLoad struct {
	ID     int
	Active string
	Queued int
}

// Busy reports whether the worker is processing something.
func (w WorkerLoad) Busy() bool {
	return w.Active != ""
}

// QueueSnapshot is a point-in-time read of the backend queue.
type QueueSnapshot struct {
	Workers     []WorkerLoad
	TotalActive int
	TotalQueued int
	Completed   int
	At          time.Time
}

// Idle reports whether nothing is running or waiting.
func (s QueueSnapshot) Idle() bool {
	return s.TotalActive == 0 && s.TotalQueued == 0
}

// JobInfo is a job as tracked by the backend.
type JobInfo struct {
	JobID       string
	WorkerID    int
	Status      string
	SubmittedAt time.Time
	TextPreview string
}

// ValidatedSegment points at the on-disk artifact of a segment.
type ValidatedSegment struct {
	Segment
	Path string
}

// FailedSegment is a segment still invalid after the retry budget.
type FailedSegment struct {
	Name     string
	Reason   string
	Attempts int
}

// RetryReport is the outcome of a Retry Controller run.
type RetryReport struct {
	// Validated is in manifest order.
	Validated []ValidatedSegment
	Failed    []FailedSegment
	Skipped   []string
	Attempts  int
	Jobs      []Job
}

// Complete reports whether every segment ended up validated.
func (r *RetryReport) Complete() bool {
	return len(r.Failed) == 0
}

// FailedNames returns the names of permanently failed segments.
func (r *RetryReport) FailedNames() []string {
	names := make([]string, 0, len(r.Failed))
	for _, f := range r.Failed {
		names = append(names, f.Name)
	}
	return names
}

// FinalArtifact is the published result of a run.
type FinalArtifact struct {
	WAVPath     string
	MP3Path     string
	CompactPath string
	Duration    time.Duration
	Size        int64
	CompactSize int64

	// SegmentDurations holds the length of each input, in input order,
	// read before intermediates were removed.
	SegmentDurations []time.Duration
}

// SegmentTiming places a segment inside the final artifact.
type SegmentTiming struct {
	Name     string        `json:"name"`
	Kind     string        `json:"kind"`
	Position int           `json:"position"`
	Start    time.Duration `json:"-"`
	Duration time.Duration `json:"-"`

	StartSeconds    float64 `json:"start_offset_seconds"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Synthesizer turns text into audio on the remote backend.
type Synthesizer interface {
	Synthesize(ctx context.Context, seg Segment) (SynthesisResult, error)
}

// StatusSource reads the backend queue state.
type StatusSource interface {
	Status(ctx context.Context) (QueueSnapshot, error)
}
