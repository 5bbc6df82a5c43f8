// Package events publishes pipeline progress to NATS so other services
// (dashboards, the publishing bot) can follow a run.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/episode-tts/internal/queue"
	"github.com/dgnsrekt/episode-tts/internal/ttypes"
	"github.com/nats-io/nats.go"
)

// DefaultPrefix is the first subject token.
const DefaultPrefix = "episode"

// Event types, also used as the trailing subject tokens.
const (
	TypeRunStarted     = "run.started"
	TypeAttemptStarted = "attempt.started"
	TypeJobFinished    = "job.finished"
	TypeQueueStalled   = "queue.stalled"
	TypeRunFinished    = "run.finished"
)

// Event is the JSON envelope of every message.
type Event struct {
	Type    string    `json:"type"`
	RunID   string    `json:"run_id"`
	Episode string    `json:"episode"`
	Time    time.Time `json:"time"`
	Data    any       `json:"data,omitempty"`
}

// JobData is the payload of job.finished.
type JobData struct {
	Segment  string  `json:"segment"`
	Attempt  int     `json:"attempt"`
	JobID    string  `json:"job_id,omitempty"`
	Outcome  string  `json:"outcome"`
	Reason   string  `json:"reason,omitempty"`
	Bytes    int     `json:"bytes"`
	Duration float64 `json:"duration_seconds"`
}

// StallData is the payload of queue.stalled.
type StallData struct {
	StalledSeconds float64 `json:"stalled_seconds"`
	Active         int     `json:"active"`
	Queued         int     `json:"queued"`
	Completed      int     `json:"completed"`
}

// Summary is the payload of run.finished.
type Summary struct {
	Status          string   `json:"status"`
	Segments        int      `json:"segments"`
	Skipped         int      `json:"skipped"`
	Failed          []string `json:"failed,omitempty"`
	Attempts        int      `json:"attempts"`
	DurationSeconds float64  `json:"duration_seconds,omitempty"`
	MP3Path         string   `json:"mp3_path,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// Bus is a NATS connection. A nil *Bus is valid and publishes nothing.
type Bus struct {
	conn   *nats.Conn
	prefix string
	logger *log.Logger
}

// Connect dials url. An empty url returns a nil Bus.
func Connect(url, prefix string, logger *log.Logger) (*Bus, error) {
	if url == "" {
		return nil, nil
	}
	if logger == nil {
		logger = log.Default()
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}

	conn, err := nats.Connect(url,
		nats.Name("episode-tts"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(10),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	logger = logger.WithPrefix("events")
	logger.Debug("connected to NATS", "url", conn.ConnectedUrl())
	return &Bus{conn: conn, prefix: token(prefix), logger: logger}, nil
}

// Close flushes pending messages and closes the connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Debug("drain failed", "err", err)
		b.conn.Close()
	}
}

// Healthy reports whether the connection is up.
func (b *Bus) Healthy() bool {
	return b != nil && b.conn != nil && b.conn.Status() == nats.CONNECTED
}

// Subject returns the subject for an event of an episode.
func (b *Bus) Subject(episode, typ string) string {
	prefix := DefaultPrefix
	if b != nil {
		prefix = b.prefix
	}
	return prefix + "." + token(episode) + "." + typ
}

// Run returns a publisher bound to one run.
func (b *Bus) Run(episode, runID string) *RunPublisher {
	return &RunPublisher{bus: b, episode: episode, runID: runID}
}

func (b *Bus) publish(e Event) {
	if b == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		b.logger.Warn("could not encode event", "type", e.Type, "err", err)
		return
	}
	if err := b.conn.Publish(b.Subject(e.Episode, e.Type), data); err != nil {
		b.logger.Warn("could not publish event", "type", e.Type, "err", err)
	}
}

// RunPublisher publishes the events of one run. It satisfies the
// pipeline's observer interface; publish failures are logged only.
type RunPublisher struct {
	bus     *Bus
	episode string
	runID   string
}

func (p *RunPublisher) emit(typ string, data any) {
	p.bus.publish(Event{Type: typ, RunID: p.runID, Episode: p.episode, Time: time.Now().UTC(), Data: data})
}

// RunStarted announces a run.
func (p *RunPublisher) RunStarted(segments int) {
	p.emit(TypeRunStarted, map[string]int{"segments": segments})
}

// AttemptStarted implements the observer interface.
func (p *RunPublisher) AttemptStarted(_ context.Context, attempt int, segments []string) {
	p.emit(TypeAttemptStarted, map[string]any{"attempt": attempt, "segments": segments})
}

// JobFinished implements the observer interface.
func (p *RunPublisher) JobFinished(_ context.Context, j ttypes.Job) {
	p.emit(TypeJobFinished, JobData{
		Segment:  j.Segment,
		Attempt:  j.Attempt,
		JobID:    j.JobID,
		Outcome:  j.Outcome.String(),
		Reason:   j.Reason,
		Bytes:    j.Bytes,
		Duration: j.Duration().Seconds(),
	})
}

// Stalled announces a stalled backend queue.
func (p *RunPublisher) Stalled(s queue.Stall) {
	p.emit(TypeQueueStalled, StallData{
		StalledSeconds: s.For.Seconds(),
		Active:         s.Snapshot.TotalActive,
		Queued:         s.Snapshot.TotalQueued,
		Completed:      s.Snapshot.Completed,
	})
}

// RunFinished announces the outcome of a run.
func (p *RunPublisher) RunFinished(s Summary) {
	p.emit(TypeRunFinished, s)
	if p.bus != nil {
		if err := p.bus.conn.Flush(); err != nil {
			p.bus.logger.Debug("flush failed", "err", err)
		}
	}
}

// token makes s usable as a single subject token.
func token(s string) string {
	r := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_", "\t", "_")
	s = r.Replace(strings.TrimSpace(s))
	if s == "" {
		return "_"
	}
	return s
}
