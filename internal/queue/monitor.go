package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/episode-tts/internal/ttypes"
)

const (
	// DefaultPollInterval is the wait between two status reads.
	DefaultPollInterval = 5 * time.Second

	// DefaultStallThreshold is how long the completed counter may stand
	// still before a warning.
	DefaultStallThreshold = 10 * time.Minute
)

// ErrNilSource indicates the monitor was built without a status source
var ErrNilSource = errors.New("status source cannot be nil")

// DrainResult is how a Drain call ended.
type DrainResult int

const (
	// Drained means the backend reported nothing active or queued
	Drained DrainResult = iota

	// TimedOut means the overall timeout elapsed first
	TimedOut
)

// String returns the string representation of the result
func (r DrainResult) String() string {
	switch r {
	case Drained:
		return "drained"
	case TimedOut:
		return "timed out"
	default:
		return "unknown"
	}
}

// Stall describes a stall warning.
type Stall struct {
	For      time.Duration
	Snapshot ttypes.QueueSnapshot
}

// Config configures a Monitor.
type Config struct {
	Interval       time.Duration
	StallThreshold time.Duration

	// OnSnapshot is called after every successful poll.
	OnSnapshot func(ttypes.QueueSnapshot)

	// OnStall is called once per stall.
	OnStall func(Stall)

	Logger *log.Logger
}

// Monitor observes the backend queue. It never cancels anything; it only
// polls, one request at a time.
type Monitor struct {
	src       ttypes.StatusSource
	interval  time.Duration
	threshold time.Duration
	onSnap    func(ttypes.QueueSnapshot)
	onStall   func(Stall)
	logger    *log.Logger

	clock func() time.Time
	sleep func(context.Context, time.Duration) error

	pollMu sync.Mutex

	mu   sync.RWMutex
	last ttypes.QueueSnapshot
	seen bool
}

// New creates a monitor for src.
func New(src ttypes.StatusSource, cfg Config) (*Monitor, error) {
	if src == nil {
		return nil, ErrNilSource
	}
	m := &Monitor{
		src:       src,
		interval:  cfg.Interval,
		threshold: cfg.StallThreshold,
		onSnap:    cfg.OnSnapshot,
		onStall:   cfg.OnStall,
		logger:    cfg.Logger,
		clock:     time.Now,
		sleep:     sleepCtx,
	}
	if m.interval <= 0 {
		m.interval = DefaultPollInterval
	}
	if m.threshold <= 0 {
		m.threshold = DefaultStallThreshold
	}
	if m.logger == nil {
		m.logger = log.Default()
	}
	m.logger = m.logger.WithPrefix("queue")
	return m, nil
}

// Interval returns the poll interval.
func (m *Monitor) Interval() time.Duration {
	return m.interval
}

// Poll reads the backend state once.
func (m *Monitor) Poll(ctx context.Context) (ttypes.QueueSnapshot, error) {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()

	snap, err := m.src.Status(ctx)
	if err != nil {
		return ttypes.QueueSnapshot{}, err
	}
	if snap.At.IsZero() {
		snap.At = m.clock()
	}

	m.mu.Lock()
	m.last = snap
	m.seen = true
	m.mu.Unlock()

	if m.onSnap != nil {
		m.onSnap(snap)
	}
	return snap, nil
}

// Last returns the most recent successful snapshot.
func (m *Monitor) Last() (ttypes.QueueSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, m.seen
}

// Drain polls until the backend is idle or timeout elapses. Failed polls
// are logged and retried on the same interval. Stalls are reported once
// and do not end the wait.
func (m *Monitor) Drain(ctx context.Context, timeout time.Duration) (DrainResult, error) {
	start := m.clock()
	detector := NewStallDetector(m.threshold)

	for {
		snap, err := m.Poll(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return TimedOut, ctx.Err()
			}
			m.logger.Warn("status check failed", "err", err)
		case snap.Idle():
			m.logger.Info("queue drained", "completed", snap.Completed)
			return Drained, nil
		default:
			m.logger.Info("waiting for queue", "completed", snap.Completed, "active", snap.TotalActive, "queued", snap.TotalQueued)
			m.observeStall(detector, snap)
		}

		elapsed := m.clock().Sub(start)
		if elapsed >= timeout {
			return TimedOut, nil
		}
		wait := m.interval
		if remaining := timeout - elapsed; remaining < wait {
			wait = remaining
		}
		if err := m.sleep(ctx, wait); err != nil {
			return TimedOut, err
		}
	}
}

// Watch reports progress until ctx is done. It is meant to run alongside a
// dispatch round.
func (m *Monitor) Watch(ctx context.Context) {
	detector := NewStallDetector(m.threshold)
	for {
		if err := m.sleep(ctx, m.interval); err != nil {
			return
		}
		snap, err := m.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("status check failed", "err", err)
			continue
		}
		m.logger.Info("progress", "completed", snap.Completed, "active", snap.TotalActive, "queued", snap.TotalQueued)
		m.observeStall(detector, snap)
	}
}

func (m *Monitor) observeStall(d *StallDetector, snap ttypes.QueueSnapshot) {
	now := m.clock()
	if !d.Observe(snap.Completed, now) {
		return
	}
	stall := Stall{For: d.StalledFor(now), Snapshot: snap}
	m.logger.Warn("no progress", "for", stall.For.Round(time.Second), "completed", snap.Completed, "active", snap.TotalActive, "queued", snap.TotalQueued)
	for _, w := range snap.Workers {
		if w.Busy() || w.Queued > 0 {
			m.logger.Warn("worker", "id", w.ID, "active", w.Active, "queued", w.Queued)
		}
	}
	if m.onStall != nil {
		m.onStall(stall)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
