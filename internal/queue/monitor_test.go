package queue

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/episode-tts/internal/ttypes"
)

// scriptedSource returns its snapshots in order and repeats the last one.
type scriptedSource struct {
	mu    sync.Mutex
	snaps []ttypes.QueueSnapshot
	errs  []error
	calls int
}

func (s *scriptedSource) Status(context.Context) (ttypes.QueueSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := min(s.calls, len(s.snaps)-1)
	s.calls++
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if err != nil {
		return ttypes.QueueSnapshot{}, err
	}
	return s.snaps[i], nil
}

func busy(completed int) ttypes.QueueSnapshot {
	return ttypes.QueueSnapshot{
		TotalActive: 1,
		TotalQueued: 2,
		Completed:   completed,
		Workers:     []ttypes.WorkerLoad{{ID: 0, Active: "Hello", Queued: 2}},
	}
}

// newTestMonitor returns a monitor on a fake clock that advances only
// when the monitor sleeps.
func newTestMonitor(t *testing.T, src ttypes.StatusSource, cfg Config) (*Monitor, *[]time.Duration) {
	t.Helper()
	cfg.Logger = log.New(io.Discard)
	m, err := New(src, cfg)
	if err != nil {
		t.Fatal(err)
	}
	var mu sync.Mutex
	now := time.Unix(1700000000, 0)
	var slept []time.Duration
	m.clock = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	m.sleep = func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
		slept = append(slept, d)
		return nil
	}
	return m, &slept
}

func TestNewMonitor(t *testing.T) {
	if _, err := New(nil, Config{}); !errors.Is(err, ErrNilSource) {
		t.Errorf("err = %v", err)
	}
	m, err := New(&scriptedSource{snaps: []ttypes.QueueSnapshot{{}}}, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if m.Interval() != DefaultPollInterval || m.threshold != DefaultStallThreshold {
		t.Errorf("defaults: interval %v threshold %v", m.Interval(), m.threshold)
	}
}

func TestPollRecordsLast(t *testing.T) {
	var seen []ttypes.QueueSnapshot
	src := &scriptedSource{snaps: []ttypes.QueueSnapshot{busy(4)}}
	m, _ := newTestMonitor(t, src, Config{OnSnapshot: func(s ttypes.QueueSnapshot) { seen = append(seen, s) }})

	if _, ok := m.Last(); ok {
		t.Error("Last before any poll should report false")
	}
	snap, err := m.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.At.IsZero() {
		t.Error("At should be stamped")
	}
	last, ok := m.Last()
	if !ok || last.Completed != 4 || len(seen) != 1 {
		t.Errorf("last=%+v ok=%v seen=%d", last, ok, len(seen))
	}
}

func TestDrain(t *testing.T) {
	tests := []struct {
		name    string
		snaps   []ttypes.QueueSnapshot
		errs    []error
		timeout time.Duration
		want    DrainResult
		polls   int
		stalls  int
	}{
		{
			name:    "already idle",
			snaps:   []ttypes.QueueSnapshot{{}},
			timeout: time.Minute,
			want:    Drained,
			polls:   1,
		},
		{
			name:    "drains after progress",
			snaps:   []ttypes.QueueSnapshot{busy(1), busy(2), busy(3), {Completed: 4}},
			timeout: time.Hour,
			want:    Drained,
			polls:   4,
		},
		{
			name:    "poll errors are retried",
			snaps:   []ttypes.QueueSnapshot{{}, {}, {}},
			errs:    []error{errors.New("refused"), errors.New("refused")},
			timeout: time.Hour,
			want:    Drained,
			polls:   3,
		},
		{
			name:    "times out on stuck queue",
			snaps:   []ttypes.QueueSnapshot{busy(7)},
			timeout: 2 * time.Minute,
			want:    TimedOut,
			// polls at 0, 10s ... 120s
			polls:  13,
			stalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stalls []Stall
			src := &scriptedSource{snaps: tt.snaps, errs: tt.errs}
			m, _ := newTestMonitor(t, src, Config{
				Interval:       10 * time.Second,
				StallThreshold: time.Minute,
				OnStall:        func(s Stall) { stalls = append(stalls, s) },
			})

			got, err := m.Drain(context.Background(), tt.timeout)
			if err != nil {
				t.Fatalf("Drain: %v", err)
			}
			if got != tt.want {
				t.Errorf("result = %s, want %s", got, tt.want)
			}
			if src.calls != tt.polls {
				t.Errorf("polls = %d, want %d", src.calls, tt.polls)
			}
			if len(stalls) != tt.stalls {
				t.Errorf("stalls = %d, want %d", len(stalls), tt.stalls)
			}
		})
	}
}

func TestDrainClampsLastSleep(t *testing.T) {
	src := &scriptedSource{snaps: []ttypes.QueueSnapshot{busy(0)}}
	m, slept := newTestMonitor(t, src, Config{Interval: 10 * time.Second})

	if got, _ := m.Drain(context.Background(), 25*time.Second); got != TimedOut {
		t.Fatalf("result = %s", got)
	}
	want := []time.Duration{10 * time.Second, 10 * time.Second, 5 * time.Second}
	if len(*slept) != len(want) {
		t.Fatalf("slept = %v, want %v", *slept, want)
	}
	for i := range want {
		if (*slept)[i] != want[i] {
			t.Fatalf("slept = %v, want %v", *slept, want)
		}
	}
}

func TestDrainCancelled(t *testing.T) {
	src := &scriptedSource{snaps: []ttypes.QueueSnapshot{busy(0)}}
	m, _ := newTestMonitor(t, src, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := m.Drain(ctx, time.Hour)
	if got != TimedOut || !errors.Is(err, context.Canceled) {
		t.Errorf("got %s, %v", got, err)
	}
}

func TestWatchReportsStall(t *testing.T) {
	snaps := []ttypes.QueueSnapshot{busy(1), busy(2)}
	for range 10 {
		snaps = append(snaps, busy(2))
	}
	src := &scriptedSource{snaps: snaps}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var stalls []Stall
	m, _ := newTestMonitor(t, src, Config{
		Interval:       10 * time.Second,
		StallThreshold: 30 * time.Second,
		OnStall: func(s Stall) {
			stalls = append(stalls, s)
			cancel()
		},
	})

	done := make(chan struct{})
	go func() {
		m.Watch(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}

	if len(stalls) != 1 {
		t.Fatalf("stalls = %d", len(stalls))
	}
	if stalls[0].For <= 30*time.Second || stalls[0].Snapshot.Completed != 2 {
		t.Errorf("stall = %+v", stalls[0])
	}
}
