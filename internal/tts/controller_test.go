package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgnsrekt/episode-tts/internal/episode"
	"github.com/dgnsrekt/episode-tts/internal/lock"
	"github.com/dgnsrekt/episode-tts/internal/queue"
	"github.com/dgnsrekt/episode-tts/internal/ttypes"
)

type releaseFunc func()

func (f releaseFunc) Release() { f() }

type fakeMonitor struct {
	snap     ttypes.QueueSnapshot
	pollErr  error
	drain    queue.DrainResult
	polls    atomic.Int32
	drains   atomic.Int32
	watching atomic.Bool
	watched  atomic.Bool
}

func (m *fakeMonitor) Poll(context.Context) (ttypes.QueueSnapshot, error) {
	m.polls.Add(1)
	return m.snap, m.pollErr
}

func (m *fakeMonitor) Drain(context.Context, time.Duration) (queue.DrainResult, error) {
	m.drains.Add(1)
	return m.drain, nil
}

func (m *fakeMonitor) Watch(ctx context.Context) {
	m.watching.Store(true)
	m.watched.Store(true)
	<-ctx.Done()
	m.watching.Store(false)
}

// toneAssembler reports every input as two seconds long.
type toneAssembler struct {
	paths []string
	gap   time.Duration
	err   error
}

func (a *toneAssembler) Assemble(_ context.Context, paths []string, gap time.Duration) (*ttypes.FinalArtifact, error) {
	a.paths, a.gap = paths, gap
	if a.err != nil {
		return nil, a.err
	}
	art := &ttypes.FinalArtifact{MP3Path: "episode.mp3"}
	for i := range paths {
		art.SegmentDurations = append(art.SegmentDurations, 2*time.Second)
		art.Duration += 2 * time.Second
		if i > 0 {
			art.Duration += gap
		}
	}
	return art, nil
}

type fakeCompactor struct {
	calls int
	err   error
}

func (c *fakeCompactor) Compact(context.Context, *ttypes.FinalArtifact) (bool, error) {
	c.calls++
	return c.err == nil, c.err
}

type hookRecorder struct {
	mu       sync.Mutex
	started  int
	finished int
	lastErr  error
}

func (h *hookRecorder) RunStarted(context.Context, *RunResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started++
}

func (h *hookRecorder) RunFinished(_ context.Context, _ *RunResult, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished++
	h.lastErr = err
}

type pipelineFixture struct {
	ep        episode.Episode
	synth     *scriptedSynth
	monitor   *fakeMonitor
	watcher   *fakeMonitor
	assembler *toneAssembler
	compactor *fakeCompactor
	hooks     *hookRecorder
	pipeline  *Pipeline
}

func newPipelineFixture(t *testing.T, lockFn LockFunc, respond func(ttypes.Segment, int) (ttypes.SynthesisResult, error)) *pipelineFixture {
	t.Helper()
	dir := t.TempDir()
	wavDir := filepath.Join(dir, episode.WAVDir)
	if err := os.MkdirAll(wavDir, 0o755); err != nil {
		t.Fatal(err)
	}
	f := &pipelineFixture{
		ep:        episode.Episode{Name: "ep1", Dir: dir},
		synth:     newScriptedSynth(respond),
		monitor:   &fakeMonitor{},
		watcher:   &fakeMonitor{},
		assembler: &toneAssembler{},
		compactor: &fakeCompactor{},
		hooks:     &hookRecorder{},
	}
	store := newDirStore(wavDir)
	d, err := NewDispatcher(f.synth, store, DispatcherConfig{Workers: 16, Logger: quiet})
	if err != nil {
		t.Fatal(err)
	}
	var slept []time.Duration
	rc := NewRetryController(d, store, RetryConfig{MaxAttempts: 3, Sleep: recordSleep(&slept), Logger: quiet})

	f.pipeline, err = NewPipeline(PipelineDeps{
		Lock:      lockFn,
		Preflight: f.monitor,
		Watcher:   f.watcher,
		Retry:     rc,
		Assembler: f.assembler,
		Compactor: f.compactor,
		Hooks:     f.hooks,
		Logger:    quiet,
	})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *pipelineFixture) request(names ...string) RunRequest {
	return RunRequest{
		RunID:   "run-0001",
		Episode: f.ep,
		Load:    func() ([]ttypes.Segment, error) { return segments(names...), nil },
		Gap:     time.Second,
	}
}

func TestNewPipelineValidation(t *testing.T) {
	if _, err := NewPipeline(PipelineDeps{Assembler: &toneAssembler{}}); !errors.Is(err, ErrNilRetry) {
		t.Errorf("err = %v, want ErrNilRetry", err)
	}
	if _, err := NewPipeline(PipelineDeps{Retry: NewRetryController(nil, nil, RetryConfig{})}); !errors.Is(err, ErrNilAssembler) {
		t.Errorf("err = %v, want ErrNilAssembler", err)
	}
}

func TestPipelineFlakySegmentRecovers(t *testing.T) {
	var released int
	lockFn := func(string) (Releaser, error) { return releaseFunc(func() { released++ }), nil }
	f := newPipelineFixture(t, lockFn, failing(map[string]int{"02_-_script_01": 2}))

	res, err := f.pipeline.Run(context.Background(), f.request("01_-_intro", "02_-_script_01"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Artifact == nil || res.Artifact.Duration != 5*time.Second {
		t.Fatalf("artifact = %+v", res.Artifact)
	}
	if len(f.assembler.paths) != 2 || filepath.Base(f.assembler.paths[0]) != "01_-_intro.wav" || f.assembler.gap != time.Second {
		t.Errorf("assembler got %v gap %v", f.assembler.paths, f.assembler.gap)
	}
	if res.Report.Attempts != 3 || f.synth.count("01_-_intro") != 1 {
		t.Errorf("attempts = %d, intro calls = %d", res.Report.Attempts, f.synth.count("01_-_intro"))
	}
	if released != 1 {
		t.Errorf("lock released %d times", released)
	}
	if f.compactor.calls != 1 {
		t.Errorf("compactor calls = %d", f.compactor.calls)
	}
	if f.hooks.started != 1 || f.hooks.finished != 1 || f.hooks.lastErr != nil {
		t.Errorf("hooks = %+v", f.hooks)
	}
	if !f.watcher.watched.Load() || f.watcher.watching.Load() {
		t.Error("watcher should run during synthesis and stop afterwards")
	}
	if res.Finished.Before(res.Started) || res.RunID != "run-0001" || res.Episode != "ep1" {
		t.Errorf("result = %+v", res)
	}

	// Text is prepared before dispatch.
	if got := f.synth.texts["01_-_intro"]; got != "— text of 01_-_intro —" {
		t.Errorf("dispatched text = %q", got)
	}

	if len(res.Timeline) != 2 || res.Timeline[1].Start != 3*time.Second || res.Timeline[0].Kind != episode.KindIntro {
		t.Errorf("timeline = %+v", res.Timeline)
	}
	b, err := os.ReadFile(res.TimelinePath)
	if err != nil {
		t.Fatalf("timeline file: %v", err)
	}
	var doc struct {
		Episode  string `json:"episode"`
		Segments []struct {
			Name  string  `json:"name"`
			Start float64 `json:"start_offset_seconds"`
		} `json:"segments"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Episode != "ep1" || len(doc.Segments) != 2 || doc.Segments[1].Start != 3 {
		t.Errorf("timeline doc = %+v", doc)
	}
}

func TestPipelinePermanentFailureSkipsAssembly(t *testing.T) {
	f := newPipelineFixture(t, nil, failing(map[string]int{"02_-_script_01": -1}))

	res, err := f.pipeline.Run(context.Background(), f.request("01_-_intro", "02_-_script_01"))
	if !errors.Is(err, ErrExhaustedRetries) {
		t.Fatalf("err = %v, want ErrExhaustedRetries", err)
	}
	if f.assembler.paths != nil {
		t.Error("assembler must not run when a segment failed")
	}
	if f.compactor.calls != 0 || res.Artifact != nil {
		t.Error("no artifact expected")
	}
	if len(res.Report.Failed) != 1 || res.Report.Failed[0].Attempts != 3 {
		t.Errorf("failed = %+v", res.Report.Failed)
	}
	if _, err := os.Stat(f.ep.Path(episode.WAVDir, "01_-_intro.wav")); err != nil {
		t.Errorf("intro artifact should survive for the next run: %v", err)
	}
	if f.hooks.finished != 1 || !errors.Is(f.hooks.lastErr, ErrExhaustedRetries) {
		t.Errorf("hooks = %+v", f.hooks)
	}
}

func TestPipelineScenariosByFailureKind(t *testing.T) {
	tests := []struct {
		name    string
		fail    failureFunc
		outcome ttypes.Outcome
		reason  string
	}{
		{name: "transport", fail: transportFailure, outcome: ttypes.OutcomeTransport, reason: "request timeout"},
		{name: "server", fail: serverFailure, outcome: ttypes.OutcomeServer, reason: "HTTP 500 (job=j-02_-_script_01): boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name+"/recovers", func(t *testing.T) {
			f := newPipelineFixture(t, nil, failingWith(map[string]int{"02_-_script_01": 2}, tt.fail))

			res, err := f.pipeline.Run(context.Background(), f.request("01_-_intro", "02_-_script_01"))
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.Artifact == nil || res.Artifact.Duration != 5*time.Second || len(res.Report.Validated) != 2 {
				t.Errorf("artifact = %+v, validated = %d", res.Artifact, len(res.Report.Validated))
			}
			var failures int
			for _, j := range res.Report.Jobs {
				if !j.OK() {
					failures++
					if j.Outcome != tt.outcome || j.Segment != "02_-_script_01" {
						t.Errorf("job = %+v, want outcome %s", j, tt.outcome)
					}
				}
			}
			if failures != 2 {
				t.Errorf("failed jobs = %d, want 2", failures)
			}
		})

		t.Run(tt.name+"/exhausted", func(t *testing.T) {
			f := newPipelineFixture(t, nil, failingWith(map[string]int{"02_-_script_01": -1}, tt.fail))

			res, err := f.pipeline.Run(context.Background(), f.request("01_-_intro", "02_-_script_01"))
			if !errors.Is(err, ErrExhaustedRetries) {
				t.Fatalf("err = %v, want ErrExhaustedRetries", err)
			}
			if f.assembler.paths != nil {
				t.Error("assembler must not run")
			}
			if len(res.Report.Failed) != 1 || res.Report.Failed[0].Reason != tt.reason {
				t.Errorf("failed = %+v, want reason %q", res.Report.Failed, tt.reason)
			}
			if _, err := os.Stat(f.ep.Path(episode.WAVDir, "01_-_intro.wav")); err != nil {
				t.Errorf("intro artifact should survive: %v", err)
			}
		})
	}
}

func TestPipelineAssemblesInManifestOrder(t *testing.T) {
	const n = 12
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("%02d_-_script_%02d", i+1, i+1)
	}
	respond, finished := reverseFinisher(n)
	f := newPipelineFixture(t, nil, respond)

	if _, err := f.pipeline.Run(context.Background(), f.request(names...)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if order := finished(); len(order) != n || order[0] != n-1 {
		t.Fatalf("jobs finished in order %v, want reverse manifest order", order)
	}
	if len(f.assembler.paths) != n {
		t.Fatalf("assembler got %d paths", len(f.assembler.paths))
	}
	for i, p := range f.assembler.paths {
		if filepath.Base(p) != names[i]+".wav" {
			t.Errorf("assembler path %d = %s, want %s.wav", i, filepath.Base(p), names[i])
		}
	}
}

func TestPipelineLockContention(t *testing.T) {
	dir := t.TempDir()
	held, err := lock.Acquire(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()

	f := newPipelineFixture(t, FileLock(quiet), failing(nil))
	f.ep.Dir = dir

	_, err = f.pipeline.Run(context.Background(), f.request("01_-_intro"))
	if !errors.Is(err, ErrLockContention) || !errors.Is(err, lock.ErrContention) {
		t.Fatalf("err = %v, want lock contention", err)
	}
	if f.synth.total() != 0 || f.monitor.polls.Load() != 0 || f.hooks.started != 0 {
		t.Error("nothing may happen without the lock")
	}
	if _, err := os.Stat(lock.Path(dir)); err != nil {
		t.Errorf("holder's lock file must survive: %v", err)
	}
}

func TestPipelineReleasesFileLock(t *testing.T) {
	f := newPipelineFixture(t, FileLock(quiet), failing(nil))
	if _, err := f.pipeline.Run(context.Background(), f.request("01_-_intro")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(lock.Path(f.ep.Dir)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("lock file left behind: %v", err)
	}
}

func TestPipelinePreflight(t *testing.T) {
	busy := ttypes.QueueSnapshot{TotalActive: 1, TotalQueued: 4}

	tests := []struct {
		name     string
		snap     ttypes.QueueSnapshot
		pollErr  error
		drain    queue.DrainResult
		force    bool
		wait     bool
		confirm  func(ttypes.QueueSnapshot) bool
		wantCode ErrorCode
		wantErr  error
		drains   int32
	}{
		{name: "idle queue", snap: ttypes.QueueSnapshot{}},
		{name: "server down", pollErr: errors.New("connection refused"), wantCode: ErrorCodeServiceUnavailable, wantErr: ErrServiceUnavailable},
		{name: "busy without flags", snap: busy, wantCode: ErrorCodeQueueBusy, wantErr: ErrQueueBusy},
		{name: "busy with force", snap: busy, force: true},
		{name: "busy with wait drains", snap: busy, wait: true, drain: queue.Drained, drains: 1},
		{name: "busy with wait times out", snap: busy, wait: true, drain: queue.TimedOut, drains: 1, wantCode: ErrorCodeDrainTimeout, wantErr: ErrDrainTimeout},
		{name: "operator continues", snap: busy, confirm: func(ttypes.QueueSnapshot) bool { return true }},
		{name: "operator declines", snap: busy, confirm: func(ttypes.QueueSnapshot) bool { return false }, wantCode: ErrorCodeQueueBusy, wantErr: ErrAborted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPipelineFixture(t, nil, failing(nil))
			f.monitor.snap = tt.snap
			f.monitor.pollErr = tt.pollErr
			f.monitor.drain = tt.drain

			req := f.request("01_-_intro")
			req.Force, req.Wait, req.Confirm = tt.force, tt.wait, tt.confirm
			req.WaitTimeout = time.Minute

			_, err := f.pipeline.Run(context.Background(), req)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("Run: %v", err)
				}
				if f.synth.total() != 1 {
					t.Errorf("dispatches = %d, want 1", f.synth.total())
				}
			} else {
				if CodeOf(err) != tt.wantCode || !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %s", err, tt.wantCode)
				}
				if f.synth.total() != 0 {
					t.Error("nothing may be dispatched after a failed preflight")
				}
			}
			if f.monitor.drains.Load() != tt.drains {
				t.Errorf("drains = %d, want %d", f.monitor.drains.Load(), tt.drains)
			}
		})
	}
}

func TestPipelineLoadErrors(t *testing.T) {
	f := newPipelineFixture(t, nil, failing(nil))

	req := f.request()
	_, err := f.pipeline.Run(context.Background(), req)
	if !errors.Is(err, ErrNoSegments) || CodeOf(err) != ErrorCodeInvalidInput {
		t.Errorf("empty manifest: err = %v", err)
	}

	boom := errors.New("unreadable manifest")
	req.Load = func() ([]ttypes.Segment, error) { return nil, boom }
	if _, err := f.pipeline.Run(context.Background(), req); !errors.Is(err, boom) {
		t.Errorf("load error: err = %v", err)
	}
	if f.hooks.started != 0 {
		t.Error("hooks must not fire before segments are loaded")
	}
}

func TestPipelineAssemblyAndCompactFailures(t *testing.T) {
	f := newPipelineFixture(t, nil, failing(nil))
	f.assembler.err = NewTTSError(ErrorCodeAssemblyTool, "assembly failed during concat", errors.New("exit 1"))

	_, err := f.pipeline.Run(context.Background(), f.request("01_-_intro", "02_-_outro"))
	if !errors.Is(err, ErrAssemblyFailed) {
		t.Fatalf("err = %v", err)
	}
	if f.compactor.calls != 0 {
		t.Error("compactor must not run without an artifact")
	}

	f = newPipelineFixture(t, nil, failing(nil))
	f.compactor.err = errors.New("disk full")
	res, err := f.pipeline.Run(context.Background(), f.request("01_-_intro"))
	if err != nil {
		t.Fatalf("compact failure must not fail the run: %v", err)
	}
	if res.CompactErr == nil || res.Artifact == nil {
		t.Errorf("result = %+v", res)
	}
}

func TestPipelineGeneratesRunID(t *testing.T) {
	f := newPipelineFixture(t, nil, failing(nil))
	req := f.request("01_-_intro")
	req.RunID = ""
	req.Gap = -time.Second

	res, err := f.pipeline.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.RunID) != 36 {
		t.Errorf("RunID = %q", res.RunID)
	}
	if f.assembler.gap != 0 {
		t.Errorf("negative gap should clamp to zero, got %v", f.assembler.gap)
	}
}
