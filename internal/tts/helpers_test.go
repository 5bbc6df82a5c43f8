package tts

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/episode-tts/internal/ttypes"
)

var quiet = log.New(io.Discard)

// wavBody returns a body that passes ValidateAudio.
func wavBody() []byte {
	return append([]byte("RIFF"), make([]byte, 2000)...)
}

func serverError(msg string) error {
	return NewTTSError(ErrorCodeServer, msg, nil)
}

func transportError(msg string) error {
	return NewTTSError(ErrorCodeTransport, msg, context.DeadlineExceeded)
}

// failureFunc builds the error a failing segment returns.
type failureFunc func(seg ttypes.Segment) error

func serverFailure(seg ttypes.Segment) error {
	return serverError("HTTP 500 (job=j-" + seg.Name + "): boom")
}

func transportFailure(ttypes.Segment) error {
	return transportError("request timeout")
}

// dirStore is an ArtifactStore over a temp directory.
type dirStore struct {
	dir string

	mu      sync.Mutex
	rejects []string
}

func newDirStore(dir string) *dirStore {
	return &dirStore{dir: dir}
}

func (s *dirStore) Path(name string) string {
	return filepath.Join(s.dir, name+".wav")
}

func (s *dirStore) Save(name string, audio []byte) (string, error) {
	p := s.Path(name)
	return p, os.WriteFile(p, audio, 0o644)
}

func (s *dirStore) Reject(name string, _ int, _ []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects = append(s.rejects, name)
	return nil
}

// scriptedSynth answers each call with respond(segment, n) where n counts
// calls for that segment starting at 1.
type scriptedSynth struct {
	respond func(seg ttypes.Segment, n int) (ttypes.SynthesisResult, error)

	mu    sync.Mutex
	calls map[string]int
	texts map[string]string
}

func newScriptedSynth(respond func(ttypes.Segment, int) (ttypes.SynthesisResult, error)) *scriptedSynth {
	return &scriptedSynth{respond: respond, calls: map[string]int{}, texts: map[string]string{}}
}

func (s *scriptedSynth) Synthesize(_ context.Context, seg ttypes.Segment) (ttypes.SynthesisResult, error) {
	s.mu.Lock()
	s.calls[seg.Name]++
	n := s.calls[seg.Name]
	s.texts[seg.Name] = seg.Text
	s.mu.Unlock()
	return s.respond(seg, n)
}

func (s *scriptedSynth) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *scriptedSynth) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

// failing returns a respond func where the named segments fail their
// first n calls and everything else succeeds.
func failing(first map[string]int) func(ttypes.Segment, int) (ttypes.SynthesisResult, error) {
	return failingWith(first, serverFailure)
}

// failingWith is failing with a chosen kind of failure.
func failingWith(first map[string]int, fail failureFunc) func(ttypes.Segment, int) (ttypes.SynthesisResult, error) {
	return func(seg ttypes.Segment, n int) (ttypes.SynthesisResult, error) {
		if limit, ok := first[seg.Name]; ok && (limit < 0 || n <= limit) {
			return ttypes.SynthesisResult{JobID: "j-" + seg.Name}, fail(seg)
		}
		return ttypes.SynthesisResult{Audio: wavBody(), JobID: "j-" + seg.Name}, nil
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	attempts [][]string
	jobs     []ttypes.Job
}

func (o *recordingObserver) AttemptStarted(_ context.Context, _ int, segments []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts = append(o.attempts, segments)
}

func (o *recordingObserver) JobFinished(_ context.Context, job ttypes.Job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.jobs = append(o.jobs, job)
}

// recordSleep returns a SleepFunc that records delays without waiting.
func recordSleep(delays *[]time.Duration) SleepFunc {
	var mu sync.Mutex
	return func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		*delays = append(*delays, d)
		mu.Unlock()
		return ctx.Err()
	}
}

func segments(names ...string) []ttypes.Segment {
	out := make([]ttypes.Segment, len(names))
	for i, n := range names {
		out[i] = ttypes.Segment{Index: i, Name: n, Text: "text of " + n}
	}
	return out
}

// reverseFinisher returns a respond func for n segments where segment i
// cannot finish before segment i+1 has, so jobs complete in reverse
// manifest order. All n jobs must be in flight at once.
func reverseFinisher(n int) (respond func(ttypes.Segment, int) (ttypes.SynthesisResult, error), finished func() []int) {
	gates := make([]chan struct{}, n)
	for i := range gates {
		gates[i] = make(chan struct{})
	}
	close(gates[n-1])

	var (
		mu    sync.Mutex
		order []int
	)
	respond = func(seg ttypes.Segment, _ int) (ttypes.SynthesisResult, error) {
		select {
		case <-gates[seg.Index]:
		case <-time.After(5 * time.Second):
			return ttypes.SynthesisResult{}, transportError("request timeout")
		}
		mu.Lock()
		order = append(order, seg.Index)
		mu.Unlock()
		if seg.Index > 0 {
			close(gates[seg.Index-1])
		}
		return ttypes.SynthesisResult{Audio: wavBody(), JobID: "j-" + seg.Name}, nil
	}
	finished = func() []int {
		mu.Lock()
		defer mu.Unlock()
		return append([]int(nil), order...)
	}
	return respond, finished
}
