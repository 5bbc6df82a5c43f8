// Package mockserver is a stand-in for the GPU synthesis server. It
// speaks the same HTTP protocol, keeps a per-worker queue with
// least-loaded assignment and returns generated tones as WAV audio, which
// makes it suitable for local runs and integration tests.
package mockserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Job states reported by /jobs.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

const previewLen = 50

// Config configures a Server.
type Config struct {
	// Workers is the number of simulated GPUs. Zero means 2.
	Workers int

	// JobTime is how long a worker spends on each job.
	JobTime time.Duration

	// SecondsPerWord sets the length of the generated audio.
	SecondsPerWord float64

	SampleRate int

	// Fault, when set, may force a failure for a request. A non-zero
	// return is sent as the HTTP status with an error body; a negative
	// return sends a 200 with a truncated body.
	Fault func(text string) int

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler

	Logger *log.Logger
}

type job struct {
	id        string
	worker    int
	text      string
	status    string
	submitted time.Time
	cancel    chan struct{}
}

type worker struct {
	id     int
	slot   chan struct{}
	active *job
	queue  []*job
}

// Server is the fake backend.
type Server struct {
	cfg    Config
	logger *log.Logger
	router chi.Router

	mu        sync.Mutex
	workers   []*worker
	jobs      []*job
	completed int

	requests metric.Int64Counter
}

// New builds a Server.
func New(cfg Config) *Server {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.SecondsPerWord <= 0 {
		cfg.SecondsPerWord = 0.3
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	s := &Server{cfg: cfg, logger: logger.WithPrefix("mock")}
	for i := 0; i < cfg.Workers; i++ {
		s.workers = append(s.workers, &worker{id: i, slot: make(chan struct{}, 1)})
	}

	requests, err := otel.Meter("github.com/dgnsrekt/episode-tts/internal/mockserver").
		Int64Counter("mock_tts.requests", metric.WithDescription("Synthesis requests by result"))
	if err != nil {
		s.logger.Warn("could not create metrics", "err", err)
	}
	s.requests = requests

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Post("/speak", s.handleSpeak)
	r.Get("/status", s.handleStatus)
	r.Get("/jobs", s.handleJobs)
	r.Delete("/gpu/{id}/queue", s.handleClearQueue)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	s.logger.Info("mock synthesis server listening", "addr", addr, "workers", s.cfg.Workers)
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "bytes", ww.BytesWritten(), "took", time.Since(start))
	})
}

type speakRequest struct {
	Text     string `json:"text"`
	Voice    string `json:"voice"`
	Filename string `json:"filename"`
	Timeout  int    `json:"timeout"`
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	var req speakRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.count(r.Context(), "bad_request")
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.count(r.Context(), "bad_request")
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}

	j, wk := s.enqueue(req.Text)
	w.Header().Set("X-Job-Id", j.id)

	select {
	case wk.slot <- struct{}{}:
	case <-j.cancel:
		s.count(r.Context(), StatusCancelled)
		http.Error(w, "job cancelled", http.StatusConflict)
		return
	case <-r.Context().Done():
		s.dequeue(wk, j, StatusCancelled)
		return
	}
	defer func() { <-wk.slot }()

	if !s.start(wk, j) {
		s.count(r.Context(), StatusCancelled)
		http.Error(w, "job cancelled", http.StatusConflict)
		return
	}

	if s.cfg.JobTime > 0 {
		t := time.NewTimer(s.cfg.JobTime)
		select {
		case <-t.C:
		case <-r.Context().Done():
			t.Stop()
			s.finish(wk, j, StatusFailed)
			return
		}
	}

	if s.cfg.Fault != nil {
		switch code := s.cfg.Fault(req.Text); {
		case code > 0:
			s.finish(wk, j, StatusFailed)
			s.count(r.Context(), StatusFailed)
			http.Error(w, "simulated synthesis failure", code)
			return
		case code < 0:
			s.finish(wk, j, StatusCompleted)
			s.count(r.Context(), "truncated")
			w.Header().Set("Content-Type", "audio/wav")
			w.Write([]byte("RIFF")) //nolint:errcheck
			return
		}
	}

	words := len(strings.Fields(req.Text))
	dur := time.Duration(float64(words) * s.cfg.SecondsPerWord * float64(time.Second))
	if dur < 500*time.Millisecond {
		dur = 500 * time.Millisecond
	}
	body, err := Tone(dur, s.cfg.SampleRate, 220)
	if err != nil {
		s.finish(wk, j, StatusFailed)
		s.count(r.Context(), StatusFailed)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.finish(wk, j, StatusCompleted)
	s.count(r.Context(), StatusCompleted)
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Write(body) //nolint:errcheck
}

// enqueue assigns a job to the worker with the fewest active plus queued
// jobs, lowest ID first on ties.
func (s *Server) enqueue(text string) (*job, *worker) {
	s.mu.Lock()
	defer s.mu.Unlock()

	best := s.workers[0]
	for _, wk := range s.workers[1:] {
		if load(wk) < load(best) {
			best = wk
		}
	}
	j := &job{
		id:        uuid.NewString(),
		worker:    best.id,
		text:      text,
		status:    StatusQueued,
		submitted: time.Now(),
		cancel:    make(chan struct{}),
	}
	best.queue = append(best.queue, j)
	s.jobs = append(s.jobs, j)
	return j, best
}

func load(w *worker) int {
	n := len(w.queue)
	if w.active != nil {
		n++
	}
	return n
}

// start moves j from the queue to active. It returns false when the job
// was cancelled while waiting.
func (s *Server) start(wk *worker, j *job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.status == StatusCancelled {
		return false
	}
	removeJob(wk, j)
	wk.active = j
	j.status = StatusProcessing
	return true
}

func (s *Server) finish(wk *worker, j *job, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wk.active == j {
		wk.active = nil
	}
	j.status = status
	if status == StatusCompleted {
		s.completed++
	}
}

func (s *Server) dequeue(wk *worker, j *job, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removeJob(wk, j)
	j.status = status
}

func removeJob(wk *worker, j *job) {
	for i, q := range wk.queue {
		if q == j {
			wk.queue = append(wk.queue[:i], wk.queue[i+1:]...)
			return
		}
	}
}

type gpuStatus struct {
	GPU    int     `json:"gpu"`
	Active *string `json:"active"`
	Queued int     `json:"queued"`
}

type statusResponse struct {
	GPUs        []gpuStatus `json:"gpus"`
	TotalActive int         `json:"total_active"`
	TotalQueued int         `json:"total_queued"`
	Completed   int         `json:"completed"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	resp := statusResponse{Completed: s.completed}
	for _, wk := range s.workers {
		g := gpuStatus{GPU: wk.id, Queued: len(wk.queue)}
		if wk.active != nil {
			p := preview(wk.active.text)
			g.Active = &p
			resp.TotalActive++
		}
		resp.TotalQueued += g.Queued
		resp.GPUs = append(resp.GPUs, g)
	}
	s.mu.Unlock()
	writeJSON(w, resp)
}

type jobEntry struct {
	JobID       string  `json:"job_id"`
	GPUID       int     `json:"gpu_id"`
	Status      string  `json:"status"`
	SubmittedAt float64 `json:"submitted_at"`
	TextPreview string  `json:"text_preview"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")

	s.mu.Lock()
	out := make([]jobEntry, 0, len(s.jobs))
	for _, j := range s.jobs {
		if status != "" && j.status != status {
			continue
		}
		out = append(out, jobEntry{
			JobID:       j.id,
			GPUID:       j.worker,
			Status:      j.status,
			SubmittedAt: float64(j.submitted.UnixMilli()) / 1000,
			TextPreview: preview(j.text),
		})
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(a, b int) bool { return out[a].SubmittedAt > out[b].SubmittedAt })
	writeJSON(w, map[string]any{"jobs": out})
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id < 0 || id >= len(s.workers) {
		http.Error(w, "unknown gpu", http.StatusNotFound)
		return
	}

	s.mu.Lock()
	wk := s.workers[id]
	cancelled := len(wk.queue)
	for _, j := range wk.queue {
		j.status = StatusCancelled
		close(j.cancel)
	}
	wk.queue = nil
	s.mu.Unlock()

	s.logger.Info("cleared queue", "gpu", id, "cancelled", cancelled)
	writeJSON(w, map[string]int{"cancelled": cancelled})
}

func (s *Server) count(ctx context.Context, result string) {
	if s.requests != nil {
		s.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

func preview(text string) string {
	r := []rune(text)
	if len(r) > previewLen {
		return string(r[:previewLen])
	}
	return text
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
