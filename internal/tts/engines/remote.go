package engines

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/episode-tts/internal/tts"
	"github.com/dgnsrekt/episode-tts/internal/ttypes"
	"github.com/muesli/reflow/truncate"
)

const (
	// DefaultBaseURL is the synthesis server on the local network.
	DefaultBaseURL = "http://192.168.0.134:7849"

	// DefaultVoice is the voice profile used for every segment.
	DefaultVoice = "george_carlin"

	// DefaultTimeout bounds a /speak request. Requests wait in the
	// server queue until processed, so this is long.
	DefaultTimeout = time.Hour

	// DefaultStatusTimeout bounds /status and the admin endpoints.
	DefaultStatusTimeout = 10 * time.Second

	// JobIDHeader carries the server's job identifier.
	JobIDHeader = "X-Job-Id"

	errorBodyLimit = 100
)

// ErrAdminUnavailable indicates the server does not expose an admin endpoint
var ErrAdminUnavailable = errors.New("endpoint not available (404)")

// RemoteConfig holds configuration for the remote engine.
type RemoteConfig struct {
	BaseURL       string
	Voice         string
	Timeout       time.Duration
	StatusTimeout time.Duration

	// HTTPClient overrides the transport. Timeouts are still applied per
	// request through the context.
	HTTPClient *http.Client

	Logger *log.Logger
}

// RemoteEngine talks to the queue-based synthesis server over HTTP.
// The base URL is fixed at construction; there is no shared client state.
type RemoteEngine struct {
	base          *url.URL
	voice         string
	timeout       time.Duration
	statusTimeout time.Duration
	http          *http.Client
	logger        *log.Logger
}

// NewRemoteEngine creates a client for the server at cfg.BaseURL.
func NewRemoteEngine(cfg RemoteConfig) (*RemoteEngine, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", cfg.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%s is not a supported protocol", u.Scheme)
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = DefaultStatusTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &RemoteEngine{
		base:          u,
		voice:         cfg.Voice,
		timeout:       cfg.Timeout,
		statusTimeout: cfg.StatusTimeout,
		http:          cfg.HTTPClient,
		logger:        cfg.Logger.WithPrefix("remote"),
	}, nil
}

// BaseURL returns the server address.
func (e *RemoteEngine) BaseURL() string {
	return e.base.String()
}

func (e *RemoteEngine) endpoint(p string) string {
	u := *e.base
	u.Path = strings.TrimRight(u.Path, "/") + p
	return u.String()
}

type speakRequest struct {
	Text     string `json:"text"`
	Voice    string `json:"voice"`
	Filename string `json:"filename,omitempty"`
	Timeout  int    `json:"timeout"`
}

// Synthesize submits one segment and waits for its audio. Errors are
// *tts.TTSError with code TRANSPORT or SERVER.
func (e *RemoteEngine) Synthesize(ctx context.Context, seg ttypes.Segment) (ttypes.SynthesisResult, error) {
	body, err := json.Marshal(speakRequest{
		Text:     seg.Text,
		Voice:    e.voice,
		Filename: seg.Name,
		Timeout:  0,
	})
	if err != nil {
		return ttypes.SynthesisResult{}, fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint("/speak"), bytes.NewReader(body))
	if err != nil {
		return ttypes.SynthesisResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return ttypes.SynthesisResult{}, transportError(err)
	}
	defer resp.Body.Close() //nolint:errcheck

	jobID := resp.Header.Get(JobIDHeader)
	if jobID == "" {
		jobID = "?"
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return ttypes.SynthesisResult{JobID: jobID}, transportError(err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("HTTP %d (job=%s): %s", resp.StatusCode, jobID, truncate.String(string(audio), errorBodyLimit))
		return ttypes.SynthesisResult{JobID: jobID}, tts.NewTTSError(tts.ErrorCodeServer, msg, nil).
			WithContext("status", resp.StatusCode)
	}

	return ttypes.SynthesisResult{Audio: audio, JobID: jobID}, nil
}

func transportError(err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return tts.NewTTSError(tts.ErrorCodeTransport, "request timeout", err)
	}
	return tts.NewTTSError(tts.ErrorCodeTransport, fmt.Sprintf("connection error: %v", err), err)
}

type statusResponse struct {
	GPUs []struct {
		GPU    int     `json:"gpu"`
		Active *string `json:"active"`
		Queued int     `json:"queued"`
	} `json:"gpus"`
	TotalActive int `json:"total_active"`
	TotalQueued int `json:"total_queued"`
	Completed   int `json:"completed"`
}

// Status reads the server queue.
func (e *RemoteEngine) Status(ctx context.Context) (ttypes.QueueSnapshot, error) {
	var sr statusResponse
	if err := e.getJSON(ctx, "/status", &sr); err != nil {
		return ttypes.QueueSnapshot{}, err
	}

	snap := ttypes.QueueSnapshot{
		TotalActive: sr.TotalActive,
		TotalQueued: sr.TotalQueued,
		Completed:   sr.Completed,
		At:          time.Now(),
	}
	for _, g := range sr.GPUs {
		w := ttypes.WorkerLoad{ID: g.GPU, Queued: g.Queued}
		if g.Active != nil {
			w.Active = *g.Active
		}
		snap.Workers = append(snap.Workers, w)
	}
	return snap, nil
}

// ClearQueue cancels the pending (not running) jobs of one worker and
// returns how many were cancelled.
func (e *RemoteEngine) ClearQueue(ctx context.Context, worker int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, e.statusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, e.endpoint("/gpu/"+strconv.Itoa(worker)+"/queue"), nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return 0, transportError(err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if err := checkStatus(resp); err != nil {
		return 0, err
	}
	var out struct {
		Cancelled int `json:"cancelled"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	e.logger.Info("queue cleared", "gpu", worker, "cancelled", out.Cancelled)
	return out.Cancelled, nil
}

// ClearAll clears every worker listed by the status endpoint. It returns
// per-worker results; a failure on one worker does not stop the others.
func (e *RemoteEngine) ClearAll(ctx context.Context) (map[int]int, error) {
	snap, err := e.Status(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int]int, len(snap.Workers))
	var errs []error
	for _, w := range snap.Workers {
		n, err := e.ClearQueue(ctx, w.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("gpu %d: %w", w.ID, err))
			continue
		}
		out[w.ID] = n
	}
	return out, errors.Join(errs...)
}

type jobsResponse struct {
	Jobs []struct {
		JobID       flexString `json:"job_id"`
		GPUID       int        `json:"gpu_id"`
		Status      string     `json:"status"`
		SubmittedAt flexTime   `json:"submitted_at"`
		TextPreview string     `json:"text_preview"`
	} `json:"jobs"`
}

// ListJobs returns the jobs the server tracks.
func (e *RemoteEngine) ListJobs(ctx context.Context) ([]ttypes.JobInfo, error) {
	var jr jobsResponse
	if err := e.getJSON(ctx, "/jobs", &jr); err != nil {
		return nil, err
	}
	jobs := make([]ttypes.JobInfo, 0, len(jr.Jobs))
	for _, j := range jr.Jobs {
		jobs = append(jobs, ttypes.JobInfo{
			JobID:       string(j.JobID),
			WorkerID:    j.GPUID,
			Status:      j.Status,
			SubmittedAt: time.Time(j.SubmittedAt),
			TextPreview: j.TextPreview,
		})
	}
	return jobs, nil
}

func (e *RemoteEngine) getJSON(ctx context.Context, p string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, e.statusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.endpoint(p), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", p, err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrAdminUnavailable
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return tts.NewTTSError(tts.ErrorCodeServer,
			fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate.String(string(b), errorBodyLimit)), nil)
	}
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if string(b) == "null" {
		*f = ""
		return nil
	}
	*f = flexString(strings.TrimSpace(string(b)))
	return nil
}

// flexTime accepts unix seconds or an RFC 3339 string.
type flexTime time.Time

func (f *flexTime) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		*f = flexTime(time.Time{})
		return nil
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339Nano, str)
		if err != nil {
			t, err = time.ParseInLocation("2006-01-02T15:04:05.999999", str, time.Local)
			if err != nil {
				return fmt.Errorf("unrecognized time %q", str)
			}
		}
		*f = flexTime(t)
		return nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("unrecognized time %s", s)
	}
	whole := int64(secs)
	*f = flexTime(time.Unix(whole, int64((secs-float64(whole))*1e9)))
	return nil
}
