package main

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mitchellh/go-homedir"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/viper"
)

// Settings is the resolved configuration of one invocation.
type Settings struct {
	EpisodesDir string            `mapstructure:"episodes_dir"`
	Server      ServerSettings    `mapstructure:"server"`
	Dispatch    DispatchSettings  `mapstructure:"dispatch"`
	Queue       QueueSettings     `mapstructure:"queue"`
	Audio       AudioSettings     `mapstructure:"audio"`
	Ledger      LedgerSettings    `mapstructure:"ledger"`
	Events      EventsSettings    `mapstructure:"events"`
	Telemetry   TelemetrySettings `mapstructure:"telemetry"`
}

// ServerSettings locates the synthesis backend.
type ServerSettings struct {
	URL           string        `mapstructure:"url"`
	Voice         string        `mapstructure:"voice"`
	Timeout       time.Duration `mapstructure:"timeout"`
	StatusTimeout time.Duration `mapstructure:"status_timeout"`

	// Rate caps submissions per second. Zero is unlimited.
	Rate float64 `mapstructure:"rate"`
}

// DispatchSettings bound concurrency and retries.
type DispatchSettings struct {
	Workers     int           `mapstructure:"workers"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
}

// QueueSettings drive the queue monitor.
type QueueSettings struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	WaitPollInterval time.Duration `mapstructure:"wait_poll_interval"`
	WaitTimeout      time.Duration `mapstructure:"wait_timeout"`
	StallThreshold   time.Duration `mapstructure:"stall_threshold"`
}

// AudioSettings configure assembly.
type AudioSettings struct {
	FFmpeg            string        `mapstructure:"ffmpeg"`
	FFprobe           string        `mapstructure:"ffprobe"`
	Gap               time.Duration `mapstructure:"gap"`
	Bitrate           string        `mapstructure:"bitrate"`
	CompactThreshold  string        `mapstructure:"compact_threshold"`
	CompactBitrate    string        `mapstructure:"compact_bitrate"`
	KeepIntermediates bool          `mapstructure:"keep_intermediates"`

	compactBytes int64
}

// LedgerSettings locate the run history database.
type LedgerSettings struct {
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"`
}

// EventsSettings configure NATS publishing.
type EventsSettings struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// TelemetrySettings configure tracing and metrics export.
type TelemetrySettings struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
	TraceFile    string `mapstructure:"trace_file"`
	MetricsAddr  string `mapstructure:"metrics_addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("episodes_dir", "data/episodes")

	v.SetDefault("server.url", "http://192.168.0.134:7849")
	v.SetDefault("server.voice", "george_carlin")
	v.SetDefault("server.timeout", time.Hour)
	v.SetDefault("server.status_timeout", 10*time.Second)
	v.SetDefault("server.rate", 0.0)

	v.SetDefault("dispatch.workers", 25)
	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.backoff_base", 2*time.Second)

	v.SetDefault("queue.poll_interval", 5*time.Second)
	v.SetDefault("queue.wait_poll_interval", 10*time.Second)
	v.SetDefault("queue.wait_timeout", 30*time.Minute)
	v.SetDefault("queue.stall_threshold", 10*time.Minute)

	v.SetDefault("audio.ffmpeg", "ffmpeg")
	v.SetDefault("audio.ffprobe", "ffprobe")
	v.SetDefault("audio.gap", time.Second)
	v.SetDefault("audio.bitrate", "128k")
	v.SetDefault("audio.compact_threshold", "15MB")
	v.SetDefault("audio.compact_bitrate", "96k")
	v.SetDefault("audio.keep_intermediates", false)

	v.SetDefault("ledger.path", defaultLedgerPath())
	v.SetDefault("ledger.retention", 30*24*time.Hour)

	v.SetDefault("events.url", "")
	v.SetDefault("events.subject_prefix", "episode")

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.otlp_insecure", false)
	v.SetDefault("telemetry.trace_file", "")
	v.SetDefault("telemetry.metrics_addr", "")
}

func defaultLedgerPath() string {
	dirs, err := gap.NewScope(gap.User, appName).DataDirs()
	if err != nil || len(dirs) == 0 {
		return ""
	}
	return filepath.Join(dirs[0], "ledger.db")
}

// loadSettings decodes v into Settings and validates it.
func loadSettings(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unable to decode configuration: %w", err)
	}

	for _, p := range []*string{&s.EpisodesDir, &s.Ledger.Path, &s.Telemetry.TraceFile} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return nil, fmt.Errorf("unable to expand %q: %w", *p, err)
		}
		*p = expanded
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks ranges and parses derived values.
func (s *Settings) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(s.EpisodesDir != "", "episodes_dir must be set")

	if u, err := url.Parse(s.Server.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("server.url must be an http(s) URL, got %q", s.Server.URL))
	}
	check(s.Server.Timeout > 0, "server.timeout must be positive, got %s", s.Server.Timeout)
	check(s.Server.StatusTimeout > 0, "server.status_timeout must be positive, got %s", s.Server.StatusTimeout)
	check(s.Server.Rate >= 0, "server.rate cannot be negative, got %g", s.Server.Rate)

	check(s.Dispatch.Workers >= 1 && s.Dispatch.Workers <= 1000, "dispatch.workers must be between 1 and 1000, got %d", s.Dispatch.Workers)
	check(s.Dispatch.MaxAttempts >= 1 && s.Dispatch.MaxAttempts <= 20, "dispatch.max_attempts must be between 1 and 20, got %d", s.Dispatch.MaxAttempts)
	check(s.Dispatch.BackoffBase >= 0, "dispatch.backoff_base cannot be negative, got %s", s.Dispatch.BackoffBase)

	check(s.Queue.PollInterval > 0, "queue.poll_interval must be positive, got %s", s.Queue.PollInterval)
	check(s.Queue.WaitPollInterval > 0, "queue.wait_poll_interval must be positive, got %s", s.Queue.WaitPollInterval)
	check(s.Queue.WaitTimeout > 0, "queue.wait_timeout must be positive, got %s", s.Queue.WaitTimeout)
	check(s.Queue.StallThreshold > 0, "queue.stall_threshold must be positive, got %s", s.Queue.StallThreshold)

	check(s.Audio.FFmpeg != "" && s.Audio.FFprobe != "", "audio.ffmpeg and audio.ffprobe must be set")
	check(s.Audio.Gap >= 0, "audio.gap cannot be negative, got %s", s.Audio.Gap)
	if s.Audio.CompactThreshold == "" || s.Audio.CompactThreshold == "0" {
		s.Audio.compactBytes = 0
	} else if n, err := humanize.ParseBytes(s.Audio.CompactThreshold); err != nil {
		errs = append(errs, fmt.Errorf("audio.compact_threshold: %w", err))
	} else {
		s.Audio.compactBytes = int64(n) //nolint:gosec
	}

	check(s.Ledger.Retention >= 0, "ledger.retention cannot be negative, got %s", s.Ledger.Retention)

	return errors.Join(errs...)
}
