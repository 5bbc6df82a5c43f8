package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/episode-tts/internal/tts"
	"github.com/dgnsrekt/episode-tts/internal/ttypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/dgnsrekt/episode-tts/internal/audio"

// Output file names inside the output directory.
const (
	EpisodeWAV  = "episode.wav"
	EpisodeMP3  = "episode.mp3"
	CompactMP3  = "episode_telegram.mp3"
	SilenceWAV  = "silence.wav"
	concatGlob  = "concat-*.txt"
	DefaultRate = "128k"
)

// Defaults for the reduced-size copy.
const (
	DefaultCompactBitrate   = "96k"
	DefaultCompactThreshold = 15 * 1000 * 1000
)

// AssemblyError describes a failed assembly step. Files listed in
// Preserved were left on disk so the run can be resumed.
type AssemblyError struct {
	Step      string
	Preserved []string
	Err       error
}

// Error implements the error interface
func (e *AssemblyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

// Unwrap returns the underlying error
func (e *AssemblyError) Unwrap() error {
	return e.Err
}

// Config configures an Assembler.
type Config struct {
	// OutputDir receives episode.wav, episode.mp3 and temporary files.
	OutputDir string

	FFmpeg  Tool
	FFprobe Tool
	Runner  Runner

	// Bitrate of the published MP3. Empty means DefaultRate.
	Bitrate string

	// CompactBitrate and CompactThreshold control the reduced-size copy.
	CompactBitrate   string
	CompactThreshold int64

	KeepIntermediates bool

	Logger *log.Logger
}

// Assembler concatenates validated segment WAVs with silence between them
// and transcodes the result to MP3.
type Assembler struct {
	cfg    Config
	logger *log.Logger
	tracer trace.Tracer
}

// New creates an Assembler.
func New(cfg Config) (*Assembler, error) {
	if cfg.OutputDir == "" {
		return nil, errors.New("output directory is required")
	}
	if cfg.FFmpeg.Path == "" {
		cfg.FFmpeg = Tool{Path: "ffmpeg"}
	}
	if cfg.FFprobe.Path == "" {
		cfg.FFprobe = Tool{Path: "ffprobe"}
	}
	if cfg.Runner == nil {
		cfg.Runner = NewExecRunner(0)
	}
	if cfg.Bitrate == "" {
		cfg.Bitrate = DefaultRate
	}
	if cfg.CompactBitrate == "" {
		cfg.CompactBitrate = DefaultCompactBitrate
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Assembler{
		cfg:    cfg,
		logger: logger.WithPrefix("assemble"),
		tracer: otel.Tracer(instrumentationName),
	}, nil
}

// Assemble joins paths in the order given, separated by gap, and writes
// episode.wav and episode.mp3 into the output directory. On failure the
// inputs are left untouched.
func (a *Assembler) Assemble(ctx context.Context, paths []string, gap time.Duration) (*ttypes.FinalArtifact, error) {
	ctx, span := a.tracer.Start(ctx, "audio.assemble", trace.WithAttributes(
		attribute.Int("segments", len(paths)),
		attribute.Float64("gap_seconds", gap.Seconds()),
	))
	defer span.End()

	art, err := a.assemble(ctx, paths, gap)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Float64("duration_seconds", art.Duration.Seconds()),
		attribute.Int64("mp3_bytes", art.Size),
	)
	return art, nil
}

func (a *Assembler) assemble(ctx context.Context, paths []string, gap time.Duration) (*ttypes.FinalArtifact, error) {
	if len(paths) == 0 {
		return nil, tts.NewTTSError(tts.ErrorCodeInvalidInput, "nothing to assemble", tts.ErrNoSegments)
	}

	durations := make([]time.Duration, len(paths))
	for i, p := range paths {
		d, err := WAVDuration(p)
		if err != nil {
			if d, err = Probe(ctx, a.cfg.Runner, a.cfg.FFprobe, p); err != nil {
				return nil, a.fail("read segment", paths, err)
			}
		}
		durations[i] = d
	}

	format, err := ReadFormat(paths[0])
	if err != nil {
		a.logger.Warn("could not read segment format, using default", "path", paths[0], "err", err)
		format = DefaultFormat
	}

	var silence string
	if len(paths) > 1 && gap > 0 {
		silence = filepath.Join(a.cfg.OutputDir, SilenceWAV)
		if err := a.makeSilence(ctx, format, gap, silence); err != nil {
			return nil, a.fail("generate silence", paths, err)
		}
	}

	wavPath := filepath.Join(a.cfg.OutputDir, EpisodeWAV)
	if err := a.concat(ctx, paths, silence, wavPath); err != nil {
		return nil, a.fail("concatenate", withFiles(paths, silence), err)
	}
	a.logger.Info("concatenated segments", "segments", len(paths), "gap", gap, "output", wavPath)

	mp3Path := filepath.Join(a.cfg.OutputDir, EpisodeMP3)
	if err := a.transcode(ctx, wavPath, mp3Path, a.cfg.Bitrate); err != nil {
		return nil, a.fail("transcode", withFiles(paths, silence, wavPath), err)
	}

	dur, err := Probe(ctx, a.cfg.Runner, a.cfg.FFprobe, mp3Path)
	if err != nil {
		return nil, a.fail("probe", withFiles(paths, silence, wavPath), err)
	}
	info, err := os.Stat(mp3Path)
	if err != nil {
		return nil, a.fail("stat output", withFiles(paths, silence, wavPath), err)
	}

	art := &ttypes.FinalArtifact{
		WAVPath:          wavPath,
		MP3Path:          mp3Path,
		Duration:         dur,
		Size:             info.Size(),
		SegmentDurations: durations,
	}
	a.logger.Info("encoded episode", "output", mp3Path, "duration", dur.Round(time.Millisecond), "bytes", art.Size)

	if !a.cfg.KeepIntermediates {
		removed := cleanup(withFiles(paths, silence, wavPath))
		art.WAVPath = ""
		a.logger.Debug("removed intermediates", "files", removed)
	}
	return art, nil
}

// Compact writes a reduced-bitrate mono copy of the MP3 when it is larger
// than the configured threshold. It returns false when no copy was needed.
func (a *Assembler) Compact(ctx context.Context, art *ttypes.FinalArtifact) (bool, error) {
	if art == nil || a.cfg.CompactThreshold <= 0 || art.Size <= a.cfg.CompactThreshold {
		return false, nil
	}
	ctx, span := a.tracer.Start(ctx, "audio.compact")
	defer span.End()

	out := filepath.Join(a.cfg.OutputDir, CompactMP3)
	if err := a.transcode(ctx, art.MP3Path, out, a.cfg.CompactBitrate); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("compact copy: %w", err)
	}
	info, err := os.Stat(out)
	if err != nil {
		return false, fmt.Errorf("compact copy: %w", err)
	}
	art.CompactPath = out
	art.CompactSize = info.Size()
	a.logger.Info("wrote compact copy", "output", out, "bytes", art.CompactSize, "bitrate", a.cfg.CompactBitrate)
	return true, nil
}

func (a *Assembler) makeSilence(ctx context.Context, f Format, gap time.Duration, out string) error {
	src := fmt.Sprintf("anullsrc=r=%d:cl=%s", f.SampleRate, f.ChannelLayout())
	_, err := a.cfg.FFmpeg.run(ctx, a.cfg.Runner,
		"-y", "-f", "lavfi", "-i", src,
		"-t", formatSeconds(gap),
		"-c:a", f.Codec(),
		out)
	if err != nil {
		return err
	}
	return checkOutput(out)
}

func (a *Assembler) concat(ctx context.Context, paths []string, silence, out string) error {
	list, err := os.CreateTemp(a.cfg.OutputDir, concatGlob)
	if err != nil {
		return fmt.Errorf("create concat list: %w", err)
	}
	defer os.Remove(list.Name()) //nolint:errcheck

	var b strings.Builder
	for i, p := range paths {
		if i > 0 && silence != "" {
			b.WriteString(concatLine(silence))
		}
		b.WriteString(concatLine(p))
	}
	if _, err := list.WriteString(b.String()); err != nil {
		list.Close() //nolint:errcheck
		return fmt.Errorf("write concat list: %w", err)
	}
	if err := list.Close(); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}

	if _, err := a.cfg.FFmpeg.run(ctx, a.cfg.Runner,
		"-y", "-f", "concat", "-safe", "0", "-i", list.Name(), "-c", "copy", out); err != nil {
		return err
	}
	return checkOutput(out)
}

func (a *Assembler) transcode(ctx context.Context, in, out, bitrate string) error {
	if _, err := a.cfg.FFmpeg.run(ctx, a.cfg.Runner,
		"-y", "-i", in, "-codec:a", "libmp3lame", "-b:a", bitrate, "-ac", "1", out); err != nil {
		return err
	}
	return checkOutput(out)
}

func (a *Assembler) fail(step string, preserved []string, err error) error {
	kept := make([]string, 0, len(preserved))
	for _, p := range preserved {
		if p != "" {
			kept = append(kept, p)
		}
	}
	a.logger.Error("assembly failed", "step", step, "err", err, "preserved", len(kept))
	return tts.NewTTSError(tts.ErrorCodeAssemblyTool, "assembly failed during "+step,
		&AssemblyError{Step: step, Preserved: kept, Err: err})
}

// concatLine quotes a path for the ffmpeg concat demuxer.
func concatLine(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return "file '" + strings.ReplaceAll(path, "'", `'\''`) + "'\n"
}

func checkOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("expected output %s: %w", path, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("output %s is empty", path)
	}
	return nil
}

func formatSeconds(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}

func withFiles(paths []string, extra ...string) []string {
	out := make([]string, 0, len(paths)+len(extra))
	out = append(out, paths...)
	return append(out, extra...)
}

// cleanup removes files best-effort and reports how many went away.
func cleanup(paths []string) int {
	n := 0
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err == nil {
			n++
		}
	}
	return n
}
