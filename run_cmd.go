package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/episode-tts/internal/audio"
	"github.com/dgnsrekt/episode-tts/internal/cache"
	"github.com/dgnsrekt/episode-tts/internal/episode"
	"github.com/dgnsrekt/episode-tts/internal/events"
	"github.com/dgnsrekt/episode-tts/internal/ledger"
	"github.com/dgnsrekt/episode-tts/internal/queue"
	"github.com/dgnsrekt/episode-tts/internal/telemetry"
	"github.com/dgnsrekt/episode-tts/internal/tts"
	"github.com/dgnsrekt/episode-tts/internal/ttypes"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
	"golang.org/x/time/rate"
)

var runCmd = &cobra.Command{
	Use:   "run EPISODE",
	Short: "Synthesize, validate and assemble an episode",
	Long: paragraph(fmt.Sprintf("\nRun the whole pipeline for %s: dispatch every segment, retry the ones that fail validation, then stitch the result into %s.",
		keyword("EPISODE"), keyword("episode.mp3"))),
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		wait, _ := cmd.Flags().GetBool("wait")
		return runEpisode(cmd, args[0], force, wait)
	},
}

func init() {
	runCmd.Flags().Bool("force", false, "skip the busy-queue check")
	runCmd.Flags().Bool("wait", false, "wait for the queue to drain before starting")
	runCmd.Flags().Duration("wait-timeout", 0, "how long --wait waits for the queue (default from config)")
	runCmd.Flags().Duration("stuck-threshold", 0, "warn when the queue makes no progress for this long (default from config)")
	runCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address while running")
	runCmd.Flags().Bool("keep-intermediates", false, "keep segment WAVs and episode.wav after assembly")
	runCmd.MarkFlagsMutuallyExclusive("force", "wait")

	_ = viper.BindPFlag("queue.wait_timeout", runCmd.Flags().Lookup("wait-timeout"))
	_ = viper.BindPFlag("queue.stall_threshold", runCmd.Flags().Lookup("stuck-threshold"))
	_ = viper.BindPFlag("telemetry.metrics_addr", runCmd.Flags().Lookup("metrics-addr"))
	_ = viper.BindPFlag("audio.keep_intermediates", runCmd.Flags().Lookup("keep-intermediates"))
}

func runEpisode(cmd *cobra.Command, arg string, force, wait bool) error {
	cfg, err := settings()
	if err != nil {
		return err
	}
	ep, err := episode.Resolve(cfg.EpisodesDir, arg)
	if err != nil {
		return err
	}
	if _, err := os.Stat(ep.Dir); err != nil {
		return fmt.Errorf("episode directory: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.Default()
	runID := uuid.NewString()

	tel, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:  appName,
		Version:      Version,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		TraceFile:    cfg.Telemetry.TraceFile,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "err", err)
		}
	}()
	if cfg.Telemetry.MetricsAddr != "" {
		if _, err := telemetry.ServeMetrics(ctx, cfg.Telemetry.MetricsAddr, tel.Handler, logger); err != nil {
			return err
		}
	}

	if err := tts.FirstToolError(tts.CheckTools(cfg.Audio.FFmpeg, cfg.Audio.FFprobe)); err != nil {
		return err
	}
	ffmpeg, err := audio.ParseTool(cfg.Audio.FFmpeg)
	if err != nil {
		return err
	}
	ffprobe, err := audio.ParseTool(cfg.Audio.FFprobe)
	if err != nil {
		return err
	}

	engine, err := newEngine(cfg)
	if err != nil {
		return err
	}

	rejects, err := cache.NewRejectArchive(ep.Path(episode.RejectDir), 0)
	if err != nil {
		return err
	}
	defer rejects.Close() //nolint:errcheck
	store, err := cache.NewSegmentStore(ep.Path(episode.WAVDir), rejects, logger)
	if err != nil {
		return err
	}

	led, err := ledger.Open(ctx, cfg.Ledger.Path, cfg.Ledger.Retention, logger)
	if err != nil {
		logger.Warn("run history disabled", "err", err)
		led, _ = ledger.Open(ctx, "", 0, logger)
	}
	defer led.Close() //nolint:errcheck

	bus, err := events.Connect(cfg.Events.URL, cfg.Events.SubjectPrefix, logger)
	if err != nil {
		logger.Warn("event publishing disabled", "err", err)
		bus = nil
	}
	defer bus.Close()
	pub := bus.Run(ep.Name, runID)

	observers := tts.Observers{led.Recorder(runID), pub}

	var limiter *rate.Limiter
	if cfg.Server.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Server.Rate), 1)
	}
	disp, err := tts.NewDispatcher(engine, store, tts.DispatcherConfig{
		Workers:  cfg.Dispatch.Workers,
		Limiter:  limiter,
		Observer: observers,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	retry := tts.NewRetryController(disp, store, tts.RetryConfig{
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		BackoffBase: cfg.Dispatch.BackoffBase,
		Observer:    observers,
		Logger:      logger,
	})

	preflight, err := queue.New(engine, queue.Config{
		Interval: cfg.Queue.WaitPollInterval,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	watcher, err := queue.New(engine, queue.Config{
		Interval:       cfg.Queue.PollInterval,
		StallThreshold: cfg.Queue.StallThreshold,
		OnStall:        pub.Stalled,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	asm, err := audio.New(audio.Config{
		OutputDir:         ep.Dir,
		FFmpeg:            ffmpeg,
		FFprobe:           ffprobe,
		Runner:            audio.NewExecRunner(0),
		Bitrate:           cfg.Audio.Bitrate,
		CompactBitrate:    cfg.Audio.CompactBitrate,
		CompactThreshold:  cfg.Audio.compactBytes,
		KeepIntermediates: cfg.Audio.KeepIntermediates,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	pipeline, err := tts.NewPipeline(tts.PipelineDeps{
		Lock:      tts.FileLock(logger),
		Preflight: preflight,
		Watcher:   watcher,
		Retry:     retry,
		Assembler: asm,
		Compactor: asm,
		Hooks:     &runHooks{ledger: led, pub: pub, logger: logger},
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	req := tts.RunRequest{
		RunID:       runID,
		Episode:     ep,
		Load:        func() ([]ttypes.Segment, error) { return episode.LoadSegments(ep) },
		Gap:         cfg.Audio.Gap,
		Force:       force,
		Wait:        wait,
		WaitTimeout: cfg.Queue.WaitTimeout,
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		req.Confirm = confirmBusyQueue
	}

	logger.Info("starting run", "episode", ep.Name, "run", runID, "server", engine.BaseURL())
	res, runErr := pipeline.Run(ctx, req)
	if runErr == nil && !cfg.Audio.KeepIntermediates {
		store.Remove(nil)
	}

	if res != nil && res.Report != nil {
		if err := printMarkdown(os.Stdout, runReport(res, runErr)); err != nil {
			logger.Warn("could not print report", "err", err)
		}
	}
	return runErr
}

// confirmBusyQueue asks the operator whether to start while jobs are
// still on the server.
func confirmBusyQueue(snap ttypes.QueueSnapshot) bool {
	fmt.Fprintln(os.Stderr, warn(fmt.Sprintf("TTS queue not empty: %d active, %d queued.", snap.TotalActive, snap.TotalQueued)))
	for _, w := range snap.Workers {
		if w.Busy() {
			fmt.Fprintf(os.Stderr, "  GPU %d: active=%q queued=%d\n", w.ID, w.Active, w.Queued)
		}
	}
	fmt.Fprint(os.Stderr, "Continue anyway? (y/N) ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// runHooks records the run in the ledger and announces it on the bus.
type runHooks struct {
	ledger *ledger.Ledger
	pub    *events.RunPublisher
	logger *log.Logger
}

func (h *runHooks) RunStarted(ctx context.Context, res *tts.RunResult) {
	if err := h.ledger.StartRun(ctx, res.RunID, res.Episode, len(res.Segments)); err != nil {
		h.logger.Warn("could not record run start", "err", err)
	}
	h.pub.RunStarted(len(res.Segments))
}

func (h *runHooks) RunFinished(ctx context.Context, res *tts.RunResult, err error) {
	run := ledgerRun(res, err)
	if lerr := h.ledger.FinishRun(ctx, run, err); lerr != nil {
		h.logger.Warn("could not record run result", "err", lerr)
	}

	sum := events.Summary{
		Status:   run.Status,
		Segments: run.Segments,
		Skipped:  run.Skipped,
		Attempts: run.Attempts,
		MP3Path:  run.MP3Path,
		Error:    run.Error,
	}
	if res.Report != nil {
		sum.Failed = res.Report.FailedNames()
	}
	if res.Artifact != nil {
		sum.DurationSeconds = res.Artifact.Duration.Seconds()
	}
	h.pub.RunFinished(sum)
}

// ledgerRun flattens a run result into a ledger row.
func ledgerRun(res *tts.RunResult, err error) ledger.Run {
	run := ledger.Run{
		ID:         res.RunID,
		Episode:    res.Episode,
		Status:     ledger.StatusSucceeded,
		StartedAt:  res.Started,
		FinishedAt: res.Finished,
		Segments:   len(res.Segments),
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}
	if err != nil {
		run.Status = ledger.StatusFailed
		run.Error = errorSummary(err)
		if errors.Is(err, context.Canceled) {
			run.Error = "interrupted"
		}
	}
	if r := res.Report; r != nil {
		run.Skipped = len(r.Skipped)
		run.Dispatched = len(res.Segments) - len(r.Skipped)
		run.Failed = len(r.Failed)
		run.Attempts = r.Attempts
	}
	if a := res.Artifact; a != nil {
		run.AudioDuration = a.Duration
		run.MP3Path = a.MP3Path
		run.MP3Bytes = a.Size
	}
	return run
}
