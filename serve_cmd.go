package main

import (
	"context"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/episode-tts/internal/mockserver"
	"github.com/dgnsrekt/episode-tts/internal/telemetry"
	"github.com/spf13/cobra"
)

var serveMockCmd = &cobra.Command{
	Use:    "serve-mock",
	Short:  "Run a fake TTS server for local testing",
	Long:   paragraph("\nServe the " + keyword("/speak") + ", " + keyword("/status") + ", " + keyword("/jobs") + " and queue admin endpoints with generated tones instead of speech."),
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		workers, _ := cmd.Flags().GetInt("workers")
		jobTime, _ := cmd.Flags().GetDuration("job-time")
		failRate, _ := cmd.Flags().GetFloat64("fail-rate")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		tel, err := telemetry.Setup(ctx, telemetry.Config{ServiceName: appName + "-mock", Version: Version}, log.Default())
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = tel.Shutdown(shutdownCtx)
		}()

		srv := mockserver.New(mockserver.Config{
			Workers: workers,
			JobTime: jobTime,
			Fault:   randomFault(failRate),
			Metrics: tel.Handler,
			Logger:  log.Default(),
		})
		return srv.ListenAndServe(ctx, addr)
	},
}

func init() {
	serveMockCmd.Flags().String("addr", "127.0.0.1:7849", "listen address")
	serveMockCmd.Flags().Int("workers", 2, "number of simulated GPUs")
	serveMockCmd.Flags().Duration("job-time", 200*time.Millisecond, "time each job occupies a worker")
	serveMockCmd.Flags().Float64("fail-rate", 0, "fraction of requests that fail (half 500s, half truncated bodies)")
}

// randomFault fails roughly rate of all requests.
func randomFault(rate float64) func(string) int {
	if rate <= 0 {
		return nil
	}
	return func(string) int {
		if rand.Float64() >= rate { //nolint:gosec
			return 0
		}
		if rand.IntN(2) == 0 { //nolint:gosec
			return http.StatusInternalServerError
		}
		return -1
	}
}
