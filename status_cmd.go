package main

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/episode-tts/internal/tts/engines"
	"github.com/dgnsrekt/episode-tts/ui"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the TTS server queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := settings()
		if err != nil {
			return err
		}
		engine, err := newEngine(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		if watch, _ := cmd.Flags().GetBool("watch"); watch {
			interval, _ := cmd.Flags().GetDuration("interval")
			return ui.WatchQueue(ctx, engine, interval)
		}

		snap, err := engine.Status(ctx)
		if err != nil {
			return fmt.Errorf("TTS server unreachable at %s: %w", engine.BaseURL(), err)
		}
		fmt.Fprintln(os.Stdout, header("TTS server")+" "+faint(engine.BaseURL()))
		fmt.Fprint(os.Stdout, ui.RenderSnapshot(snap))
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolP("watch", "w", false, "keep refreshing until you quit")
	statusCmd.Flags().Duration("interval", 2*time.Second, "refresh interval for --watch")
}

// newEngine builds the server client from the loaded settings.
func newEngine(cfg *Settings) (*engines.RemoteEngine, error) {
	return engines.NewRemoteEngine(engines.RemoteConfig{
		BaseURL:       cfg.Server.URL,
		Voice:         cfg.Server.Voice,
		Timeout:       cfg.Server.Timeout,
		StatusTimeout: cfg.Server.StatusTimeout,
		Logger:        log.Default(),
	})
}
