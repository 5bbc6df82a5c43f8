package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dgnsrekt/episode-tts/internal/ledger"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history [RUN_ID]",
	Short: "Show past runs",
	Long:  paragraph("\nList recent runs, or every job of one run when " + keyword("RUN_ID") + " (or a prefix of it) is given."),
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := settings()
		if err != nil {
			return err
		}
		if cfg.Ledger.Path == "" {
			return errors.New("run history is disabled (ledger.path is empty)")
		}
		led, err := ledger.Open(cmd.Context(), cfg.Ledger.Path, 0, nil)
		if err != nil {
			return err
		}
		defer led.Close() //nolint:errcheck

		if len(args) == 1 {
			return showRun(cmd.Context(), os.Stdout, led, args[0])
		}
		ep, _ := cmd.Flags().GetString("episode")
		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := led.RecentRuns(cmd.Context(), ep, limit)
		if err != nil {
			return err
		}
		printRuns(os.Stdout, runs, time.Now())
		return nil
	},
}

func init() {
	historyCmd.Flags().StringP("episode", "e", "", "only runs of this episode")
	historyCmd.Flags().IntP("limit", "n", 20, "number of runs to list")
}

func printRuns(w io.Writer, runs []ledger.Run, now time.Time) {
	if len(runs) == 0 {
		fmt.Fprintln(w, faint("no runs recorded"))
		return
	}
	for _, r := range runs {
		line := fmt.Sprintf("%s  %-24s %s  %d segs, %d attempts, %d failed",
			r.ID[:min(8, len(r.ID))], r.Episode, statusStyle(r.Status), r.Segments, r.Attempts, r.Failed)
		if r.AudioDuration > 0 {
			line += fmt.Sprintf(", %s audio", r.AudioDuration.Round(time.Second))
		}
		fmt.Fprintf(w, "%s  %s\n", line, faint(humanize.RelTime(r.StartedAt, now, "ago", "from now")))
	}
}

// findRun resolves a full run ID or a unique prefix of one.
func findRun(ctx context.Context, led *ledger.Ledger, id string) (ledger.Run, error) {
	r, err := led.Run(ctx, id)
	if !errors.Is(err, ledger.ErrRunNotFound) {
		return r, err
	}
	runs, lerr := led.RecentRuns(ctx, "", 500)
	if lerr != nil {
		return ledger.Run{}, lerr
	}
	var found []ledger.Run
	for _, c := range runs {
		if strings.HasPrefix(c.ID, id) {
			found = append(found, c)
		}
	}
	switch len(found) {
	case 0:
		return ledger.Run{}, err
	case 1:
		return found[0], nil
	default:
		return ledger.Run{}, fmt.Errorf("run id prefix %q is ambiguous (%d matches)", id, len(found))
	}
}

func showRun(ctx context.Context, w io.Writer, led *ledger.Ledger, id string) error {
	r, err := findRun(ctx, led, id)
	if err != nil {
		return err
	}
	jobs, err := led.RunJobs(ctx, r.ID)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s %s\n", header("Run"), r.ID)
	fmt.Fprintf(w, "  episode   %s\n", r.Episode)
	fmt.Fprintf(w, "  status    %s\n", statusStyle(r.Status))
	fmt.Fprintf(w, "  started   %s\n", r.StartedAt.Local().Format(time.DateTime))
	if el := r.Elapsed(); el > 0 {
		fmt.Fprintf(w, "  took      %s\n", el.Round(time.Second))
	}
	fmt.Fprintf(w, "  segments  %d (%d reused, %d dispatched, %d failed)\n", r.Segments, r.Skipped, r.Dispatched, r.Failed)
	if r.MP3Path != "" {
		fmt.Fprintf(w, "  mp3       %s (%s, %s)\n", r.MP3Path, humanize.Bytes(uint64(r.MP3Bytes)), r.AudioDuration.Round(time.Second)) //nolint:gosec
	}
	if r.Error != "" {
		fmt.Fprintf(w, "  error     %s\n", bad(r.Error))
	}

	if len(jobs) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	for _, j := range jobs {
		outcome := okText(j.Outcome.String())
		if !j.OK() {
			outcome = bad(j.Outcome.String())
		}
		line := fmt.Sprintf("  #%d %-32s %s %8s", j.Attempt, j.Segment, outcome, j.Duration().Round(time.Millisecond))
		if j.Reason != "" {
			line += " " + faint(j.Reason)
		}
		fmt.Fprintln(w, line)
	}
	return nil
}
