package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dgnsrekt/episode-tts/internal/tts/engines"
	"github.com/dgnsrekt/episode-tts/internal/ttypes"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"
	"github.com/sahilm/fuzzy"
	"github.com/spf13/cobra"
)

var clearQueueCmd = &cobra.Command{
	Use:   "clear-queue [GPU...]",
	Short: "Cancel jobs waiting on the TTS server",
	Long: paragraph("\nCancel pending jobs on the given GPUs, or on every GPU with " + keyword("--all") +
		". Jobs already running are not interrupted."),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		if all == (len(args) > 0) {
			return errors.New("pass GPU ids or --all")
		}
		ids := make([]int, 0, len(args))
		for _, a := range args {
			id, err := strconv.Atoi(a)
			if err != nil || id < 0 {
				return fmt.Errorf("invalid GPU id %q", a)
			}
			ids = append(ids, id)
		}

		cfg, err := settings()
		if err != nil {
			return err
		}
		engine, err := newEngine(cfg)
		if err != nil {
			return err
		}

		var results map[int]int
		if all {
			results, err = engine.ClearAll(cmd.Context())
		} else {
			results = make(map[int]int, len(ids))
			for _, id := range ids {
				n, cerr := engine.ClearQueue(cmd.Context(), id)
				if cerr != nil {
					err = errors.Join(err, fmt.Errorf("GPU %d: %w", id, cerr))
					continue
				}
				results[id] = n
			}
		}
		if errors.Is(err, engines.ErrAdminUnavailable) {
			return errors.New("admin endpoint not available on this server")
		}
		printCleared(os.Stdout, results)
		return err
	},
}

func printCleared(w io.Writer, results map[int]int) {
	ids := make([]int, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	total := 0
	for _, id := range ids {
		fmt.Fprintf(w, "GPU %d: cancelled %d\n", id, results[id])
		total += results[id]
	}
	fmt.Fprintln(w, header(fmt.Sprintf("%d jobs cancelled", total)))
}

var listJobsCmd = &cobra.Command{
	Use:   "list-jobs",
	Short: "List jobs tracked by the TTS server",
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
		jobs, err := engine.ListJobs(cmd.Context())
		if errors.Is(err, engines.ErrAdminUnavailable) {
			return errors.New("job listing not available on this server")
		}
		if err != nil {
			return err
		}

		match, _ := cmd.Flags().GetString("match")
		status, _ := cmd.Flags().GetString("status")
		jobs = filterJobs(jobs, match, status)
		printJobs(os.Stdout, jobs, time.Now())
		return nil
	},
}

func init() {
	clearQueueCmd.Flags().Bool("all", false, "clear every GPU")
	listJobsCmd.Flags().StringP("match", "m", "", "fuzzy-match the text preview")
	listJobsCmd.Flags().StringP("status", "s", "", "only jobs with this status")
}

type jobSource []ttypes.JobInfo

func (s jobSource) String(i int) string { return s[i].TextPreview }
func (s jobSource) Len() int            { return len(s) }

// filterJobs keeps jobs with the given status and, when match is set,
// orders the survivors by fuzzy score against their preview.
func filterJobs(jobs []ttypes.JobInfo, match, status string) []ttypes.JobInfo {
	if status != "" {
		kept := jobs[:0:0]
		for _, j := range jobs {
			if strings.EqualFold(j.Status, status) {
				kept = append(kept, j)
			}
		}
		jobs = kept
	}
	if match == "" {
		return jobs
	}
	matches := fuzzy.FindFrom(match, jobSource(jobs))
	out := make([]ttypes.JobInfo, 0, len(matches))
	for _, m := range matches {
		out = append(out, jobs[m.Index])
	}
	return out
}

const previewWidth = 50

func printJobs(w io.Writer, jobs []ttypes.JobInfo, now time.Time) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, faint("no jobs"))
		return
	}
	fmt.Fprintf(w, "%-12s %-4s %-10s %-14s %s\n", "JOB", "GPU", "STATUS", "SUBMITTED", "TEXT")
	for _, j := range jobs {
		submitted := "-"
		if !j.SubmittedAt.IsZero() {
			submitted = humanize.RelTime(j.SubmittedAt, now, "ago", "from now")
		}
		pad := strings.Repeat(" ", max(0, 10-runewidth.StringWidth(j.Status)))
		status := statusStyle(j.Status) + pad
		fmt.Fprintf(w, "%-12s %-4d %s %-14s %s\n",
			runewidth.Truncate(j.JobID, 12, "…"),
			j.WorkerID,
			status,
			submitted,
			runewidth.Truncate(strings.Join(strings.Fields(j.TextPreview), " "), previewWidth, "…"))
	}
}
