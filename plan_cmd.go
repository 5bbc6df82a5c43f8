package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dgnsrekt/episode-tts/internal/cache"
	"github.com/dgnsrekt/episode-tts/internal/episode"
	"github.com/dgnsrekt/episode-tts/internal/tts"
	"github.com/dgnsrekt/episode-tts/internal/ttypes"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:   "plan EPISODE",
	Short: "Show what a run would synthesize",
	Long:  paragraph("\nList every segment of " + keyword("EPISODE") + " with its word count and whether a valid WAV is already on disk. Nothing is sent to the server."),
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		cfg, err := settings()
		if err != nil {
			return err
		}
		ep, err := episode.Resolve(cfg.EpisodesDir, args[0])
		if err != nil {
			return err
		}
		segs, err := episode.LoadSegments(ep)
		if err != nil {
			return err
		}
		printPlan(os.Stdout, planEpisode(ep, segs))
		return nil
	},
}

type planEntry struct {
	Segment ttypes.Segment
	Words   int
	Chars   int
	Ready   bool
	Reason  string
}

// planEpisode checks each segment against the artifacts already on disk.
func planEpisode(ep episode.Episode, segs []ttypes.Segment) []planEntry {
	dir := ep.Path(episode.WAVDir)
	out := make([]planEntry, 0, len(segs))
	for _, s := range segs {
		e := planEntry{
			Segment: s,
			Words:   episode.WordCount(s.Text),
			Chars:   len([]rune(tts.Prepare(s.Text))),
		}
		e.Ready, e.Reason = tts.ValidateExistingReason(filepath.Join(dir, s.Name+cache.Ext))
		out = append(out, e)
	}
	return out
}

func printPlan(w io.Writer, plan []planEntry) {
	var ready, words, pendingWords int
	for _, e := range plan {
		state := warn("dispatch")
		if e.Ready {
			state = okText("ready")
			ready++
		} else {
			pendingWords += e.Words
		}
		words += e.Words
		reason := ""
		if !e.Ready && e.Reason != "" {
			reason = faint(" (" + e.Reason + ")")
		}
		fmt.Fprintf(w, "%3d  %s %6d words  %s%s\n",
			e.Segment.Index+1, runewidth.FillRight(runewidth.Truncate(e.Segment.Name, 40, "…"), 40), e.Words, state, reason)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, header(fmt.Sprintf("%d segments, %d words: %d ready, %d to dispatch (%d words)",
		len(plan), words, ready, len(plan)-ready, pendingWords)))
}
