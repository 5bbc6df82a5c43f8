package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/dgnsrekt/episode-tts/internal/tts"
	"github.com/dustin/go-humanize"
	"golang.org/x/term"
)

// runReport renders the outcome of a run as markdown.
func runReport(res *tts.RunResult, runErr error) string {
	var b strings.Builder
	if runErr == nil {
		fmt.Fprintf(&b, "# %s: episode ready\n\n", res.Episode)
	} else {
		fmt.Fprintf(&b, "# %s: run failed\n\n", res.Episode)
		fmt.Fprintf(&b, "%s\n\n", errorSummary(runErr))
	}

	b.WriteString("| | |\n|---|---|\n")
	row := func(k, v string) { fmt.Fprintf(&b, "| %s | %s |\n", k, v) }
	row("Run", "`"+res.RunID+"`")
	row("Segments", fmt.Sprint(len(res.Segments)))
	if r := res.Report; r != nil {
		row("Reused", fmt.Sprint(len(r.Skipped)))
		row("Dispatched", fmt.Sprint(len(res.Segments)-len(r.Skipped)))
		row("Attempts", fmt.Sprint(r.Attempts))
		row("Failed", fmt.Sprint(len(r.Failed)))
		row("TTS time", res.SynthesisTime.Round(time.Second).String())
	}
	if a := res.Artifact; a != nil {
		row("Duration", fmt.Sprintf("%s (%.1f min)", a.Duration.Round(time.Second), a.Duration.Minutes()))
		row("MP3", fmt.Sprintf("`%s` (%s)", filepath.Base(a.MP3Path), humanize.Bytes(uint64(a.Size)))) //nolint:gosec
		if a.CompactPath != "" {
			row("Compact copy", fmt.Sprintf("`%s` (%s)", filepath.Base(a.CompactPath), humanize.Bytes(uint64(a.CompactSize)))) //nolint:gosec
		}
	}
	if res.TimelinePath != "" {
		row("Timeline", "`"+filepath.Base(res.TimelinePath)+"`")
	}
	if !res.Finished.IsZero() {
		row("Wall time", res.Finished.Sub(res.Started).Round(time.Second).String())
	}

	if res.Report != nil && len(res.Report.Failed) > 0 {
		b.WriteString("\n## Failed segments\n\n")
		for _, f := range res.Report.Failed {
			fmt.Fprintf(&b, "- **%s** after %d attempts: %s\n", f.Name, f.Attempts, f.Reason)
		}
		b.WriteString("\nValid segments were kept; rerun the same command to retry only the failed ones.\n")
	}
	if res.CompactErr != nil {
		fmt.Fprintf(&b, "\n> compact copy failed: %v\n", res.CompactErr)
	}
	return b.String()
}

// printMarkdown renders md with glamour on a terminal and writes it as
// is otherwise.
func printMarkdown(w io.Writer, md string) error {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		_, err := io.WriteString(w, md)
		return err
	}
	width := 80
	if tw, _, err := term.GetSize(int(f.Fd())); err == nil && tw > 0 {
		width = min(tw, 120)
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return fmt.Errorf("unable to create renderer: %w", err)
	}
	out, err := r.Render(md)
	if err != nil {
		return fmt.Errorf("unable to render markdown: %w", err)
	}
	_, err = io.WriteString(w, out)
	return err
}

// errorSummary is the one-line message shown for a failed command.
func errorSummary(err error) string {
	var te *tts.TTSError
	if !errors.As(err, &te) {
		return err.Error()
	}
	switch {
	case te.Code == tts.ErrorCodeExhaustedRetries:
		return fmt.Sprintf("%s: %s", te.Message, strings.Join(failedNames(te), ", "))
	case te.Cause != nil:
		return fmt.Sprintf("%s: %v", te.Message, te.Cause)
	default:
		return te.Message
	}
}

func failedNames(te *tts.TTSError) []string {
	names, _ := te.Context["segments"].([]string)
	return names
}
