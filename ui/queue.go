// Package ui renders the TTS server queue in the terminal.
package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dgnsrekt/episode-tts/internal/ttypes"
	"github.com/muesli/reflow/truncate"
)

const activeWidth = 48

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	idleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	busyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#ECFD65"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#909090", Dark: "#626262"})
)

type snapshotMsg struct {
	snap ttypes.QueueSnapshot
	err  error
}

type tickMsg time.Time

// QueueModel is a live view of the server queue.
type QueueModel struct {
	ctx      context.Context
	src      ttypes.StatusSource
	interval time.Duration

	spinner spinner.Model
	table   table.Model

	snap    ttypes.QueueSnapshot
	hasSnap bool
	err     error
	polls   int
}

// NewQueueModel creates a model that polls src every interval.
func NewQueueModel(ctx context.Context, src ttypes.StatusSource, interval time.Duration) QueueModel {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	t := table.New(
		table.WithColumns(queueColumns()),
		table.WithFocused(false),
		table.WithHeight(1),
	)
	return QueueModel{ctx: ctx, src: src, interval: interval, spinner: sp, table: t}
}

func queueColumns() []table.Column {
	return []table.Column{
		{Title: "GPU", Width: 4},
		{Title: "Queued", Width: 7},
		{Title: "Active", Width: activeWidth},
	}
}

// Init implements tea.Model.
func (m QueueModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.poll)
}

func (m QueueModel) poll() tea.Msg {
	snap, err := m.src.Status(m.ctx)
	return snapshotMsg{snap: snap, err: err}
}

func (m QueueModel) schedule() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update implements tea.Model.
func (m QueueModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.poll
		}
	case tickMsg:
		return m, m.poll
	case snapshotMsg:
		m.polls++
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
			m.hasSnap = true
			m.table.SetRows(WorkerRows(msg.snap))
			m.table.SetHeight(max(len(msg.snap.Workers), 1) + 1)
		}
		return m, m.schedule()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m QueueModel) View() string {
	var b strings.Builder
	b.WriteString(m.spinner.View() + " " + titleStyle.Render("TTS queue") + "\n\n")
	switch {
	case !m.hasSnap && m.err == nil:
		b.WriteString("  polling...\n")
	case m.hasSnap:
		b.WriteString(Summary(m.snap) + "\n\n")
		b.WriteString(m.table.View() + "\n")
	}
	if m.err != nil {
		b.WriteString("\n" + errStyle.Render("  "+m.err.Error()) + "\n")
	}
	b.WriteString("\n" + helpStyle.Render(fmt.Sprintf("  refresh every %s • r refresh • q quit", m.interval)) + "\n")
	return b.String()
}

// WorkerRows turns a snapshot into table rows.
func WorkerRows(snap ttypes.QueueSnapshot) []table.Row {
	rows := make([]table.Row, 0, len(snap.Workers))
	for _, w := range snap.Workers {
		active := "-"
		if w.Active != "" {
			active = truncate.StringWithTail(w.Active, activeWidth-1, "…")
		}
		rows = append(rows, table.Row{fmt.Sprint(w.ID), fmt.Sprint(w.Queued), active})
	}
	return rows
}

// Summary is the one-line totals of a snapshot.
func Summary(snap ttypes.QueueSnapshot) string {
	state := idleStyle.Render("idle")
	if !snap.Idle() {
		state = busyStyle.Render("busy")
	}
	return fmt.Sprintf("  %s  active %d  queued %d  completed %d",
		state, snap.TotalActive, snap.TotalQueued, snap.Completed)
}

// RenderSnapshot prints a snapshot without starting a program.
func RenderSnapshot(snap ttypes.QueueSnapshot) string {
	t := table.New(
		table.WithColumns(queueColumns()),
		table.WithRows(WorkerRows(snap)),
		table.WithFocused(false),
		table.WithHeight(max(len(snap.Workers), 1)+1),
	)
	s := table.DefaultStyles()
	s.Selected = lipgloss.NewStyle()
	t.SetStyles(s)
	return Summary(snap) + "\n\n" + t.View() + "\n"
}

// WatchQueue runs the live view until the user quits or ctx ends.
func WatchQueue(ctx context.Context, src ttypes.StatusSource, interval time.Duration) error {
	_, err := tea.NewProgram(NewQueueModel(ctx, src, interval), tea.WithContext(ctx)).Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
