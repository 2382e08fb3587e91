// Package tui implements the live fleet monitor behind 'dispatchd top'.
package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dispatchd/dispatchd/internal/detector"
	"github.com/dispatchd/dispatchd/internal/status"
)

// refreshInterval is how often the monitor re-reads the aggregate status.
const refreshInterval = 2 * time.Second

// SnapshotSource provides the latest aggregate status per detector.
type SnapshotSource interface {
	LatestAggregates(ctx context.Context) (status.Snapshot, error)
}

var (
	baseStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("240"))
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	helpStyle  = lipgloss.NewStyle().Faint(true).Padding(0, 1)
)

type snapshotMsg struct {
	snapshot status.Snapshot
	err      error
}

type tickMsg time.Time

// Model is the bubbletea model for the fleet monitor.
type Model struct {
	source  SnapshotSource
	table   table.Model
	lastErr error
	asOf    time.Time
}

// New creates the monitor model.
func New(source SnapshotSource) Model {
	columns := []table.Column{
		{Title: "Detector", Width: 14},
		{Title: "Status", Width: 9},
		{Title: "Rate", Width: 10},
		{Title: "Buffer", Width: 10},
		{Title: "Mode", Width: 14},
		{Title: "Run", Width: 8},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithHeight(len(detector.All())+1),
	)
	styles := table.DefaultStyles()
	styles.Selected = styles.Cell
	t.SetStyles(styles)
	return Model{source: source, table: t}
}

// Init schedules the first refresh.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetch, scheduleTick())
}

// Update handles refresh ticks, fetched snapshots and key presses.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Batch(m.fetch, scheduleTick())
	case snapshotMsg:
		m.lastErr = msg.err
		if msg.err == nil {
			m.table.SetRows(rowsFor(msg.snapshot))
			m.asOf = time.Now()
		}
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View renders the monitor.
func (m Model) View() string {
	out := titleStyle.Render("dispatchd fleet monitor") + "\n"
	out += baseStyle.Render(m.table.View()) + "\n"
	if m.lastErr != nil {
		out += errStyle.Render(fmt.Sprintf("status read failed: %v", m.lastErr)) + "\n"
	} else if !m.asOf.IsZero() {
		out += helpStyle.Render(fmt.Sprintf("as of %s — q to quit", m.asOf.Format(time.TimeOnly))) + "\n"
	}
	return out
}

func (m Model) fetch() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), refreshInterval)
	defer cancel()
	snapshot, err := m.source.LatestAggregates(ctx)
	return snapshotMsg{snapshot: snapshot, err: err}
}

func scheduleTick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func rowsFor(snapshot status.Snapshot) []table.Row {
	rows := make([]table.Row, 0, len(detector.All()))
	for _, det := range detector.All() {
		agg, ok := snapshot[det]
		if !ok {
			rows = append(rows, table.Row{string(det), "-", "-", "-", "-", "-"})
			continue
		}
		run := "-"
		if agg.Number >= 0 {
			run = fmt.Sprintf("%d", agg.Number)
		}
		rows = append(rows, table.Row{
			string(det),
			agg.Status.String(),
			fmt.Sprintf("%.1f", agg.Rate),
			fmt.Sprintf("%.1f", agg.Buffer),
			agg.Mode,
			run,
		})
	}
	return rows
}

// Run starts the monitor and blocks until the user quits.
func Run(source SnapshotSource) error {
	_, err := tea.NewProgram(New(source), tea.WithAltScreen()).Run()
	return err
}
