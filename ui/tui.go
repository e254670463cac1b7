package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// DashboardState is the aggregated view rendered by the dashboard.
type DashboardState struct {
	Tenants []TenantRow
	Now     time.Time
	Done    bool
}

// TenantRow is one tenant's line on the dashboard.
type TenantRow struct {
	ID         string
	State      string
	Cycles     int
	Staged     int
	Dispatched int
	Failed     int
	LastCycle  time.Time
	NextCycle  time.Time
	LastError  string
}

// Totals sums the per-tenant counters.
func (s *DashboardState) Totals() (staged, dispatched, failed int) {
	for _, t := range s.Tenants {
		staged += t.Staged
		dispatched += t.Dispatched
		failed += t.Failed
	}
	return staged, dispatched, failed
}

// StatusModel implements tea.Model for the ingestion status dashboard.
type StatusModel struct {
	state    *DashboardState
	spinner  spinner.Model
	progress progress.Model
	viewport viewport.Model

	width  int
	height int

	titleStyle   lipgloss.Style
	infoStyle    lipgloss.Style
	rowStyle     lipgloss.Style
	helpStyle    lipgloss.Style
	errorStyle   lipgloss.Style
	successStyle lipgloss.Style
}

// StatusMsg carries a fresh snapshot to the dashboard.
type StatusMsg struct {
	State *DashboardState
}

func NewStatusModel(initial *DashboardState) StatusModel {
	if initial == nil {
		initial = &DashboardState{}
	}
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return StatusModel{
		state:        initial,
		spinner:      s,
		progress:     progress.New(progress.WithDefaultGradient()),
		titleStyle:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1),
		infoStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		rowStyle:     lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		helpStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1),
		errorStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		successStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
}

func (m StatusModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m StatusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = msg.Width - 14

		headerHeight := 5
		footerHeight := 2
		m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)

	case StatusMsg:
		m.state = msg.State
		if m.state.Done {
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m StatusModel) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var sb strings.Builder

	header := fmt.Sprintf("%s ingestd %s", m.spinner.View(), m.titleStyle.Render("Remote Drop Ingestion"))
	sb.WriteString(header + "\n")

	staged, dispatched, failed := m.state.Totals()
	summary := fmt.Sprintf("Tenants: %d | Staged: %d | Dispatched: %d | Failed: %d",
		len(m.state.Tenants), staged, dispatched, failed)
	sb.WriteString(m.infoStyle.Render(summary) + "\n")
	sb.WriteString(m.progress.ViewAs(deliveryRatio(dispatched, failed)) + "\n\n")

	sb.WriteString("Tenants:\n")
	var rows strings.Builder
	if len(m.state.Tenants) == 0 {
		rows.WriteString(m.infoStyle.Render("No tenants configured..."))
	} else {
		for _, t := range m.state.Tenants {
			line := fmt.Sprintf("%-16s %-12s cycles %-5d staged %-5d sent %-5d failed %-5d last %-8s next %s",
				truncate(t.ID, 16), t.State, t.Cycles, t.Staged, t.Dispatched, t.Failed,
				formatAgo(m.state.Now, t.LastCycle), formatUntil(m.state.Now, t.NextCycle))
			rows.WriteString(m.rowStyle.Render(line) + "\n")
			if t.LastError != "" {
				rows.WriteString(m.errorStyle.Render("  "+truncate(t.LastError, max(m.width-2, 20))) + "\n")
			}
		}
	}

	m.viewport.SetContent(rows.String())
	sb.WriteString(m.viewport.View())

	help := m.helpStyle.Render("q/ctrl+c: quit")
	if m.state.Done {
		help = m.successStyle.Render("All tenants stopped.") + " Press 'q' to exit."
	}
	sb.WriteString("\n" + help)

	return sb.String()
}

// deliveryRatio is the share of delivered files among those with a result.
func deliveryRatio(dispatched, failed int) float64 {
	if dispatched+failed == 0 {
		return 0
	}
	return float64(dispatched) / float64(dispatched+failed)
}

func formatAgo(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	if d < time.Second {
		return "now"
	}
	return d.Round(time.Second).String() + " ago"
}

func formatUntil(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := t.Sub(now)
	if d <= 0 {
		return "due"
	}
	if d.Hours() > 24 {
		return "> 1d"
	}
	return "in " + d.Round(time.Second).String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
