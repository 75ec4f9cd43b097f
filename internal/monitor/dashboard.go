// Package monitor is the terminal side of neighbord: an HTTP client for
// its API and a BubbleTea dashboard that lists diagnostic sessions and
// sends the user's intents back.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/neighbor/internal/session"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	titleWidth      = 44
)

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	commandStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Background(lipgloss.Color("236")).
			Padding(0, 1)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// Model is the BubbleTea dashboard model.
type Model struct {
	client     *Client
	interval   time.Duration
	lastUpdate time.Time
	sessions   []session.Session
	selected   int
	notice     string
	err        error
	quitting   bool

	activeHistory []float64
	resolution    progress.Model
	spinner       spinner.Model
}

// NewModel creates a dashboard polling client every interval.
func NewModel(client *Client, interval time.Duration) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = warningStyle

	return Model{
		client:        client,
		interval:      interval,
		activeHistory: make([]float64, 0, historySize),
		resolution: progress.New(
			progress.WithGradient("#ff0000", "#00ff00"),
			progress.WithWidth(40),
		),
		spinner: sp,
	}
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()
	return sparklineStyle.Render(spark.View())
}

// Message types
type tickMsg time.Time
type sessionsMsg []session.Session
type intentMsg struct {
	kind    session.IntentKind
	session session.Session
	err     error
}
type errMsg error

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchSessions(m.client),
		m.spinner.Tick,
	)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchSessions(client *Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		sessions, err := client.Sessions(ctx, false)
		if err != nil {
			return errMsg(err)
		}
		return sessionsMsg(sessions)
	}
}

func submitIntent(client *Client, id string, kind session.IntentKind) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s, err := client.Submit(ctx, id, kind)
		return intentMsg{kind: kind, session: s, err: err}
	}
}

var intentKeys = map[string]session.IntentKind{
	"f": session.IntentRequestFix,
	"c": session.IntentConfirmDestructive,
	"x": session.IntentExecute,
	"a": session.IntentAbandon,
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		key := msg.String()
		switch key {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchSessions(m.client)
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
			return m, nil
		case "down", "j":
			if m.selected < len(m.sessions)-1 {
				m.selected++
			}
			return m, nil
		}
		if kind, ok := intentKeys[key]; ok {
			sel, ok := m.current()
			if !ok {
				return m, nil
			}
			m.notice = fmt.Sprintf("sending %s...", kind)
			return m, submitIntent(m.client, sel.ID, kind)
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetchSessions(m.client),
		)

	case sessionsMsg:
		m.sessions = []session.Session(msg)
		if m.selected >= len(m.sessions) {
			m.selected = max(len(m.sessions)-1, 0)
		}
		m.activeHistory = appendToHistory(m.activeHistory, float64(ActiveCount(m.sessions)))
		m.lastUpdate = time.Now()
		m.err = nil
		return m, nil

	case intentMsg:
		if msg.err != nil {
			var apiErr *APIError
			if errors.As(msg.err, &apiErr) && apiErr.Message != "" {
				m.notice = fmt.Sprintf("%s refused: %s", msg.kind, apiErr.Message)
			} else {
				m.notice = fmt.Sprintf("%s failed: %v", msg.kind, msg.err)
			}
			return m, fetchSessions(m.client)
		}
		m.notice = fmt.Sprintf("%s accepted: %s", msg.kind, msg.session.Status)
		m.replace(msg.session)
		return m, fetchSessions(m.client)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

func (m Model) current() (session.Session, bool) {
	if m.selected < 0 || m.selected >= len(m.sessions) {
		return session.Session{}, false
	}
	return m.sessions[m.selected], true
}

func (m *Model) replace(s session.Session) {
	for i := range m.sessions {
		if m.sessions[i].ID == s.ID {
			m.sessions[i] = s
			return
		}
	}
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func (m Model) renderError() string {
	header := headerStyle.Render("neighbor Sessions")

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(errorStyle.Render("⚠ Cannot reach neighbord") + "\n\n")
	b.WriteString(dimStyle.Render("URL: ") + valueStyle.Render(m.client.BaseURL()) + "\n")
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n\n")
	b.WriteString(dimStyle.Render("Is the daemon running? Try: neighbord serve") + "\n\n")
	b.WriteString(footerStyle.Render("[q] quit  [r] retry") + "\n")

	return containerStyle.Render(header + "\n" + b.String())
}

func (m Model) renderDashboard() string {
	var b strings.Builder

	lastUpdate := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdate = m.lastUpdate.Format("3:04:05 PM")
	}
	active := ActiveCount(m.sessions)
	b.WriteString(headerStyle.Render(" neighbor Sessions ") + "\n")
	b.WriteString(fmt.Sprintf("%s %s   %s %s   %s\n",
		dimStyle.Render("Active:"), valueStyle.Render(fmt.Sprintf("%d", active)),
		dimStyle.Render("Total:"), valueStyle.Render(fmt.Sprintf("%d", len(m.sessions))),
		dimStyle.Render(lastUpdate)))

	b.WriteString("\n" + sectionStyle.Render("┃ Activity") + "\n")
	b.WriteString(labelStyle.Render("  Active: ") + createSparkline(m.activeHistory) + "\n")
	if rate, ok := ResolutionRate(m.sessions); ok {
		b.WriteString(labelStyle.Render("  Fixed: ") + m.resolution.ViewAs(rate) +
			" " + dimStyle.Render(FormatPercentage(rate)) + "\n")
	} else {
		b.WriteString(labelStyle.Render("  Fixed: ") + dimStyle.Render("no fixes run yet") + "\n")
	}

	b.WriteString("\n" + sectionStyle.Render("┃ Sessions") + "\n")
	if len(m.sessions) == 0 {
		b.WriteString(dimStyle.Render("  Nothing to report. All quiet.") + "\n")
	}
	now := time.Now()
	for i, s := range m.sessions {
		cursor := "  "
		title := Truncate(s.Title, titleWidth)
		if i == m.selected {
			cursor = selectedStyle.Render("▸ ")
			title = selectedStyle.Render(title)
		}
		working := " "
		if s.State == session.StateExecuting || s.State == session.StateConfirming {
			working = m.spinner.View()
		}
		b.WriteString(fmt.Sprintf("%s%s %s %s %s %s\n",
			cursor, working, StateBadge(s.State), title, RiskBadge(s.Risk),
			dimStyle.Render(FormatAge(now.Sub(s.CreatedAt)))))
	}

	if sel, ok := m.current(); ok {
		b.WriteString(m.renderDetail(sel))
	}

	if m.notice != "" {
		b.WriteString("\n" + dimStyle.Render(m.notice) + "\n")
	}

	footer := footerKeyStyle.Render("[↑/↓]") + footerStyle.Render(" select  ") +
		footerKeyStyle.Render("[f]") + footerStyle.Render(" fix  ") +
		footerKeyStyle.Render("[c]") + footerStyle.Render(" confirm  ") +
		footerKeyStyle.Render("[x]") + footerStyle.Render(" run  ") +
		footerKeyStyle.Render("[a]") + footerStyle.Render(" dismiss  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerKeyStyle.Render("[q]") + footerStyle.Render(" quit")
	b.WriteString("\n" + footer)

	return containerStyle.Render(b.String())
}

func (m Model) renderDetail(s session.Session) string {
	var b strings.Builder
	b.WriteString("\n" + sectionStyle.Render("┃ "+s.Title) + "\n")
	if s.Explanation != "" {
		b.WriteString("  " + s.Explanation + "\n")
	}
	if s.Action != nil && s.Action.Command != "" {
		b.WriteString(labelStyle.Render("  Fix: ") + commandStyle.Render(s.Action.Command) + "\n")
	}
	b.WriteString(labelStyle.Render("  Status: ") + valueStyle.Render(s.Status) + "\n")
	if s.Action != nil && s.Action.Result != nil && s.Action.Result.ExitCode != 0 {
		b.WriteString(labelStyle.Render("  Exit code: ") +
			errorStyle.Render(fmt.Sprintf("%d", s.Action.Result.ExitCode)) + "\n")
	}
	return b.String()
}
