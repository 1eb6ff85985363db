package ui

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/attdevsupport/aro-collector/internal/collector"
	"github.com/attdevsupport/aro-collector/internal/events"
	"github.com/attdevsupport/aro-collector/internal/session"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	dashboardTick          = time.Second
	dashboardDefaultWidth  = 80
	dashboardLogLines      = 8
	dashboardCompactLines  = 3
	dashboardCompactHeight = 24
	dashboardMaxEntries    = 50
)

// RecordMsg carries a fresh read of the session record.
type RecordMsg struct {
	Record *session.Record
	Err    error
}

// EventMsg carries one bus event into the dashboard.
type EventMsg events.Event

type tickMsg time.Time

// DashboardConfig configures a Dashboard.
type DashboardConfig struct {
	// Started and Deadline drive the progress bar. A zero Deadline hides it.
	Started  time.Time
	Deadline time.Time
	// Running is polled every tick; the dashboard quits once it reports false.
	Running func() bool
	Now     func() time.Time
}

// LogEntry is one line of the dashboard event log.
type LogEntry struct {
	Severity string
	Time     time.Time
	Type     string
	Message  string
}

// Dashboard is the Bubble Tea model behind the live capture view.
type Dashboard struct {
	cfg      DashboardConfig
	record   *session.Record
	seen     bool
	entries  []LogEntry
	width    int
	height   int
	bar      progress.Model
	quitting bool
	ended    bool
}

// NewDashboard builds the live view.
func NewDashboard(cfg DashboardConfig) *Dashboard {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	bar := progress.New(progress.WithGradient(Amber, Green), progress.WithoutPercentage())
	bar.Width = dashboardDefaultWidth - 20
	return &Dashboard{cfg: cfg, bar: bar, width: dashboardDefaultWidth}
}

// Init satisfies tea.Model.
func (m *Dashboard) Init() tea.Cmd {
	return tick()
}

// Update satisfies tea.Model.
func (m *Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.KeyMsg:
		switch typed.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.bar.Width = max(typed.Width-20, 10)
		return m, nil
	case RecordMsg:
		return m.applyRecord(typed)
	case EventMsg:
		m.appendEntry(entryFromEvent(events.Event(typed)))
		return m, nil
	case tickMsg:
		if m.cfg.Running != nil && !m.cfg.Running() {
			m.ended = true
			return m, tea.Quit
		}
		if !m.cfg.Deadline.IsZero() && !time.Time(typed).Before(m.cfg.Deadline) {
			m.ended = true
			return m, tea.Quit
		}
		return m, tick()
	default:
		return m, nil
	}
}

func (m *Dashboard) applyRecord(msg RecordMsg) (tea.Model, tea.Cmd) {
	now := m.cfg.Now()
	switch {
	case errors.Is(msg.Err, session.ErrNoSession):
		if m.seen {
			m.appendEntry(LogEntry{Severity: events.SeverityInfo, Time: now, Type: "session", Message: "session ended"})
			m.record = nil
			m.ended = true
			return m, tea.Quit
		}
		return m, nil
	case msg.Err != nil:
		m.appendEntry(LogEntry{Severity: events.SeverityWarn, Time: now, Type: "session", Message: msg.Err.Error()})
		return m, nil
	case msg.Record == nil:
		return m, nil
	}
	if m.record != nil && m.record.Status != msg.Record.Status {
		m.appendEntry(LogEntry{
			Severity: events.SeverityInfo,
			Time:     now,
			Type:     "session",
			Message:  m.record.Status + " -> " + msg.Record.Status,
		})
	}
	m.record = msg.Record
	m.seen = true
	return m, nil
}

func (m *Dashboard) appendEntry(entry LogEntry) {
	m.entries = append(m.entries, entry)
	if len(m.entries) > dashboardMaxEntries {
		m.entries = append([]LogEntry(nil), m.entries[len(m.entries)-dashboardMaxEntries:]...)
	}
}

// View satisfies tea.Model.
func (m *Dashboard) View() string {
	now := m.cfg.Now()
	sections := []string{RenderRecord(m.record, now)}
	if !m.cfg.Deadline.IsZero() && !m.cfg.Started.IsZero() {
		sections = append(sections, m.renderProgress(now))
	}
	sections = append(sections, m.renderLog())
	if !m.quitting && !m.ended {
		sections = append(sections, MutedStyle.Render("q to detach"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...) + "\n"
}

func (m *Dashboard) renderProgress(now time.Time) string {
	total := m.cfg.Deadline.Sub(m.cfg.Started)
	elapsed := now.Sub(m.cfg.Started)
	percent := 1.0
	if total > 0 {
		percent = min(max(float64(elapsed)/float64(total), 0), 1)
	}
	remaining := max(m.cfg.Deadline.Sub(now), 0).Round(time.Second)
	return m.bar.ViewAs(percent) + " " + MutedStyle.Render(remaining.String()+" left")
}

func (m *Dashboard) renderLog() string {
	lines := dashboardLogLines
	if m.height > 0 && m.height < dashboardCompactHeight {
		lines = dashboardCompactLines
	}
	rows := make([]string, 0, len(m.entries))
	for _, entry := range m.entries {
		rows = append(rows, renderLogEntry(entry))
	}
	if len(rows) == 0 {
		rows = []string{MutedStyle.Faint(true).Render("No recent events")}
	}
	view := viewport.New(max(m.width, 24), lines)
	view.SetContent(strings.Join(rows, "\n"))
	view.GotoBottom()
	return view.View()
}

// Ended reports whether the capture finished while the dashboard was open.
func (m *Dashboard) Ended() bool {
	return m.ended
}

// Entries returns a copy of the event log.
func (m *Dashboard) Entries() []LogEntry {
	return append([]LogEntry(nil), m.entries...)
}

func tick() tea.Cmd {
	return tea.Tick(dashboardTick, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func entryFromEvent(event events.Event) LogEntry {
	severity := strings.ToUpper(strings.TrimSpace(event.Severity))
	if severity == "" {
		severity = events.SeverityInfo
	}
	return LogEntry{
		Severity: severity,
		Time:     event.Timestamp,
		Type:     event.Type,
		Message:  describeEvent(event),
	}
}

func describeEvent(event events.Event) string {
	switch payload := event.Payload.(type) {
	case collector.Transition:
		text := string(payload.From) + " -> " + string(payload.To)
		if payload.Reason != "" {
			text += " (" + payload.Reason + ")"
		}
		return text
	case string:
		return payload
	case nil:
		return event.EntityID
	case fmt.Stringer:
		return payload.String()
	default:
		return fmt.Sprintf("%+v", payload)
	}
}

func renderLogEntry(entry LogEntry) string {
	style := lipgloss.NewStyle().Foreground(BlueColor).Bold(true)
	switch entry.Severity {
	case events.SeverityWarn:
		style = WarningStyle
	case events.SeverityError:
		style = ErrorStyle
	}
	stamp := "--:--:--"
	if !entry.Time.IsZero() {
		stamp = entry.Time.Format("15:04:05")
	}
	return lipgloss.JoinHorizontal(
		lipgloss.Left,
		style.Render("["+entry.Severity+"]"),
		" ",
		MutedStyle.Render(stamp),
		" ",
		LabelStyle.Render(entry.Type),
		" ",
		strings.TrimSpace(entry.Message),
	)
}
