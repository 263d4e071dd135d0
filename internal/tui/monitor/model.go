package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/concurrent/internal/events"
	"github.com/mattjoyce/concurrent/internal/pool"
)

const maxEventLog = 50

// callCounts tallies settled calls per module from the event stream.
type callCounts struct {
	OK     int
	Failed int
}

// Model is the BubbleTea model for the pool monitor.
type Model struct {
	client *client
	ctx    context.Context
	cancel context.CancelFunc

	width  int
	height int

	health    healthMsg
	connected bool
	pools     []pool.Stats
	counts    map[string]*callCounts
	eventLog  []events.Event
	lastError string

	// lastEventID is the newest event applied; replays at or below it are skipped.
	lastEventID int64

	poolTable table.Model
	theme     Theme
	hubEvents chan events.Event
}

// Run starts the monitor and blocks until the user quits.
func Run(apiURL, apiKey string) error {
	_, err := tea.NewProgram(New(apiURL, apiKey)).Run()
	return err
}

// New creates a monitor for the API at apiURL.
func New(apiURL, apiKey string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Module", Width: 16},
			{Title: "Workers", Width: 9},
			{Title: "Busy", Width: 6},
			{Title: "In flight", Width: 10},
			{Title: "Retiring", Width: 9},
			{Title: "OK", Width: 7},
			{Title: "Failed", Width: 7},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	ctx, cancel := context.WithCancel(context.Background())
	return &Model{
		client:    newClient(apiURL, apiKey),
		ctx:       ctx,
		cancel:    cancel,
		counts:    make(map[string]*callCounts),
		poolTable: t,
		theme:     NewDefaultTheme(),
		hubEvents: make(chan events.Event, 100),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.ctx, m.client, m.hubEvents, 0),
		receiveNextEvent(m.hubEvents),
		fetchPools(m.client),
		fetchHealth(m.client),
		schedulePoll(),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancel()
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.poolTable.SetWidth(max(m.width-6, 20))

	case pollMsg:
		return m, tea.Batch(fetchPools(m.client), fetchHealth(m.client), schedulePoll())

	case poolsMsg:
		m.pools = []pool.Stats(msg)
		m.connected = true
		m.lastError = ""
		m.refreshTable()
		return m, nil

	case healthMsg:
		if msg.UptimeSeconds < m.health.UptimeSeconds {
			// Restarted server: event ids start over and earlier tallies are gone.
			m.lastEventID = 0
			m.counts = make(map[string]*callCounts)
		}
		m.health = msg
		m.connected = true
		return m, nil

	case eventMsg:
		m.applyEvent(events.Event(msg))
		m.refreshTable()
		return m, receiveNextEvent(m.hubEvents)

	case sseDisconnectedMsg:
		m.connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.ctx, m.client, m.hubEvents, m.lastEventID)

	case errMsg:
		m.connected = false
		m.lastError = msg.Error()
		return m, nil
	}

	var cmd tea.Cmd
	m.poolTable, cmd = m.poolTable.Update(msg)
	return m, cmd
}

func (m *Model) countsFor(module string) *callCounts {
	c, ok := m.counts[module]
	if !ok {
		c = &callCounts{}
		m.counts[module] = c
	}
	return c
}

func (m *Model) applyEvent(e events.Event) {
	if e.ID > 0 {
		if e.ID <= m.lastEventID {
			return
		}
		m.lastEventID = e.ID
	}
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}

	if e.Type != events.CallSettled {
		return
	}
	var data struct {
		Module string `json:"module"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(e.Data, &data); err != nil || data.Module == "" {
		return
	}
	if data.Status == "ok" {
		m.countsFor(data.Module).OK++
	} else {
		m.countsFor(data.Module).Failed++
	}
}

func (m *Model) refreshTable() {
	rows := make([]table.Row, 0, len(m.pools))
	for _, st := range m.pools {
		c := m.countsFor(st.Name)
		rows = append(rows, table.Row{
			m.statusSymbol(st),
			st.Name,
			fmt.Sprintf("%d/%d", st.Size, st.MaxThreads),
			fmt.Sprintf("%d", st.Busy),
			fmt.Sprintf("%d", st.InFlight),
			fmt.Sprintf("%d", st.Retiring),
			fmt.Sprintf("%d", c.OK),
			fmt.Sprintf("%d", c.Failed),
		})
	}
	m.poolTable.SetRows(rows)
}

func (m *Model) statusSymbol(st pool.Stats) string {
	switch {
	case st.Terminated:
		return m.theme.StatusFailed.Render("∅")
	case st.Busy > 0:
		return m.theme.StatusBusy.Render("◉")
	case st.Size > 0:
		return m.theme.StatusOK.Render("●")
	default:
		return m.theme.StatusIdle.Render("○")
	}
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}
	inner := m.width - 4

	parts := []string{
		m.renderHeader(inner),
		m.theme.Border.Width(inner).Render(lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("POOLS"),
			m.poolTable.View(),
		)),
		renderEventStream(m.eventLog, m.theme, inner),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render(" [q] Quit • [↑/↓] Select pool"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func (m Model) renderHeader(width int) string {
	status := m.theme.StatusOK.Render("CONNECTED")
	if !m.connected {
		status = m.theme.StatusFailed.Render("DISCONNECTED")
	}
	uptime := time.Duration(m.health.UptimeSeconds) * time.Second

	items := []string{
		"API: " + status,
		"Uptime: " + uptime.String(),
		fmt.Sprintf("Modules: %d", m.health.ModulesLoaded),
		fmt.Sprintf("Workers: %d", m.health.Workers),
		fmt.Sprintf("In flight: %d", m.health.InFlight),
	}
	cols := make([]string, len(items))
	for i, it := range items {
		cols[i] = lipgloss.NewStyle().Width(width / len(items)).Render(it)
	}
	return m.theme.Border.Width(width).Render(lipgloss.JoinHorizontal(lipgloss.Top, cols...))
}

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	if len(eventLog) == 0 {
		return theme.Border.Width(width).Render(lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		))
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}
	return theme.Border.Width(width).Render(lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	))
}

func formatEvent(e events.Event, theme Theme) string {
	var style lipgloss.Style
	switch e.Type {
	case events.WorkerExited, events.PoolTerminated:
		style = theme.StatusFailed
	case events.WorkerSpawned:
		style = theme.StatusOK
	case events.CallIssued:
		style = theme.StatusBusy
	case events.WorkerReclaimed:
		style = theme.Highlight
	default:
		style = theme.Dim
	}

	raw := string(e.Data)
	if len(raw) > 80 {
		raw = raw[:80] + "..."
	}
	return fmt.Sprintf("%s %s %s",
		theme.Dim.Render(e.At.Format("15:04:05")),
		style.Render(fmt.Sprintf("%-18s", e.Type)),
		raw)
}
