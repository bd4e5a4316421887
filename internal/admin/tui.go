package admin

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/xiy/layered-memory/internal/mcp"
	"github.com/xiy/layered-memory/internal/memory"
)

type tickMsg time.Time

type dashboardMsg struct {
	stats    []memory.TierStats
	reqLogs  []mcp.RequestLog
	err      error
	duration time.Duration
}

// Stats is the manager-side data the dashboard polls.
type Stats interface {
	Stats(ctx context.Context) ([]memory.TierStats, error)
}

type model struct {
	ctx      context.Context
	mgr      Stats
	reqLog   *mcp.RequestBuffer
	stats    []memory.TierStats
	reqLogs  []mcp.RequestLog
	lastErr  error
	lastTick time.Time
	logLines []string
	maxLogs  int
	reqLimit int
	width    int
	height   int
}

// Run starts a lightweight local admin dashboard. reqLog may be nil when
// the dashboard runs outside the serving process.
func Run(ctx context.Context, mgr Stats, reqLog *mcp.RequestBuffer) error {
	m := model{
		ctx:      ctx,
		mgr:      mgr,
		reqLog:   reqLog,
		maxLogs:  10,
		reqLimit: 8,
	}
	m = m.appendLog("admin UI started")
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func (m model) Init() tea.Cmd {
	return tea.Batch(fetchDashboardCmd(m.ctx, m.mgr, m.reqLog, m.reqLimit), tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m = m.appendLog("received quit signal")
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case tickMsg:
		m.lastTick = time.Time(msg)
		return m, tea.Batch(fetchDashboardCmd(m.ctx, m.mgr, m.reqLog, m.reqLimit), tickCmd())
	case dashboardMsg:
		m.lastErr = msg.err
		if msg.err == nil {
			m.stats = msg.stats
			m.reqLogs = msg.reqLogs
			m = m.appendLog(fmt.Sprintf(
				"refresh ok tiers=%d req=%d (%s)",
				len(msg.stats),
				len(msg.reqLogs),
				formatDuration(msg.duration),
			))
		} else {
			m = m.appendLog(fmt.Sprintf("refresh error: %v", msg.err))
		}
	}
	return m, nil
}

func (m model) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Render("layered-memory admin")
	meta := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render("q to quit • refresh every 2s")

	logBody := "(no log events yet)"
	if len(m.logLines) > 0 {
		logBody = strings.Join(m.logLines, "\n")
	}

	paneWidth := 54
	if m.width > 0 {
		paneWidth = max(38, (m.width-3)/2)
	}
	paneHeight := 9
	if m.height > 0 {
		paneHeight = max(8, (m.height-8)/2)
	}

	topRow := joinColumns(
		renderPane("Tiers", m.renderTiers(), paneWidth, paneHeight),
		renderPane("General Logs", logBody, paneWidth, paneHeight),
	)
	bottomRow := renderPane("MCP Requests", formatRequestPane(m.reqLogs), paneWidth*2+1, paneHeight)

	return lipgloss.JoinVertical(
		lipgloss.Left,
		title,
		meta,
		"",
		topRow,
		bottomRow,
	)
}

func (m model) renderTiers() string {
	if len(m.stats) == 0 {
		return "(no tiers reported yet)"
	}
	lines := make([]string, 0, len(m.stats)+2)
	for _, t := range m.stats {
		items := fmt.Sprintf("%d", t.Items)
		if t.Items < 0 {
			items = "?"
		}
		lines = append(lines, fmt.Sprintf("p%-2d %-14s %-8s items=%s", t.Priority, t.Name, t.StoreType, items))
	}
	lines = append(lines, "", "Last refresh: "+formatTime(m.lastTick))
	if m.lastErr != nil {
		lines = append(lines, "Last error: "+truncateText(compactWhitespace(m.lastErr.Error()), 120))
	}
	return strings.Join(lines, "\n")
}

func fetchDashboardCmd(ctx context.Context, mgr Stats, reqLog *mcp.RequestBuffer, reqLimit int) tea.Cmd {
	return func() tea.Msg {
		start := time.Now()
		stats, err := mgr.Stats(ctx)
		if err != nil {
			return dashboardMsg{err: err, duration: time.Since(start)}
		}
		var reqLogs []mcp.RequestLog
		if reqLog != nil {
			reqLogs = reqLog.Recent(reqLimit)
		}
		return dashboardMsg{stats: stats, reqLogs: reqLogs, duration: time.Since(start)}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func (m model) appendLog(line string) model {
	if strings.TrimSpace(line) == "" {
		return m
	}
	entry := fmt.Sprintf("[%s] %s", time.Now().UTC().Format("15:04:05"), line)
	m.logLines = append(m.logLines, entry)
	if m.maxLogs <= 0 {
		m.maxLogs = 10
	}
	if len(m.logLines) > m.maxLogs {
		m.logLines = m.logLines[len(m.logLines)-m.maxLogs:]
	}
	return m
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return d.String()
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Round(10 * time.Millisecond).String()
}

func renderPane(title, body string, width, height int) string {
	style := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(1, 2)
	if width > 0 {
		style = style.Width(width)
	}
	if height > 0 {
		style = style.Height(height)
	}
	return style.Render(title + "\n\n" + body)
}

func joinColumns(left, right string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, left, " ", right)
}

func formatRequestPane(rows []mcp.RequestLog) string {
	if len(rows) == 0 {
		return "(no MCP requests yet)"
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		method := strings.TrimSpace(row.Method)
		if row.ToolName != "" {
			method += ":" + strings.TrimSpace(row.ToolName)
		}
		status := "ok"
		if !row.Success {
			status = "err"
		}
		line := fmt.Sprintf(
			"[%s] %-3s %-28s %4dms",
			formatClock(row.CreatedAt),
			status,
			truncateText(method, 28),
			max(0, row.DurationMS),
		)
		if !row.Success && strings.TrimSpace(row.ErrorText) != "" {
			line += " " + truncateText(compactWhitespace(row.ErrorText), 52)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func formatClock(t time.Time) string {
	if t.IsZero() {
		return "--:--:--"
	}
	return t.UTC().Format("15:04:05")
}

func truncateText(s string, limit int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}

func compactWhitespace(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
