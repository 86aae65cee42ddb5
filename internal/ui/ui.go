package ui

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/treykane/wstunnel-manager/internal/events"
	"github.com/treykane/wstunnel-manager/internal/model"
	"github.com/treykane/wstunnel-manager/internal/security"
	"github.com/treykane/wstunnel-manager/internal/store"
	"github.com/treykane/wstunnel-manager/internal/supervisor"
	"github.com/treykane/wstunnel-manager/internal/util"
)

type tickMsg time.Time

type statusMsg string

// Options wires the dashboard to a running supervisor.
type Options struct {
	Supervisor      *supervisor.Supervisor
	Store           *store.Store
	Journal         *events.Store
	RefreshSeconds  int
	ShutdownTimeout time.Duration
	// Notice is shown in the status panel on startup (config recovery, autostart failures).
	Notice string
}

type dashboardModel struct {
	sup      *supervisor.Supervisor
	store    *store.Store
	journal  *events.Store
	refresh  int
	shutdown time.Duration

	states      []model.RuntimeState
	filtered    []model.RuntimeState
	lastStarted map[string]time.Time
	sel         int
	filter      string
	filterMode  bool
	recentFirst bool
	showHelp    bool
	status      string
	width       int
	height      int

	form          *tunnelForm
	confirmDelete string
}

func initialModel(opts Options) dashboardModel {
	m := dashboardModel{
		sup:      opts.Supervisor,
		store:    opts.Store,
		journal:  opts.Journal,
		refresh:  opts.RefreshSeconds,
		shutdown: opts.ShutdownTimeout,
	}
	if m.shutdown <= 0 {
		m.shutdown = util.DefaultShutdownTimeout
	}
	m.reload()
	m.status = util.DefaultString(opts.Notice, "Ready. Select a tunnel, then Enter to start or stop it.")
	return m
}

func (m *dashboardModel) reload() {
	m.states = m.sup.StatusAll()
	if m.recentFirst && m.journal != nil {
		if last, err := m.journal.LastStarted(); err == nil {
			m.lastStarted = last
		}
	}
	m.applyFilter()
}

func (m *dashboardModel) applyFilter() {
	f := strings.ToLower(strings.TrimSpace(m.filter))
	m.filtered = nil
	for _, st := range m.states {
		if f == "" || strings.Contains(strings.ToLower(st.Tag), f) || strings.Contains(strings.ToLower(st.ID), f) {
			m.filtered = append(m.filtered, st)
		}
	}
	if m.recentFirst {
		sort.SliceStable(m.filtered, func(i, j int) bool {
			return m.lastStarted[m.filtered[i].ID].After(m.lastStarted[m.filtered[j].ID])
		})
	}
	if m.sel >= len(m.filtered) {
		m.sel = len(m.filtered) - 1
	}
	if m.sel < 0 {
		m.sel = 0
	}
}

func (m dashboardModel) selected() (model.RuntimeState, bool) {
	if len(m.filtered) == 0 {
		return model.RuntimeState{}, false
	}
	return m.filtered[m.sel], true
}

func tickCmd(seconds int) tea.Cmd {
	return tea.Tick(time.Duration(clampRefresh(seconds))*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m dashboardModel) Init() tea.Cmd {
	return tickCmd(m.refresh)
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.reload()
		return m, tickCmd(m.refresh)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case statusMsg:
		m.status = string(msg)
		m.reload()
		return m, nil
	case tea.KeyMsg:
		if m.form != nil {
			return m.updateForm(msg)
		}
		if m.confirmDelete != "" {
			return m.updateConfirm(msg)
		}
		if m.filterMode {
			return m.updateFilter(msg)
		}
		return m.updateKeys(msg)
	}
	return m, nil
}

func (m dashboardModel) updateForm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "esc" {
		m.form = nil
		m.status = "Cancelled"
		return m, nil
	}
	res, cmd := m.form.update(msg)
	if res == nil {
		return m, cmd
	}
	m.form = nil
	cfg := res.cfg
	if res.editing {
		err := m.sup.Edit(cfg)
		var pe *store.PersistenceError
		switch {
		case errors.As(err, &pe):
			m.status = "Saved in memory only: " + security.UserMessage(err)
		case err != nil:
			m.status = "Edit failed: " + security.UserMessage(err)
			return m, nil
		default:
			m.status = "Updated " + cfg.DisplayName()
		}
	} else {
		added, err := m.sup.Add(cfg)
		var pe *store.PersistenceError
		switch {
		case errors.As(err, &pe):
			m.status = "Saved in memory only: " + security.UserMessage(err)
		case err != nil:
			m.status = "Add failed: " + security.UserMessage(err)
			return m, nil
		default:
			m.status = "Added " + added.DisplayName()
		}
		cfg = added
	}
	m.reload()
	if res.start {
		return m, m.startCmd(cfg.ID, cfg.DisplayName())
	}
	return m, nil
}

func (m dashboardModel) updateConfirm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	id := m.confirmDelete
	m.confirmDelete = ""
	if msg.String() != "y" && msg.String() != "Y" {
		m.status = "Delete cancelled"
		return m, nil
	}
	err := m.sup.Delete(id)
	var pe *store.PersistenceError
	switch {
	case errors.As(err, &pe):
		m.status = "Deleted, but saving failed: " + security.UserMessage(err)
	case errors.Is(err, supervisor.ErrInUse):
		m.status = "Stop the tunnel before deleting it"
	case err != nil:
		m.status = "Delete failed: " + security.UserMessage(err)
	default:
		m.status = "Deleted tunnel"
	}
	m.reload()
	return m, nil
}

func (m dashboardModel) updateFilter(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter", "esc":
		m.filterMode = false
	case "backspace":
		if len(m.filter) > 0 {
			m.filter = m.filter[:len(m.filter)-1]
		}
	default:
		if len(msg.String()) == 1 {
			m.filter += msg.String()
		}
	}
	m.applyFilter()
	return m, nil
}

func (m dashboardModel) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.status = "Stopping all tunnels..."
		m.sup.ShutdownAll(m.shutdown)
		return m, tea.Quit
	case "j", "down":
		if m.sel < len(m.filtered)-1 {
			m.sel++
		}
	case "k", "up":
		if m.sel > 0 {
			m.sel--
		}
	case "/":
		m.filterMode = true
		m.status = "Filter mode: type and press Enter"
	case "?":
		m.showHelp = !m.showHelp
	case "R":
		m.recentFirst = !m.recentFirst
		m.reload()
		if m.recentFirst {
			m.status = "Sorting by most recently started"
		} else {
			m.status = "Sorting by config order"
		}
	case "r":
		if _, err := m.store.Reload(); err != nil {
			m.status = "Reload failed: " + security.UserMessage(err)
		} else {
			m.status = "Refreshed config and tunnel status"
		}
		m.reload()
	case "a":
		m.form = newForm()
		return m, m.form.fields[0].Cursor.BlinkCmd()
	case "e":
		st, ok := m.selected()
		if !ok {
			break
		}
		if st.Status.Active() {
			m.status = "Stop the tunnel before editing it"
			break
		}
		cfg, found := m.store.Tunnel(st.ID)
		if !found {
			m.status = "Tunnel is no longer configured"
			break
		}
		m.form = editForm(cfg)
		return m, m.form.fields[0].Cursor.BlinkCmd()
	case "d":
		st, ok := m.selected()
		if !ok {
			break
		}
		if st.Status.Active() {
			m.status = "Stop the tunnel before deleting it"
			break
		}
		m.confirmDelete = st.ID
		m.status = fmt.Sprintf("Delete %s? (y/N)", util.DefaultString(st.Tag, st.ID))
	case "enter", "s", "x":
		st, ok := m.selected()
		if !ok {
			break
		}
		name := util.DefaultString(st.Tag, st.ID)
		stop := st.Status.Active()
		if msg.String() == "s" {
			stop = false
		} else if msg.String() == "x" {
			stop = true
		}
		if stop {
			return m, m.stopCmd(st.ID, name)
		}
		return m, m.startCmd(st.ID, name)
	case "o":
		st, ok := m.selected()
		if !ok {
			break
		}
		path, err := m.sup.LogPath(st.ID)
		if err != nil {
			m.status = "No log: " + security.UserMessage(err)
			break
		}
		if path == "" {
			m.status = "No log yet for " + util.DefaultString(st.Tag, st.ID)
			break
		}
		return m, tea.ExecProcess(pagerCommand(path), func(err error) tea.Msg {
			if err != nil {
				return statusMsg("pager exited: " + err.Error())
			}
			return statusMsg("Closed " + path)
		})
	}
	return m, nil
}

func (m dashboardModel) startCmd(id, name string) tea.Cmd {
	sup := m.sup
	return func() tea.Msg {
		st, err := sup.Start(context.Background(), id)
		if err != nil {
			return statusMsg(fmt.Sprintf("Start %s failed: %s", name, security.UserMessage(err)))
		}
		return statusMsg(fmt.Sprintf("Started %s (pid=%d)", name, st.PID))
	}
}

func (m dashboardModel) stopCmd(id, name string) tea.Cmd {
	sup := m.sup
	return func() tea.Msg {
		if err := sup.Stop(id); err != nil {
			return statusMsg(fmt.Sprintf("Stop %s failed: %s", name, security.UserMessage(err)))
		}
		return statusMsg("Stopping " + name)
	}
}

// pagerCommand opens path in $PAGER, falling back to less.
func pagerCommand(path string) *exec.Cmd {
	pager := strings.Fields(util.DefaultString(os.Getenv("PAGER"), "less"))
	args := append(pager[1:], path)
	return exec.Command(pager[0], args...)
}

var statusColors = map[model.TunnelStatus]lipgloss.Color{
	model.StatusRunning:  lipgloss.Color("42"),
	model.StatusStarting: lipgloss.Color("214"),
	model.StatusStopping: lipgloss.Color("214"),
	model.StatusFailed:   lipgloss.Color("196"),
	model.StatusStopped:  lipgloss.Color("244"),
}

func (m dashboardModel) View() string {
	head := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Render("wstunnel manager")
	running := 0
	for _, st := range m.states {
		if st.Status == model.StatusRunning {
			running++
		}
	}
	subhead := fmt.Sprintf("tunnels=%d shown=%d running=%d refresh=%ds", len(m.states), len(m.filtered), running, clampRefresh(m.refresh))

	tbl := strings.Builder{}
	tbl.WriteString(fmt.Sprintf("  %-28s %-7s %-28s %-8s %-9s\n", "TAG", "MODE", "STATUS", "PID", "UPTIME"))
	for i, st := range m.filtered {
		cursor := " "
		if i == m.sel {
			cursor = ">"
		}
		pid := "-"
		if st.PID > 0 {
			pid = fmt.Sprint(st.PID)
		}
		uptime := "-"
		if st.Status == model.StatusRunning {
			uptime = (time.Duration(st.UptimeSec) * time.Second).String()
		}
		label := fmt.Sprintf("%-28s", util.Truncate(st.StatusLabel(), 28))
		label = lipgloss.NewStyle().Foreground(statusColors[st.Status]).Render(label)
		tbl.WriteString(fmt.Sprintf("%s %-28s %-7s %s %-8s %-9s\n", cursor, util.Truncate(util.DefaultString(st.Tag, st.ID), 28), st.Mode, label, pid, uptime))
	}
	if len(m.filtered) == 0 {
		tbl.WriteString("  (no tunnels; press a to add one)\n")
	}

	filterLine := fmt.Sprintf("Filter: %s", m.filter)
	if m.filterMode {
		filterLine += " (typing...)"
	}
	quickHelp := "Keys: Enter start/stop | a add | e edit | d delete | o open log | / filter | ? help | q quit"

	width := m.effectiveWidth()
	var body string
	if m.form != nil {
		body = m.form.view(m.renderPanel, width)
	} else {
		body = m.renderMainPanels(tbl.String(), m.detailView())
	}
	status := m.renderPanel("Status", m.status, width, lipgloss.Color("205"))
	help := ""
	if m.showHelp {
		help = m.renderPanel("Help", m.helpBlock(), width, lipgloss.Color("244"))
	}
	return lipgloss.JoinVertical(
		lipgloss.Left,
		head,
		subhead,
		filterLine,
		quickHelp,
		body,
		help,
		status,
	)
}

func (m dashboardModel) detailView() string {
	st, ok := m.selected()
	if !ok {
		return "Pick a tunnel to view its settings and last run.\n"
	}
	var b strings.Builder
	cfg, configured := m.store.Tunnel(st.ID)
	b.WriteString(fmt.Sprintf("ID: %s\nTag: %s\nMode: %s\nStatus: %s\n", st.ID, util.EmptyDash(st.Tag), st.Mode, st.StatusLabel()))
	if configured {
		b.WriteString(fmt.Sprintf("Args: %s\nAutostart: %t\n", security.RedactMessage(cfg.CLIArgs), cfg.Autostart))
	} else {
		b.WriteString("(removed from config, still running)\n")
	}
	if st.PID > 0 {
		b.WriteString(fmt.Sprintf("PID: %d\n", st.PID))
	}
	if !st.StartedAt.IsZero() {
		b.WriteString("Started: " + st.StartedAt.Format(time.DateTime) + "\n")
	}
	if st.ExitCode != nil {
		b.WriteString(fmt.Sprintf("Exit code: %d\n", *st.ExitCode))
	}
	b.WriteString("Log: " + util.EmptyDash(st.LogPath) + "\n")
	if st.LogError != "" {
		warn := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
		b.WriteString(warn.Render("Log error: "+st.LogError) + "\n")
	}
	return b.String()
}

// Run starts the dashboard and blocks until the user quits.
func Run(opts Options) error {
	p := tea.NewProgram(initialModel(opts), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func clampRefresh(seconds int) int {
	if seconds <= 0 {
		return util.DefaultRefreshSeconds
	}
	return seconds
}

func (m dashboardModel) renderMainPanels(tunnelsPanel, detailsPanel string) string {
	width := m.effectiveWidth()
	if width < 120 {
		return lipgloss.JoinVertical(
			lipgloss.Left,
			m.renderPanel("Tunnels", tunnelsPanel, width, lipgloss.Color("39")),
			m.renderPanel("Details", detailsPanel, width, lipgloss.Color("69")),
		)
	}
	leftWidth := width * 3 / 5
	rightWidth := width - leftWidth
	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderPanel("Tunnels", tunnelsPanel, leftWidth, lipgloss.Color("39")),
		m.renderPanel("Details", detailsPanel, rightWidth, lipgloss.Color("69")),
	)
}

func (m dashboardModel) helpBlock() string {
	return strings.Join([]string{
		"  Navigation: j/k or arrow keys move selection.",
		"  Filtering: press /, type tag or id text, then Enter. R sorts by last start.",
		"  Start/stop: Enter toggles, s starts, x stops the selected tunnel.",
		"  Edit: a adds, e edits and d deletes a stopped tunnel.",
		"  Logs: o opens the current or last run log in $PAGER.",
		"  Refresh: r rereads the tunnel file.",
		"  Quit: q (or Ctrl+C) stops every tunnel before exiting.",
	}, "\n")
}

func (m dashboardModel) effectiveWidth() int {
	if m.width <= 0 {
		return 100
	}
	return m.width
}

func (m dashboardModel) renderPanel(title, body string, width int, accent lipgloss.Color) string {
	if width < 24 {
		width = 24
	}
	header := lipgloss.NewStyle().Bold(true).Foreground(accent).Render(title)
	content := strings.TrimSuffix(body, "\n")
	panel := strings.TrimSpace(header + "\n" + content)
	return lipgloss.NewStyle().
		Width(width).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Padding(0, 1).
		Render(panel)
}
