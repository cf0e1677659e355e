package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"github.com/user/macroremote/internal/client"
	"github.com/user/macroremote/internal/db"
	"github.com/user/macroremote/internal/macro"
)

const (
	recentLimit      = 8
	noticeFadeDelay  = 5 * time.Second
	storeReadTimeout = 2 * time.Second
)

// Connector is the connection side of the client the model drives.
type Connector interface {
	ParseTarget(raw string) (client.Target, error)
	Connect(ctx context.Context, target client.Target) bool
	Disconnect()
	RecentServers(ctx context.Context, limit int) ([]*db.Server, error)
}

// Controller is the macro session the catalog screen operates on.
type Controller interface {
	Macros() []macro.Macro
	AnyRunning() bool
	Dirty() bool
	Toggle(id string) bool
	Stop() bool
	Refresh() bool
	Reorder(from, to int) error
	Save() bool
	Revert()
}

type screen int

const (
	screenConnect screen = iota
	screenCatalog
)

// Model is the bubbletea model for the terminal front end.
type Model struct {
	ctx       context.Context
	connector Connector
	session   Controller
	keys      KeyMap
	help      help.Model
	input     textinput.Model
	spinner   spinner.Model

	width  int
	height int

	screen     screen
	connecting bool
	denied     bool
	target     client.Target
	status     string
	recent     []*db.Server
	recentIdx  int
	autoTarget string

	macros     []macro.Macro
	cursor     int
	anyRunning bool
	dirty      bool
	editing    bool
	notice     string
	noticeSeq  int
}

// NewModel builds the model. A non-empty address is dialled as soon as
// the program starts.
func NewModel(ctx context.Context, connector Connector, session Controller, address string) Model {
	input := textinput.New()
	input.Placeholder = "host or host:port"
	input.Prompt = "> "
	input.CharLimit = 255
	input.SetValue(address)
	input.Focus()

	return Model{
		ctx:        ctx,
		connector:  connector,
		session:    session,
		keys:       DefaultKeyMap,
		help:       help.New(),
		input:      input,
		spinner:    spinner.New(spinner.WithSpinner(spinner.Dot)),
		status:     "Not connected",
		recentIdx:  -1,
		autoTarget: strings.TrimSpace(address),
	}
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink, m.loadRecent()}
	if m.autoTarget != "" {
		cmds = append(cmds, func() tea.Msg { return autoConnectMsg{} })
	}
	return tea.Batch(cmds...)
}

func (m Model) loadRecent() tea.Cmd {
	connector := m.connector
	ctx := m.ctx
	return func() tea.Msg {
		readCtx, cancel := context.WithTimeout(ctx, storeReadTimeout)
		defer cancel()
		servers, err := connector.RecentServers(readCtx, recentLimit)
		return recentServersMsg{servers: servers, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case recentServersMsg:
		if msg.err == nil {
			m.recent = msg.servers
		}
		return m, nil

	case autoConnectMsg:
		return m.startConnect()

	case connectResultMsg:
		if msg.target != m.target {
			return m, nil
		}
		m.connecting = false
		if msg.ok {
			m.status = "Connected, waiting for data"
		} else {
			m.status = "Failed to connect to " + msg.target.String()
		}
		return m, nil

	case catalogMsg:
		m.screen = screenCatalog
		m.macros = msg.macros
		m.syncFlags()
		m.clampCursor()
		return m, nil

	case runStateMsg:
		m.syncFromSession()
		return m, nil

	case noticeMsg:
		return m.showNotice(msg.text)

	case noticeFadeMsg:
		if msg.seq == m.noticeSeq {
			m.notice = ""
		}
		return m, nil

	case accessDeniedMsg:
		m.connecting = false
		m.denied = true
		m.status = "Access denied"
		return m, nil

	case disconnectedMsg:
		denied := m.denied && m.screen == screenConnect
		m.toConnectScreen()
		m.status = "Disconnected"
		if denied {
			// The server hangs up after a reject; keep the reason visible.
			m.status = "Access denied"
		} else if msg.reason != nil {
			m.status = "Disconnected: " + msg.reason.Error()
		}
		return m, m.loadRecent()

	case spinner.TickMsg:
		if !m.connecting {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		if key.Matches(msg, m.keys.ForceQuit) {
			return m, tea.Quit
		}
		if m.screen == screenCatalog {
			return m.updateCatalog(msg)
		}
		return m.updateConnect(msg)
	}

	if m.screen == screenConnect {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) updateConnect(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Connect):
		return m.startConnect()
	case msg.Type == tea.KeyEsc:
		return m, tea.Quit
	case msg.Type == tea.KeyUp, msg.Type == tea.KeyDown:
		m.cycleRecent(msg.Type == tea.KeyDown)
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) cycleRecent(forward bool) {
	if len(m.recent) == 0 {
		return
	}
	if forward {
		m.recentIdx = (m.recentIdx + 1) % len(m.recent)
	} else if m.recentIdx <= 0 {
		m.recentIdx = len(m.recent) - 1
	} else {
		m.recentIdx--
	}
	m.input.SetValue(m.recent[m.recentIdx].Address)
	m.input.CursorEnd()
}

func (m Model) startConnect() (tea.Model, tea.Cmd) {
	if m.connecting {
		return m, nil
	}
	target, err := m.connector.ParseTarget(m.input.Value())
	if err != nil {
		m.status = "Invalid address"
		return m, nil
	}
	m.target = target
	m.connecting = true
	m.denied = false
	m.status = "Connecting to " + target.String() + "..."

	connector := m.connector
	ctx := m.ctx
	connect := func() tea.Msg {
		return connectResultMsg{target: target, ok: connector.Connect(ctx, target)}
	}
	return m, tea.Batch(connect, m.spinner.Tick)
}

func (m Model) updateCatalog(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.editing {
		return m.updateEditing(msg)
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		m.connector.Disconnect()
		return m, tea.Quit
	case key.Matches(msg, m.keys.Back):
		m.connector.Disconnect()
		m.toConnectScreen()
		m.status = "Disconnected"
		return m, m.loadRecent()
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
	case key.Matches(msg, m.keys.Up):
		m.moveCursor(-1)
	case key.Matches(msg, m.keys.Down):
		m.moveCursor(1)
	case key.Matches(msg, m.keys.Run):
		if len(m.macros) == 0 {
			return m, nil
		}
		if !m.session.Toggle(m.macros[m.cursor].ID) {
			return m.sendFailed()
		}
	case key.Matches(msg, m.keys.Stop):
		if !m.session.Stop() {
			return m.sendFailed()
		}
	case key.Matches(msg, m.keys.Refresh):
		if !m.session.Refresh() {
			return m.showNotice("Error: refresh not sent")
		}
	case key.Matches(msg, m.keys.Reorder):
		if len(m.macros) > 1 {
			m.editing = true
		}
	}
	return m, nil
}

func (m Model) updateEditing(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Up):
		m.moveCursor(-1)
	case key.Matches(msg, m.keys.Down):
		m.moveCursor(1)
	case key.Matches(msg, m.keys.MoveUp):
		m.move(-1)
	case key.Matches(msg, m.keys.MoveDown):
		m.move(1)
	case key.Matches(msg, m.keys.Save):
		m.editing = false
		ok := m.session.Save()
		m.syncFromSession()
		if !ok {
			return m.sendFailed()
		}
	case key.Matches(msg, m.keys.Discard):
		m.editing = false
		m.session.Revert()
		m.syncFromSession()
	case key.Matches(msg, m.keys.Refresh):
		m.editing = false
		if !m.session.Refresh() {
			return m.showNotice("Error: refresh not sent")
		}
	}
	return m, nil
}

// move shifts the selected macro by delta and keeps it selected.
func (m *Model) move(delta int) {
	to := m.cursor + delta
	if to < 0 || to >= len(m.macros) {
		return
	}
	if err := m.session.Reorder(m.cursor, to); err != nil {
		return
	}
	m.cursor = to
	m.syncFromSession()
}

// sendFailed ends the session; the server can no longer be reached.
func (m Model) sendFailed() (tea.Model, tea.Cmd) {
	m.connector.Disconnect()
	m.toConnectScreen()
	m.status = "Lost connection to server"
	return m, m.loadRecent()
}

func (m Model) showNotice(text string) (tea.Model, tea.Cmd) {
	m.noticeSeq++
	m.notice = text
	seq := m.noticeSeq
	return m, tea.Tick(noticeFadeDelay, func(time.Time) tea.Msg {
		return noticeFadeMsg{seq: seq}
	})
}

func (m *Model) toConnectScreen() {
	m.screen = screenConnect
	m.connecting = false
	m.editing = false
	m.macros = nil
	m.cursor = 0
	m.anyRunning = false
	m.dirty = false
	m.recentIdx = -1
	m.input.Focus()
}

func (m *Model) syncFromSession() {
	m.macros = m.session.Macros()
	m.syncFlags()
	m.clampCursor()
}

func (m *Model) syncFlags() {
	m.anyRunning = m.session.AnyRunning()
	m.dirty = m.session.Dirty()
}

func (m *Model) moveCursor(delta int) {
	m.cursor += delta
	m.clampCursor()
}

func (m *Model) clampCursor() {
	if m.cursor >= len(m.macros) {
		m.cursor = len(m.macros) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m Model) View() string {
	if m.screen == screenCatalog {
		return m.catalogView()
	}
	return m.connectView()
}

func (m Model) connectView() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("macroremote"))
	b.WriteString("\n")
	b.WriteString("Server address\n")
	b.WriteString(m.input.View())
	b.WriteString("\n\n")

	status := "Status: " + m.status
	if m.connecting {
		status = m.spinner.View() + " " + status
	}
	b.WriteString(statusStyle.Render(status))
	b.WriteString("\n")

	if len(m.recent) > 0 {
		b.WriteString("\nRecent servers\n")
		for i, s := range m.recent {
			marker := "  "
			if i == m.recentIdx {
				marker = cursorStyle.Render("› ")
			}
			line := fmt.Sprintf("%s%s", marker, s.Address)
			if s.ConnectCount > 0 {
				line += mutedStyle.Render(fmt.Sprintf("  %s, %d connects", humanize.Time(s.LastConnectedAt), s.ConnectCount))
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(m.help.View(m.keys.connectHelp()))
	return b.String()
}

func (m Model) catalogView() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Macros on " + m.target.String()))
	b.WriteString("\n")
	if m.editing {
		b.WriteString(editStyle.Render("Reorder: J/K move, w save, x discard"))
		b.WriteString("\n\n")
	}

	if len(m.macros) == 0 {
		b.WriteString(mutedStyle.Render("No macros on this server"))
		b.WriteString("\n")
	}
	for i, mc := range m.macros {
		marker := "  "
		if i == m.cursor {
			marker = cursorStyle.Render("› ")
		}
		name := mc.Name
		if mc.Running() {
			name = runningStyle.Render("● " + name)
		}
		line := marker + name
		if mc.Description != "" {
			line += "  " + mutedStyle.Render(mc.Description)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	var flags []string
	if m.anyRunning {
		flags = append(flags, "macro running")
	}
	if m.dirty {
		flags = append(flags, "unsaved order")
	}
	if len(flags) > 0 {
		b.WriteString(statusStyle.Render(strings.Join(flags, " · ")))
		b.WriteString("\n")
	}
	if m.notice != "" {
		b.WriteString(noticeStyle.Render(m.notice))
		b.WriteString("\n")
	}
	b.WriteString(m.help.View(m.keys.catalogHelp(m.editing)))
	return b.String()
}
