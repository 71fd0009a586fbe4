package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/cloudzz-dev/cldzchat/internal/client/models"
	"github.com/cloudzz-dev/cldzchat/internal/client/session"
)

// theme groups the styles by what they mark on screen.
var theme = func() struct {
	header, pane, active, dim, alert, badge, self, peer, hint lipgloss.Style
} {
	brand := lipgloss.Color("#7C3AED")
	online := lipgloss.Color("#10B981")
	quiet := lipgloss.Color("#9CA3AF")
	warn := lipgloss.Color("#EF4444")

	base := lipgloss.NewStyle()
	return struct {
		header, pane, active, dim, alert, badge, self, peer, hint lipgloss.Style
	}{
		header: base.Bold(true).Foreground(brand).Padding(0, 1),
		pane:   base.Border(lipgloss.RoundedBorder()).BorderForeground(brand).Padding(0, 1),
		active: base.Bold(true).Foreground(online),
		dim:    base.Foreground(quiet),
		alert:  base.Bold(true).Foreground(warn),
		badge:  base.Bold(true).Foreground(lipgloss.Color("#F9FAFB")).Background(warn),
		self:   base.Foreground(online),
		peer:   base.Foreground(brand),
		hint:   base.Italic(true).Foreground(quiet),
	}
}()

const sidebarWidth = 30

// chat is the part of the session the UI drives.
type chat interface {
	Open(sel session.Selector)
	SelectGroup(groupID string)
	SendText(text string)
	InputChanged()
}

type focusArea int

const (
	focusSidebar focusArea = iota
	focusInput
)

type itemKind int

const (
	itemGroup itemKind = iota
	itemChannel
	itemUser
)

type sidebarItem struct {
	kind   itemKind
	id     string
	label  string
	unread int
	active bool
	online bool
}

// --- Messages ---

type updateMsg session.Update

type updatesClosedMsg struct{}

func waitForUpdate(updates <-chan session.Update) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-updates
		if !ok {
			return updatesClosedMsg{}
		}
		return updateMsg(u)
	}
}

// --- Model ---

type model struct {
	chat    chat
	updates <-chan session.Update

	view   session.View
	ready  bool
	notice session.NoticeKind

	cursor     int
	focus      focusArea
	input      textinput.Model
	transcript viewport.Model

	width  int
	height int

	loggedOut bool
	blocked   bool
}

func newModel(c chat, updates <-chan session.Update) model {
	input := textinput.New()
	input.Placeholder = "Type a message..."
	input.CharLimit = 1000
	input.Width = 50

	return model{
		chat:       c,
		updates:    updates,
		input:      input,
		transcript: viewport.New(80, 20),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForUpdate(m.updates))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case updateMsg:
		return m.apply(session.Update(msg))

	case updatesClosedMsg:
		return m, tea.Quit

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// apply folds a session update into the model. Only Full updates replace the
// open conversation; the others refresh the lists around it.
func (m model) apply(u session.Update) (tea.Model, tea.Cmd) {
	switch u.Kind {
	case session.LoggedOut:
		m.loggedOut = true
		return m, tea.Quit
	case session.Notice:
		m.notice = u.Notice
		if u.Notice == session.NoticeBlocked {
			m.blocked = true
		}
	}

	if u.Kind == session.Full || !m.ready {
		m.view = u.View
		m.ready = true
		m.refreshTranscript()
	} else {
		open := m.view.Conversation
		m.view = u.View
		m.view.Conversation = open
	}
	if n := len(m.items()); m.cursor >= n {
		m.cursor = max(n-1, 0)
	}
	return m, waitForUpdate(m.updates)
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "tab":
		m.toggleFocus()
		return m, nil
	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.transcript, cmd = m.transcript.Update(msg)
		return m, cmd
	}

	if m.focus == focusSidebar {
		switch msg.String() {
		case "q":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.items())-1 {
				m.cursor++
			}
		case "enter":
			m.activate()
		}
		return m, nil
	}

	switch msg.String() {
	case "esc":
		m.toggleFocus()
		return m, nil
	case "enter":
		text := strings.TrimSpace(m.input.Value())
		if text == "" || m.view.Conversation.Selector.Kind == session.TargetNone {
			return m, nil
		}
		m.chat.SendText(text)
		m.input.SetValue("")
		if m.notice == session.NoticeNotSent {
			m.notice = session.NoticeNone
		}
		return m, nil
	}

	before := m.input.Value()
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	if v := m.input.Value(); v != before && v != "" {
		m.chat.InputChanged()
	}
	return m, cmd
}

func (m *model) toggleFocus() {
	if m.focus == focusSidebar {
		m.focus = focusInput
		m.input.Focus()
		return
	}
	m.focus = focusSidebar
	m.input.Blur()
}

func (m *model) activate() {
	items := m.items()
	if m.cursor >= len(items) {
		return
	}
	it := items[m.cursor]
	switch it.kind {
	case itemGroup:
		m.chat.SelectGroup(it.id)
		return
	case itemChannel:
		m.chat.Open(session.Channel(it.id))
	case itemUser:
		m.chat.Open(session.Direct(it.id))
	}
	m.focus = focusInput
	m.input.Focus()
}

// items flattens the sidebar in display order: groups, channels of the
// active group, then everyone else.
func (m model) items() []sidebarItem {
	var out []sidebarItem
	for _, g := range m.view.Groups {
		out = append(out, sidebarItem{
			kind:   itemGroup,
			id:     g.ID,
			label:  g.Name,
			active: g.ID == m.view.ActiveGroup,
		})
	}
	for _, c := range m.view.Channels {
		out = append(out, sidebarItem{
			kind:   itemChannel,
			id:     c.Channel.ID,
			label:  "#" + c.Channel.Name,
			unread: c.Unread,
			active: c.Active,
		})
	}
	for _, u := range m.view.Users {
		out = append(out, sidebarItem{
			kind:   itemUser,
			id:     u.User.ID,
			label:  displayName(u.User),
			unread: u.Unread,
			active: u.Active,
			online: u.User.Online,
		})
	}
	return out
}

func (m *model) resize() {
	m.transcript.Width = max(m.width-sidebarWidth-6, 10)
	m.transcript.Height = max(m.height-9, 3)
	m.input.Width = max(m.transcript.Width-4, 10)
}

func (m *model) refreshTranscript() {
	var content strings.Builder
	for _, e := range m.view.Conversation.Messages {
		style := theme.peer
		if e.Self {
			style = theme.self
		}
		name := displayName(e.Author)
		if name == "" {
			name = e.Message.From
		}
		fmt.Fprintf(&content, "%s %s: %s\n",
			theme.dim.Render(e.Message.CreatedAt.Local().Format("15:04")),
			style.Render(name),
			e.Message.Text,
		)
	}
	m.transcript.SetContent(content.String())
	m.transcript.GotoBottom()
}

func displayName(u models.User) string {
	switch {
	case u.Nickname != "":
		return u.Nickname
	case u.Username != "":
		return u.Username
	}
	return u.ID
}

func (m model) farewell() string {
	if m.blocked {
		return "This account has been blocked. The saved credential was removed."
	}
	return "Signed out. The saved credential was removed."
}

// --- View ---

func (m model) View() string {
	if !m.ready {
		return theme.header.Render("CLDZCHAT") + "\n\n" + theme.dim.Render("  Connecting to server...")
	}
	body := lipgloss.JoinHorizontal(lipgloss.Top, m.sidebarView(), m.conversationView())
	return lipgloss.JoinVertical(lipgloss.Left, body, m.statusLine())
}

func (m model) sidebarView() string {
	var s strings.Builder
	s.WriteString(theme.header.Render(displayName(m.view.Self)))
	s.WriteString("\n")

	items := m.items()
	section := itemKind(-1)
	for i, it := range items {
		if it.kind != section {
			section = it.kind
			s.WriteString("\n" + theme.dim.Render([]string{"Groups", "Channels", "Direct"}[section]) + "\n")
		}

		prefix := "  "
		if i == m.cursor && m.focus == focusSidebar {
			prefix = "→ "
		}
		label := it.label
		if it.kind == itemUser {
			dot := theme.dim.Render("○ ")
			if it.online {
				dot = theme.active.Render("● ")
			}
			label = dot + label
		}
		if it.active {
			label = theme.active.Render(label)
		}
		if it.unread > 0 {
			label += " " + theme.badge.Render(fmt.Sprintf("%d new", it.unread))
		}
		s.WriteString(prefix + label + "\n")
	}
	if len(items) == 0 {
		s.WriteString(theme.dim.Render("\n  Nothing here yet.\n"))
	}
	return theme.pane.Width(sidebarWidth).Render(s.String())
}

func (m model) conversationView() string {
	conv := m.view.Conversation
	var s strings.Builder

	switch {
	case conv.Selector.Kind == session.TargetNone:
		s.WriteString(theme.dim.Render("Select a channel or person to start chatting."))
		return theme.pane.Render(s.String())
	case conv.NotFound:
		s.WriteString(theme.alert.Render("Conversation not found."))
		return theme.pane.Render(s.String())
	case conv.Channel != nil:
		header := "# " + conv.Channel.Name
		if conv.Group != nil {
			header += theme.dim.Render("  " + conv.Group.Name)
		}
		s.WriteString(theme.header.Render(header))
	case conv.Partner != nil:
		status := "offline"
		if conv.Partner.Online {
			status = "online"
		} else if !conv.Partner.LastSeen.IsZero() {
			status = "last seen " + conv.Partner.LastSeen.Local().Format("Jan 2 15:04")
		}
		s.WriteString(theme.header.Render(displayName(*conv.Partner)) + theme.dim.Render(status))
	}
	s.WriteString("\n")
	s.WriteString(m.transcript.View())
	s.WriteString("\n")
	if conv.PeerTyping && conv.Partner != nil {
		s.WriteString(theme.hint.Render(displayName(*conv.Partner) + " is typing..."))
	}
	s.WriteString("\n")
	s.WriteString(m.input.View())
	return theme.pane.Render(s.String())
}

func (m model) statusLine() string {
	var parts []string
	if m.view.Offline {
		parts = append(parts, theme.alert.Render("offline"))
	} else {
		parts = append(parts, theme.dim.Render(m.view.Connection.String()))
	}
	switch m.notice {
	case session.NoticeOffline:
		parts = append(parts, theme.alert.Render("Connection lost. Retrying..."))
	case session.NoticeOnline:
		parts = append(parts, theme.active.Render("Back online."))
	case session.NoticeBlocked:
		parts = append(parts, theme.alert.Render("This account has been blocked."))
	case session.NoticeNotSent:
		parts = append(parts, theme.alert.Render("Message not sent: you are offline."))
	}
	help := "Tab switch focus • ↑/↓ navigate • Enter open/send • q quit"
	if m.focus == focusInput {
		help = "Enter send • Esc back to list • PgUp/PgDn scroll"
	}
	parts = append(parts, theme.hint.Render(help))
	return " " + strings.Join(parts, "  ")
}
