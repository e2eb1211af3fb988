package ui

import (
	"fmt"
	"strings"

	"github.com/76creates/stickers/flexbox"
	"github.com/charmbracelet/lipgloss"
)

var (
	colorPrimary = lipgloss.Color("205")
	colorMuted   = lipgloss.Color("240")
	colorPrivate = lipgloss.Color("141")
	colorError   = lipgloss.Color("196")
	colorSystem  = lipgloss.Color("245")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("230")).
			Background(colorPrimary).
			Padding(0, 1)
	statusBarStyle = lipgloss.NewStyle().Foreground(colorMuted)
	timeStyle      = lipgloss.NewStyle().Foreground(colorMuted)
	senderStyle    = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	privateStyle   = lipgloss.NewStyle().Foreground(colorPrivate)
	systemStyle    = lipgloss.NewStyle().Italic(true).Foreground(colorSystem)
	errorStyle     = lipgloss.NewStyle().Foreground(colorError)
	userStateStyle = lipgloss.NewStyle().Foreground(colorMuted)
	inputStyle     = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorMuted).
			Padding(0, 1)
	registerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorPrimary).
			Padding(1, 2)
)

// View renders the UI
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	if m.currentView == ViewRegister {
		return m.renderRegister()
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		m.viewport.View(),
		inputStyle.Width(max(m.width-2, 1)).Render(m.input.View()),
		m.renderStatusBar(),
	)
}

func (m Model) renderRegister() string {
	var b strings.Builder
	b.WriteString(senderStyle.Render("sistchat"))
	b.WriteString("\n")
	b.WriteString(statusBarStyle.Render("Connected to " + m.conn.Address()))
	b.WriteString("\n\nPick a username:\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	switch {
	case m.pending:
		b.WriteString(systemStyle.Render("registering..."))
	case m.errText != "":
		b.WriteString(errorStyle.Render(m.errText))
	}

	box := registerStyle.Render(b.String())
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, box)
}

func (m Model) renderHeader() string {
	title := fmt.Sprintf("sistchat · %s · %s", m.conn.Username(), m.conn.Address())
	return headerStyle.Width(m.width).Render(title)
}

func (m Model) renderStatusBar() string {
	conn := "connected via " + m.conn.Transport()
	if m.connectionState == StateDisconnected {
		conn = errorStyle.Render("disconnected")
	}
	return statusBarStyle.Render(fmt.Sprintf("%s · %s · PgUp/PgDn scroll · /help", conn, m.status))
}

// resize fits the viewport between the header, the input box and the
// status bar.
func (m *Model) resize() {
	const chrome = 1 + 3 + 1 // header, bordered input, status bar
	m.viewport.Width = m.width
	m.viewport.Height = max(m.height-chrome, 1)
	m.input.Width = max(m.width-8, 10)
	m.refreshViewport()
}

func (m *Model) refreshViewport() {
	rendered := make([]string, len(m.lines))
	for i, line := range m.lines {
		rendered[i] = formatLine(line)
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(lipgloss.NewStyle().Width(m.viewport.Width).Render(strings.Join(rendered, "\n")))
	if atBottom || len(m.lines) <= m.viewport.Height {
		m.viewport.GotoBottom()
	}
}

// formatLine renders one scrollback entry.
func formatLine(line chatLine) string {
	stamp := timeStyle.Render(line.at.Format("15:04"))
	switch line.kind {
	case lineBroadcast:
		return fmt.Sprintf("%s %s %s", stamp, senderStyle.Render(line.from+":"), line.text)
	case linePrivateIn:
		return fmt.Sprintf("%s %s %s", stamp, privateStyle.Render("["+line.from+" → you]"), line.text)
	case linePrivateOut:
		return fmt.Sprintf("%s %s %s", stamp, privateStyle.Render("[you → "+line.to+"]"), line.text)
	case lineError:
		return fmt.Sprintf("%s %s", stamp, errorStyle.Render("! "+line.text))
	case lineUserList:
		return fmt.Sprintf("%s %s\n%s", stamp, systemStyle.Render("users:"), renderUserTable(line.text))
	default:
		return fmt.Sprintf("%s %s", stamp, systemStyle.Render(line.text))
	}
}

// renderUserTable lays out a user listing as two aligned columns, name and
// state, one row per user.
func renderUserTable(list string) string {
	type userRow struct{ name, state string }

	var rows []userRow
	nameWidth, stateWidth := 1, 1
	for _, entry := range strings.Split(list, "\n") {
		if entry == "" {
			continue
		}
		row := userRow{name: entry}
		if i := strings.LastIndex(entry, " ["); i > 0 && strings.HasSuffix(entry, "]") {
			row = userRow{name: entry[:i], state: entry[i+2 : len(entry)-1]}
		}
		nameWidth = max(nameWidth, lipgloss.Width(row.name)+2)
		stateWidth = max(stateWidth, lipgloss.Width(row.state))
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return ""
	}

	// Cell ratios equal the column widths so each column gets exactly its share
	layout := flexbox.New(nameWidth+stateWidth, len(rows))
	flexRows := make([]*flexbox.Row, 0, len(rows))
	for _, row := range rows {
		flexRows = append(flexRows, layout.NewRow().AddCells(
			flexbox.NewCell(nameWidth, 1).SetContent(row.name),
			flexbox.NewCell(stateWidth, 1).SetStyle(userStateStyle).SetContent(row.state),
		))
	}
	layout.AddRows(flexRows)

	return layout.Render()
}
