package ui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aeolun/sistchat/pkg/protocol"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gen2brain/beeep"
)

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.resize()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case RegisteredMsg:
		m.pending = false
		if msg.Err != nil {
			m.errText = describeError(msg.Err)
			return m, nil
		}
		m.errText = ""
		m.currentView = ViewChat
		m.input.Reset()
		m.input.Placeholder = "Type a message or /help"
		if m.state != nil {
			if err := m.state.SetLastUsername(msg.Username); err != nil {
				m.logger.Warn().Err(err).Msg("failed to save username")
			}
		}
		m.appendLines(m.systemLine(fmt.Sprintf("registered as %s on %s. Type /help for commands.", msg.Username, m.conn.Address())))
		return m, nil

	case DeliveryMsg:
		line := chatLine{at: m.now(), kind: lineBroadcast, from: msg.Message.Sender, text: msg.Message.Content}
		var cmd tea.Cmd
		if msg.Message.Private {
			line.kind = linePrivateIn
			line.to = msg.Message.DestinationName()
			if m.opts.Notify {
				cmd = m.notify(msg.Message)
			}
		}
		m.appendLines(line)
		return m, tea.Batch(listenForServer(m.conn), cmd)

	case NoticeMsg:
		m.appendLines(m.systemLine(fmt.Sprintf("server: %s", msg.Answer.Message.Content)))
		return m, listenForServer(m.conn)

	case DisconnectedMsg:
		if m.connectionState == StateDisconnected {
			return m, nil
		}
		m.connectionState = StateDisconnected
		text := "disconnected from server"
		if msg.Err != nil {
			text = fmt.Sprintf("disconnected from server: %v", msg.Err)
		}
		m.appendLines(chatLine{at: m.now(), kind: lineError, text: text})
		m.input.Placeholder = "Disconnected. Press Ctrl+C to exit."
		return m, nil

	case CommandResultMsg:
		if msg.Err != nil {
			m.appendLines(m.errorLine(msg.Err))
		}
		if msg.Status != nil {
			m.status = *msg.Status
		}
		if len(msg.Lines) > 0 {
			m.appendLines(msg.Lines...)
		}
		if msg.Quit {
			return m, tea.Quit
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		if m.connectionState == StateConnected && m.conn.Username() != "" {
			next := m.execute(command{name: "quit"})
			return m, next
		}
		m.conn.Close()
		return m, tea.Quit

	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case tea.KeyEnter:
		if m.currentView == ViewRegister {
			return m.submitRegistration()
		}
		return m.submitInput()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) submitRegistration() (tea.Model, tea.Cmd) {
	if m.pending {
		return m, nil
	}
	name := strings.TrimSpace(m.input.Value())
	if name == "" {
		m.errText = "username required"
		return m, nil
	}
	if m.connectionState == StateDisconnected {
		m.errText = "not connected"
		return m, nil
	}
	m.pending = true
	m.errText = ""
	return m, m.register(name)
}

func (m Model) submitInput() (tea.Model, tea.Cmd) {
	cmd, err := parseCommand(m.input.Value())
	if errors.Is(err, errEmptyInput) {
		return m, nil
	}
	m.input.Reset()
	if err != nil {
		m.appendLines(m.errorLine(err))
		return m, nil
	}

	local := cmd.name == "help" || cmd.name == "clear"
	if m.connectionState == StateDisconnected && !local {
		if cmd.name == "quit" {
			return m, tea.Quit
		}
		m.appendLines(m.errorLine(errors.New("not connected")))
		return m, nil
	}
	next := m.execute(cmd)
	return m, next
}

// notify raises a desktop notification for a private message. Failures
// are only logged.
func (m Model) notify(msg protocol.Message) tea.Cmd {
	icon := m.opts.NotificationIcon
	logger := m.logger
	content := msg.Content
	if len(content) > 100 {
		content = content[:97] + "..."
	}
	body := fmt.Sprintf("%s: %s", msg.Sender, content)
	return func() tea.Msg {
		if err := beeep.Notify("sistchat", body, icon); err != nil {
			logger.Debug().Err(err).Msg("desktop notification failed")
		}
		return nil
	}
}
