// Package ui is the terminal chat client built on bubbletea.
package ui

import (
	"context"
	"time"

	"github.com/aeolun/sistchat/pkg/client"
	"github.com/aeolun/sistchat/pkg/protocol"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"
)

const (
	requestTimeout = 5 * time.Second
	maxLines       = 1000
)

// ViewState represents the current view
type ViewState int

const (
	ViewRegister ViewState = iota
	ViewChat
)

// ConnectionState represents the connection status
type ConnectionState int

const (
	StateConnected ConnectionState = iota
	StateDisconnected
)

type lineKind int

const (
	lineBroadcast lineKind = iota
	linePrivateIn
	linePrivateOut
	lineSystem
	lineError
	lineUserList // text holds one "name [STATE]" per line
)

// chatLine is one rendered entry of the scrollback.
type chatLine struct {
	at   time.Time
	kind lineKind
	from string
	to   string
	text string
}

// Options configures the model. The zero value is usable.
type Options struct {
	// Notify shows a desktop notification for incoming private messages.
	Notify bool
	// NotificationIcon is passed to the notifier; may be empty.
	NotificationIcon string
	Logger           *zerolog.Logger
}

// Model represents the application state
type Model struct {
	conn   client.ChatClient
	state  client.StateStore
	opts   Options
	logger zerolog.Logger

	currentView     ViewState
	connectionState ConnectionState
	status          protocol.UserState

	input    textinput.Model
	viewport viewport.Model
	lines    []chatLine
	errText  string
	pending  bool // A register request is in flight

	width  int
	height int
	ready  bool

	now func() time.Time
}

// NewModel creates the UI model. Without a registered name the model
// starts on the registration prompt, prefilled with the last name used.
func NewModel(conn client.ChatClient, state client.StateStore, opts Options) Model {
	input := textinput.New()
	input.Prompt = "> "
	input.CharLimit = 0
	input.PromptStyle = lipgloss.NewStyle().Foreground(colorPrimary)
	input.Focus()

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	m := Model{
		conn:            conn,
		state:           state,
		opts:            opts,
		logger:          logger,
		currentView:     ViewChat,
		connectionState: StateConnected,
		status:          protocol.StateActive,
		input:           input,
		viewport:        viewport.New(80, 20),
		now:             time.Now,
	}

	if conn.Username() == "" {
		m.currentView = ViewRegister
		m.input.Placeholder = "username"
		if state != nil {
			m.input.SetValue(state.GetLastUsername())
			m.input.CursorEnd()
		}
	} else {
		m.input.Placeholder = "Type a message or /help"
	}
	return m
}

// Message types for bubbletea

// DeliveryMsg is a chat message from another user.
type DeliveryMsg struct {
	Message protocol.Message
}

// NoticeMsg is an answer the server sent without a request.
type NoticeMsg struct {
	Answer protocol.Answer
}

// DisconnectedMsg is sent when the connection has ended
type DisconnectedMsg struct {
	Err error
}

// RegisteredMsg reports the outcome of a registration attempt.
type RegisteredMsg struct {
	Username string
	Err      error
}

// CommandResultMsg carries the lines a finished command adds.
type CommandResultMsg struct {
	Lines  []chatLine
	Status *protocol.UserState // Set by a successful /status
	Err    error
	Quit   bool
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, listenForServer(m.conn))
}

// listenForServer waits for the next delivery, notice or disconnect.
func listenForServer(conn client.ChatClient) tea.Cmd {
	return func() tea.Msg {
		select {
		case msg, ok := <-conn.Deliveries():
			if !ok {
				return DisconnectedMsg{Err: conn.Err()}
			}
			return DeliveryMsg{Message: msg}
		case answer := <-conn.Notices():
			return NoticeMsg{Answer: answer}
		case <-conn.Done():
			return DisconnectedMsg{Err: conn.Err()}
		}
	}
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

func (m Model) register(username string) tea.Cmd {
	conn := m.conn
	return func() tea.Msg {
		ctx, cancel := requestContext()
		defer cancel()
		return RegisteredMsg{Username: username, Err: conn.Register(ctx, username)}
	}
}

// appendLines adds to the scrollback, dropping the oldest past maxLines.
func (m *Model) appendLines(lines ...chatLine) {
	m.lines = append(m.lines, lines...)
	if over := len(m.lines) - maxLines; over > 0 {
		m.lines = append([]chatLine(nil), m.lines[over:]...)
	}
	m.refreshViewport()
}

func (m *Model) systemLine(text string) chatLine {
	return chatLine{at: m.now(), kind: lineSystem, text: text}
}

func (m *Model) errorLine(err error) chatLine {
	return chatLine{at: m.now(), kind: lineError, text: describeError(err)}
}
