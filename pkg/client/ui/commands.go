package ui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aeolun/sistchat/pkg/client"
	"github.com/aeolun/sistchat/pkg/protocol"
	tea "github.com/charmbracelet/bubbletea"
)

var (
	errUnknownCommand = errors.New("unknown command")
	errUsage          = errors.New("usage")
)

// command is a parsed line of input. Plain text is a "say" command.
type command struct {
	name string
	args []string
	text string
}

var usage = map[string]string{
	"msg":    "/msg <user> <text>",
	"status": "/status <ACTIVE|AWAY|BUSY|OFFLINE>",
	"info":   "/info <user>",
}

const helpText = `Commands:
  /list [user]       list users, or look one up
  /msg <user> <text> send a private message
  /status <state>    ACTIVE, AWAY, BUSY or OFFLINE
  /info <user>       show details about a user
  /clear             clear the scrollback
  /help              show this help
  /quit              disconnect and exit
Anything else is sent to everyone. Start with // to send a leading slash.`

// parseCommand turns one line of input into a command.
func parseCommand(input string) (command, error) {
	line := strings.TrimSpace(input)
	if line == "" {
		return command{}, errEmptyInput
	}
	if !strings.HasPrefix(line, "/") {
		return command{name: "say", text: line}, nil
	}
	if strings.HasPrefix(line, "//") {
		return command{name: "say", text: line[1:]}, nil
	}

	head, rest, _ := strings.Cut(line[1:], " ")
	name := strings.ToLower(head)
	rest = strings.TrimSpace(rest)

	switch name {
	case "list", "who":
		cmd := command{name: "list"}
		if rest != "" {
			cmd.args = []string{strings.Fields(rest)[0]}
		}
		return cmd, nil
	case "msg", "w":
		to, text, _ := strings.Cut(rest, " ")
		text = strings.TrimSpace(text)
		if to == "" || text == "" {
			return command{}, usageError("msg")
		}
		return command{name: "msg", args: []string{to}, text: text}, nil
	case "status", "info":
		fields := strings.Fields(rest)
		if len(fields) != 1 {
			return command{}, usageError(name)
		}
		return command{name: name, args: fields}, nil
	case "help", "?":
		return command{name: "help"}, nil
	case "clear":
		return command{name: "clear"}, nil
	case "quit", "exit", "q":
		return command{name: "quit"}, nil
	default:
		return command{}, fmt.Errorf("%w: /%s (try /help)", errUnknownCommand, head)
	}
}

var errEmptyInput = errors.New("empty input")

func usageError(name string) error {
	return fmt.Errorf("%w: %s", errUsage, usage[name])
}

// execute runs cmd against the connection. Local commands update the
// model directly; the rest return a tea.Cmd that reports back with a
// CommandResultMsg.
func (m *Model) execute(cmd command) tea.Cmd {
	conn := m.conn
	now := m.now

	switch cmd.name {
	case "help":
		m.appendLines(m.systemLine(helpText))
		return nil
	case "clear":
		m.lines = nil
		m.refreshViewport()
		return nil
	case "say":
		return func() tea.Msg {
			ctx, cancel := requestContext()
			defer cancel()
			if err := conn.Broadcast(ctx, cmd.text); err != nil {
				return CommandResultMsg{Err: err}
			}
			return CommandResultMsg{Lines: []chatLine{{at: now(), kind: lineBroadcast, from: conn.Username(), text: cmd.text}}}
		}
	case "msg":
		to := cmd.args[0]
		return func() tea.Msg {
			ctx, cancel := requestContext()
			defer cancel()
			if err := conn.SendPrivate(ctx, to, cmd.text); err != nil {
				return CommandResultMsg{Err: err}
			}
			return CommandResultMsg{Lines: []chatLine{{at: now(), kind: linePrivateOut, from: conn.Username(), to: to, text: cmd.text}}}
		}
	case "list":
		target := ""
		if len(cmd.args) > 0 {
			target = cmd.args[0]
		}
		return func() tea.Msg {
			ctx, cancel := requestContext()
			defer cancel()
			list, err := conn.ListUsers(ctx, target)
			if err != nil {
				return CommandResultMsg{Err: err}
			}
			if list == "" {
				return CommandResultMsg{Lines: []chatLine{{at: now(), kind: lineSystem, text: fmt.Sprintf("%s is not online", target)}}}
			}
			return CommandResultMsg{Lines: []chatLine{{at: now(), kind: lineUserList, text: list}}}
		}
	case "status":
		state, err := protocol.ParseUserState(cmd.args[0])
		if err != nil {
			m.appendLines(m.errorLine(usageError("status")))
			return nil
		}
		return func() tea.Msg {
			ctx, cancel := requestContext()
			defer cancel()
			if err := conn.ChangeStatus(ctx, state); err != nil {
				return CommandResultMsg{Err: err}
			}
			return CommandResultMsg{
				Lines:  []chatLine{{at: now(), kind: lineSystem, text: "status set to " + state.String()}},
				Status: &state,
			}
		}
	case "info":
		name := cmd.args[0]
		return func() tea.Msg {
			ctx, cancel := requestContext()
			defer cancel()
			info, err := conn.UserInfo(ctx, name)
			if err != nil {
				return CommandResultMsg{Err: err}
			}
			return CommandResultMsg{Lines: []chatLine{{at: now(), kind: lineSystem, text: info}}}
		}
	case "quit":
		return func() tea.Msg {
			ctx, cancel := requestContext()
			defer cancel()
			// Quit regardless; the server releases the name on close too
			if err := conn.Disconnect(ctx); err != nil && !errors.Is(err, client.ErrClosed) {
				return CommandResultMsg{Err: err, Quit: true}
			}
			return CommandResultMsg{Quit: true}
		}
	}
	return nil
}

// describeError renders err for the scrollback. Server rejections show
// only the server's text.
func describeError(err error) string {
	var answerErr *client.AnswerError
	if errors.As(err, &answerErr) {
		return answerErr.Message
	}
	return err.Error()
}
