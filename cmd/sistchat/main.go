// Command sistchat is the terminal chat client.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aeolun/sistchat/pkg/client"
	"github.com/aeolun/sistchat/pkg/client/ui"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
)

var Version = "dev"

const defaultServer = "localhost:6465"

func main() {
	serverAddr := flag.String("server", "", "Server address: host[:port], ssh://[user@]host[:port] or ws://host[:port] (default: last used)")
	username := flag.String("user", "", "Register with this username immediately")
	notify := flag.Bool("notify", true, "Desktop notification on private messages")
	statePath := flag.String("state", "", "Path to state database (default: $XDG_DATA_HOME/sistchat/state.db)")
	logPath := flag.String("log", "", "Write debug logs to this file")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Println(Version)
		return
	}

	logger := zerolog.Nop()
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fatalf("Failed to open log file: %v", err)
		}
		defer f.Close()
		logger = zerolog.New(f).With().Timestamp().Logger()
	}

	path := *statePath
	if path == "" {
		path = defaultStatePath()
	}
	state, err := client.OpenState(path)
	if err != nil {
		fatalf("Failed to open state database: %v", err)
	}
	defer state.Close()

	addr := *serverAddr
	if addr == "" {
		addr = state.GetLastServer()
	}
	if addr == "" {
		addr = defaultServer
	}

	conn, err := client.DialWithOptions(context.Background(), addr, client.Options{Logger: &logger})
	if err != nil {
		fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	if err := state.SaveSuccessfulConnection(conn.Address(), conn.Transport()); err != nil {
		logger.Warn().Err(err).Msg("failed to save connection")
	}

	if *username != "" {
		if err := conn.Register(context.Background(), *username); err != nil {
			fatalf("Failed to register %q: %v", *username, err)
		}
		if err := state.SetLastUsername(*username); err != nil {
			logger.Warn().Err(err).Msg("failed to save username")
		}
	}

	model := ui.NewModel(conn, state, ui.Options{Notify: *notify, Logger: &logger})
	if _, err := tea.NewProgram(model, tea.WithAltScreen()).Run(); err != nil {
		fatalf("UI error: %v", err)
	}
}

func defaultStatePath() string {
	xdgData := os.Getenv("XDG_DATA_HOME")
	if xdgData == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			fatalf("Failed to get home directory: %v", err)
		}
		xdgData = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(xdgData, "sistchat", "state.db")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
