// Command sistchat-server runs the chat server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aeolun/sistchat/pkg/logx"
	"github.com/aeolun/sistchat/pkg/server"
)

var Version = "dev"

func main() {
	configPath := flag.String("config", "~/.sistchat/server.toml", "Path to config file")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Println(Version)
		return
	}

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	config := tomlConfig.ToServerConfig()

	logx.Init(logx.Options{Level: config.LogLevel, Format: config.LogFormat})
	logx.Info("starting sistchat server", "version", Version, "config", *configPath)

	srv, err := server.NewServer(config)
	if err != nil {
		logx.Fatal(err, "invalid configuration")
	}
	if err := srv.Start(); err != nil {
		logx.Fatal(err, "failed to start server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logx.Info("shutting down")
	if err := srv.Stop(); err != nil {
		logx.Error(err, "shutdown incomplete")
		os.Exit(1)
	}
}
