package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/nlshell/nlshell/pkg/config"
	"github.com/nlshell/nlshell/pkg/logging"
	"github.com/nlshell/nlshell/pkg/sandbox"
	"github.com/nlshell/nlshell/server"
)

// Standalone sandbox daemon: a minimal binary for deployment inside the
// sandbox host, without the CLI or relay dependencies baked in.
var (
	cfgFile string
	addr    string
)

func main() {
	pflag.StringVar(&cfgFile, "config", "", "config file (default: ~/.nlshell/config.yaml)")
	pflag.StringVar(&addr, "addr", "", "sandbox listen address")
	pflag.Parse()

	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if addr == "" {
		addr = cfg.Sandbox.Address
	}

	logger := logging.New(cfg.LogLevel, os.Getenv("NLSHELL_LOG_FORMAT"))
	executor := &sandbox.Executor{
		Timeout:   config.Duration(cfg.Sandbox.Timeout, sandbox.DefaultTimeout),
		MaxOutput: cfg.Sandbox.MaxOutput,
	}
	srv := server.NewSandboxServer(executor)
	srv.SetLogger(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	fmt.Printf("nlshell-sandbox listening on %s\n", addr)
	if err := server.Start(ctx, addr, srv); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
