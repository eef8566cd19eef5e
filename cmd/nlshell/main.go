package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nlshell/nlshell/pkg/actionlog"
	"github.com/nlshell/nlshell/pkg/config"
	"github.com/nlshell/nlshell/pkg/env"
	"github.com/nlshell/nlshell/pkg/generate"
	"github.com/nlshell/nlshell/pkg/logging"
	"github.com/nlshell/nlshell/pkg/orchestrate"
	"github.com/nlshell/nlshell/pkg/relay"
	"github.com/nlshell/nlshell/pkg/sandbox"
	"github.com/nlshell/nlshell/pkg/version"
	"github.com/nlshell/nlshell/server"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:   "nlshell",
		Short: "Natural-language shell command relay",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.nlshell/config.yaml)")

	root.AddCommand(relayCmd())
	root.AddCommand(sandboxCmd())
	root.AddCommand(runCmd())
	root.AddCommand(execCmd())
	root.AddCommand(actionsCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	_ = env.LoadFromDir(".")
	return config.LoadConfig(cfgFile)
}

func relayCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the relay hop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Relay.Address
			}

			logger := logging.New(cfg.LogLevel, cfg.LogFormat)
			log := actionlog.Open(cfg.ActionLog.Path)
			relaySrv := server.NewRelayServer(cfg.Relay.SandboxURL, log)
			relaySrv.SetLogger(logger)

			ctx, cancel := signalContext()
			defer cancel()

			logger.Info("relay listening", "addr", addr, "sandbox", cfg.Relay.SandboxURL)
			return server.Start(ctx, addr, relaySrv)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "relay listen address")
	return cmd
}

func sandboxCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Run the sandbox executor hop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Sandbox.Address
			}

			logger := logging.New(cfg.LogLevel, cfg.LogFormat)
			executor := &sandbox.Executor{
				Timeout:   config.Duration(cfg.Sandbox.Timeout, sandbox.DefaultTimeout),
				MaxOutput: cfg.Sandbox.MaxOutput,
			}
			sandboxSrv := server.NewSandboxServer(executor)
			sandboxSrv.SetLogger(logger)

			ctx, cancel := signalContext()
			defer cancel()

			logger.Info("sandbox listening", "addr", addr)
			return server.Start(ctx, addr, sandboxSrv)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "sandbox listen address")
	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run PROMPT",
		Short: "Generate a command from a prompt and execute it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			var gen generate.Generator
			if cfg.Generator.Kind == "ollama" && (cfg.Generator.BaseURL != "" || cfg.Generator.Model != "") {
				gen = generate.NewOllamaGeneratorAt(cfg.Generator.BaseURL, cfg.Generator.Model)
			} else {
				gen, err = generate.New(cfg.Generator.Kind)
				if err != nil {
					return err
				}
			}

			client := newRelayClient(cfg)
			session := orchestrate.NewSession(gen, client, printEvent)
			session.SetLogger(logging.New(cfg.LogLevel, cfg.LogFormat))

			session.Handle(cmd.Context(), args[0])
			return nil
		},
	}
	return cmd
}

func execCmd() *cobra.Command {
	var purpose string

	cmd := &cobra.Command{
		Use:   "exec COMMAND",
		Short: "Execute a shell command through the relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			client := newRelayClient(cfg)
			result := client.Execute(cmd.Context(), args[0], purpose)
			if result.Failed() {
				fmt.Printf("Error Type: %s\n", result.Failure.Type)
				fmt.Printf("Error: %s\n", result.Failure.Message)
				if len(result.Failure.Details) > 0 {
					details, _ := json.MarshalIndent(result.Failure.Details, "", "  ")
					fmt.Printf("Details:\n%s\n", details)
				}
				return nil
			}
			fmt.Print(result.Output)
			return nil
		},
	}

	cmd.Flags().StringVar(&purpose, "purpose", "", "why this command is being run")
	return cmd
}

func actionsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "actions", Short: "Action log inspection"}
	cmd.AddCommand(actionsListCmd())
	cmd.AddCommand(actionsClearCmd())
	return cmd
}

func actionsListCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show recent actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := actionlog.Open(cfg.ActionLog.Path)
			for _, action := range log.Recent(limit) {
				line, err := json.Marshal(action)
				if err != nil {
					return err
				}
				fmt.Println(string(line))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "number of actions to show")
	return cmd
}

func actionsClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Irreversibly clear the action log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := actionlog.Open(cfg.ActionLog.Path)
			if err := log.Clear(); err != nil {
				return err
			}
			fmt.Println("action log cleared")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.String())
		},
	}
}

func newRelayClient(cfg *config.Config) *relay.Client {
	log := actionlog.Open(cfg.ActionLog.Path)
	client := relay.NewClient(cfg.Relay.ServerURL, log)
	client.Timeout = config.Duration(cfg.Relay.Timeout, relay.DefaultTimeout)
	client.Cooldown = config.Duration(cfg.Relay.Cooldown, relay.DefaultCooldown)
	if cfg.Relay.MaxRetries > 0 {
		client.MaxRetries = cfg.Relay.MaxRetries
	}
	if len(cfg.Relay.Denylist) > 0 {
		client.Denylist = cfg.Relay.Denylist
	}
	client.SetLogger(logging.New(cfg.LogLevel, cfg.LogFormat))
	return client
}

func printEvent(event orchestrate.Event) {
	switch {
	case event.Error != "":
		fmt.Printf("error: %s\n", event.Error)
	case event.Status == orchestrate.StatusGenerated:
		fmt.Printf("command: %s\n", event.Command)
		if event.Explanation != "" {
			fmt.Printf("explanation: %s\n", event.Explanation)
		}
	case event.Status == orchestrate.StatusExecuted && event.Result != nil:
		if event.Result.Failed() {
			fmt.Printf("error (%s): %s\n", event.Result.Failure.Type, event.Result.Failure.Message)
		} else {
			fmt.Print(event.Result.Output)
		}
	default:
		fmt.Println(event.Status)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
		time.Sleep(100 * time.Millisecond)
	}()
	return ctx, cancel
}
