package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"conductor/internal/config"
	"conductor/internal/logging"
	"conductor/internal/server"
)

func newServeCommand() *cobra.Command {
	var (
		configPath string
		dataDir    string
		port       int
		stdioOnly  bool
		httpOnly   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration server until SIGINT or SIGTERM",
		Long: `serve speaks MCP over stdio and opens the HTTP and WebSocket surface.
stdout carries the MCP stream; all diagnostics go to stderr and the
log file. Exit codes: 0 clean shutdown, 1 startup failure, 2 runtime
failure.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdioOnly && httpOnly {
				return fmt.Errorf("--stdio-only and --http-only exclude each other")
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("data-dir") {
				cfg.DataDir = dataDir
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			if err := logging.Setup(logging.ParseLevel(cfg.Log.Level), cfg.Log.File); err != nil {
				return fmt.Errorf("open log file: %w", err)
			}
			defer logging.Close()
			logger := logging.NewComponentLogger("Server")

			app, err := server.New(cfg, version, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if source := cfg.Source; source != "" {
				fmt.Fprintln(os.Stderr, color.CyanString("conductor %s (config %s)", version, source))
			} else {
				fmt.Fprintln(os.Stderr, color.CyanString("conductor %s", version))
			}
			if !stdioOnly {
				fmt.Fprintln(os.Stderr, color.CyanString("http on %s", cfg.Server.Address()))
			}

			err = app.Run(ctx, server.RunOptions{
				Stdio: !httpOnly,
				HTTP:  !stdioOnly,
			})
			if err != nil {
				return &exitCodeError{code: 2, err: err}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "config file; defaults to ./conductor.yaml then ~/.conductor/conductor.yaml")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "override data_dir, where the queue snapshot and knowledge base live")
	cmd.Flags().IntVar(&port, "port", 0, "override server.port for the HTTP surface")
	cmd.Flags().BoolVar(&stdioOnly, "stdio-only", false, "serve only MCP over stdio")
	cmd.Flags().BoolVar(&httpOnly, "http-only", false, "serve only the HTTP and WebSocket surface")
	return cmd
}
