package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/gochat-relay/internal/server"
)

type options struct {
	configPath      string
	addr            string
	wsAddr          string
	bufferSize      int
	framing         string
	logLevel        string
	shutdownTimeout time.Duration
}

func newRootCmd() *cobra.Command {
	return buildRootCmd(&options{})
}

// buildRootCmd binds the command's flags to opts.
func buildRootCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gochat-relay",
		Short: "Relay newline-delimited chat messages between TCP clients",
		Long: `Relay newline-delimited chat messages between TCP clients.

Every line a client sends is delivered to every other connected client.
Configuration is layered: built-in defaults, then the optional YAML file
given by --config, then RELAY_* environment variables, then flags.

A client that falls behind loses its oldest buffered messages and stays
connected. A client whose socket accepts no data for write_timeout (10s by
default) is disconnected instead; set write_timeout: 0 in the config file to
keep such peers attached.

Examples:
  gochat-relay                                  # listen on 127.0.0.1:8080
  gochat-relay --addr 0.0.0.0:9000              # custom address
  gochat-relay --ws-addr 127.0.0.1:8081         # also accept WebSocket peers
  gochat-relay --config relay.yaml --log-level debug`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, opts.shutdownTimeout)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to YAML config file")
	flags.StringVarP(&opts.addr, "addr", "a", "127.0.0.1:8080", "TCP listen address (host:port)")
	flags.StringVar(&opts.wsAddr, "ws-addr", "", "WebSocket gateway address (disabled when empty)")
	flags.IntVar(&opts.bufferSize, "buffer", server.DefaultBufferSize, "messages buffered per client before the oldest are dropped")
	flags.StringVar(&opts.framing, "framing", server.FramingLine, "inbound framing: line or raw")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.DurationVar(&opts.shutdownTimeout, "shutdown-timeout", 10*time.Second, "graceful shutdown timeout")

	return cmd
}

// loadConfig layers defaults, the config file, the environment and
// explicitly set flags, in that order.
func loadConfig(cmd *cobra.Command, opts *options) (server.Config, error) {
	cfg := server.DefaultConfig()

	if opts.configPath != "" {
		if err := server.LoadConfigFile(opts.configPath, &cfg); err != nil {
			return cfg, err
		}
	}

	server.ApplyEnv(&cfg)

	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Addr = opts.addr
	}
	if flags.Changed("ws-addr") {
		cfg.WebSocket.Addr = opts.wsAddr
	}
	if flags.Changed("buffer") {
		cfg.BufferSize = opts.bufferSize
	}
	if flags.Changed("framing") {
		cfg.Framing = opts.framing
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}

	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg server.Config) *slog.Logger {
	level, _ := server.ParseLogLevel(cfg.LogLevel)
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func run(parent context.Context, cfg server.Config, shutdownTimeout time.Duration) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	relay := server.NewRelay(cfg, logger)
	if err := relay.Start(); err != nil {
		logger.Error("unable to start relay", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logger.Info("got stop signal")

	if err := relay.Shutdown(shutdownTimeout); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	logger.Info("relay stopped")
	return nil
}
