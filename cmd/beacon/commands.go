package main

import (
	"context"
	"fmt"
	"time"

	"beacon/cmd/internal/app"

	"github.com/spf13/cobra"
)

// rootOptions holds flags shared by all commands. Flags override the BEACON_* environment.
type rootOptions struct {
	LogLevel  string
	LogFormat string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "beacon",
		Short: "Beacon realtime message broadcast service",
		Long: `Beacon accepts messages over WebSocket, stores each one exactly once in a
durable, totally ordered log and broadcasts it to every connected client.
Reconnecting clients are replayed everything they missed.

Running beacon without a subcommand is the same as "beacon serve".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(opts, "")
		},
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error); overrides BEACON_LOG_LEVEL")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format (json|text); overrides BEACON_LOG_FORMAT")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))

	return cmd
}

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Long: `Run the HTTP and WebSocket server.

The log store is selected from the environment: BEACON_DATABASE_URL selects
Postgres (with the LISTEN/NOTIFY relay), BEACON_SQLITE_PATH selects a SQLite
file, otherwise messages are kept in memory.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe(rootOpts, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address; overrides BEACON_HTTP_ADDR")

	return cmd
}

func newMigrateCommand(rootOpts *rootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply the message log schema to the configured store",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(rootOpts)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := app.Migrate(ctx, cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall migration timeout")

	return cmd
}

func runServe(rootOpts *rootOptions, addr string) error {
	cfg, err := resolveConfig(rootOpts)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.HTTPAddr = addr
	}
	return app.Run(cfg)
}

// resolveConfig loads the environment and applies flag overrides.
func resolveConfig(opts *rootOptions) (app.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return app.Config{}, err
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.LogFormat = opts.LogFormat
		if err := cfg.Validate(); err != nil {
			return app.Config{}, err
		}
	}
	return cfg, nil
}
