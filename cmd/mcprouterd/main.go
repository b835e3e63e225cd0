// Command mcprouterd runs the MCP routing gateway: a JSON-RPC front door
// that aggregates backend MCP servers behind one namespaced surface.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"mcpr.dev/daemon"
	"mcpr.dev/internal/config"
)

var (
	configPath string
	addr       string
)

var rootCmd = &cobra.Command{
	Use:           "mcprouterd",
	Short:         "MCP routing gateway",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to router config file (TOML)")
	rootCmd.Flags().StringVar(&addr, "addr", "", "bind address (overrides config)")
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("mcprouterd failed")
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.Bootstrap(ctx); err != nil {
		return err
	}
	return d.Run(ctx)
}
