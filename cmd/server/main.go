package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"fieldhub/internal/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fieldhub",
		Short: "Real-time presence and event hub for field personnel",
		Long: `fieldhub keeps one WebSocket session per field principal, routes
telemetry and chat events to personal, group and admin channels, and tracks
who is online.`,
		SilenceUsage: true,
	}
	root.AddCommand(
		buildServeCmd(),
		buildPublishCmd(),
		buildVersionCmd(),
	)
	return root
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fieldhub %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

// newLogger builds the process logger from the log section of cfg. The level
// is read through level so that it can change at runtime.
func newLogger(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	level.Set(config.ParseLevel(cfg.Level))

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
