package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"hls-broadcaster/internal/platform/config"
)

func main() {
	_ = config.Load()

	if err := rootCommand(config.FromEnv()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// rootCommand builds the CLI. Without a subcommand it serves.
func rootCommand(settings config.Settings) *cobra.Command {
	root := &cobra.Command{
		Use:           "hls-broadcaster",
		Short:         "Virtual broadcast channels over HLS",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&settings.CatalogPath, "catalog", settings.CatalogPath, "Path to the channel catalog (YAML)")
	root.PersistentFlags().StringVar(&settings.LogLevel, "log-level", settings.LogLevel, "Log level: debug, info, warn, error")

	serveCmd := serveCommand(&settings)
	root.AddCommand(serveCmd, resolveCommand(&settings))
	root.RunE = serveCmd.RunE

	return root
}
