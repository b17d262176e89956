package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/flatpkg/internal/config"
	"github.com/oshokin/flatpkg/internal/service/server"
	"github.com/oshokin/flatpkg/internal/version"
)

var (
	// serverOptions collects the config path and flag overrides.
	serverOptions = new(server.Options)

	// rootCmd represents the base command for running the gRPC server.
	rootCmd = &cobra.Command{
		Use:   "flatpkg-server [listen-address]",
		Short: "Serve package builds over gRPC.",
		Long: `Starts the gRPC build server.

The template, default identifier and signing credential come from the configuration file.
Listen address can be provided as argument to override config (e.g., :50051, 0.0.0.0:8080).
Prometheus metrics are served on /metrics of the metrics address when one is configured.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			// Use listen address argument if provided, otherwise rely on config.
			if len(args) > 0 {
				serverOptions.ListenAddress = args[0]
			}

			return server.Run(ctx, serverOptions)
		},
	}
)

// Execute runs the flatpkg-server CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	flags := rootCmd.Flags()
	flags.StringVarP(&serverOptions.ConfigPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	flags.StringVarP(&serverOptions.MetricsAddress, "metrics-address", "m", "", "Prometheus metrics listen address")
	flags.StringVar(&serverOptions.ArchiveDir, "archive-dir", "", "keep a copy of every built package in this directory")
	flags.StringVar(&serverOptions.LogLevel, "log-level", "", "log level: debug, info, warn, error")
}
