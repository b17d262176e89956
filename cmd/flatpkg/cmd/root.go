package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/flatpkg/internal/config"
	"github.com/oshokin/flatpkg/internal/service/builder"
	"github.com/oshokin/flatpkg/internal/version"
)

var (
	// buildOptions collects the config path and flag overrides of a local build.
	buildOptions = new(builder.Options)

	// rootCmd represents the base command for building one package.
	rootCmd = &cobra.Command{
		Use:   "flatpkg [identifier]",
		Short: "Build a flat installer package from a template.",
		Long: `Builds a flat installer package from a template directory holding root/, scripts/
and base.pkg/PackageInfo.

Settings are read from the configuration file; flags override them.
The identifier can be given as an argument instead of --identifier.
When a certificate and a private key are configured the package is signed.
When a product archive is configured the package is merged into it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			if len(args) > 0 {
				buildOptions.Identifier = args[0]
			}

			return builder.Run(ctx, buildOptions)
		},
	}
)

// Execute runs the flatpkg CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)
	rootCmd.AddCommand(remoteCmd, inspectCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	flags := rootCmd.Flags()
	flags.StringVarP(&buildOptions.ConfigPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	flags.StringVarP(&buildOptions.TemplateDir, "template", "t", "", "template directory")
	flags.StringVarP(&buildOptions.Identifier, "identifier", "i", "", "package identifier")
	flags.StringVar(&buildOptions.Version, "pkg-version", "", "package version")
	flags.StringVar(&buildOptions.OrgUnit, "org-unit", "", "organizational unit appended to the identifier")
	flags.StringVarP(&buildOptions.PackageName, "name", "n", "", "package filename")
	flags.StringVarP(&buildOptions.OutputDir, "output", "o", "", "output directory")
	flags.StringVar(&buildOptions.Certificate, "certificate", "", "PEM signing certificate")
	flags.StringVar(&buildOptions.PrivateKey, "private-key", "", "PEM signing key")
	flags.StringVar(&buildOptions.PKCS12, "pkcs12", "", "PKCS#12 signing bundle")
	flags.StringVar(&buildOptions.PKCS12Password, "pkcs12-password", "", "password of the PKCS#12 bundle")
	flags.StringVar(&buildOptions.SigningBackend, "signing-backend", "", "signing backend: native or openssl")
	flags.StringVar(&buildOptions.ProductArchive, "product-archive", "", "product archive to merge the package into")
	flags.StringVar(&buildOptions.ProductArchiveName, "product-archive-name", "", "filename of the merged archive")
	flags.StringVar(&buildOptions.LogLevel, "log-level", "", "log level: debug, info, warn, error")
}
