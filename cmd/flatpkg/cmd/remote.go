package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/flatpkg/internal/service/client"
)

var (
	// remoteOptions configures a build on flatpkg-server.
	remoteOptions = new(client.Options)

	// remoteCmd builds a package on a remote server.
	remoteCmd = &cobra.Command{
		Use:   "remote [server-address]",
		Short: "Build a package on flatpkg-server and save it locally.",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			remoteOptions.ServerAddress = args[0]

			return client.Run(ctx, remoteOptions)
		},
	}
)

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	flags := remoteCmd.Flags()
	flags.StringVarP(&remoteOptions.Identifier, "identifier", "i", "", "package identifier, server default when empty")
	flags.StringVar(&remoteOptions.Version, "pkg-version", "", "package version")
	flags.StringVar(&remoteOptions.OrgUnit, "org-unit", "", "organizational unit appended to the identifier")
	flags.StringVarP(&remoteOptions.PackageName, "name", "n", "", "package filename")
	flags.StringVar(&remoteOptions.ProductArchive, "product-archive", "", "product archive to merge the package into")
	flags.StringVar(&remoteOptions.ProductArchiveName, "product-archive-name", "", "filename of the merged archive")
	flags.BoolVar(&remoteOptions.Sign, "sign", true, "sign with the server credential")
	flags.StringVarP(&remoteOptions.OutputDir, "output", "o", "", "output directory")
	flags.DurationVar(&remoteOptions.Timeout, "timeout", 0, "timeout of one attempt")
	flags.IntVar(&remoteOptions.Attempts, "attempts", 0, "attempts while the server is unavailable")
}
