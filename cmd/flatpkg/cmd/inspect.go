package cmd

import (
	"github.com/spf13/cobra"

	"github.com/oshokin/flatpkg/internal/service/inspector"
)

// inspectCmd prints a report about an existing package.
var inspectCmd = &cobra.Command{
	Use:   "inspect [package]",
	Short: "Describe a flat package or product archive and verify its signature.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return inspector.Run(cmd.Context(), &inspector.Options{
			Path: args[0],
			Out:  cmd.OutOrStdout(),
		})
	},
}
