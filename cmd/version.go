package cmd

import (
	"github.com/spf13/cobra"

	"github.com/kidcam/camhls/internal/version"
)

// CreateVersionCmd creates the version command.
func CreateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printJSON(cmd.OutOrStdout(), version.Get())
		},
	}
}
