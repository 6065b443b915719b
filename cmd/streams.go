package cmd

import (
	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/spf13/cobra"

	"github.com/kidcam/camhls/internal/app"
	"github.com/kidcam/camhls/internal/streams"
)

// CreateStartCmd creates the start command.
func CreateStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <source-id>",
		Short: "Start the transcoder for a source",
		Long: `Starts the HLS transcoder for a catalog source unless one is already running, ` +
			`and prints where its playlist lands. The transcoder keeps running after this command exits.`,
		Args: cobra.ExactArgs(1),
		Run: humacli.WithOptions(func(cmd *cobra.Command, args []string, opts *app.Options) {
			a, logger, ctx, cancel := setup(cmd, opts)
			defer cancel()

			src, err := a.Lookup(ctx, args[0])
			if err != nil {
				fail(a, logger, "Unknown source", err)
			}
			loc, err := a.Supervisor.Start(ctx, src)
			if err != nil {
				fail(a, logger, "Failed to start", err)
			}
			printJSON(cmd.OutOrStdout(), loc)
			_ = a.Close()
		}),
	}
}

// CreateStopCmd creates the stop command.
func CreateStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <source-id>",
		Short: "Stop every transcoder for a source",
		Args:  cobra.ExactArgs(1),
		Run: humacli.WithOptions(func(cmd *cobra.Command, args []string, opts *app.Options) {
			a, logger, ctx, cancel := setup(cmd, opts)
			defer cancel()

			if err := a.Supervisor.Stop(ctx, args[0]); err != nil {
				fail(a, logger, "Failed to stop", err)
			}
			printJSON(cmd.OutOrStdout(), a.Supervisor.Status(args[0]))
			_ = a.Close()
		}),
	}
}

// CreateRestartCmd creates the restart command.
func CreateRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <source-id>",
		Short: "Stop and start the transcoder for a source",
		Args:  cobra.ExactArgs(1),
		Run: humacli.WithOptions(func(cmd *cobra.Command, args []string, opts *app.Options) {
			a, logger, ctx, cancel := setup(cmd, opts)
			defer cancel()

			src, err := a.Lookup(ctx, args[0])
			if err != nil {
				fail(a, logger, "Unknown source", err)
			}
			loc, err := a.Supervisor.Restart(ctx, src)
			if err != nil {
				fail(a, logger, "Failed to restart", err)
			}
			printJSON(cmd.OutOrStdout(), loc)
			_ = a.Close()
		}),
	}
}

// CreateStatusCmd creates the status command.
func CreateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [source-id]",
		Short: "Show whether sources are streaming",
		Long:  `Shows one source, or every source the catalog wants active when no id is given.`,
		Args:  cobra.MaximumNArgs(1),
		Run: humacli.WithOptions(func(cmd *cobra.Command, args []string, opts *app.Options) {
			a, logger, ctx, cancel := setup(cmd, opts)
			defer cancel()

			if len(args) == 1 {
				printJSON(cmd.OutOrStdout(), a.Supervisor.Status(args[0]))
				_ = a.Close()
				return
			}

			sources, err := a.Catalog.ListDesiredActive(ctx)
			if err != nil {
				fail(a, logger, "Failed to read catalog", err)
			}
			statuses := make([]streams.Status, 0, len(sources))
			for _, src := range sources {
				statuses = append(statuses, a.Supervisor.Status(src.ID))
			}
			printJSON(cmd.OutOrStdout(), statuses)
			_ = a.Close()
		}),
	}
}
