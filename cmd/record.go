package cmd

import (
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/spf13/cobra"

	"github.com/kidcam/camhls/internal/app"
)

// CreateRecordCmd creates the record command.
func CreateRecordCmd() *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "record <source-id>",
		Short: "Record a short clip of a source",
		Long: `Stream-copies the source to an MP4 under the recordings root, dated by day, ` +
			`and writes a JSON manifest next to it. Interrupting keeps what was recorded.`,
		Args: cobra.ExactArgs(1),
		Run: humacli.WithOptions(func(cmd *cobra.Command, args []string, opts *app.Options) {
			a, logger, ctx, cancel := setup(cmd, opts)
			defer cancel()

			src, err := a.Lookup(ctx, args[0])
			if err != nil {
				fail(a, logger, "Unknown source", err)
			}
			rec, err := a.Recorder.Record(ctx, src, duration)
			printJSON(cmd.OutOrStdout(), rec)
			if err != nil {
				fail(a, logger, "Recording failed", err)
			}
			_ = a.Close()
		}),
	}

	cmd.Flags().DurationVarP(&duration, "duration", "d", 30*time.Second, "Recording length")
	return cmd
}
