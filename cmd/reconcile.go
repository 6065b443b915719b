package cmd

import (
	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/spf13/cobra"

	"github.com/kidcam/camhls/internal/app"
)

type reconcileOutput struct {
	Desired   int    `json:"desired"`
	Started   int    `json:"started"`
	Failed    int    `json:"failed"`
	Converged int    `json:"converged"`
	Duration  string `json:"duration"`
}

// CreateReconcileCmd creates the reconcile command, a single monitor pass for
// external schedulers such as cron or a systemd timer.
func CreateReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass",
		Long:  `Starts every source the catalog wants active that has no live transcoder, then exits.`,
		Args:  cobra.NoArgs,
		Run: humacli.WithOptions(func(cmd *cobra.Command, _ []string, opts *app.Options) {
			a, logger, ctx, cancel := setup(cmd, opts)
			defer cancel()

			res := a.Monitor.Tick(ctx)
			if res.CatalogErr != nil {
				fail(a, logger, "Catalog unavailable", res.CatalogErr)
			}
			printJSON(cmd.OutOrStdout(), reconcileOutput{
				Desired:   res.Desired,
				Started:   res.Started,
				Failed:    res.Failed,
				Converged: res.Converged,
				Duration:  res.Duration.String(),
			})
			_ = a.Close()
		}),
	}
}
