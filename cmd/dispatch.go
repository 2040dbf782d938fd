package cmd

import (
	"context"

	"github.com/pyama86/siren/handler"
	"github.com/spf13/cobra"
)

var dispatchOnce bool

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "run the dispatcher without the API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, app *handler.App) error {
			if !dispatchOnce {
				return app.Dispatcher.Run(ctx)
			}
			stats, err := app.Dispatcher.Tick(ctx)
			if err != nil {
				return err
			}
			return printJSON(stats)
		})
	},
}

func init() {
	dispatchCmd.Flags().BoolVar(&dispatchOnce, "once", false, "run a single tick and print its stats")
	rootCmd.AddCommand(dispatchCmd)
}
