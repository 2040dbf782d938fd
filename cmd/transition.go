package cmd

import (
	"context"

	"github.com/pyama86/siren/handler"
	"github.com/spf13/cobra"
)

var (
	actor string
	notes string
)

var ackCmd = &cobra.Command{
	Use:   "ack INCIDENT_ID",
	Short: "acknowledge an incident and cancel its pending escalation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, app *handler.App) error {
			inc, err := app.Engine.Acknowledge(ctx, args[0], actor)
			if err != nil {
				return err
			}
			return printJSON(inc)
		})
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve INCIDENT_ID",
	Short: "resolve an incident",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, app *handler.App) error {
			inc, err := app.Engine.Resolve(ctx, args[0], actor, notes)
			if err != nil {
				return err
			}
			return printJSON(inc)
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{ackCmd, resolveCmd} {
		c.Flags().StringVar(&actor, "actor", "", "who is acting")
		_ = c.MarkFlagRequired("actor")
		rootCmd.AddCommand(c)
	}
	resolveCmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
}
