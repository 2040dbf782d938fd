package cmd

import (
	"context"
	"fmt"

	"github.com/pyama86/siren/handler"
	"github.com/spf13/cobra"
)

var reviewCmd = &cobra.Command{
	Use:   "review INCIDENT_ID",
	Short: "build the post-incident review; exported to Confluence when configured",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, app *handler.App) error {
			review, err := app.Reviewer.Review(ctx, args[0])
			if err != nil {
				return err
			}
			if review.URL != "" {
				fmt.Println(review.URL)
				return nil
			}
			fmt.Println(review.Markdown)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(reviewCmd)
}
