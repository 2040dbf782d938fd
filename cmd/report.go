package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/pyama86/siren/domain/entity"
	"github.com/pyama86/siren/handler"
	"github.com/spf13/cobra"
)

var (
	reportType     string
	reportSeverity int
	reportSource   string
	reportContext  []string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "report a signal and print the dedupe outcome",
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := parseContext(reportContext)
		if err != nil {
			return err
		}
		sig := entity.Signal{
			Type:     reportType,
			Severity: reportSeverity,
			Source:   reportSource,
			Context:  values,
		}
		return withApp(func(ctx context.Context, app *handler.App) error {
			res, err := app.Engine.Report(ctx, sig)
			if err != nil {
				return err
			}
			return printJSON(res)
		})
	},
}

func parseContext(pairs []string) (map[string]any, error) {
	values := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("context %q is not key=value", p)
		}
		values[k] = v
	}
	return values, nil
}

func init() {
	reportCmd.Flags().StringVar(&reportType, "type", "", "incident type")
	reportCmd.Flags().IntVar(&reportSeverity, "severity", 3, "severity 1-5")
	reportCmd.Flags().StringVar(&reportSource, "source", "", "signal source")
	reportCmd.Flags().StringArrayVar(&reportContext, "context", nil, "context key=value, repeatable")
	_ = reportCmd.MarkFlagRequired("type")
	_ = reportCmd.MarkFlagRequired("source")
	rootCmd.AddCommand(reportCmd)
}
