package cmd

import (
	"context"
	"fmt"

	"github.com/pyama86/siren/handler"
	"github.com/spf13/cobra"
)

var (
	auditFrom   int64
	auditTo     int64
	auditVerify bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "export or verify the audit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, app *handler.App) error {
			if auditVerify {
				n, err := app.Engine.Audit().Verify(ctx)
				if err != nil {
					return fmt.Errorf("audit chain is broken: %w", err)
				}
				fmt.Printf("audit chain ok: %d entries\n", n)
				return nil
			}
			entries, err := app.Engine.Audit().Range(ctx, auditFrom, auditTo)
			if err != nil {
				return err
			}
			return printJSON(entries)
		})
	},
}

func init() {
	auditCmd.Flags().Int64Var(&auditFrom, "from", 1, "first seq")
	auditCmd.Flags().Int64Var(&auditTo, "to", 0, "last seq, 0 for the head")
	auditCmd.Flags().BoolVar(&auditVerify, "verify", false, "verify the hash chain instead of printing it")
	rootCmd.AddCommand(auditCmd)
}
