package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/product-scout/internal/export"
	"github.com/sells-group/product-scout/internal/store"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the latest product scores to an XLSX file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		output, _ := cmd.Flags().GetString("output")
		minComposite, _ := cmd.Flags().GetFloat64("min")
		limit, _ := cmd.Flags().GetInt("limit")

		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		scores, err := st.ListLatestScores(ctx, store.ScoreFilter{MinComposite: minComposite, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "export: list scores")
		}
		if err := export.WriteXLSX(output, scores); err != nil {
			return err
		}

		zap.L().Info("export written", zap.String("path", output), zap.Int("products", len(scores)))
		fmt.Fprintf(os.Stdout, "wrote %d products to %s\n", len(scores), output)
		return nil
	},
}

func init() {
	exportCmd.Flags().String("output", "opportunities.xlsx", "destination XLSX path")
	exportCmd.Flags().Float64("min", 0, "minimum composite score")
	exportCmd.Flags().Int("limit", 1000, "max number of products to export")
	rootCmd.AddCommand(exportCmd)
}
