package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/product-scout/internal/model"
	"github.com/sells-group/product-scout/internal/store"
)

var productsCmd = &cobra.Command{
	Use:   "products",
	Short: "Query canonical products and their scores",
}

// -- products show --

var productsShowCmd = &cobra.Command{
	Use:   "show <product-id>",
	Short: "Show a product with its latest score and recent alerts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		return showProduct(ctx, st, args[0], os.Stdout)
	},
}

// -- products top --

var productsTopCmd = &cobra.Command{
	Use:   "top",
	Short: "List the highest scoring products",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, _ := cmd.Flags().GetInt("n")
		minComposite, _ := cmd.Flags().GetFloat64("min")

		scores, err := st.ListLatestScores(ctx, store.ScoreFilter{MinComposite: minComposite, Limit: n})
		if err != nil {
			return eris.Wrap(err, "products top")
		}
		if len(scores) == 0 {
			fmt.Fprintln(os.Stderr, "No scored products found.")
			return nil
		}

		formatScores(os.Stdout, scores)
		return nil
	},
}

func init() {
	productsTopCmd.Flags().Int("n", 10, "number of products to list")
	productsTopCmd.Flags().Float64("min", 0, "minimum composite score")

	productsCmd.AddCommand(productsShowCmd)
	productsCmd.AddCommand(productsTopCmd)
	rootCmd.AddCommand(productsCmd)
}

type productView struct {
	Product model.Product        `json:"product"`
	Latest  *model.ScoreSnapshot `json:"latest,omitempty"`
	Tier    model.Tier           `json:"tier,omitempty"`
	Alerts  []model.AlertRecord  `json:"alerts,omitempty"`
}

// showProduct writes the product, its latest snapshot and recent alerts to
// w as indented JSON.
func showProduct(ctx context.Context, st store.Store, id string, w io.Writer) error {
	p, err := st.GetProduct(ctx, id)
	if err != nil {
		return eris.Wrap(err, "products show")
	}
	snap, err := st.LatestScoreSnapshot(ctx, id)
	if err != nil {
		return eris.Wrap(err, "products show: latest score")
	}
	alerts, err := st.ListAlerts(ctx, store.AlertFilter{ProductID: id, Limit: 10})
	if err != nil {
		return eris.Wrap(err, "products show: alerts")
	}

	view := productView{Product: *p, Latest: snap, Alerts: alerts}
	if snap != nil {
		view.Tier = snap.Tier()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}

// formatScores writes a tabular list of scored products to w.
func formatScores(out io.Writer, scores []store.ProductScore) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tTIER\tCOMPOSITE\tVEL\tMARGIN\tSAT\tCONF\tSIGNALS")
	_, _ = fmt.Fprintln(w, "--\t----\t----\t---------\t---\t------\t---\t----\t-------")

	for _, ps := range scores {
		snap := ps.Snapshot
		name := ps.Product.CanonicalName
		if len(name) > 30 {
			name = name[:27] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%.1f\t%.1f\t%.1f\t%.2f\t%s\n",
			truncateID(ps.Product.ID),
			name,
			snap.Tier(),
			snap.Composite,
			snap.Velocity,
			snap.Margin,
			snap.Saturation,
			snap.Confidence,
			strings.Join(snap.Signals, ","),
		)
	}
	_ = w.Flush()
}
