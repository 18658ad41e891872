package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/product-scout/internal/ingest"
	"github.com/sells-group/product-scout/internal/model"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Push signals and supplier matches from a YAML or JSON file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, _ := cmd.Flags().GetString("file")
		ingestOnly, _ := cmd.Flags().GetBool("ingest-only")

		ctx := cmd.Context()
		env, err := initPipeline(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		return ingestFile(ctx, env, path, ingestOnly, os.Stdout)
	},
}

// ingestFile submits every record in path, then runs the ingest job and,
// unless ingestOnly is set, the score and alert jobs.
func ingestFile(ctx context.Context, env *pipelineEnv, path string, ingestOnly bool, w io.Writer) error {
	doc, err := ingest.LoadFile(path)
	if err != nil {
		return err
	}
	if err := env.Ingestor.Submit(ctx, doc.Signals...); err != nil {
		return eris.Wrap(err, "submit signals")
	}
	if err := env.Ingestor.SubmitSupplierMatches(ctx, doc.SupplierMatches...); err != nil {
		return eris.Wrap(err, "submit supplier matches")
	}

	zap.L().Info("file loaded",
		zap.String("path", path),
		zap.Int("signals", len(doc.Signals)),
		zap.Int("supplier_matches", len(doc.SupplierMatches)),
	)
	fmt.Fprintf(w, "loaded %d signals and %d supplier matches from %s\n", len(doc.Signals), len(doc.SupplierMatches), path)

	kinds := model.JobKinds
	if ingestOnly {
		kinds = []model.JobKind{model.JobIngest}
	}
	return runKinds(ctx, env.Coordinator, w, kinds...)
}

func init() {
	ingestCmd.Flags().String("file", "", "path to a YAML or JSON file of signals and supplier_matches")
	ingestCmd.Flags().Bool("ingest-only", false, "skip the score and alert jobs")
	_ = ingestCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(ingestCmd)
}
