package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/product-scout/internal/model"
	"github.com/sells-group/product-scout/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run <kind>",
	Short: "Run one job cycle now (ingest, score, alert or all)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kinds, err := parseKinds(args[0])
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		env, err := initPipeline(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		return runKinds(ctx, env.Coordinator, os.Stdout, kinds...)
	},
}

// parseKinds maps a command argument onto job kinds. "all" runs every kind
// in pipeline order.
func parseKinds(arg string) ([]model.JobKind, error) {
	arg = strings.ToLower(strings.TrimSpace(arg))
	if arg == "all" {
		return model.JobKinds, nil
	}
	for _, k := range model.JobKinds {
		if string(k) == arg {
			return []model.JobKind{k}, nil
		}
	}
	return nil, eris.Errorf("unknown job kind %q (want ingest, score, alert or all)", arg)
}

// runKinds runs each kind once, in order, and prints a line per run. The
// first failure stops the sequence.
func runKinds(ctx context.Context, coord *pipeline.Coordinator, w io.Writer, kinds ...model.JobKind) error {
	for _, kind := range kinds {
		run, err := coord.RunNow(ctx, kind)
		if run != nil {
			fmt.Fprintf(w, "%-7s %-9s processed=%d failed=%d duration=%s\n",
				run.Kind, run.Status, run.Processed, run.Failed, run.Duration())
		}
		if err != nil {
			return eris.Wrapf(err, "run %s", kind)
		}
	}
	return nil
}

func init() {
	rootCmd.AddCommand(runCmd)
}
