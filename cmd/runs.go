package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/product-scout/internal/model"
	"github.com/sells-group/product-scout/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect job run history",
	Long:  "Commands for listing and summarizing ingest, score and alert job runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List job runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		kind, _ := cmd.Flags().GetString("kind")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListJobRuns(ctx, store.JobRunFilter{
			Kind:   model.JobKind(kind),
			Status: model.JobStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics per job kind",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		runs, err := st.ListJobRuns(ctx, store.JobRunFilter{Limit: 10000})
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		var cutoff time.Time
		if since > 0 {
			cutoff = time.Now().Add(-since)
		}
		formatRunStats(os.Stdout, computeRunStats(runs, cutoff))
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("kind", "", "filter by job kind (ingest, score, alert)")
	runsListCmd.Flags().String("status", "", "filter by run status (running, succeeded, failed)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// runStats aggregates the runs of one job kind.
type runStats struct {
	Kind       model.JobKind
	Total      int
	Succeeded  int
	Failed     int
	Running    int
	Processed  int
	AvgDurSecs float64
}

// computeRunStats groups runs started at or after cutoff by kind, in
// pipeline order.
func computeRunStats(runs []model.JobRun, cutoff time.Time) []runStats {
	byKind := make(map[model.JobKind]*runStats)
	durations := make(map[model.JobKind]time.Duration)
	finished := make(map[model.JobKind]int)

	for _, r := range runs {
		if r.StartedAt.Before(cutoff) {
			continue
		}
		s, ok := byKind[r.Kind]
		if !ok {
			s = &runStats{Kind: r.Kind}
			byKind[r.Kind] = s
		}
		s.Total++
		s.Processed += r.Processed
		switch r.Status {
		case model.JobSucceeded:
			s.Succeeded++
		case model.JobFailed:
			s.Failed++
		default:
			s.Running++
		}
		if r.FinishedAt != nil {
			durations[r.Kind] += r.Duration()
			finished[r.Kind]++
		}
	}

	var out []runStats
	for _, kind := range model.JobKinds {
		s, ok := byKind[kind]
		if !ok {
			continue
		}
		if n := finished[kind]; n > 0 {
			s.AvgDurSecs = durations[kind].Seconds() / float64(n)
		}
		out = append(out, *s)
	}
	return out
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.JobRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tKIND\tSLOT\tSTATUS\tPROCESSED\tFAILED\tDURATION\tERROR")
	_, _ = fmt.Fprintln(w, "--\t----\t----\t------\t---------\t------\t--------\t-----")

	for _, r := range runs {
		dur := ""
		if r.FinishedAt != nil {
			dur = r.Duration().Round(time.Millisecond).String()
		}
		errMsg := r.Error
		if len(errMsg) > 40 {
			errMsg = errMsg[:37] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			truncateID(r.RunID),
			r.Kind,
			r.ScheduledFor.Format("2006-01-02 15:04:05"),
			r.Status,
			r.Processed,
			r.Failed,
			dur,
			errMsg,
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, stats []runStats) {
	if len(stats) == 0 {
		_, _ = fmt.Fprintln(out, "No runs in window.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KIND\tTOTAL\tSUCCEEDED\tFAILED\tRUNNING\tPROCESSED\tAVG")
	for _, s := range stats {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%.1fs\n",
			s.Kind, s.Total, s.Succeeded, s.Failed, s.Running, s.Processed, s.AvgDurSecs)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
