package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/visiontrainer/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"
)

var (
	historyLimit   int
	historySession string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded evaluation runs, newest first, or show one watch session",
	RunE: func(cmd *cobra.Command, args []string) error {
		if DB == nil {
			return fail("Cannot list history", errNoDatabase, nil)
		}
		if historySession != "" {
			return showWatchSession(cmd.Context(), os.Stdout, historySession)
		}
		runs, err := DB.ListEvaluations(cmd.Context(), historyLimit)
		if err != nil {
			return fail("Failed to list evaluation runs", err, nil)
		}

		if len(runs) == 0 {
			fmt.Println("No evaluation runs found in database.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tCLASS\tTHRESHOLD\tREFS\tACCURACY\tEVALUATED\tSKIPPED\tCREATED")
		fmt.Fprintln(w, "--\t-----\t---------\t----\t--------\t---------\t-------\t-------")

		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%.2f\t%d\t%s\t%d/%d\t%d\t%s\n",
				r.ID.String()[:8], r.ClassName, r.Threshold, r.References, fmtPercent(r.Accuracy),
				r.Correct, r.Evaluated, r.Skipped, r.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
		w.Flush()
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to show (0 for all)")
	historyCmd.Flags().StringVar(&historySession, "session", "", "Show the watch session with this ID instead")
	rootCmd.AddCommand(historyCmd)
}

// showWatchSession prints one watch session and its stored frame labels.
func showWatchSession(ctx context.Context, out io.Writer, rawID string) error {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return fail("Invalid session ID", err, nil)
	}
	ws, err := DB.GetWatchSession(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return fail("Watch session not found", fmt.Errorf("no session %s", id), nil)
	}
	if err != nil {
		return fail("Failed to load watch session", err, nil)
	}
	total, known, err := DB.CountFrameMatches(ctx, id)
	if err != nil {
		return fail("Failed to count frame labels", err, nil)
	}
	printWatchSession(out, ws, total, known)
	return nil
}

func printWatchSession(out io.Writer, ws store.WatchSession, labels, known int) {
	finished := "running"
	if ws.FinishedAt != nil {
		finished = ws.FinishedAt.Local().Format("2006-01-02 15:04:05")
	}
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintf(w, "Session:\t%s\n", ws.ID)
	fmt.Fprintf(w, "Source:\t%s\n", ws.Source)
	fmt.Fprintf(w, "Class:\t%s (id %d)\n", Cfg.ClassName(ws.ClassID), ws.ClassID)
	fmt.Fprintf(w, "Threshold:\t%.2f\n", ws.Threshold)
	fmt.Fprintf(w, "Frames:\t%d read, %d processed\n", ws.Frames, ws.Processed)
	fmt.Fprintf(w, "Detections:\t%d (%d known)\n", ws.Detections, ws.Known)
	fmt.Fprintf(w, "Stored labels:\t%d (%d known)\n", labels, known)
	fmt.Fprintf(w, "Started:\t%s\n", ws.StartedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Finished:\t%s\n", finished)
	if ws.Reason != "" {
		fmt.Fprintf(w, "Reason:\t%s\n", ws.Reason)
	}
	w.Flush()
}

func fmtPercent(v float64) string {
	return fmt.Sprintf("%.2f%%", v*100)
}
