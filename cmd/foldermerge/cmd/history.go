package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gwlsn/foldermerge/internal/history"
	"github.com/gwlsn/foldermerge/internal/jobs"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [folder]",
	Short: "List recently finished merges",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := store.Config()
		hist, err := history.Open(cfg.HistoryFile, logger.Logger)
		if err != nil {
			return err
		}
		defer hist.Close()

		ctx := context.Background()
		var runs []history.Run
		if len(args) == 1 {
			folder, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			runs, err = hist.ForFolder(ctx, folder, historyLimit)
			if err != nil {
				return err
			}
		} else {
			runs, err = hist.Recent(ctx, historyLimit)
			if err != nil {
				return err
			}
		}

		if len(runs) == 0 {
			fmt.Println("No merges recorded yet")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "FINISHED\tSTATUS\tELAPSED\tFOLDER\tRESULT")
		for _, r := range runs {
			result := r.OutputPath
			if r.Status != jobs.StatusCompleted {
				result = r.Message
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				r.FinishedAt.Local().Format(time.DateTime),
				r.Status,
				r.Elapsed.Round(time.Second),
				filepath.Base(r.Folder),
				result,
			)
		}
		return w.Flush()
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of runs to show")
	rootCmd.AddCommand(historyCmd)
}
