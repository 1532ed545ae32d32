package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded training runs",
	}
	cmd.PersistentFlags().String("runs-db", "", "run store database")

	var limit int
	ls := &cobra.Command{
		Use:   "ls",
		Short: "List runs, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openRunsDB(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				pterm.Info.Println("No runs recorded")
				return nil
			}

			data := pterm.TableData{{"RUN", "STARTED", "STATUS", "EPOCHS", "LAST LOSS"}}
			for _, r := range runs {
				loss := "-"
				if r.LastLoss != nil {
					loss = strconv.FormatFloat(*r.LastLoss, 'f', 5, 64)
				}
				data = append(data, []string{
					r.ID,
					r.StartedAt.Local().Format(time.DateTime),
					r.Status,
					strconv.Itoa(r.Epochs),
					loss,
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		},
	}
	ls.Flags().IntVar(&limit, "limit", 20, "maximum runs to show (0 = all)")

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print the per-epoch losses of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openRunsDB(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			epochs, err := store.EpochLosses(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range epochs {
				fmt.Fprintf(out, "%5d  %.6f  %8d atoms  %s\n", e.Epoch, e.Loss, e.Atoms, e.Elapsed)
			}
			return nil
		},
	}

	cmd.AddCommand(ls, show)
	return cmd
}

func openRunsDB(cmd *cobra.Command) (*RunStore, error) {
	cfg, err := loadConfig(cmd, map[string]string{"runs-db": "training.runs_db"})
	if err != nil {
		return nil, err
	}
	return OpenRunStore(cfg.Training.RunsDB, nil)
}
