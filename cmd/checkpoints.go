package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Allen15763/spe-bank-recon/config"
	"github.com/Allen15763/spe-bank-recon/internal/history"
	"github.com/Allen15763/spe-bank-recon/internal/task"
)

func checkpointsCMD() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect and manage stored checkpoints",
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default searches ./config)")

	var runID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List valid checkpoints, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, err := loadRunner(cfgPath)
			if err != nil {
				return err
			}
			infos, err := runner.ListCheckpoints(cmd.Context(), runID)
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				cmd.Println("no checkpoints")
				return nil
			}
			for _, in := range infos {
				cmd.Printf("%s  run=%s  after=%s  saved=%s  history=%d\n",
					in.ID, in.RunID, in.StepName, in.SavedAt.Format("2006-01-02 15:04:05"), in.HistoryLength)
			}
			return nil
		},
	}
	list.Flags().StringVar(&runID, "run", "", "only checkpoints belonging to this run")

	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Drop all but the newest checkpointed runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, err := loadRunner(cfgPath)
			if err != nil {
				return err
			}
			removed, err := runner.CleanupCheckpoints(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("removed %d checkpoint(s)\n", removed)
			return nil
		},
	}

	var limit int
	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the run/step audit index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			idx, err := history.OpenReadOnly(cfg.History.IndexPath)
			if err != nil {
				return fmt.Errorf("open history index: %w", err)
			}
			defer idx.Close()
			hits, err := idx.Search(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if len(hits) == 0 {
				cmd.Println("no matches")
				return nil
			}
			for _, hit := range hits {
				cmd.Printf("%-40s  score=%.3f\n", hit.ID, hit.Score)
			}
			return nil
		},
	}
	search.Flags().IntVar(&limit, "limit", 20, "maximum matches to print")

	cmd.AddCommand(list, cleanup, search)
	return cmd
}

func loadRunner(cfgPath string) (*task.Runner, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return task.NewRunner(cfg)
}
