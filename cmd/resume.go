package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Allen15763/spe-bank-recon/config"
	"github.com/Allen15763/spe-bank-recon/internal/task"
)

func resumeCMD() *cobra.Command {
	var cfgPath string
	var runID string
	var startFrom string
	cmd := &cobra.Command{
		Use:   "resume [checkpoint-id]",
		Short: "Resume an interrupted run from a checkpoint",
		Long: `Resume restores a checkpointed context and continues execution from the
step after the one that produced it. Without arguments the newest
checkpoint for the configured task is used; --run narrows the search to
one run and --from overrides the computed starting step.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			runner, err := task.NewRunner(cfg)
			if err != nil {
				return err
			}
			checkpointID := ""
			if len(args) == 1 {
				checkpointID = args[0]
			}
			result, err := runner.Resume(cmd.Context(), runID, checkpointID, startFrom)
			if err != nil {
				return err
			}
			printSummary(cmd, result)
			if !result.Summary.Success {
				return fmt.Errorf("resumed run %s failed at step %s", result.RunID, result.Summary.FailedStep)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id owning the checkpoint")
	cmd.Flags().StringVar(&startFrom, "from", "", "step name to restart from")
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default searches ./config)")
	return cmd
}
