package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Allen15763/spe-bank-recon/config"
	"github.com/Allen15763/spe-bank-recon/internal/pipeline"
	"github.com/Allen15763/spe-bank-recon/internal/task"
)

func runCMD() *cobra.Command {
	var cfgPath string
	var rawVars []string
	cmd := &cobra.Command{
		Use:   "run <mode>",
		Short: "Execute a reconciliation mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			vars, err := parseVars(rawVars)
			if err != nil {
				return err
			}
			runner, err := task.NewRunner(cfg)
			if err != nil {
				return err
			}
			result, err := runner.Execute(cmd.Context(), args[0], vars)
			if err != nil {
				return err
			}
			printSummary(cmd, result)
			if !result.Summary.Success {
				return fmt.Errorf("run %s failed at step %s", result.RunID, result.Summary.FailedStep)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&rawVars, "var", nil, "context variable as key=value (repeatable)")
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default searches ./config)")
	return cmd
}

// parseVars turns key=value flags into context variables. Values stay
// strings; steps parse the types they expect.
func parseVars(raw []string) (map[string]pipeline.Value, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	vars := make(map[string]pipeline.Value, len(raw))
	for _, kv := range raw {
		key, value, found := strings.Cut(kv, "=")
		if !found || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid --var %q, expected key=value", kv)
		}
		vars[strings.TrimSpace(key)] = pipeline.StringValue(value)
	}
	return vars, nil
}

func printSummary(cmd *cobra.Command, result *task.Result) {
	s := result.Summary
	status := "SUCCEEDED"
	if !s.Success {
		status = "FAILED"
	}
	cmd.Printf("run %s (%s): %s\n", result.RunID, result.Mode, status)
	cmd.Printf("  steps: %d/%d successful in %s\n", s.SuccessfulSteps, s.TotalSteps, s.Duration.Round(time.Millisecond))
	if s.FailedStep != "" {
		cmd.Printf("  failed step: %s\n", s.FailedStep)
	}
	for _, e := range s.Errors {
		cmd.Printf("  error: %s\n", e)
	}
	for _, w := range result.Context.Warnings() {
		cmd.Printf("  warning: %s\n", w.Text)
	}
}
