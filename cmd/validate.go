package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func validateCMD() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "validate <mode>",
		Short: "Check a mode's inputs without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, err := loadRunner(cfgPath)
			if err != nil {
				return err
			}
			check := runner.ValidateInputs(args[0])
			for _, w := range check.Warnings {
				cmd.Printf("warning: %s\n", w)
			}
			for _, e := range check.Errors {
				cmd.Printf("error: %s\n", e)
			}
			if !check.Valid {
				return fmt.Errorf("inputs for mode %s are invalid", args[0])
			}
			cmd.Printf("mode %s: inputs ok (%d warning(s))\n", args[0], len(check.Warnings))
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default searches ./config)")
	return cmd
}
