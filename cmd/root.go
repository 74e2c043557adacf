// Package cmd is the sperecon command line: execute and resume
// reconciliation pipelines, inspect checkpoints, validate inputs and run
// the serving daemons.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Execute runs the root command.
func Execute() {
	root := &cobra.Command{
		Use:           "sperecon",
		Short:         "Resumable bank reconciliation pipelines",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(
		runCMD(),
		resumeCMD(),
		checkpointsCMD(),
		validateCMD(),
		migrateCMD(),
		serveCMD(),
		workerCMD(),
		configCMD(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
