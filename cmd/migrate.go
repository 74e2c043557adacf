package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Allen15763/spe-bank-recon/config"
	"github.com/Allen15763/spe-bank-recon/internal/runtime"
	srv "github.com/Allen15763/spe-bank-recon/internal/server"
)

func migrateCMD() *cobra.Command {
	var cfgPath string
	var migDir string
	var direction string
	var steps int
	migDirDefault := "file://migrations"

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run registry database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			dsn, err := runtime.BuildPostgresDSN(cfg)
			if err != nil {
				return err
			}
			if migDir == "" {
				migDir = migDirDefault
			}
			return srv.Migrate(migDir, dsn, direction, steps)
		},
	}
	cmd.Flags().StringVar(&migDir, "dir", migDirDefault, "migrations source (file://migrations)")
	cmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	cmd.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default searches ./config)")
	return cmd
}
