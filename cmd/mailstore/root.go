package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mailstore/internal/config"
	"mailstore/internal/format"
)

func newRootCmd(cfg *config.Config) *cobra.Command {
	var (
		jsonOutput bool
		yamlOutput bool
		logLevel   string
		logFormat  string
	)

	cmd := &cobra.Command{
		Use:           "mailstore",
		Short:         "Mailstore keeps mail blobs on disk volumes and reclaims the ones nothing references",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if jsonOutput && yamlOutput {
				return fmt.Errorf("--json and --yaml are mutually exclusive")
			}
			if yamlOutput {
				outputFormatter = format.YAMLFormatter{}
			}
			_, warnings, err := setupLogging(os.Stderr, logLevel, logFormat, cfg)
			if err != nil {
				return err
			}
			for _, w := range warnings {
				fmt.Fprintln(os.Stderr, w)
			}
			return nil
		},
	}

	cmd.Version = version
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output JSON")
	cmd.PersistentFlags().BoolVar(&yamlOutput, "yaml", false, "output YAML")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text, json)")

	structured := func() bool { return jsonOutput || yamlOutput }

	cmd.AddCommand(
		newVolumeCmd(cfg, structured),
		newDeliverCmd(cfg, structured),
		newCatCmd(cfg, structured),
		newDeleteCmd(cfg),
		newMoveCmd(cfg, structured),
		newSweepCmd(cfg, structured),
		newStagingCmd(cfg, structured),
		newVerifyCmd(cfg, structured),
		newServeCmd(cfg),
		newMigrateCmd(cfg, structured),
		newConfigCmd(cfg, structured),
	)

	return cmd
}
