package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mailstore/internal/config"
)

type configEntry struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

func newConfigCmd(cfg *config.Config, structured func() bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or change store settings",
	}

	cmd.AddCommand(newConfigGetCmd(cfg))
	cmd.AddCommand(newConfigListCmd(cfg, structured))
	cmd.AddCommand(newConfigSetCmd())
	return cmd
}

func newConfigGetCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print the effective value of a setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !config.IsAllowedKey(args[0]) {
				return fmt.Errorf("unknown key: %s (allowed: %v)", args[0], config.AllowedKeys())
			}
			value, err := cfg.Get(args[0])
			if err != nil {
				return err
			}
			return writePlain("%s\n", value)
		},
	}
}

func newConfigListCmd(cfg *config.Config, structured func() bool) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print every effective setting and where it was loaded from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := configEntries(cfg)
			if err != nil {
				return err
			}
			if structured() {
				return writeStructured(entries)
			}
			for _, e := range entries {
				if err := writePlain("%-24s %s\n", e.Key, e.Value); err != nil {
					return err
				}
			}
			if cfg.TrustedProjectConfigPath != "" {
				return writePlain("# project config: %s\n", cfg.TrustedProjectConfigPath)
			}
			return nil
		},
	}
}

func configEntries(cfg *config.Config) ([]configEntry, error) {
	keys := config.AllowedKeys()
	entries := make([]configEntry, 0, len(keys))
	for _, key := range keys {
		value, err := cfg.Get(key)
		if err != nil {
			return nil, err
		}
		entries = append(entries, configEntry{Key: key, Value: value})
	}
	return entries, nil
}

func newConfigSetCmd() *cobra.Command {
	var global bool

	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Write a setting to the project or global config file",
		Long: "Write a setting to .mailstore.toml. Values are validated before the file is touched;\n" +
			"the project file is only read back when MAILSTORE_TRUST_PROJECT_CONFIG is set.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configTarget(global)
			if err != nil {
				return err
			}
			if err := config.SetKey(path, args[0], args[1]); err != nil {
				return err
			}
			return writePlain("%s = %s (%s)\n", args[0], args[1], path)
		},
	}

	cmd.Flags().BoolVar(&global, "global", false, "write to the global config (~/.mailstore.toml)")
	return cmd
}

func configTarget(global bool) (string, error) {
	if global {
		return config.GlobalPath()
	}
	return config.ProjectPath()
}
