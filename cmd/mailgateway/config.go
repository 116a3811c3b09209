package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nhle/mailgateway/internal/model"
)

var configForceFlag bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to --config",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if _, err := os.Stat(configPathFlag); err == nil && !configForceFlag {
			return fmt.Errorf("%s already exists; use --force to overwrite", configPathFlag)
		}
		cfg, err := model.DefaultConfig()
		if err != nil {
			return err
		}
		if err := model.SaveConfig(configPathFlag, cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", configPathFlag)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file path in use",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), configPathFlag)
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForceFlag, "force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}
