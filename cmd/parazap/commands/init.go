package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hlandau/parazap/config"
)

var forceInit bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with default values",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := GetConfigFile()
		if path == "" {
			path = config.GetDefaultConfigPath()
		}

		if _, err := os.Stat(path); err == nil && !forceInit {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}

		if err := config.SaveConfig(config.GetDefaultConfig(), path); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created at: %s\n", path)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&forceInit, "force", false, "overwrite an existing config file")
}
