// Package commands implements the parazap CLI.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "parazap",
	Short: "ZMTP endpoints gated by a ZAP authenticator",
	Long: `parazap runs ZMTP endpoints whose NULL, PLAIN and CURVE handshakes are
held until a ZAP authenticator has allowed the peer, and an example
authenticator to answer them.

Configuration is read from $XDG_CONFIG_HOME/parazap/config.yaml or --config,
and can be overridden with PARAZAP_<SECTION>_<KEY> environment variables,
for example PARAZAP_ZAP_TIMEOUT=5s.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command selected by the process arguments.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/parazap/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(authenticatorCmd)
	rootCmd.AddCommand(hashPasswordCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(initCmd)
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}
