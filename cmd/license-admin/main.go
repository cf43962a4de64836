// Command license-admin issues, inspects and revokes licenses directly
// against the license database.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"license-server/config"
	"license-server/internal/logging"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "license-admin",
	Short: "License administration tool",
	Long:  `Generate license keys, issue and revoke licenses, and run database migrations.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Keep stdout clean for command output.
		logging.SetDefault(logging.New(&logging.Config{Level: "WARN", Output: "stderr", Component: "license-admin"}))
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default $CONFIG_FILE or config.json)")

	rootCmd.AddCommand(genkeyCmd)
	rootCmd.AddCommand(issueCmd)
	rootCmd.AddCommand(revokeCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(sampleConfigCmd)
}

// loadConfig reads the config named by --config, or the default one.
func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.LoadFile(configFile)
	}
	return config.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
