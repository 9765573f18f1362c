package cmd

import (
	"github.com/spf13/cobra"

	"github.com/ardnew/softotg/host"
)

var configFile string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective controller configuration",
	Long: `Print the controller configuration as TOML. With --file the file is
read over the defaults and validated; unknown keys are rejected.

Examples:
  otgsim config > otg.toml
  otgsim config --file otg.toml`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)

	configCmd.Flags().StringVarP(&configFile, "file", "f", "",
		"TOML configuration file to load")
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg := host.DefaultConfig()
	if configFile != "" {
		var err error
		if cfg, err = host.LoadConfig(configFile); err != nil {
			return err
		}
	}
	_, err := cfg.WriteTo(cmd.OutOrStdout())
	return err
}
