package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ardnew/softotg/pkg"
	"github.com/ardnew/softotg/pkg/prof"
)

var (
	// Global flags
	logLevel  string
	logFormat string
	profiles  prof.Options

	session *prof.Session
)

var rootCmd = &cobra.Command{
	Use:   "otgsim",
	Short: "USB OTG host transfer engine simulator",
	Long: `Run the host-mode transfer engine against a simulated OTG core, DMA
engine and attached device.

Examples:
  otgsim run host/scenario/testdata/*.otg          # Run scenario scripts
  otgsim run --log-level debug dma_in.otg         # Trace the engine
  otgsim config --file otg.toml                   # Show the effective config`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := pkg.ParseLogLevel(logLevel)
		if err != nil {
			return err
		}
		format := pkg.LogFormatText
		switch logFormat {
		case "text":
		case "json":
			format = pkg.LogFormatJSON
		default:
			return fmt.Errorf("%w: log format %q", pkg.ErrInvalidParameter, logFormat)
		}
		pkg.SetLogLevel(level)
		pkg.SetLogOutput(cmd.ErrOrStderr(), format)

		if !profiles.Empty() && !prof.Enabled {
			pkg.LogWarn(pkg.ComponentController, "profiling requested but not compiled in (build with -tags profile)")
		}
		if session != nil {
			// Left over from a command that failed before its post-run.
			session.Stop()
		}
		session, err = prof.Start(profiles)
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if session == nil {
			return nil
		}
		err := session.Stop()
		session = nil
		return err
	},
}

// Execute runs the root command
func Execute() {
	err := rootCmd.Execute()
	if session != nil {
		session.Stop()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn",
		"minimum log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text",
		"log output format (text, json)")
	rootCmd.PersistentFlags().StringVar(&profiles.CPU, "cpuprofile", "",
		"write a CPU profile to this file")
	rootCmd.PersistentFlags().StringVar(&profiles.Heap, "memprofile", "",
		"write a heap profile to this file on exit")
	rootCmd.PersistentFlags().StringVar(&profiles.Mutex, "mutexprofile", "",
		"write a mutex contention profile to this file on exit")
	rootCmd.PersistentFlags().StringVar(&profiles.Block, "blockprofile", "",
		"write a blocking profile to this file on exit")
}
