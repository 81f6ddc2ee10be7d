package main

import (
	"github.com/spf13/cobra"

	"autocoder/pkg/logx"
)

var (
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "autocoder",
	Short: "Autonomous plugin builder",
	Long: `autocoder turns a plugin description into a working TypeScript project.
It researches the request, generates the code, verifies it inside sandboxed
containers and feeds every failure back to the model until the build is clean.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(*cobra.Command, []string) {
		if debug {
			logx.SetDebug(true)
		}
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetVersionTemplate("autocoder {{.Version}}\n  commit: " + commit + "\n  built:  " + date + "\n")
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "autocoder.yaml", "config file (missing file uses defaults)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}
