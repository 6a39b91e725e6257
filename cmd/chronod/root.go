package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:     "chronod",
	Short:   "chronod - template-driven background job daemon",
	Long:    "chronod schedules templated background jobs with cron, records every run, and keeps event summaries and retention in check.",
	Version: Version,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}
