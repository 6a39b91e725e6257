package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("chronod %s\n", Version)
		fmt.Printf("  build time: %s\n", BuildTime)
		fmt.Printf("  git commit: %s\n", GitCommit)
		fmt.Printf("  go version: %s\n", runtime.Version())
	},
}
