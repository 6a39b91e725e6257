package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"chronod/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Config helpers",
}

var configCheckCmd = &cobra.Command{
	Use:   "check <path>",
	Short: "Parse and validate a config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m := config.NewManager(args[0])
		if _, err := m.Load(); err != nil {
			return err
		}
		fmt.Printf("%s: ok\n", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configCheckCmd)
}
