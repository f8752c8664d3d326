package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set by the build via -ldflags "-X main.version=...".
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:          "neonsched",
	Short:        "Agent scheduler for NeonHub marketing automation",
	Long:         "neonsched runs cron-driven marketing agents, persists their schedules and\nexecution history, and serves a management API.",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "neonsched.yaml", "path to config file")
	rootCmd.AddCommand(serveCmd, migrateCmd, versionCmd)
}
