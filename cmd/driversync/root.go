package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "driversync",
	Short: "Offline-first delivery sync for field drivers",
	Long: `driversync keeps a driver's route, delivery outcomes, and GPS trail
consistent between the device and the dispatch backend, whatever the
network does.

Every delivery outcome is recorded locally first and synced when
connectivity allows. The daemon exposes a loopback status feed for the
driver UI; the other commands inspect or drive the same local store.`,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./driversync.yaml)")
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
